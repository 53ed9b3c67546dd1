package service

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/oschwald/geoip2-golang"
	zlog "github.com/rs/zerolog/log"

	"bhr/internal/models"
)

// GeoIPService annotates blocks with country/ASN context for operators.
// Fully optional: with no mmdb files on disk every lookup returns nil.
type GeoIPService struct {
	mu          sync.RWMutex
	geoipReader *geoip2.Reader
	asnReader   *geoip2.Reader
	searchDirs  []string
}

func NewGeoIPService(dir string) *GeoIPService {
	dirs := []string{}
	if dir != "" {
		dirs = append(dirs, dir)
	}
	dirs = append(dirs, "/usr/share/GeoIP", "/tmp")

	s := &GeoIPService{searchDirs: dirs}
	s.ReloadReaders()
	return s
}

func (s *GeoIPService) findDBPath(filename string) string {
	for _, d := range s.searchDirs {
		p := filepath.Join(d, filename)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ReloadReaders reopens the mmdb files, picking up fresh downloads.
func (s *GeoIPService) ReloadReaders() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.findDBPath("GeoLite2-City.mmdb"); p != "" {
		if reader, err := geoip2.Open(p); err == nil {
			old := s.geoipReader
			s.geoipReader = reader
			if old != nil {
				_ = old.Close()
			}
			zlog.Info().Str("path", p).Msg("GeoIPService: Loaded GeoLite2-City")
		}
	}

	if p := s.findDBPath("GeoLite2-ASN.mmdb"); p != "" {
		if reader, err := geoip2.Open(p); err == nil {
			old := s.asnReader
			s.asnReader = reader
			if old != nil {
				_ = old.Close()
			}
			zlog.Info().Str("path", p).Msg("GeoIPService: Loaded GeoLite2-ASN")
		}
	}
}

func (s *GeoIPService) Lookup(ipStr string) *models.GeoData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil
	}

	data := &models.GeoData{}

	if s.geoipReader != nil {
		if record, err := s.geoipReader.City(ip); err == nil {
			data.Country = record.Country.IsoCode
			data.City = record.City.Names["en"]
			data.Latitude = record.Location.Latitude
			data.Longitude = record.Location.Longitude
		}
	}

	if s.asnReader != nil {
		if record, err := s.asnReader.ASN(ip); err == nil {
			data.ASN = record.AutonomousSystemNumber
			data.ASNOrg = record.AutonomousSystemOrganization
		}
	}

	if data.Country == "" && data.ASN == 0 {
		return nil
	}
	return data
}

func (s *GeoIPService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.geoipReader != nil {
		_ = s.geoipReader.Close()
		s.geoipReader = nil
	}
	if s.asnReader != nil {
		_ = s.asnReader.Close()
		s.asnReader = nil
	}
}
