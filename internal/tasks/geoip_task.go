package tasks

import (
	"context"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeGeoIPReload = "geoip:reload"
)

func NewGeoIPReloadTask() *asynq.Task {
	return asynq.NewTask(TypeGeoIPReload, nil, asynq.MaxRetry(3), asynq.Queue("low"))
}

// GeoIPService re-opens the mmdb readers; the databases themselves are
// refreshed on disk by an external updater.
type GeoIPService interface {
	ReloadReaders()
}

type GeoIPTaskHandler struct {
	geo GeoIPService
}

func NewGeoIPTaskHandler(geo GeoIPService) *GeoIPTaskHandler {
	return &GeoIPTaskHandler{geo: geo}
}

func (h *GeoIPTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h.geo != nil {
		h.geo.ReloadReaders()
		zlog.Info().Msg("Asynq: GeoIP readers reloaded")
	}
	return nil
}
