package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"bhr/internal/models"
	"bhr/internal/netblock"
	"bhr/internal/storage"
)

// WhitelistService owns the protected-network entries. Block creation only
// reads it; entries are managed through a separate administrative flow.
type WhitelistService struct {
	store storage.Store
}

func NewWhitelistService(store storage.Store) *WhitelistService {
	return &WhitelistService{store: store}
}

// IsWhitelisted reports whether any entry's network contains the candidate.
// Containment is checked as "candidate inside entry", not the reverse.
// Returns the matching entry for error reporting.
func (s *WhitelistService) IsWhitelisted(ctx context.Context, network netblock.Network) (*models.WhitelistEntry, error) {
	entries, err := s.store.ListWhitelistEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}

	for _, e := range entries {
		entryNet, err := netblock.Parse(e.CIDR)
		if err != nil {
			zlog.Warn().Str("cidr", e.CIDR).Str("id", e.ID).Msg("Skipping malformed whitelist entry")
			continue
		}
		if entryNet.Contains(network) {
			return e, nil
		}
	}
	return nil, nil
}

func (s *WhitelistService) Add(ctx context.Context, cidr, who, why string) (*models.WhitelistEntry, error) {
	network, err := netblock.Parse(cidr)
	if err != nil {
		return nil, err
	}

	entry := &models.WhitelistEntry{
		ID:        uuid.NewString(),
		CIDR:      network.String(),
		Who:       who,
		Why:       why,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWhitelistEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("create whitelist entry: %w", err)
	}
	_ = s.store.LogAction(ctx, who, "WHITELIST_ADD", entry.CIDR, why)

	zlog.Info().Str("cidr", entry.CIDR).Str("who", who).Msg("Whitelist entry added")
	return entry, nil
}

func (s *WhitelistService) List(ctx context.Context) ([]*models.WhitelistEntry, error) {
	return s.store.ListWhitelistEntries(ctx)
}

func (s *WhitelistService) Remove(ctx context.Context, id, actor string) error {
	if err := s.store.DeleteWhitelistEntry(ctx, id); err != nil {
		return err
	}
	_ = s.store.LogAction(ctx, actor, "WHITELIST_REMOVE", id, "")
	return nil
}
