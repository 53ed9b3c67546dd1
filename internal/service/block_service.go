package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"bhr/internal/metrics"
	"bhr/internal/models"
	"bhr/internal/netblock"
	"bhr/internal/repository"
	"bhr/internal/storage"
)

var (
	// ErrWhitelisted rejects a block request covered by a protected
	// network. The caller may retry with skipWhitelist.
	ErrWhitelisted = errors.New("network is whitelisted")

	// ErrNoSuchActiveBlock is returned when an agent reports against a
	// network that has no active block. Agents drop the stale work item.
	ErrNoSuchActiveBlock = errors.New("no active block for network")
)

// BlockService is the block registry: it owns the Block and
// AgentConfirmation lifecycles and derives every view fresh from them.
// The Redis repository and GeoIP service are optional; a nil value just
// disables heartbeats/rate stats or geo enrichment.
type BlockService struct {
	store     storage.Store
	whitelist *WhitelistService
	redisRepo *repository.RedisRepository
	geo       *GeoIPService

	// Negative cache for the expected-set probe. A miss means the network
	// is definitely not expected; a hit is always confirmed against the
	// store. Rebuilt from scratch after withdraws and sweeps since bloom
	// filters cannot remove.
	bloomFilter *bloom.BloomFilter
	bloomMu     sync.RWMutex
}

func NewBlockService(store storage.Store, whitelist *WhitelistService, redisRepo *repository.RedisRepository, geo *GeoIPService) *BlockService {
	s := &BlockService{
		store:       store,
		whitelist:   whitelist,
		redisRepo:   redisRepo,
		geo:         geo,
		bloomFilter: bloom.NewWithEstimates(1000000, 0.01),
	}
	s.syncBloomFilter(context.Background())
	return s
}

// AddBlock creates a block for the network, or returns the existing active
// one unchanged. The returned bool is true only when a new block was
// created. A concurrent creator losing the insert race transparently
// receives the winner's block.
func (s *BlockService) AddBlock(ctx context.Context, cidr, requestedBy, source, why string, duration time.Duration, skipWhitelist bool) (*models.Block, bool, error) {
	network, err := netblock.Parse(cidr)
	if err != nil {
		return nil, false, err
	}
	canonical := network.String()

	if existing, err := s.store.GetActiveBlockByCIDR(ctx, canonical); err == nil {
		metrics.MetricDuplicateBlocksTotal.Inc()
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup active block: %w", err)
	}

	if !skipWhitelist && s.whitelist != nil {
		entry, err := s.whitelist.IsWhitelisted(ctx, network)
		if err != nil {
			return nil, false, err
		}
		if entry != nil {
			metrics.MetricWhitelistRejectionsTotal.Inc()
			return nil, false, fmt.Errorf("%s covered by whitelist entry %s: %w", canonical, entry.CIDR, ErrWhitelisted)
		}
	}

	block := &models.Block{
		ID:          uuid.NewString(),
		CIDR:        canonical,
		RequestedBy: requestedBy,
		Source:      source,
		Why:         why,
		CreatedAt:   time.Now().UTC(),
		Duration:    int64(duration.Seconds()),
		Active:      true,
	}
	if s.geo != nil {
		block.Geolocation = s.geo.Lookup(network.Addr().String())
	}

	if err := s.store.CreateBlock(ctx, block); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost the create race; hand back the winner.
			winner, err := s.store.GetActiveBlockByCIDR(ctx, canonical)
			if err != nil {
				return nil, false, fmt.Errorf("fetch winning block: %w", err)
			}
			metrics.MetricDuplicateBlocksTotal.Inc()
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("create block: %w", err)
	}

	metrics.MetricBlocksTotal.WithLabelValues(source).Inc()
	_ = s.store.LogAction(ctx, requestedBy, "BLOCK_ADD", canonical, why)
	if s.redisRepo != nil {
		_ = s.redisRepo.IndexBlockEvent(block.ID, block.CreatedAt)
	}

	s.bloomMu.Lock()
	s.bloomFilter.AddString(canonical)
	s.bloomMu.Unlock()

	zlog.Info().Str("cidr", canonical).Str("source", source).Str("id", block.ID).Msg("Block added")
	return block, true, nil
}

// SetBlocked records an agent's confirmation for the network's active
// block. Confirming twice just refreshes the timestamp; the block leaves
// that agent's queue and joins the current view.
func (s *BlockService) SetBlocked(ctx context.Context, cidr, ident string) (*models.Block, error) {
	block, err := s.activeBlock(ctx, cidr)
	if err != nil {
		return nil, err
	}
	return block, s.confirm(ctx, block, ident)
}

// SetBlockedByID is the per-block action form used by queue entries.
func (s *BlockService) SetBlockedByID(ctx context.Context, id, ident string) (*models.Block, error) {
	block, err := s.activeBlockByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return block, s.confirm(ctx, block, ident)
}

func (s *BlockService) confirm(ctx context.Context, block *models.Block, ident string) error {
	if err := s.store.UpsertConfirmation(ctx, block.ID, ident, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert confirmation: %w", err)
	}
	metrics.MetricConfirmationsTotal.WithLabelValues(ident).Inc()
	zlog.Debug().Str("cidr", block.CIDR).Str("ident", ident).Msg("Block confirmed")
	return nil
}

// SetUnblocked clears an agent's confirmation. The block stays active and
// expected; it re-enters that agent's queue.
func (s *BlockService) SetUnblocked(ctx context.Context, cidr, ident string) (*models.Block, error) {
	block, err := s.activeBlock(ctx, cidr)
	if err != nil {
		return nil, err
	}
	return block, s.unconfirm(ctx, block, ident)
}

func (s *BlockService) SetUnblockedByID(ctx context.Context, id, ident string) (*models.Block, error) {
	block, err := s.activeBlockByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return block, s.unconfirm(ctx, block, ident)
}

func (s *BlockService) unconfirm(ctx context.Context, block *models.Block, ident string) error {
	if err := s.store.ClearConfirmation(ctx, block.ID, ident); err != nil {
		return fmt.Errorf("clear confirmation: %w", err)
	}
	metrics.MetricUnconfirmationsTotal.WithLabelValues(ident).Inc()
	zlog.Debug().Str("cidr", block.CIDR).Str("ident", ident).Msg("Block unconfirmed")
	return nil
}

func (s *BlockService) activeBlock(ctx context.Context, cidr string) (*models.Block, error) {
	network, err := netblock.Parse(cidr)
	if err != nil {
		return nil, err
	}
	block, err := s.store.GetActiveBlockByCIDR(ctx, network.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", network.String(), ErrNoSuchActiveBlock)
	}
	return block, err
}

func (s *BlockService) activeBlockByID(ctx context.Context, id string) (*models.Block, error) {
	block, err := s.store.GetBlock(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("block %s: %w", id, ErrNoSuchActiveBlock)
	}
	if err != nil {
		return nil, err
	}
	if !block.Active || block.Expired(time.Now().UTC()) {
		return nil, fmt.Errorf("block %s: %w", id, ErrNoSuchActiveBlock)
	}
	return block, nil
}

// GetBlock looks up the most recent block for the network in any state.
// Callers that only want live blocks combine this with Active.
func (s *BlockService) GetBlock(ctx context.Context, cidr string) (*models.Block, error) {
	network, err := netblock.Parse(cidr)
	if err != nil {
		return nil, err
	}
	return s.store.GetBlockByCIDR(ctx, network.String())
}

func (s *BlockService) GetBlockByID(ctx context.Context, id string) (*models.Block, error) {
	return s.store.GetBlock(ctx, id)
}

func (s *BlockService) Confirmations(ctx context.Context, blockID string) ([]*models.AgentConfirmation, error) {
	return s.store.ListConfirmations(ctx, blockID)
}

// Withdraw deactivates a block administratively. Confirmations are kept
// for audit but drop out of every view.
func (s *BlockService) Withdraw(ctx context.Context, id, actor string) error {
	block, err := s.store.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeactivateBlock(ctx, id); err != nil {
		return err
	}
	_ = s.store.LogAction(ctx, actor, "BLOCK_WITHDRAW", block.CIDR, "")
	zlog.Info().Str("cidr", block.CIDR).Str("actor", actor).Msg("Block withdrawn")

	// Bloom filters cannot remove, so rebuild.
	go s.syncBloomFilter(context.Background())
	return nil
}

func (s *BlockService) Pending(ctx context.Context) ([]*models.Block, error) {
	return s.store.Pending(ctx)
}

func (s *BlockService) Current(ctx context.Context) ([]*models.Block, error) {
	return s.store.Current(ctx)
}

func (s *BlockService) Expected(ctx context.Context) ([]*models.Block, error) {
	return s.store.Expected(ctx)
}

// Queue lists the active blocks the agent has not confirmed (or has
// un-confirmed). Polling doubles as the agent heartbeat.
func (s *BlockService) Queue(ctx context.Context, ident string) ([]*models.Block, error) {
	if s.redisRepo != nil {
		if err := s.redisRepo.RecordAgentPoll(ident, time.Now()); err != nil {
			zlog.Warn().Err(err).Str("ident", ident).Msg("Failed to record agent heartbeat")
		}
	}
	return s.store.Queue(ctx, ident)
}

// IsExpected reports whether the network currently has an active block.
// The bloom filter short-circuits definite misses; hits are confirmed
// against the store.
func (s *BlockService) IsExpected(ctx context.Context, cidr string) (bool, error) {
	network, err := netblock.Parse(cidr)
	if err != nil {
		return false, err
	}
	canonical := network.String()

	s.bloomMu.RLock()
	miss := !s.bloomFilter.TestString(canonical)
	s.bloomMu.RUnlock()
	if miss {
		return false, nil
	}

	_, err = s.store.GetActiveBlockByCIDR(ctx, canonical)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Sweep deactivates every block whose duration has elapsed at now and
// returns their ids. Expiry is monotonic; a later AddBlock for the same
// network creates a fresh block.
func (s *BlockService) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := s.store.ExpireDue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("expire due blocks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		metrics.MetricExpiredBlocksTotal.Inc()
		_ = s.store.LogAction(ctx, "sweeper", "BLOCK_EXPIRE", id, "")
	}
	if s.redisRepo != nil {
		_ = s.redisRepo.PruneBlockEvents(now.Add(-25 * time.Hour))
	}
	s.syncBloomFilter(ctx)

	zlog.Info().Int("count", len(ids)).Msg("Swept expired blocks")
	return ids, nil
}

func (s *BlockService) syncBloomFilter(ctx context.Context) {
	blocks, err := s.store.Expected(ctx)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to list expected blocks for bloom filter sync")
		return
	}

	filter := bloom.NewWithEstimates(1000000, 0.01)
	for _, b := range blocks {
		filter.AddString(b.CIDR)
	}

	s.bloomMu.Lock()
	s.bloomFilter = filter
	s.bloomMu.Unlock()
}

// Stats is the operator-facing counters bundle.
type Stats struct {
	Pending        int                  `json:"pending"`
	Current        int                  `json:"current"`
	Expected       int                  `json:"expected"`
	BlocksLastHour int                  `json:"blocks_last_hour"`
	BlocksLastDay  int                  `json:"blocks_last_day"`
	Agents         []models.AgentStatus `json:"agents"`
}

func (s *BlockService) Stats(ctx context.Context) (*Stats, error) {
	pending, err := s.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	current, err := s.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	expected, err := s.store.Expected(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Pending:  len(pending),
		Current:  len(current),
		Expected: len(expected),
	}
	if s.redisRepo != nil {
		st.BlocksLastHour, _ = s.redisRepo.CountBlocksLastHour()
		st.BlocksLastDay, _ = s.redisRepo.CountBlocksLastDay()
		st.Agents, _ = s.redisRepo.GetAgentPolls()
	}
	return st, nil
}

func (s *BlockService) AuditLogs(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	return s.store.GetAuditLogs(ctx, limit)
}
