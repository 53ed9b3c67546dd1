package service

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"

	"bhr/internal/repository"
)

// SweeperService runs the periodic expiry sweep. The Redis lock keeps a
// multi-replica deployment from sweeping more than once per tick; without
// Redis every replica sweeps, which is safe since ExpireDue is idempotent.
type SweeperService struct {
	blocks    *BlockService
	redisRepo *repository.RedisRepository
	interval  time.Duration
	stop      chan struct{}
}

func NewSweeperService(blocks *BlockService, redisRepo *repository.RedisRepository, interval time.Duration) *SweeperService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweeperService{
		blocks:    blocks,
		redisRepo: redisRepo,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

func (s *SweeperService) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *SweeperService) Stop() {
	close(s.stop)
}

// RunOnce performs a single sweep pass if the lock can be taken.
func (s *SweeperService) RunOnce(ctx context.Context) {
	if s.redisRepo != nil {
		acquired, err := s.redisRepo.AcquireLock("lock_sweep", s.interval)
		if err != nil {
			zlog.Warn().Err(err).Msg("Sweep lock unavailable")
			return
		}
		if !acquired {
			return
		}
		defer func() { _ = s.redisRepo.ReleaseLock("lock_sweep") }()
	}

	if _, err := s.blocks.Sweep(ctx, time.Now().UTC()); err != nil {
		zlog.Error().Err(err).Msg("Expiry sweep failed")
	}
}
