package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeExpirySweep = "blocks:sweep"
)

func NewExpirySweepTask() *asynq.Task {
	return asynq.NewTask(TypeExpirySweep, nil, asynq.MaxRetry(3), asynq.Queue("default"))
}

// SweepService is the slice of the block registry the sweep task needs.
type SweepService interface {
	Sweep(ctx context.Context, now time.Time) ([]string, error)
}

type SweepTaskHandler struct {
	blocks SweepService
}

func NewSweepTaskHandler(blocks SweepService) *SweepTaskHandler {
	return &SweepTaskHandler{blocks: blocks}
}

func (h *SweepTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ids, err := h.blocks.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("expiry sweep: %w", err)
	}
	if len(ids) > 0 {
		zlog.Info().Int("expired", len(ids)).Msg("Asynq: expiry sweep done")
	}
	return nil
}
