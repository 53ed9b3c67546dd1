package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhr/internal/models"
	"bhr/internal/storage"
)

func block(id, cidr string, createdAt time.Time, duration time.Duration) *models.Block {
	return &models.Block{
		ID:        id,
		CIDR:      cidr,
		Source:    "manual",
		CreatedAt: createdAt,
		Duration:  int64(duration.Seconds()),
		Active:    true,
	}
}

func TestCreateBlockConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateBlock(ctx, block("a", "1.2.3.4/32", now, 0)))
	assert.ErrorIs(t, s.CreateBlock(ctx, block("b", "1.2.3.4/32", now, 0)), storage.ErrConflict)

	// An expired holder does not conflict.
	require.NoError(t, s.CreateBlock(ctx, block("c", "5.6.7.8/32", now.Add(-2*time.Hour), time.Hour)))
	assert.NoError(t, s.CreateBlock(ctx, block("d", "5.6.7.8/32", now, 0)))
}

func TestReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateBlock(ctx, block("a", "1.2.3.4/32", time.Now().UTC(), 0)))

	got, err := s.GetBlock(ctx, "a")
	require.NoError(t, err)
	got.Active = false

	again, err := s.GetBlock(ctx, "a")
	require.NoError(t, err)
	assert.True(t, again.Active)
}

func TestViewOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.CreateBlock(ctx, block("b", "2.2.2.2/32", base.Add(2*time.Minute), 0)))
	require.NoError(t, s.CreateBlock(ctx, block("a", "1.1.1.1/32", base.Add(time.Minute), 0)))
	require.NoError(t, s.CreateBlock(ctx, block("c", "3.3.3.3/32", base.Add(3*time.Minute), 0)))

	expected, err := s.Expected(ctx)
	require.NoError(t, err)
	require.Len(t, expected, 3)
	assert.Equal(t, "a", expected[0].ID)
	assert.Equal(t, "b", expected[1].ID)
	assert.Equal(t, "c", expected[2].ID)
}

func TestGetBlockByCIDRReturnsLatest(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	old := block("old", "1.2.3.4/32", now.Add(-time.Hour), 0)
	old.Active = false
	require.NoError(t, s.CreateBlock(ctx, old))
	require.NoError(t, s.CreateBlock(ctx, block("new", "1.2.3.4/32", now, 0)))

	got, err := s.GetBlockByCIDR(ctx, "1.2.3.4/32")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
}
