package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhr/internal/models"
	"bhr/internal/storage"
	"bhr/internal/storage/memory"
)

func newTestBlockService(t *testing.T) (*BlockService, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	whitelist := NewWhitelistService(store)
	return NewBlockService(store, whitelist, nil, nil), store
}

func cidrs(blocks []*models.Block) []string {
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.CIDR)
	}
	return out
}

func TestGetBlockUnknownNetwork(t *testing.T) {
	svc, _ := newTestBlockService(t)

	_, err := svc.GetBlock(context.Background(), "1.2.3.4")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddBlockCanonicalizesNetwork(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	b, created, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1.2.3.4/32", b.CIDR)

	b2, created, err := svc.AddBlock(ctx, "10.20.30.40/24", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "10.20.30.0/24", b2.CIDR)
}

func TestAddBlockRejectsGarbage(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	for _, bad := range []string{"", "not-an-ip", "1.2.3.4/33", "1.2.3/24"} {
		_, _, err := svc.AddBlock(ctx, bad, "admin", "manual", "testing", 0, false)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestAddBlockIdempotent(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	first, created, err := svc.AddBlock(ctx, "1.2.3.4/32", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)
	require.True(t, created)

	// Same network again, even with different metadata: the existing
	// block comes back unchanged.
	second, created, err := svc.AddBlock(ctx, "1.2.3.4", "other", "auto", "different reason", time.Hour, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "admin", second.RequestedBy)
	assert.Equal(t, "testing", second.Why)
	assert.Equal(t, int64(0), second.Duration)
}

func TestBlockLifecycleViews(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	b, _, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)

	// Fresh block: pending and expected, not current, queued for every agent.
	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4/32"}, cidrs(pending))

	current, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	expected, err := svc.Expected(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4/32"}, cidrs(expected))

	queue, err := svc.Queue(ctx, "edge1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4/32"}, cidrs(queue))

	// Agent confirms: leaves pending and the agent's queue, joins current.
	confirmed, err := svc.SetBlocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, confirmed.ID)

	pending, err = svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	current, err = svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4/32"}, cidrs(current))

	queue, err = svc.Queue(ctx, "edge1")
	require.NoError(t, err)
	assert.Empty(t, queue)

	// Agent un-confirms: back out of current, back into the queue, but the
	// block is still expected.
	_, err = svc.SetUnblocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)

	current, err = svc.Current(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	expected, err = svc.Expected(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4/32"}, cidrs(expected))

	queue, err = svc.Queue(ctx, "edge1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4/32"}, cidrs(queue))
}

func TestTwoAgentsIndependentQueues(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	_, _, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)

	_, err = svc.SetBlocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)

	// One confirmation is enough for current, but edge2 still has work.
	current, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Len(t, current, 1)

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	queue1, err := svc.Queue(ctx, "edge1")
	require.NoError(t, err)
	assert.Empty(t, queue1)

	queue2, err := svc.Queue(ctx, "edge2")
	require.NoError(t, err)
	assert.Len(t, queue2, 1)

	// Both confirmed: current lists the block once, not per agent.
	_, err = svc.SetBlocked(ctx, "1.2.3.4", "edge2")
	require.NoError(t, err)

	current, err = svc.Current(ctx)
	require.NoError(t, err)
	assert.Len(t, current, 1)

	// edge1 dropping out leaves the other confirmation standing.
	_, err = svc.SetUnblocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)

	current, err = svc.Current(ctx)
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestSetBlockedWithoutActiveBlock(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	_, err := svc.SetBlocked(ctx, "1.2.3.4", "edge1")
	assert.ErrorIs(t, err, ErrNoSuchActiveBlock)

	_, err = svc.SetUnblocked(ctx, "1.2.3.4", "edge1")
	assert.ErrorIs(t, err, ErrNoSuchActiveBlock)
}

func TestSetBlockedByID(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	b, _, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)

	_, err = svc.SetBlockedByID(ctx, b.ID, "edge1")
	require.NoError(t, err)

	queue, err := svc.Queue(ctx, "edge1")
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, err = svc.SetBlockedByID(ctx, "no-such-id", "edge1")
	assert.ErrorIs(t, err, ErrNoSuchActiveBlock)

	// Withdrawn blocks no longer accept confirmations.
	require.NoError(t, svc.Withdraw(ctx, b.ID, "admin"))
	_, err = svc.SetBlockedByID(ctx, b.ID, "edge1")
	assert.ErrorIs(t, err, ErrNoSuchActiveBlock)
}

func TestWhitelistBlocksRequest(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	_, err := svc.whitelist.Add(ctx, "10.0.0.0/8", "admin", "corp space")
	require.NoError(t, err)

	_, _, err = svc.AddBlock(ctx, "10.1.2.3", "admin", "manual", "testing", 0, false)
	assert.ErrorIs(t, err, ErrWhitelisted)

	// A containing supernet of the whitelist entry is not covered by it.
	b, created, err := svc.AddBlock(ctx, "10.0.0.0/7", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "10.0.0.0/7", b.CIDR)

	// skip_whitelist overrides.
	b, created, err = svc.AddBlock(ctx, "10.1.2.3", "admin", "manual", "emergency", 0, true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "10.1.2.3/32", b.CIDR)
}

func TestWithdrawRemovesFromViews(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	b, _, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)
	_, err = svc.SetBlocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)

	require.NoError(t, svc.Withdraw(ctx, b.ID, "admin"))

	for name, view := range map[string]func(context.Context) ([]*models.Block, error){
		"pending":  svc.Pending,
		"current":  svc.Current,
		"expected": svc.Expected,
	} {
		blocks, err := view(ctx)
		require.NoError(t, err)
		assert.Empty(t, blocks, "view %s", name)
	}

	queue, err := svc.Queue(ctx, "edge2")
	require.NoError(t, err)
	assert.Empty(t, queue)

	// History survives: the block is still retrievable, just inactive.
	got, err := svc.GetBlock(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.False(t, got.Active)

	// And a new request for the same network starts a fresh block.
	b2, created, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "again", 0, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, b.ID, b2.ID)
}

func TestExpiredBlockLeavesViewsBeforeSweep(t *testing.T) {
	svc, store := newTestBlockService(t)
	ctx := context.Background()

	// Plant a block whose TTL elapsed ten minutes ago.
	old := &models.Block{
		ID:        "expired-1",
		CIDR:      "5.6.7.8/32",
		Source:    "manual",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		Duration:  int64((50 * time.Minute).Seconds()),
		Active:    true,
	}
	require.NoError(t, store.CreateBlock(ctx, old))

	expected, err := svc.Expected(ctx)
	require.NoError(t, err)
	assert.Empty(t, expected)

	queue, err := svc.Queue(ctx, "edge1")
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, err = svc.SetBlocked(ctx, "5.6.7.8", "edge1")
	assert.ErrorIs(t, err, ErrNoSuchActiveBlock)

	// Re-blocking the network yields a brand new block, not a revival.
	b, created, err := svc.AddBlock(ctx, "5.6.7.8", "admin", "manual", "again", 0, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, old.ID, b.ID)
}

func TestSweepExpiresDueBlocks(t *testing.T) {
	svc, store := newTestBlockService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := &models.Block{
		ID:        "due-1",
		CIDR:      "5.6.7.8/32",
		Source:    "manual",
		CreatedAt: now.Add(-2 * time.Hour),
		Duration:  int64(time.Hour.Seconds()),
		Active:    true,
	}
	require.NoError(t, store.CreateBlock(ctx, due))

	keep, _, err := svc.AddBlock(ctx, "9.9.9.9", "admin", "manual", "long", 24*time.Hour, false)
	require.NoError(t, err)

	forever, _, err := svc.AddBlock(ctx, "8.8.8.8", "admin", "manual", "indefinite", 0, false)
	require.NoError(t, err)

	ids, err := svc.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"due-1"}, ids)

	// A second sweep finds nothing; expiry is idempotent.
	ids, err = svc.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ids)

	expected, err := svc.Expected(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{keep.CIDR, forever.CIDR}, cidrs(expected))
}

func TestIsExpected(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	ok, err := svc.IsExpected(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	b, _, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)

	ok, err = svc.IsExpected(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)

	// A confirmed-state change does not affect expectedness.
	_, err = svc.SetBlocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)
	ok, err = svc.IsExpected(ctx, "1.2.3.4/32")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.Withdraw(ctx, b.ID, "admin"))
	ok, err = svc.IsExpected(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentAddBlockSingleWinner(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	createdFlags := make([]bool, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, created, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "race", 0, false)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = b.ID
			createdFlags[i] = created
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if createdFlags[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	expected, err := svc.Expected(ctx)
	require.NoError(t, err)
	assert.Len(t, expected, 1)
}

func TestStatsCounts(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	_, _, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "a", 0, false)
	require.NoError(t, err)
	_, _, err = svc.AddBlock(ctx, "5.6.7.8", "admin", "manual", "b", 0, false)
	require.NoError(t, err)
	_, err = svc.SetBlocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Current)
	assert.Equal(t, 2, st.Expected)
}

func TestConfirmationsListed(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	b, _, err := svc.AddBlock(ctx, "1.2.3.4", "admin", "manual", "testing", 0, false)
	require.NoError(t, err)
	_, err = svc.SetBlocked(ctx, "1.2.3.4", "edge1")
	require.NoError(t, err)
	_, err = svc.SetBlocked(ctx, "1.2.3.4", "edge2")
	require.NoError(t, err)
	_, err = svc.SetUnblocked(ctx, "1.2.3.4", "edge2")
	require.NoError(t, err)

	confs, err := svc.Confirmations(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, confs, 2)

	byIdent := map[string]*models.AgentConfirmation{}
	for _, c := range confs {
		byIdent[c.Ident] = c
	}
	require.NotNil(t, byIdent["edge1"].ConfirmedAt)
	assert.Nil(t, byIdent["edge2"].ConfirmedAt)
}

func TestAddBlockWhitelistErrorIsNotFatal(t *testing.T) {
	svc, _ := newTestBlockService(t)
	ctx := context.Background()

	_, err := svc.whitelist.Add(ctx, "10.0.0.0/8", "admin", "corp")
	require.NoError(t, err)

	// Unrelated networks pass the whitelist untouched.
	_, created, err := svc.AddBlock(ctx, "192.0.2.1", "admin", "manual", "ok", 0, false)
	require.NoError(t, err)
	assert.True(t, created)

	// The whitelist error wraps the sentinel and names the entry.
	_, _, err = svc.AddBlock(ctx, "10.9.9.9", "admin", "manual", "nope", 0, false)
	require.True(t, errors.Is(err, ErrWhitelisted))
	assert.Contains(t, err.Error(), "10.0.0.0/8")
}
