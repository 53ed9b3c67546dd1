package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bhr/internal/storage"
	"bhr/internal/storage/memory"
)

func TestOperatorAuth(t *testing.T) {
	store := memory.New()
	auth := NewAuthService(store)
	ctx := context.Background()

	_, err := auth.CreateOperator(ctx, "admin", "hunter2")
	require.NoError(t, err)

	assert.True(t, auth.CheckAuth(ctx, "admin", "hunter2"))
	assert.False(t, auth.CheckAuth(ctx, "admin", "wrong"))
	assert.False(t, auth.CheckAuth(ctx, "nobody", "hunter2"))

	// Re-creating does not clobber the existing password.
	_, err = auth.CreateOperator(ctx, "admin", "other")
	require.NoError(t, err)
	assert.True(t, auth.CheckAuth(ctx, "admin", "hunter2"))
}

func TestAPITokenRoundTrip(t *testing.T) {
	store := memory.New()
	auth := NewAuthService(store)
	ctx := context.Background()

	raw, token, err := auth.CreateAPIToken(ctx, "admin", "edge-agents", "", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "bhr_"))
	assert.NotContains(t, token.TokenHash, raw)

	got, err := auth.VerifyToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)
	assert.Equal(t, "edge-agents", got.Name)

	_, err = auth.VerifyToken(ctx, "bhr_bogus")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAPITokenExpiry(t *testing.T) {
	store := memory.New()
	auth := NewAuthService(store)
	ctx := context.Background()

	raw, _, err := auth.CreateAPIToken(ctx, "admin", "short-lived", "", -time.Minute)
	require.NoError(t, err)

	// Negative ttl means no expiry at all.
	_, err = auth.VerifyToken(ctx, raw)
	require.NoError(t, err)

	raw2, token2, err := auth.CreateAPIToken(ctx, "admin", "expired", "", time.Nanosecond)
	require.NoError(t, err)
	require.NotNil(t, token2.ExpiresAt)
	time.Sleep(5 * time.Millisecond)

	_, err = auth.VerifyToken(ctx, raw2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAPITokenListAndDelete(t *testing.T) {
	store := memory.New()
	auth := NewAuthService(store)
	ctx := context.Background()

	_, t1, err := auth.CreateAPIToken(ctx, "admin", "one", "", 0)
	require.NoError(t, err)
	_, _, err = auth.CreateAPIToken(ctx, "admin", "two", "", 0)
	require.NoError(t, err)
	_, _, err = auth.CreateAPIToken(ctx, "other", "theirs", "", 0)
	require.NoError(t, err)

	tokens, err := auth.ListAPITokens(ctx, "admin")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	// Deleting someone else's token fails.
	err = auth.DeleteAPIToken(ctx, t1.ID, "other")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, auth.DeleteAPIToken(ctx, t1.ID, "admin"))
	tokens, err = auth.ListAPITokens(ctx, "admin")
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}
