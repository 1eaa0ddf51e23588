package ratelimit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structboard/orchestra/internal/ratelimit"
	"github.com/structboard/orchestra/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestStoreLimiter_CountsDownAndBlocks(t *testing.T) {
	l := ratelimit.NewStoreLimiter(newTestStore(t), testLogger(), 3, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Check(ctx, "id-1", "board.list", true)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 3-(i+1), res.Remaining)
		assert.False(t, res.Degraded)
	}

	res := l.Check(ctx, "id-1", "board.list", true)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.ResetAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestStoreLimiter_PartitionsByIdentityAndTool(t *testing.T) {
	l := ratelimit.NewStoreLimiter(newTestStore(t), testLogger(), 1, 1)
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "id-1", "board.list", true).Allowed)
	assert.False(t, l.Check(ctx, "id-1", "board.list", true).Allowed)

	// A different identity or a different tool has its own counter.
	assert.True(t, l.Check(ctx, "id-2", "board.list", true).Allowed)
	assert.True(t, l.Check(ctx, "id-1", "archive.list", true).Allowed)
}

func TestStoreLimiter_AnonymousCeiling(t *testing.T) {
	l := ratelimit.NewStoreLimiter(newTestStore(t), testLogger(), 60, 2)
	ctx := context.Background()

	res := l.Check(ctx, "anon-id", "board.list", false)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)

	l.Check(ctx, "anon-id", "board.list", false)
	assert.False(t, l.Check(ctx, "anon-id", "board.list", false).Allowed)
}

func TestStoreLimiter_ResetAtIsMinuteAligned(t *testing.T) {
	l := ratelimit.NewStoreLimiter(newTestStore(t), testLogger(), 10, 10)

	res := l.Check(context.Background(), "id-1", "board.list", true)
	assert.Zero(t, res.ResetAt.Second())
	assert.Zero(t, res.ResetAt.Nanosecond())
	assert.True(t, res.ResetAt.After(time.Now().UTC()))
}

// brokenStore fails every rate-limit increment.
type brokenStore struct {
	storage.Store
}

func (brokenStore) IncrementRateLimit(context.Context, string, string, time.Time, int) (storage.RateLimitCount, error) {
	return storage.RateLimitCount{}, errors.New("store unavailable")
}

func TestStoreLimiter_FailsOpenDegraded(t *testing.T) {
	l := ratelimit.NewStoreLimiter(brokenStore{}, testLogger(), 5, 1)

	res := l.Check(context.Background(), "id-1", "board.list", true)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 5, res.Remaining)
}

func TestStoreLimiter_CanceledContextIsNotDegraded(t *testing.T) {
	l := ratelimit.NewStoreLimiter(brokenStore{}, testLogger(), 5, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A canceled caller is not a store outage. The result carries no
	// Degraded flag; the pipeline aborts such calls before dispatch.
	res := l.Check(ctx, "id-1", "board.list", true)
	assert.False(t, res.Degraded)
}

func TestNoop(t *testing.T) {
	res := ratelimit.Noop{}.Check(context.Background(), "id-1", "board.list", true)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Limit)
}
