package storage_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structboard/orchestra/internal/model"
	"github.com/structboard/orchestra/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runStoreSuite exercises the full Store contract. Both implementations run
// the same suite so their semantics cannot drift apart.
func runStoreSuite(t *testing.T, store storage.Store) {
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, store) })
	t.Run("RateLimit", func(t *testing.T) { testRateLimit(t, store) })
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, store) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, store) })
	t.Run("Archives", func(t *testing.T) { testArchives(t, store) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, store) })
}

func testAPIKeys(t *testing.T, store storage.Store) {
	ctx := context.Background()

	_, err := store.LookupAPIKeyByHash(ctx, "no-such-hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	key := model.APIKeyRecord{
		ID:        uuid.New(),
		Name:      "suite-key",
		KeyHash:   "hash-" + uuid.NewString(),
		Scopes:    []model.Scope{model.ScopeArchiveRead, model.ScopeBoardWrite},
		Projects:  []string{"proj-a", "proj-b"},
		ExpiresAt: &expires,
		IsActive:  true,
	}
	require.NoError(t, store.CreateAPIKey(ctx, key))

	got, err := store.LookupAPIKeyByHash(ctx, key.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "suite-key", got.Name)
	assert.Equal(t, key.Scopes, got.Scopes)
	assert.Equal(t, key.Projects, got.Projects)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.LastUsedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, expires, *got.ExpiresAt, time.Second)

	require.NoError(t, store.TouchAPIKeyLastUsed(ctx, key.ID))
	got, err = store.LookupAPIKeyByHash(ctx, key.KeyHash)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, time.Now().UTC(), *got.LastUsedAt, 5*time.Second)
}

func testRateLimit(t *testing.T, store storage.Store) {
	ctx := context.Background()
	window := time.Now().UTC().Truncate(time.Minute)
	identity := "identity-" + uuid.NewString()

	const limit = 3
	for i := 1; i <= limit; i++ {
		count, err := store.IncrementRateLimit(ctx, identity, "board.list", window, limit)
		require.NoError(t, err)
		assert.True(t, count.Allowed)
		assert.Equal(t, i, count.Current)
	}

	count, err := store.IncrementRateLimit(ctx, identity, "board.list", window, limit)
	require.NoError(t, err)
	assert.False(t, count.Allowed)
	assert.Equal(t, limit+1, count.Current)

	// A fresh window starts a fresh counter.
	next := window.Add(time.Minute)
	count, err = store.IncrementRateLimit(ctx, identity, "board.list", next, limit)
	require.NoError(t, err)
	assert.True(t, count.Allowed)
	assert.Equal(t, 1, count.Current)
}

func testIdempotency(t *testing.T, store storage.Store) {
	ctx := context.Background()
	key := "key-" + uuid.NewString()

	_, err := store.GetIdempotentResponse(ctx, "archive.create", key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first := json.RawMessage(`{"success":true,"result":{"id":"one"}}`)
	require.NoError(t, store.PutIdempotentResponse(ctx, "archive.create", key, first, time.Hour))

	got, err := store.GetIdempotentResponse(ctx, "archive.create", key)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(got))

	// Same key under a different tool is a distinct record.
	_, err = store.GetIdempotentResponse(ctx, "board.update", key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Last write wins on key reuse.
	second := json.RawMessage(`{"success":true,"result":{"id":"two"}}`)
	require.NoError(t, store.PutIdempotentResponse(ctx, "archive.create", key, second, time.Hour))
	got, err = store.GetIdempotentResponse(ctx, "archive.create", key)
	require.NoError(t, err)
	assert.JSONEq(t, string(second), string(got))

	// Expired records behave as absent.
	expiredKey := "expired-" + uuid.NewString()
	require.NoError(t, store.PutIdempotentResponse(ctx, "archive.create", expiredKey, first, -time.Minute))
	_, err = store.GetIdempotentResponse(ctx, "archive.create", expiredKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAudit(t *testing.T, store storage.Store) {
	ctx := context.Background()

	err := store.AppendAuditEvent(ctx, model.AuditEvent{
		RequestID: "req_123_abc",
		AgentID:   "agent-1",
		SessionID: "session-1",
		Tool:      "archive.create",
		Level:     model.LevelInfo,
		Message:   "tool executed",
		Context:   map[string]any{"project_id": "proj-a", "duration_ms": 12},
	})
	require.NoError(t, err)

	// Events without optional fields are accepted too.
	err = store.AppendAuditEvent(ctx, model.AuditEvent{
		Level:   model.LevelWarn,
		Message: "rate limit exceeded",
	})
	require.NoError(t, err)
}

func testArchives(t *testing.T, store storage.Store) {
	ctx := context.Background()
	project := "proj-" + uuid.NewString()

	created, err := store.InsertArchive(ctx, model.Archive{
		ProjectID:         project,
		Title:             "first",
		StructureSnapshot: json.RawMessage(`{"tasks":[{"id":1}]}`),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	second, err := store.InsertArchive(ctx, model.Archive{
		ProjectID: project,
		Title:     "second",
		CreatedAt: created.CreatedAt.Add(time.Second),
	})
	require.NoError(t, err)

	list, err := store.ListArchives(ctx, project, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Title, "newest first")
	assert.JSONEq(t, `{"tasks":[{"id":1}]}`, string(list[1].StructureSnapshot))

	limited, err := store.ListArchives(ctx, project, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	other, err := store.ListArchives(ctx, "unrelated-project", 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	newTitle := "renamed"
	updated, err := store.UpdateArchive(ctx, project, second.ID, model.BoardPatch{Title: &newTitle})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	require.NotNil(t, updated.UpdatedAt)

	// Project scoping: the row is invisible to another project's update.
	_, err = store.UpdateArchive(ctx, "unrelated-project", second.ID, model.BoardPatch{Title: &newTitle})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.UpdateArchive(ctx, project, uuid.New(), model.BoardPatch{Title: &newTitle})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCleanup(t *testing.T, store storage.Store) {
	ctx := context.Background()
	key := "sweep-" + uuid.NewString()

	require.NoError(t, store.PutIdempotentResponse(ctx, "board.list", key, json.RawMessage(`{}`), -time.Minute))
	_, err := store.IncrementRateLimit(ctx, "sweep-identity", "board.list", time.Now().UTC().Add(-time.Hour).Truncate(time.Minute), 10)
	require.NoError(t, err)

	removed, err := store.CleanupExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(2))

	_, err = store.GetIdempotentResponse(ctx, "board.list", key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
