// Package storage provides the backing-store capability for the gateway.
//
// The gateway depends on a narrow Store interface: API key lookup, an atomic
// rate-limit increment, idempotency record read/write, append-only audit,
// and the per-tool archive operations. Two implementations ship: Postgres
// (production, via pgxpool) and SQLite (embedded, for local development and
// tests). Cross-request coordination (rate-limit counters, idempotency
// records) is enforced store-side so multiple gateway instances can share
// one store safely.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/structboard/orchestra/internal/model"
)

// RateLimitCount is the result of one atomic increment-and-compare.
type RateLimitCount struct {
	Allowed bool
	Current int
}

// Store is the capability interface the gateway is built against.
// Implementations must be safe for concurrent use.
type Store interface {
	// LookupAPIKeyByHash returns the key record whose key_hash equals hash,
	// regardless of active/expired state (the resolver applies usability
	// rules). Returns ErrNotFound when no such record exists.
	LookupAPIKeyByHash(ctx context.Context, hash string) (model.APIKeyRecord, error)

	// TouchAPIKeyLastUsed updates last_used_at. Callers fire-and-forget.
	TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error

	// CreateAPIKey provisions a dynamic key record.
	CreateAPIKey(ctx context.Context, key model.APIKeyRecord) error

	// IncrementRateLimit atomically increments the counter for
	// (identity, tool, windowStart) and compares it against limit.
	// The increment and compare are one store-side statement: concurrent
	// callers cannot overrun the limit through a check-then-increment race.
	IncrementRateLimit(ctx context.Context, identity, tool string, windowStart time.Time, limit int) (RateLimitCount, error)

	// GetIdempotentResponse returns the stored response snapshot for
	// (tool, key) if present and unexpired; ErrNotFound otherwise.
	GetIdempotentResponse(ctx context.Context, tool, key string) (json.RawMessage, error)

	// PutIdempotentResponse stores a response snapshot with the given TTL.
	// Last write wins on key reuse.
	PutIdempotentResponse(ctx context.Context, tool, key string, response json.RawMessage, ttl time.Duration) error

	// AppendAuditEvent appends one event to the immutable audit trail.
	AppendAuditEvent(ctx context.Context, event model.AuditEvent) error

	// InsertArchive stores a new archive snapshot and returns it with
	// server-assigned fields populated.
	InsertArchive(ctx context.Context, archive model.Archive) (model.Archive, error)

	// ListArchives returns up to limit archives for a project, newest first.
	ListArchives(ctx context.Context, projectID string, limit int) ([]model.Archive, error)

	// UpdateArchive applies a whitelisted patch to an archive scoped to
	// projectID. Returns ErrNotFound when no row matches.
	UpdateArchive(ctx context.Context, projectID string, id uuid.UUID, patch model.BoardPatch) (model.Archive, error)

	// CleanupExpired removes expired idempotency records and closed
	// rate-limit windows. Returns the number of rows removed.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close(ctx context.Context) error
}
