// Package ratelimit enforces per-identity, per-tool request ceilings over
// fixed one-minute windows.
//
// Windows are aligned to wall-clock minute boundaries, so every gateway
// instance sharing a store computes identical window keys and the counters
// aggregate correctly across instances. The limiter fails open: if the store
// cannot be reached the request proceeds and the result is marked Degraded.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/structboard/orchestra/internal/storage"
)

// Window is the fixed rate-limit window length.
const Window = time.Minute

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// Degraded is set when the store was unreachable and the request was
	// admitted without counting. Distinguishes "allowed under the limit"
	// from "allowed because enforcement was unavailable".
	Degraded bool
}

// Limiter decides whether a request may proceed.
type Limiter interface {
	// Check records one request for (identity, tool) and reports whether it
	// fits within the window ceiling. Authenticated controls which ceiling
	// applies.
	Check(ctx context.Context, identity, tool string, authenticated bool) Result
}

// StoreLimiter is the store-backed fixed-window Limiter.
type StoreLimiter struct {
	store     storage.Store
	logger    *slog.Logger
	authLimit int
	anonLimit int
	now       func() time.Time
}

var _ Limiter = (*StoreLimiter)(nil)

// NewStoreLimiter creates a limiter with separate ceilings for authenticated
// and anonymous identities.
func NewStoreLimiter(store storage.Store, logger *slog.Logger, authLimit, anonLimit int) *StoreLimiter {
	return &StoreLimiter{
		store:     store,
		logger:    logger,
		authLimit: authLimit,
		anonLimit: anonLimit,
		now:       time.Now,
	}
}

// Check implements Limiter. The store-side increment is atomic, so
// concurrent requests for the same window each observe a distinct count and
// the ceiling cannot be overrun by a check-then-increment race.
func (l *StoreLimiter) Check(ctx context.Context, identity, tool string, authenticated bool) Result {
	limit := l.anonLimit
	if authenticated {
		limit = l.authLimit
	}

	now := l.now().UTC()
	windowStart := now.Truncate(Window)
	resetAt := windowStart.Add(Window)

	count, err := l.store.IncrementRateLimit(ctx, identity, tool, windowStart, limit)
	if err != nil {
		if ctx.Err() != nil {
			// The caller went away, not the store. Not Degraded and not
			// logged as a store failure; the pipeline aborts the call
			// before dispatch on a canceled context.
			return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}
		}
		// Fail open. Availability of the gateway outranks strict
		// enforcement when the store is down.
		l.logger.Error("ratelimit: store increment failed, admitting request",
			"identity", identity,
			"tool", tool,
			"error", err,
		)
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt, Degraded: true}
	}

	remaining := limit - count.Current
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count.Allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Noop is a Limiter that admits everything, used when rate limiting is
// disabled by configuration.
type Noop struct{}

var _ Limiter = Noop{}

// Check always allows. Limit 0 signals "no ceiling" to envelope writers,
// which omit the rate-limit headers for noop results.
func (Noop) Check(context.Context, string, string, bool) Result {
	return Result{Allowed: true}
}
