// Package audit records pipeline and tool activity to an append-only trail.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/structboard/orchestra/internal/model"
	"github.com/structboard/orchestra/internal/storage"
)

// appendTimeout bounds detached audit writes so they cannot hold store
// connections long after the triggering request finished.
const appendTimeout = 5 * time.Second

// Trail writes audit events to structured logs and to the store.
// Store writes are best-effort: an unreachable store never fails the
// operation that produced the event.
type Trail struct {
	store  storage.Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewTrail creates a Trail backed by the given store.
func NewTrail(store storage.Store, logger *slog.Logger) *Trail {
	return &Trail{store: store, logger: logger}
}

// Record emits the event to the structured log and appends it to the store
// on a detached goroutine. The caller never blocks on the store and never
// observes an audit failure.
func (t *Trail) Record(event model.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.logger.LogAttrs(context.Background(), slogLevel(event.Level), event.Message,
		slog.String("request_id", event.RequestID),
		slog.String("tool", event.Tool),
		slog.String("agent_id", event.AgentID),
	)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		defer cancel()
		if err := t.store.AppendAuditEvent(ctx, event); err != nil {
			t.logger.Warn("audit: append failed, event lost from trail",
				"request_id", event.RequestID,
				"tool", event.Tool,
				"error", err,
			)
		}
	}()
}

// Append writes the event synchronously. Used by the logs.write tool, whose
// contract is that the entry is durable when the call succeeds.
func (t *Trail) Append(ctx context.Context, event model.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return t.store.AppendAuditEvent(ctx, event)
}

// Flush waits for in-flight detached writes. Intended for shutdown and tests.
func (t *Trail) Flush() {
	t.wg.Wait()
}

func slogLevel(level model.LogLevel) slog.Level {
	switch level {
	case model.LevelDebug:
		return slog.LevelDebug
	case model.LevelWarn:
		return slog.LevelWarn
	case model.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
