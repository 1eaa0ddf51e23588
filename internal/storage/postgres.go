package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/structboard/orchestra/internal/model"
)

// Postgres is the production Store backed by a pgxpool.Pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store with a connection pool and verifies
// connectivity.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *Postgres) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *Postgres) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *Postgres) Close(context.Context) error {
	db.pool.Close()
	return nil
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order. Applied files are tracked in schema_migrations so
// each runs at most once. Forward-only, for development and testing;
// production uses an external migration tool.
func (db *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := db.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		name := entry.Name()
		if applied[name] {
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		db.logger.Info("running migration", "file", name)
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}

		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}

	return nil
}

func (db *Postgres) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// LookupAPIKeyByHash returns the key record matching the HMAC hash.
func (db *Postgres) LookupAPIKeyByHash(ctx context.Context, hash string) (model.APIKeyRecord, error) {
	var (
		k        model.APIKeyRecord
		scopes   []string
		projects []string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, key_hash, scopes, projects, last_used_at, expires_at, is_active, created_at
		 FROM api_keys
		 WHERE key_hash = $1`,
		hash,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &scopes, &projects, &k.LastUsedAt, &k.ExpiresAt, &k.IsActive, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKeyRecord{}, ErrNotFound
		}
		return model.APIKeyRecord{}, fmt.Errorf("storage: lookup api key by hash: %w", err)
	}
	k.Scopes = toScopes(scopes)
	k.Projects = projects
	return k, nil
}

// TouchAPIKeyLastUsed updates the last_used_at timestamp for an API key.
// Called fire-and-forget from the identity resolver on successful use.
func (db *Postgres) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`,
		keyID,
	)
	if err != nil {
		return fmt.Errorf("storage: touch api key last_used: %w", err)
	}
	return nil
}

// CreateAPIKey inserts a new dynamic API key record.
func (db *Postgres) CreateAPIKey(ctx context.Context, key model.APIKeyRecord) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, scopes, projects, expires_at, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.Name, key.KeyHash, fromScopes(key.Scopes), key.Projects,
		key.ExpiresAt, key.IsActive, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

// IncrementRateLimit performs the atomic increment-and-compare for one
// rate-limit window. The upsert with RETURNING is a single statement, so
// concurrent callers for the same (identity, tool, window) serialize on the
// row and each observe a distinct count.
func (db *Postgres) IncrementRateLimit(ctx context.Context, identity, tool string, windowStart time.Time, limit int) (RateLimitCount, error) {
	var current int
	err := db.pool.QueryRow(ctx,
		`INSERT INTO rate_limit_windows (identity, tool, window_start, current_count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (identity, tool, window_start)
		 DO UPDATE SET current_count = rate_limit_windows.current_count + 1
		 RETURNING current_count`,
		identity, tool, windowStart.UTC(),
	).Scan(&current)
	if err != nil {
		return RateLimitCount{}, fmt.Errorf("storage: increment rate limit: %w", err)
	}
	return RateLimitCount{Allowed: current <= limit, Current: current}, nil
}

// GetIdempotentResponse returns an unexpired stored response for (tool, key).
func (db *Postgres) GetIdempotentResponse(ctx context.Context, tool, key string) (json.RawMessage, error) {
	var response []byte
	err := db.pool.QueryRow(ctx,
		`SELECT response FROM idempotency_records
		 WHERE tool = $1 AND idempotency_key = $2 AND expires_at > now()`,
		tool, key,
	).Scan(&response)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get idempotent response: %w", err)
	}
	return response, nil
}

// PutIdempotentResponse upserts a response snapshot (last write wins).
func (db *Postgres) PutIdempotentResponse(ctx context.Context, tool, key string, response json.RawMessage, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_records (tool, idempotency_key, response, created_at, expires_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5)
		 ON CONFLICT (tool, idempotency_key)
		 DO UPDATE SET response = EXCLUDED.response,
		               created_at = EXCLUDED.created_at,
		               expires_at = EXCLUDED.expires_at`,
		tool, key, []byte(response), now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("storage: put idempotent response: %w", err)
	}
	return nil
}

// AppendAuditEvent appends one event to the audit trail. The table is
// append-only; there is no update or delete path.
func (db *Postgres) AppendAuditEvent(ctx context.Context, event model.AuditEvent) error {
	ctxJSON, err := json.Marshal(event.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal audit context: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_events (request_id, agent_id, session_id, tool, level, message, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`,
		event.RequestID, event.AgentID, event.SessionID, event.Tool,
		string(event.Level), event.Message, ctxJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: append audit event: %w", err)
	}
	return nil
}

// InsertArchive stores a new archive snapshot.
func (db *Postgres) InsertArchive(ctx context.Context, archive model.Archive) (model.Archive, error) {
	if archive.ID == uuid.Nil {
		archive.ID = uuid.New()
	}
	if archive.CreatedAt.IsZero() {
		archive.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO project_archives (id, project_id, title, structure_snapshot, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		archive.ID, archive.ProjectID, archive.Title, []byte(archive.StructureSnapshot), archive.CreatedAt,
	)
	if err != nil {
		return model.Archive{}, fmt.Errorf("storage: insert archive: %w", err)
	}
	return archive, nil
}

// ListArchives returns up to limit archives for a project, newest first.
func (db *Postgres) ListArchives(ctx context.Context, projectID string, limit int) ([]model.Archive, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, project_id, title, structure_snapshot, created_at, updated_at
		 FROM project_archives
		 WHERE project_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list archives: %w", err)
	}
	defer rows.Close()

	var archives []model.Archive
	for rows.Next() {
		var (
			a        model.Archive
			snapshot []byte
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Title, &snapshot, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan archive: %w", err)
		}
		a.StructureSnapshot = snapshot
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

// UpdateArchive applies a whitelisted patch to one archive row.
func (db *Postgres) UpdateArchive(ctx context.Context, projectID string, id uuid.UUID, patch model.BoardPatch) (model.Archive, error) {
	set := []string{"updated_at = now()"}
	args := []any{id, projectID}
	if patch.Title != nil {
		args = append(args, *patch.Title)
		set = append(set, fmt.Sprintf("title = $%d", len(args)))
	}
	if len(patch.StructureSnapshot) > 0 {
		args = append(args, []byte(patch.StructureSnapshot))
		set = append(set, fmt.Sprintf("structure_snapshot = $%d::jsonb", len(args)))
	}

	var (
		a        model.Archive
		snapshot []byte
	)
	err := db.pool.QueryRow(ctx,
		`UPDATE project_archives SET `+strings.Join(set, ", ")+`
		 WHERE id = $1 AND project_id = $2
		 RETURNING id, project_id, title, structure_snapshot, created_at, updated_at`,
		args...,
	).Scan(&a.ID, &a.ProjectID, &a.Title, &snapshot, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Archive{}, ErrNotFound
		}
		return model.Archive{}, fmt.Errorf("storage: update archive: %w", err)
	}
	a.StructureSnapshot = snapshot
	return a, nil
}

// CleanupExpired removes expired idempotency records and rate-limit windows
// that ended more than two minutes ago.
func (db *Postgres) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64

	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency records: %w", err)
	}
	removed += tag.RowsAffected()

	tag, err = db.pool.Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start <= $1`, now.UTC().Add(-2*time.Minute),
	)
	if err != nil {
		return removed, fmt.Errorf("storage: cleanup rate limit windows: %w", err)
	}
	removed += tag.RowsAffected()

	return removed, nil
}

func toScopes(names []string) []model.Scope {
	scopes := make([]model.Scope, 0, len(names))
	for _, n := range names {
		scopes = append(scopes, model.Scope(n))
	}
	return scopes
}

func fromScopes(scopes []model.Scope) []string {
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, string(s))
	}
	return names
}
