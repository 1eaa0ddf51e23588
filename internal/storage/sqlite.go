package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/structboard/orchestra/internal/model"
)

// SQLite is the embedded Store used for local development and tests.
// It mirrors the Postgres semantics on a single file (or in-memory)
// database; timestamps are stored as unix microseconds and array columns
// as JSON text.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	scopes TEXT NOT NULL DEFAULT '[]',
	projects TEXT NOT NULL DEFAULT '[]',
	last_used_at INTEGER,
	expires_at INTEGER,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_windows (
	identity TEXT NOT NULL,
	tool TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	current_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (identity, tool, window_start)
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	tool TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	response TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (tool, idempotency_key)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT,
	agent_id TEXT,
	session_id TEXT,
	tool TEXT,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	context TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS project_archives (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	structure_snapshot TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_project_archives_project
	ON project_archives (project_id, created_at DESC);
`

// NewSQLite opens (or creates) the embedded store at path. Use ":memory:"
// for an ephemeral test store.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under concurrent
	// gateway requests.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set sqlite pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create sqlite schema: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

// Ping checks connectivity to the database file.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

// LookupAPIKeyByHash returns the key record matching the HMAC hash.
func (s *SQLite) LookupAPIKeyByHash(ctx context.Context, hash string) (model.APIKeyRecord, error) {
	var (
		k          model.APIKeyRecord
		id         string
		scopesJSON string
		projJSON   string
		lastUsed   sql.NullInt64
		expires    sql.NullInt64
		createdAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, scopes, projects, last_used_at, expires_at, is_active, created_at
		 FROM api_keys
		 WHERE key_hash = ?`,
		hash,
	).Scan(&id, &k.Name, &k.KeyHash, &scopesJSON, &projJSON, &lastUsed, &expires, &k.IsActive, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.APIKeyRecord{}, ErrNotFound
		}
		return model.APIKeyRecord{}, fmt.Errorf("storage: lookup api key by hash: %w", err)
	}

	k.ID, err = uuid.Parse(id)
	if err != nil {
		return model.APIKeyRecord{}, fmt.Errorf("storage: malformed api key id %q: %w", id, err)
	}

	var scopeNames []string
	if err := json.Unmarshal([]byte(scopesJSON), &scopeNames); err != nil {
		return model.APIKeyRecord{}, fmt.Errorf("storage: decode api key scopes: %w", err)
	}
	k.Scopes = toScopes(scopeNames)

	if err := json.Unmarshal([]byte(projJSON), &k.Projects); err != nil {
		return model.APIKeyRecord{}, fmt.Errorf("storage: decode api key projects: %w", err)
	}

	k.LastUsedAt = microsToTimePtr(lastUsed)
	k.ExpiresAt = microsToTimePtr(expires)
	k.CreatedAt = time.UnixMicro(createdAt).UTC()
	return k, nil
}

// TouchAPIKeyLastUsed updates the last_used_at timestamp for an API key.
func (s *SQLite) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMicro(), keyID.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: touch api key last_used: %w", err)
	}
	return nil
}

// CreateAPIKey inserts a new dynamic API key record.
func (s *SQLite) CreateAPIKey(ctx context.Context, key model.APIKeyRecord) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	scopesJSON, err := json.Marshal(fromScopes(key.Scopes))
	if err != nil {
		return fmt.Errorf("storage: encode api key scopes: %w", err)
	}
	projJSON, err := json.Marshal(key.Projects)
	if err != nil {
		return fmt.Errorf("storage: encode api key projects: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, scopes, projects, expires_at, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID.String(), key.Name, key.KeyHash, string(scopesJSON), string(projJSON),
		timePtrToMicros(key.ExpiresAt), key.IsActive, key.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

// IncrementRateLimit performs the atomic increment-and-compare for one
// rate-limit window.
func (s *SQLite) IncrementRateLimit(ctx context.Context, identity, tool string, windowStart time.Time, limit int) (RateLimitCount, error) {
	var current int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_limit_windows (identity, tool, window_start, current_count)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (identity, tool, window_start)
		 DO UPDATE SET current_count = current_count + 1
		 RETURNING current_count`,
		identity, tool, windowStart.UTC().UnixMicro(),
	).Scan(&current)
	if err != nil {
		return RateLimitCount{}, fmt.Errorf("storage: increment rate limit: %w", err)
	}
	return RateLimitCount{Allowed: current <= limit, Current: current}, nil
}

// GetIdempotentResponse returns an unexpired stored response for (tool, key).
func (s *SQLite) GetIdempotentResponse(ctx context.Context, tool, key string) (json.RawMessage, error) {
	var response string
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency_records
		 WHERE tool = ? AND idempotency_key = ? AND expires_at > ?`,
		tool, key, time.Now().UTC().UnixMicro(),
	).Scan(&response)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get idempotent response: %w", err)
	}
	return json.RawMessage(response), nil
}

// PutIdempotentResponse upserts a response snapshot (last write wins).
func (s *SQLite) PutIdempotentResponse(ctx context.Context, tool, key string, response json.RawMessage, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (tool, idempotency_key, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tool, idempotency_key)
		 DO UPDATE SET response = excluded.response,
		               created_at = excluded.created_at,
		               expires_at = excluded.expires_at`,
		tool, key, string(response), now.UnixMicro(), now.Add(ttl).UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("storage: put idempotent response: %w", err)
	}
	return nil
}

// AppendAuditEvent appends one event to the audit trail.
func (s *SQLite) AppendAuditEvent(ctx context.Context, event model.AuditEvent) error {
	ctxJSON, err := json.Marshal(event.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal audit context: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (request_id, agent_id, session_id, tool, level, message, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RequestID, event.AgentID, event.SessionID, event.Tool,
		string(event.Level), event.Message, string(ctxJSON), event.Timestamp.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("storage: append audit event: %w", err)
	}
	return nil
}

// InsertArchive stores a new archive snapshot.
func (s *SQLite) InsertArchive(ctx context.Context, archive model.Archive) (model.Archive, error) {
	if archive.ID == uuid.Nil {
		archive.ID = uuid.New()
	}
	if archive.CreatedAt.IsZero() {
		archive.CreatedAt = time.Now().UTC()
	}

	var snapshot any
	if len(archive.StructureSnapshot) > 0 {
		snapshot = string(archive.StructureSnapshot)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_archives (id, project_id, title, structure_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		archive.ID.String(), archive.ProjectID, archive.Title, snapshot, archive.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return model.Archive{}, fmt.Errorf("storage: insert archive: %w", err)
	}
	return archive, nil
}

// ListArchives returns up to limit archives for a project, newest first.
func (s *SQLite) ListArchives(ctx context.Context, projectID string, limit int) ([]model.Archive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, structure_snapshot, created_at, updated_at
		 FROM project_archives
		 WHERE project_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list archives: %w", err)
	}
	defer rows.Close()

	var archives []model.Archive
	for rows.Next() {
		a, err := scanSQLiteArchive(rows.Scan)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

// UpdateArchive applies a whitelisted patch to one archive row.
func (s *SQLite) UpdateArchive(ctx context.Context, projectID string, id uuid.UUID, patch model.BoardPatch) (model.Archive, error) {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMicro()}
	if patch.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *patch.Title)
	}
	if len(patch.StructureSnapshot) > 0 {
		set = append(set, "structure_snapshot = ?")
		args = append(args, string(patch.StructureSnapshot))
	}
	args = append(args, id.String(), projectID)

	row := s.db.QueryRowContext(ctx,
		`UPDATE project_archives SET `+strings.Join(set, ", ")+`
		 WHERE id = ? AND project_id = ?
		 RETURNING id, project_id, title, structure_snapshot, created_at, updated_at`,
		args...,
	)
	a, err := scanSQLiteArchive(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Archive{}, ErrNotFound
		}
		return model.Archive{}, fmt.Errorf("storage: update archive: %w", err)
	}
	return a, nil
}

// CleanupExpired removes expired idempotency records and rate-limit windows
// that ended more than two minutes ago.
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= ?`, now.UTC().UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start <= ?`,
		now.UTC().Add(-2*time.Minute).UnixMicro(),
	)
	if err != nil {
		return removed, fmt.Errorf("storage: cleanup rate limit windows: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	return removed, nil
}

func scanSQLiteArchive(scan func(dest ...any) error) (model.Archive, error) {
	var (
		a         model.Archive
		id        string
		snapshot  sql.NullString
		createdAt int64
		updatedAt sql.NullInt64
	)
	if err := scan(&id, &a.ProjectID, &a.Title, &snapshot, &createdAt, &updatedAt); err != nil {
		return model.Archive{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Archive{}, fmt.Errorf("storage: malformed archive id %q: %w", id, err)
	}
	a.ID = parsed
	if snapshot.Valid {
		a.StructureSnapshot = json.RawMessage(snapshot.String)
	}
	a.CreatedAt = time.UnixMicro(createdAt).UTC()
	a.UpdatedAt = microsToTimePtr(updatedAt)
	return a, nil
}

func microsToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func timePtrToMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMicro()
}
