// Package config loads and validates application configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/structboard/orchestra/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings. DatabaseURL selects Postgres; when empty, the embedded
	// SQLite store at SQLitePath is used instead (local development).
	DatabaseURL string
	SQLitePath  string

	// API key settings.
	RequireAPIKey  bool     // When false, every caller gets the dev-mode full-scope principal.
	DBKeysEnabled  bool     // Enables store-backed dynamic key lookup.
	APIKeyPepper   string   // Server-side secret for HMAC key hashing. Required when DBKeysEnabled.
	APIKeysJSON    string   // Static key→scopes table, JSON object: {"key": ["archive:read", ...]}.
	EnvKeyProjects []string // Projects granted to env-table and dev-mode principals.

	// Rate limit settings.
	RateLimitEnabled bool
	RateLimitPerMin  int // Per-minute ceiling for authenticated identities.
	RateLimitAnonMin int // Per-minute ceiling for unauthenticated identities.

	// Idempotency settings.
	IdempotencyTTL  time.Duration
	CleanupInterval time.Duration // Expired idempotency/rate-limit row sweep.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("ORCHESTRA_PORT", 8080),
		ReadTimeout:         envDuration("ORCHESTRA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("ORCHESTRA_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("ORCHESTRA_SQLITE_PATH", "data/orchestra.db"),
		RequireAPIKey:       envBool("ORCHESTRA_REQUIRE_API_KEY", true),
		DBKeysEnabled:       envBool("ORCHESTRA_DB_KEYS_ENABLED", false),
		APIKeyPepper:        envStr("ORCHESTRA_API_PEPPER", ""),
		APIKeysJSON:         envStr("ORCHESTRA_API_KEYS_JSON", ""),
		EnvKeyProjects:      []string{envStr("ORCHESTRA_ENV_KEY_PROJECT", "default")},
		RateLimitEnabled:    envBool("ORCHESTRA_RATE_LIMIT_ENABLED", true),
		RateLimitPerMin:     envInt("ORCHESTRA_RATE_LIMIT_PER_MIN", 60),
		RateLimitAnonMin:    envInt("ORCHESTRA_RATE_LIMIT_ANON_PER_MIN", 10),
		IdempotencyTTL:      envDuration("ORCHESTRA_IDEMPOTENCY_TTL", 24*time.Hour),
		CleanupInterval:     envDuration("ORCHESTRA_CLEANUP_INTERVAL", 15*time.Minute),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "orchestra"),
		LogLevel:            envStr("ORCHESTRA_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("ORCHESTRA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: DATABASE_URL or ORCHESTRA_SQLITE_PATH is required")
	}
	if c.DBKeysEnabled && c.APIKeyPepper == "" {
		return fmt.Errorf("config: ORCHESTRA_API_PEPPER is required when dynamic keys are enabled")
	}
	if c.RateLimitPerMin <= 0 || c.RateLimitAnonMin <= 0 {
		return fmt.Errorf("config: rate limit ceilings must be positive")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("config: ORCHESTRA_IDEMPOTENCY_TTL must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: ORCHESTRA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if _, err := c.EnvKeys(); err != nil {
		return err
	}
	return nil
}

// EnvKeys parses the static key→scopes table from APIKeysJSON.
// An empty APIKeysJSON yields an empty table, not an error. Unknown scope
// names are rejected so a typo in the deployment config fails at startup
// rather than silently granting nothing.
func (c Config) EnvKeys() (map[string][]model.Scope, error) {
	if c.APIKeysJSON == "" {
		return map[string][]model.Scope{}, nil
	}

	var raw map[string][]string
	if err := json.Unmarshal([]byte(c.APIKeysJSON), &raw); err != nil {
		return nil, fmt.Errorf("config: invalid ORCHESTRA_API_KEYS_JSON: %w", err)
	}

	keys := make(map[string][]model.Scope, len(raw))
	for key, scopeNames := range raw {
		scopes := make([]model.Scope, 0, len(scopeNames))
		for _, name := range scopeNames {
			scope, ok := model.ParseScope(name)
			if !ok {
				return nil, fmt.Errorf("config: unknown scope %q in ORCHESTRA_API_KEYS_JSON", name)
			}
			scopes = append(scopes, scope)
		}
		keys[key] = scopes
	}
	return keys, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
