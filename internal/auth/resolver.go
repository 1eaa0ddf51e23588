// Package auth resolves presented API keys into request principals.
//
// Two credential sources are consulted in order: the static env-table
// (operator-configured key strings with fixed scopes) and the store-backed
// dynamic key table (HMAC-peppered hash lookup). When enforcement is
// disabled every caller receives a full-scope dev principal; audit output
// always records which source produced a principal.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/structboard/orchestra/internal/model"
	"github.com/structboard/orchestra/internal/storage"
)

// touchTimeout bounds the detached last_used_at update so it cannot hold a
// store connection indefinitely after the request completes.
const touchTimeout = 5 * time.Second

// anonymousIdentity partitions unauthenticated callers for rate limiting.
const anonymousIdentity = "anonymous"

// Resolver maps a presented API key to a Principal.
type Resolver struct {
	store       storage.Store
	logger      *slog.Logger
	enforce     bool
	dbKeys      bool
	pepper      string
	envKeys     map[string][]model.Scope
	envProjects []string
}

// Options configures a Resolver.
type Options struct {
	// Enforce enables API key checking. When false, every caller receives
	// a full-scope dev principal.
	Enforce bool
	// DBKeysEnabled turns on dynamic key lookup against the store.
	DBKeysEnabled bool
	// Pepper is the server secret for HMAC key hashing. Required when
	// DBKeysEnabled is set.
	Pepper string
	// EnvKeys is the static key string to scopes table.
	EnvKeys map[string][]model.Scope
	// EnvProjects is the project list granted to env-table and dev
	// principals.
	EnvProjects []string
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(store storage.Store, logger *slog.Logger, opts Options) *Resolver {
	return &Resolver{
		store:       store,
		logger:      logger,
		enforce:     opts.Enforce,
		dbKeys:      opts.DBKeysEnabled,
		pepper:      opts.Pepper,
		envKeys:     opts.EnvKeys,
		envProjects: opts.EnvProjects,
	}
}

// Resolve maps a presented key to a Principal. It never returns an error:
// every failure mode (missing key, unknown key, revoked, expired, store
// unavailable) collapses to an invalid principal so callers cannot
// distinguish "key does not exist" from "key exists but is unusable".
func (r *Resolver) Resolve(ctx context.Context, presentedKey string) model.Principal {
	if !r.enforce {
		return model.Principal{
			Valid:    true,
			Scopes:   model.AllScopes(),
			Projects: r.envProjects,
			Identity: EnvKeyIdentity(devIdentityKey(presentedKey)),
			Source:   model.KeySourceDev,
		}
	}

	if presentedKey == "" {
		return model.Principal{Identity: EnvKeyIdentity(anonymousIdentity)}
	}

	if scopes, ok := r.envKeys[presentedKey]; ok {
		return model.Principal{
			Valid:    true,
			Scopes:   scopes,
			Projects: r.envProjects,
			Identity: EnvKeyIdentity(presentedKey),
			Source:   model.KeySourceEnv,
		}
	}

	if r.dbKeys && r.pepper != "" {
		if p, ok := r.resolveDBKey(ctx, presentedKey); ok {
			return p
		}
	}

	return model.Principal{Identity: EnvKeyIdentity(presentedKey)}
}

func (r *Resolver) resolveDBKey(ctx context.Context, presentedKey string) (model.Principal, bool) {
	record, err := r.store.LookupAPIKeyByHash(ctx, HashKey(r.pepper, presentedKey))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			// Store trouble is logged but the caller still sees a plain
			// invalid principal.
			r.logger.Error("auth: db key lookup failed", "error", err)
		}
		return model.Principal{}, false
	}

	now := time.Now().UTC()
	if !record.Usable(now) {
		r.logger.Warn("auth: rejected unusable db key",
			"key_id", record.ID,
			"active", record.IsActive,
			"expired", record.Expired(now),
		)
		return model.Principal{}, false
	}

	r.touchLastUsed(record)

	return model.Principal{
		Valid:    true,
		Scopes:   record.Scopes,
		Projects: record.Projects,
		KeyID:    record.ID.String(),
		Identity: record.ID.String(),
		Source:   model.KeySourceDB,
	}, true
}

// touchLastUsed updates last_used_at without blocking the request. The
// goroutine outlives the request on purpose; failures only log.
func (r *Resolver) touchLastUsed(record model.APIKeyRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := r.store.TouchAPIKeyLastUsed(ctx, record.ID); err != nil {
			r.logger.Warn("auth: touch last_used_at failed", "key_id", record.ID, "error", err)
		}
	}()
}

// devIdentityKey keeps dev-mode rate limiting partitioned per presented key
// when one is supplied, matching enforced behavior as closely as possible.
func devIdentityKey(presentedKey string) string {
	if presentedKey == "" {
		return anonymousIdentity
	}
	return presentedKey
}
