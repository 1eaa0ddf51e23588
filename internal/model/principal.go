// Package model defines the shared domain types for the Orchestra gateway:
// principals, API key records, archives, audit events, and the wire envelopes
// of the tool invocation API.
package model

// Scope is a named capability a principal may hold, e.g. "archive:write".
// Scope membership is exact; there is no hierarchy or wildcard matching.
type Scope string

// The closed set of scopes known to the gateway.
const (
	ScopeArchiveWrite Scope = "archive:write"
	ScopeArchiveRead  Scope = "archive:read"
	ScopeBoardRead    Scope = "board:read"
	ScopeBoardWrite   Scope = "board:write"
	ScopeLogsWrite    Scope = "logs:write"
)

// AllScopes returns the full scope set, granted to the dev-mode principal.
func AllScopes() []Scope {
	return []Scope{ScopeArchiveWrite, ScopeArchiveRead, ScopeBoardRead, ScopeBoardWrite, ScopeLogsWrite}
}

// ParseScope validates a scope string against the closed set.
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeArchiveWrite, ScopeArchiveRead, ScopeBoardRead, ScopeBoardWrite, ScopeLogsWrite:
		return Scope(s), true
	}
	return "", false
}

// KeySource identifies which credential source produced a principal.
type KeySource string

const (
	// KeySourceEnv is the static operator-provided key table.
	KeySourceEnv KeySource = "env"
	// KeySourceDB is the store-backed dynamic key table.
	KeySourceDB KeySource = "db"
	// KeySourceDev is the development escape hatch used when API key
	// enforcement is disabled. Always distinguishable in audit output.
	KeySourceDev KeySource = "dev"
)

// Principal is the resolved identity and authorization context for one
// request. It is produced per request and never persisted.
type Principal struct {
	Valid    bool
	Scopes   []Scope
	Projects []string

	// KeyID is the API key row UUID for db-sourced principals, empty otherwise.
	KeyID string

	// Identity is the rate-limit partition key: the key row UUID for db keys,
	// or a synthetic deterministic pseudo-UUID for env keys. Stable across
	// requests and deployments, never reversible to the original key.
	Identity string

	Source KeySource
}

// HasScope reports whether the principal holds the given scope.
func (p Principal) HasScope(s Scope) bool {
	for _, have := range p.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// AllowsProject reports whether the principal may act on the given project.
// An absent or empty project list denies all projects.
func (p Principal) AllowsProject(projectID string) bool {
	if projectID == "" {
		return false
	}
	for _, proj := range p.Projects {
		if proj == projectID {
			return true
		}
	}
	return false
}
