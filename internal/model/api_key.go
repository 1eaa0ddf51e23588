package model

import (
	"time"

	"github.com/google/uuid"
)

// APIKeyRecord is a store-owned dynamic API key. The plaintext key is never
// stored; lookup is by HMAC-SHA256(pepper, presentedKey) equality on KeyHash.
type APIKeyRecord struct {
	ID         uuid.UUID
	Name       string
	KeyHash    string
	Scopes     []Scope
	Projects   []string
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	IsActive   bool
	CreatedAt  time.Time
}

// Expired reports whether the key has soft-expired as of now.
// A nil ExpiresAt means the key never expires.
func (k APIKeyRecord) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Usable reports whether the key can authenticate a request right now.
func (k APIKeyRecord) Usable(now time.Time) bool {
	return k.IsActive && !k.Expired(now)
}
