package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// HashKey computes the deterministic lookup hash for a presented API key:
// base64(HMAC-SHA256(pepper, key)). A deterministic hash permits a single
// indexed equality lookup on key_hash; the server-side pepper keeps a leaked
// table non-invertible without the deployment secret. Rotating the pepper
// invalidates all stored hashes at once.
func HashKey(pepper, key string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(key))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// EnvKeyIdentity derives a stable synthetic identity for a key that has no
// store row (env-table keys and anonymous callers). The SHA-256 digest of the
// key is folded into UUID shape so env identities share a column format with
// db key row IDs. The value is deterministic across restarts and deployments,
// not reversible to the key, and not a real UUID despite the version and
// variant nibbles.
func EnvKeyIdentity(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return strings.Join([]string{
		h[0:8],
		h[8:12],
		"4" + h[13:16],
		"8" + h[17:20],
		h[20:32],
	}, "-")
}
