// Package sha256 provides the SHA-256 digest used for cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// digestPattern matches a lower-case hex SHA-256 digest.
var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Hasher derives cache keys with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsDigest reports whether s has the exact shape of a Hash output. Cache
// lookups reject inputs that fail this check before touching storage.
func IsDigest(s string) bool {
	return digestPattern.MatchString(s)
}
