// Package randx produces the random identifiers used for webhook secrets and
// scratch working directories.
package randx

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Hex returns a random hex string of length n (n must be even).
//
// Used for the per-subscription HMAC secret, so it is backed by
// crypto/rand rather than a faster non-cryptographic source.
func Hex(n int) string {
	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		panic("randx: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Secret returns a fresh 10-character hex nonce for subscription HMAC keys.
func Secret() string {
	return Hex(10)
}

// ScratchName returns a short identifier suitable for a disposable working
// directory name. Collisions are not security-sensitive here, so a v4 UUID
// trimmed to its first segment is enough entropy to avoid clashing with a
// concurrent download.
func ScratchName() string {
	id := uuid.New()
	return id.String()[:8]
}
