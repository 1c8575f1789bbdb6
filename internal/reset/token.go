package reset

import (
	"crypto/hmac"
	"crypto/sha256"
)

// TokenFor derives a stateless-reset token for dcid from seed via
// HMAC-SHA256, truncated to 16 bytes. The same (seed, dcid) pair always
// yields the same token, including across a server restart that reloaded
// seed from disk.
func TokenFor(seed, dcid []byte) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write(dcid)
	sum := mac.Sum(nil)
	return sum[:16]
}
