// Package fingerprint derives the deterministic key that identifies a
// cacheable request: two requests with the same fingerprint are requests
// for which a cached response may be reused.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gutierrez-so/fwdproxy/internal/proxywire"
)

// Of returns the hex-encoded SHA-256 digest of the request's canonical
// form: method, full canonical URL, and payload. It is used both as the
// cache entry's filename base and as the per-key lock table key.
func Of(req *proxywire.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.CanonicalURL()))
	h.Write([]byte{0})
	h.Write(req.Body)
	return hex.EncodeToString(h.Sum(nil))
}
