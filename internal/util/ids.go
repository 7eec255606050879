// Package util holds small, dependency-free helpers shared across packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID generates a short (16 hex character) random identifier; the access
// log uses it as each entry's key.
func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
