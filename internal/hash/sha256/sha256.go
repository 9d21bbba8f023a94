// Package sha256 provides SHA-256 hashing utilities for cache keys and content blocklists.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumString returns the hex SHA-256 digest of s. Image cache keys are derived from
// the source URL with it, so the key stays stable when the bytes behind a URL change.
func SumString(s string) string {
	return Sum([]byte(s))
}
