// Package fingerprint computes the content digests used to decide whether a
// stored embedding still matches its source document.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Content returns the hex SHA-256 digest of the given text. The digest is
// stable across restarts and runtimes, which is what staleness comparison
// depends on.
func Content(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NeedsUpdate reports whether an embedding derived from storedHash is stale
// for content. An empty storedHash means no embedding exists yet.
func NeedsUpdate(content, storedHash string) bool {
	if storedHash == "" {
		return true
	}
	return Content(content) != storedHash
}
