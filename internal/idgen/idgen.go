// Package idgen generates random identifiers for ledgers, transactions,
// and reversals.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// random returns n bytes from crypto/rand. The reader never fails on
// supported platforms; if it does, nothing downstream is safe to run.
func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random identifier,
// e.g. "3f1c9a2e-77d1-4b0c-a4e2-91d88f0a63b1".
func New() string {
	b := random(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix followed by 24 random hex characters.
// Prefixes like "ldg_", "txn_", and "rev_" make IDs self-describing in
// logs and API payloads.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}
