// Package fingerprint computes the deterministic hashes that chain one block
// to the next. Every node must reproduce these bit for bit, so all inputs go
// through the canonical JSON encoding. The digest is SHA3-256 everywhere
// except the state-patch hash, which predates the rest and stays SHA-256.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"

	"xianchain/canonical"
)

// Hash returns the lowercase hex SHA3-256 digest of data.
func Hash(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashSHA256 returns the lowercase hex SHA-256 digest of data. Only the
// state-patch hash uses this digest.
func HashSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashCanonical hashes the canonical JSON encoding of v.
func HashCanonical(v any) (string, error) {
	raw, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize for hashing: %w", err)
	}
	return Hash(raw), nil
}

// ChainHash folds an ordered accumulator of hex digests into the next app
// hash: the strings are concatenated with no delimiter and hashed. The
// accumulator order is delivery order and is never re-sorted here.
func ChainHash(accumulator []string) string {
	total := 0
	for _, h := range accumulator {
		total += len(h)
	}
	joined := make([]byte, 0, total)
	for _, h := range accumulator {
		joined = append(joined, h...)
	}
	return Hash(joined)
}
