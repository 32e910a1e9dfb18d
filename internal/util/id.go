package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit identifier, hex encoded, with an optional
// type prefix ("op", "q", "dev"). Prefixes make mixed-id logs greppable.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
