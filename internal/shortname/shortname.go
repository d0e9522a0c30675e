// Package shortname generates short, URL-safe, collision-resistant public
// names for file records.
//
// This generalises the teacher's newSessionID (internal/handler/chunk.go:
// crypto/rand + hex) from a 32-char hex session token to a shorter base62
// alphabet — public names are user-facing and appear in hotlinked URLs
// (spec.md §3), where hex would be needlessly long.
package shortname

import (
	"crypto/rand"
	"math/big"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Generate returns a random base62 token of the given length. Collision
// handling is the caller's responsibility (callers check each candidate
// with metadata.Store.Get and draw a fresh token if it is taken;
// metadata.Store.Create also rejects a duplicate name).
func Generate(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
