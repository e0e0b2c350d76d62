// Package idgen generates request nonces and delivery IDs from crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// NonceLength is the length of request nonces sent to gateways.
const NonceLength = 32

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// WithPrefix generates a random ID with a prefix (e.g. "pay_", "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Nonce returns n uniformly random lowercase base36 characters.
func Nonce(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = base36[v.Int64()]
	}
	return string(out)
}

// RequestNonce returns a NonceLength-character nonce.
func RequestNonce() string {
	return Nonce(NonceLength)
}
