package utils

import (
	"crypto/rand"
	"math/big"
	"time"
)

const Alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomString returns n characters drawn from alphabet using crypto/rand.
func RandomString(n int, alphabet string) string {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// fallback: time-based entropy
			idx = big.NewInt((time.Now().UnixNano() + int64(i)) % int64(len(alphabet)))
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out)
}
