package util

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex returns n random bytes encoded as 2n lowercase hex characters.
func RandomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
