package ws

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns n random bytes hex-encoded. Used for session and
// envelope ids, which only need uniqueness, not sortability.
func NewRandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("ws: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
