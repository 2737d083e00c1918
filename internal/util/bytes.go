package util

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
)

// CopyBytes returns a copy of src that never aliases it. The copy of a nil
// slice is empty, not nil.
func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes zeroes b in place. Used for derived keys and decrypted key DER
// that never live in a memguard buffer.
func WipeBytes(b []byte) {
	memguard.WipeBytes(b)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
