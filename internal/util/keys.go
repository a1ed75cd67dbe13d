package util

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands master into an AES-256 key bound to info with
// HKDF-SHA256. The salt is empty; distinct purposes use distinct info
// strings.
func DeriveKey(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	k := make([]byte, AESKeySize)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return k, nil
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading %d random bytes: %w", n, err)
	}
	return b, nil
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	clear(b)
}
