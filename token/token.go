// Package token generates opaque session tokens and derives the one-way
// lookup keys under which sessions are stored.
//
// A raw token only ever lives in the client cookie and in memory while a
// request is being authenticated. Storage sees the SHA-256 of it, so a
// leaked session table cannot be replayed as cookies.
package token

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/jmcleod/doorman/internal/util"
)

const (
	// RawSize is the number of random bytes in a session token.
	RawSize = 18
	// StateSize is the number of random bytes in an OAuth state nonce.
	StateSize = 32
)

// Generate returns a new session token: RawSize bytes from crypto/rand,
// base64url encoded without padding.
func Generate() (string, error) {
	b, err := util.RandomBytes(RawSize)
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	defer util.WipeBytes(b)
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateState returns a random nonce for the OAuth state parameter.
func GenerateState() (string, error) {
	b, err := util.RandomBytes(StateSize)
	if err != nil {
		return "", fmt.Errorf("generating oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash returns the lookup key for raw: the lowercase hex SHA-256 digest.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
