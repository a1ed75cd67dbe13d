package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/doorman/internal/util"
)

const (
	envelopePrefix = "v1."
	sealerKeyInfo  = "doorman:credential-key:v1"
	credentialAAD  = "doorman:credential:"
)

// ErrSealed is returned when a sealed value cannot be opened: wrong key,
// tampered ciphertext or a value bound to a different user.
var ErrSealed = errors.New("sealed value cannot be opened")

// Sealer encrypts provider tokens before they reach a Store, using
// AES-256-GCM with a data key derived from an operator-supplied master key.
// The data key is held in a memguard Enclave and only decrypted into
// locked memory for the duration of a single operation.
type Sealer struct {
	key *memguard.Enclave
}

// NewSealer derives the data key from masterKey (at least 32 bytes). The
// caller's slice is not modified.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) < util.AESKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", util.AESKeySize, len(masterKey))
	}
	dk, err := util.DeriveKey(masterKey, sealerKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving credential key: %w", err)
	}
	// NewEnclave wipes dk.
	return &Sealer{key: memguard.NewEnclave(dk)}, nil
}

// Seal encrypts plaintext bound to aad and returns "v1." followed by the
// base64url encoding of nonce || ciphertext.
func (s *Sealer) Seal(plaintext, aad string) (string, error) {
	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening credential key: %w", err)
	}
	defer buf.Destroy()

	ct, err := util.EncryptAESWithAAD([]byte(plaintext), buf.Bytes(), []byte(aad))
	if err != nil {
		return "", err
	}
	return envelopePrefix + base64.RawURLEncoding.EncodeToString(ct), nil
}

// Open reverses Seal. Values without the envelope prefix are rejected.
func (s *Sealer) Open(sealed, aad string) (string, error) {
	if !strings.HasPrefix(sealed, envelopePrefix) {
		return "", fmt.Errorf("unsupported envelope: %w", ErrSealed)
	}
	ct, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("decoding envelope: %w", ErrSealed)
	}

	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening credential key: %w", err)
	}
	defer buf.Destroy()

	plain, err := util.DecryptAESWithAAD(ct, buf.Bytes(), []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealed, err)
	}
	defer util.WipeBytes(plain)
	return string(plain), nil
}

// SealCredential returns a copy of c with both tokens sealed and bound to
// c.UserID.
func (s *Sealer) SealCredential(c Credential) (Credential, error) {
	access, err := s.Seal(c.AccessToken, credentialAAD+c.UserID+":access")
	if err != nil {
		return Credential{}, fmt.Errorf("sealing access token: %w", err)
	}
	refresh, err := s.Seal(c.RefreshToken, credentialAAD+c.UserID+":refresh")
	if err != nil {
		return Credential{}, fmt.Errorf("sealing refresh token: %w", err)
	}
	c.AccessToken = access
	c.RefreshToken = refresh
	return c, nil
}

// OpenCredential reverses SealCredential.
func (s *Sealer) OpenCredential(c Credential) (Credential, error) {
	access, err := s.Open(c.AccessToken, credentialAAD+c.UserID+":access")
	if err != nil {
		return Credential{}, fmt.Errorf("opening access token: %w", err)
	}
	refresh, err := s.Open(c.RefreshToken, credentialAAD+c.UserID+":refresh")
	if err != nil {
		return Credential{}, fmt.Errorf("opening refresh token: %w", err)
	}
	c.AccessToken = access
	c.RefreshToken = refresh
	return c, nil
}
