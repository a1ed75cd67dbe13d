// Package identity drives the OAuth2 login handshake against an external
// provider, links provider identities to local users and keeps their
// provider access tokens fresh.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

// SyncProfileOnLogin controls whether username, avatar and nickname are
// overwritten from the provider on every login. When false the profile
// captured at first login is kept and only the credential is replaced.
const SyncProfileOnLogin = false

var (
	// ErrHandshake is matched by every callback validation failure.
	ErrHandshake = errors.New("oauth handshake failed")
	// ErrMissingParameters: code, state or the stored nonce is absent.
	ErrMissingParameters = fmt.Errorf("%w: missing code or state", ErrHandshake)
	// ErrStateMismatch: the state parameter differs from the stored nonce.
	ErrStateMismatch = fmt.Errorf("%w: state mismatch", ErrHandshake)

	ErrExchangeFailure     = errors.New("authorization code exchange failed")
	ErrProfileFetchFailure = errors.New("provider profile fetch failed")
	ErrRefreshFailure      = errors.New("provider token refresh failed")
	ErrConnectionsFailure  = errors.New("provider connections fetch failed")
	ErrUserNotFound        = errors.New("user not found")
)

// Token is a provider-issued token set.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Profile is the subset of the provider's user object doorman keeps.
type Profile struct {
	ID       string
	Username string
	Avatar   string
	Nickname string
}

// Connection is an account the user has linked to their provider profile.
type Connection struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
}

// Provider is an OAuth2 identity provider. Implementations must honour
// context cancellation on every network call.
type Provider interface {
	// AuthCodeURL returns the authorization endpoint URL for state.
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Token, error)
	// Refresh redeems refreshToken. The returned RefreshToken may be empty
	// when the provider does not rotate it.
	Refresh(ctx context.Context, refreshToken string) (Token, error)
	Profile(ctx context.Context, accessToken string) (Profile, error)
	Connections(ctx context.Context, accessToken string) ([]Connection, error)
}

// CheckState validates callback parameters against the nonce stored when
// the handshake started. The comparison is constant-time.
func CheckState(code, state, stored string) error {
	if code == "" || state == "" || stored == "" {
		return ErrMissingParameters
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(stored)) != 1 {
		return ErrStateMismatch
	}
	return nil
}
