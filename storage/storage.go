// Package storage defines the persistence contract for users, their
// provider credentials and login sessions.
//
// Backends live in sub-packages (memory, bbolt, sqlite, postgres, mongodb)
// and are interchangeable; storetest holds the conformance suite every
// backend must pass.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record (or a record it references)
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a record whose primary
	// key is already taken.
	ErrAlreadyExists = errors.New("already exists")
)

// User is a local account bound to exactly one provider identity.
type User struct {
	// ID is the provider-assigned stable identifier.
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is the provider token set stored alongside a user. Token
// fields hold whatever the caller wrote; the identity broker writes them
// sealed.
type Credential struct {
	UserID               string    `json:"user_id"`
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	RefreshToken         string    `json:"refresh_token"`
}

// Session is a server-side login session. ID is the lookup key derived
// from the raw cookie token, never the token itself.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the durable keyed storage consumed by the session manager and
// the identity broker. Every method is a point operation by primary key or
// unique index.
type Store interface {
	// CreateUser inserts a user together with its initial credential.
	// Returns ErrAlreadyExists if the ID is taken. Usernames are display
	// data and may repeat across users.
	CreateUser(ctx context.Context, user User, cred Credential) error
	// User returns the user with the given ID or ErrNotFound.
	User(ctx context.Context, id string) (User, error)
	// UpdateProfile overwrites the username, avatar and nickname of
	// user.ID. Returns ErrNotFound for an unknown user.
	UpdateProfile(ctx context.Context, user User) error
	// Credential returns the credential stored for userID or ErrNotFound.
	Credential(ctx context.Context, userID string) (Credential, error)
	// UpdateCredential replaces every credential field of cred.UserID in
	// one write. Returns ErrNotFound for an unknown user.
	UpdateCredential(ctx context.Context, cred Credential) error

	// CreateSession inserts a session. Returns ErrNotFound if the owning
	// user does not exist and ErrAlreadyExists on an ID collision.
	CreateSession(ctx context.Context, s Session) error
	// SessionWithUser returns a session joined with its owning user, or
	// ErrNotFound.
	SessionWithUser(ctx context.Context, id string) (Session, User, error)
	// UpdateSessionExpiry sets the expiry of an existing session. Returns
	// ErrNotFound if the session no longer exists.
	UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteSession removes a session. Deleting a missing session is not
	// an error.
	DeleteSession(ctx context.Context, id string) error
	// DeleteUserSessions removes every session owned by userID and
	// reports how many were removed.
	DeleteUserSessions(ctx context.Context, userID string) (int, error)

	Close() error
}
