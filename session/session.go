// Package session implements server-side login sessions keyed by the hash
// of an opaque bearer token, with lazy sliding renewal.
//
// A session lives for the configured lifetime (30 days by default). Once
// less than the renew window remains (15 days by default) the next
// successful validation pushes the expiry out to a full lifetime again.
// Expired sessions are deleted when they are next presented; there is no
// background sweeper.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/doorman/storage"
	"github.com/jmcleod/doorman/token"
)

const (
	DefaultLifetime    = 30 * 24 * time.Hour
	DefaultRenewWindow = 15 * 24 * time.Hour
)

var (
	// ErrTokenAbsent marks a request that carried no session token.
	ErrTokenAbsent = errors.New("session token absent")
	// ErrSessionNotFound marks a token whose session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired marks a token whose session had expired and was
	// removed.
	ErrSessionExpired = errors.New("session expired")
	// ErrStorageFailure wraps any store error hit while creating,
	// validating or renewing a session. A session involved in such an
	// error must be treated as unusable.
	ErrStorageFailure = errors.New("session storage failure")
)

// Status is the outcome of a validation.
type Status int

const (
	Anonymous Status = iota
	Active
	Renewed
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Renewed:
		return "renewed"
	default:
		return "anonymous"
	}
}

// Result is what Validate resolved a token to. Session and User are only
// set when Status is Active or Renewed. For Anonymous results Reason
// records why (ErrTokenAbsent, ErrSessionNotFound or ErrSessionExpired).
type Result struct {
	Status  Status
	Session storage.Session
	User    storage.User
	Reason  error
}

// Authenticated reports whether the result carries an identity.
func (r Result) Authenticated() bool {
	return r.Status == Active || r.Status == Renewed
}

func anonymous(reason error) Result {
	return Result{Status: Anonymous, Reason: reason}
}

// Manager creates, validates and invalidates sessions.
type Manager struct {
	store       storage.Store
	now         func() time.Time
	lifetime    time.Duration
	renewWindow time.Duration
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLifetime sets how long a new or renewed session lives.
func WithLifetime(d time.Duration) Option {
	return func(m *Manager) { m.lifetime = d }
}

// WithRenewWindow sets the remaining lifetime at or below which a
// validated session is renewed. The bound is inclusive: with the defaults a
// session with exactly 15 days left is renewed.
func WithRenewWindow(d time.Duration) Option {
	return func(m *Manager) { m.renewWindow = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger used for lifecycle debug output.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager backed by store.
func NewManager(store storage.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:       store,
		now:         time.Now,
		lifetime:    DefaultLifetime,
		renewWindow: DefaultRenewWindow,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lifetime <= 0 {
		return nil, fmt.Errorf("session lifetime must be positive, got %s", m.lifetime)
	}
	if m.renewWindow < 0 || m.renewWindow > m.lifetime {
		return nil, fmt.Errorf("renew window %s must be between 0 and the lifetime %s", m.renewWindow, m.lifetime)
	}
	return m, nil
}

// Lifetime returns the configured session lifetime.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// Create stores a new session for userID keyed by the hash of rawToken.
func (m *Manager) Create(ctx context.Context, rawToken, userID string) (storage.Session, error) {
	s := storage.Session{
		ID:        token.Hash(rawToken),
		UserID:    userID,
		ExpiresAt: m.now().Add(m.lifetime),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return storage.Session{}, fmt.Errorf("%w: creating session: %w", ErrStorageFailure, err)
	}
	return s, nil
}

// Validate resolves rawToken to its session and user.
//
// Absent, unknown and expired tokens yield an Anonymous result with a nil
// error. Expired sessions are deleted. A session at or inside the renew
// window has its expiry extended and persisted before Validate returns.
// Any store error is returned wrapped in ErrStorageFailure.
func (m *Manager) Validate(ctx context.Context, rawToken string) (Result, error) {
	if rawToken == "" {
		return anonymous(ErrTokenAbsent), nil
	}
	id := token.Hash(rawToken)

	s, u, err := m.store.SessionWithUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return anonymous(ErrSessionNotFound), nil
	}
	if err != nil {
		return anonymous(nil), fmt.Errorf("%w: looking up session: %w", ErrStorageFailure, err)
	}

	now := m.now()
	if !now.Before(s.ExpiresAt) {
		if err := m.store.DeleteSession(ctx, id); err != nil {
			return anonymous(nil), fmt.Errorf("%w: deleting expired session: %w", ErrStorageFailure, err)
		}
		m.logger.DebugContext(ctx, "session expired", "user_id", s.UserID)
		return anonymous(ErrSessionExpired), nil
	}

	if !now.Before(s.ExpiresAt.Add(-m.renewWindow)) {
		expiresAt := now.Add(m.lifetime)
		err := m.store.UpdateSessionExpiry(ctx, id, expiresAt)
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted by a concurrent logout between read and renewal.
			return anonymous(ErrSessionNotFound), nil
		}
		if err != nil {
			return anonymous(nil), fmt.Errorf("%w: renewing session: %w", ErrStorageFailure, err)
		}
		s.ExpiresAt = expiresAt
		m.logger.DebugContext(ctx, "session renewed", "user_id", s.UserID, "expires_at", expiresAt)
		return Result{Status: Renewed, Session: s, User: u}, nil
	}

	return Result{Status: Active, Session: s, User: u}, nil
}

// Invalidate deletes the session with the given ID. Deleting a session
// that does not exist is not an error.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: deleting session: %w", ErrStorageFailure, err)
	}
	return nil
}

// InvalidateUser deletes every session owned by userID and returns how
// many were removed.
func (m *Manager) InvalidateUser(ctx context.Context, userID string) (int, error) {
	n, err := m.store.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting user sessions: %w", ErrStorageFailure, err)
	}
	return n, nil
}
