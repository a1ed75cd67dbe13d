// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/doorman/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases; everything is
// lost on restart.
type Store struct {
	mu          sync.RWMutex
	users       map[string]storage.User
	credentials map[string]storage.Credential
	sessions    map[string]storage.Session
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		users:       make(map[string]storage.User),
		credentials: make(map[string]storage.Credential),
		sessions:    make(map[string]storage.Session),
	}
}

func (s *Store) CreateUser(_ context.Context, user storage.User, cred storage.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, storage.ErrAlreadyExists)
	}
	s.users[user.ID] = user
	cred.UserID = user.ID
	s.credentials[user.ID] = cred
	return nil
}

func (s *Store) User(_ context.Context, id string) (storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return storage.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) UpdateProfile(_ context.Context, user storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", user.ID, storage.ErrNotFound)
	}
	cur.Username, cur.Avatar, cur.Nickname = user.Username, user.Avatar, user.Nickname
	s.users[user.ID] = cur
	return nil
}

func (s *Store) Credential(_ context.Context, userID string) (storage.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[userID]
	if !ok {
		return storage.Credential{}, fmt.Errorf("credential %s: %w", userID, storage.ErrNotFound)
	}
	return c, nil
}

func (s *Store) UpdateCredential(_ context.Context, cred storage.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[cred.UserID]; !ok {
		return fmt.Errorf("user %s: %w", cred.UserID, storage.ErrNotFound)
	}
	s.credentials[cred.UserID] = cred
	return nil
}

func (s *Store) CreateSession(_ context.Context, sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[sess.UserID]; !ok {
		return fmt.Errorf("user %s: %w", sess.UserID, storage.ErrNotFound)
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session: %w", storage.ErrAlreadyExists)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) SessionWithUser(_ context.Context, id string) (storage.Session, storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, storage.User{}, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	u, ok := s.users[sess.UserID]
	if !ok {
		return storage.Session{}, storage.User{}, fmt.Errorf("user %s: %w", sess.UserID, storage.ErrNotFound)
	}
	return sess, u, nil
}

func (s *Store) UpdateSessionExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	sess.ExpiresAt = expiresAt
	s.sessions[id] = sess
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteUserSessions(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error { return nil }
