// Package bbolt provides a BBolt-backed storage.Store.
//
// Records are JSON encoded. Sessions are additionally indexed per user in
// a separate bucket so DeleteUserSessions is a prefix scan rather than a
// full table walk.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/doorman/storage"
)

var (
	usersBucket        = []byte("users")
	sessionsBucket     = []byte("sessions")
	userSessionsBucket = []byte("user_sessions")
)

// userRecord is the on-disk form of a user row: the profile with its
// credential embedded.
type userRecord struct {
	User       storage.User       `json:"user"`
	Credential storage.Credential `json:"credential"`
}

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database, creating
// the buckets it needs.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, sessionsBucket, userSessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func userSessionKey(userID, sessionID string) []byte {
	return []byte(userID + "\x00" + sessionID)
}

func getUserRecord(tx *bbolt.Tx, id string) (*userRecord, error) {
	data := tx.Bucket(usersBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", id, err)
	}
	return &rec, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *Store) CreateUser(_ context.Context, user storage.User, cred storage.Credential) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		if users.Get([]byte(user.ID)) != nil {
			return fmt.Errorf("user %s: %w", user.ID, storage.ErrAlreadyExists)
		}
		cred.UserID = user.ID
		return putJSON(users, []byte(user.ID), userRecord{User: user, Credential: cred})
	})
}

func (s *Store) User(_ context.Context, id string) (storage.User, error) {
	var u storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getUserRecord(tx, id)
		if err != nil {
			return err
		}
		u = rec.User
		return nil
	})
	return u, err
}

func (s *Store) UpdateProfile(_ context.Context, user storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getUserRecord(tx, user.ID)
		if err != nil {
			return err
		}
		rec.User.Username = user.Username
		rec.User.Avatar = user.Avatar
		rec.User.Nickname = user.Nickname
		return putJSON(tx.Bucket(usersBucket), []byte(user.ID), rec)
	})
}

func (s *Store) Credential(_ context.Context, userID string) (storage.Credential, error) {
	var c storage.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getUserRecord(tx, userID)
		if err != nil {
			return err
		}
		c = rec.Credential
		return nil
	})
	return c, err
}

func (s *Store) UpdateCredential(_ context.Context, cred storage.Credential) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getUserRecord(tx, cred.UserID)
		if err != nil {
			return err
		}
		rec.Credential = cred
		return putJSON(tx.Bucket(usersBucket), []byte(cred.UserID), rec)
	})
}

func (s *Store) CreateSession(_ context.Context, sess storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(usersBucket).Get([]byte(sess.UserID)) == nil {
			return fmt.Errorf("user %s: %w", sess.UserID, storage.ErrNotFound)
		}
		sessions := tx.Bucket(sessionsBucket)
		if sessions.Get([]byte(sess.ID)) != nil {
			return fmt.Errorf("session: %w", storage.ErrAlreadyExists)
		}
		if err := putJSON(sessions, []byte(sess.ID), sess); err != nil {
			return err
		}
		return tx.Bucket(userSessionsBucket).Put(userSessionKey(sess.UserID, sess.ID), nil)
	})
}

func (s *Store) SessionWithUser(_ context.Context, id string) (storage.Session, storage.User, error) {
	var (
		sess storage.Session
		u    storage.User
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session: %w", storage.ErrNotFound)
		}
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}
		rec, err := getUserRecord(tx, sess.UserID)
		if err != nil {
			return err
		}
		u = rec.User
		return nil
	})
	if err != nil {
		return storage.Session{}, storage.User{}, err
	}
	return sess, u, nil
}

func (s *Store) UpdateSessionExpiry(_ context.Context, id string, expiresAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session: %w", storage.ErrNotFound)
		}
		var sess storage.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("decoding session: %w", err)
		}
		sess.ExpiresAt = expiresAt
		return putJSON(b, []byte(id), sess)
	})
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var sess storage.Session
		if err := json.Unmarshal(data, &sess); err == nil {
			if err := tx.Bucket(userSessionsBucket).Delete(userSessionKey(sess.UserID, id)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

func (s *Store) DeleteUserSessions(_ context.Context, userID string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(userSessionsBucket)
		sessions := tx.Bucket(sessionsBucket)
		prefix := []byte(userID + "\x00")

		// Collect first; deleting while iterating a cursor skips keys.
		var keys [][]byte
		c := index.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := sessions.Delete(k[len(prefix):]); err != nil {
				return err
			}
			if err := index.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
