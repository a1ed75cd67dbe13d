// Package sqlite provides a storage.Store backed by a SQLite database file.
// Timestamps are stored as Unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/jmcleod/doorman/storage"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens the database at path, enables foreign keys and applies
// migrations.
func New(path string) (*Store, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// mapConstraint translates SQLite constraint violations into storage
// sentinels.
func mapConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return storage.ErrAlreadyExists
	case sqlite3.ErrConstraintForeignKey:
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) CreateUser(ctx context.Context, user storage.User, cred storage.Credential) error {
	const op = "storage.sqlite.CreateUser"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, avatar, nickname, created_at,
		                    access_token, access_token_expires_at, refresh_token)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Avatar, user.Nickname, toMillis(user.CreatedAt),
		cred.AccessToken, toMillis(cred.AccessTokenExpiresAt), cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapConstraint(err))
	}
	return nil
}

func (s *Store) User(ctx context.Context, id string) (storage.User, error) {
	const op = "storage.sqlite.User"

	var (
		u       storage.User
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, avatar, nickname, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Avatar, &u.Nickname, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return storage.User{}, fmt.Errorf("%s: %w", op, err)
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

func (s *Store) UpdateProfile(ctx context.Context, user storage.User) error {
	const op = "storage.sqlite.UpdateProfile"

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, avatar = ?, nickname = ? WHERE id = ?`,
		user.Username, user.Avatar, user.Nickname, user.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapConstraint(err))
	}
	return requireRow(op, res)
}

func (s *Store) Credential(ctx context.Context, userID string) (storage.Credential, error) {
	const op = "storage.sqlite.Credential"

	c := storage.Credential{UserID: userID}
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, access_token_expires_at, refresh_token FROM users WHERE id = ?`, userID).
		Scan(&c.AccessToken, &expires, &c.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return storage.Credential{}, fmt.Errorf("%s: %w", op, err)
	}
	c.AccessTokenExpiresAt = fromMillis(expires)
	return c, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred storage.Credential) error {
	const op = "storage.sqlite.UpdateCredential"

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token = ?, access_token_expires_at = ?, refresh_token = ?
		 WHERE id = ?`,
		cred.AccessToken, toMillis(cred.AccessTokenExpiresAt), cred.RefreshToken, cred.UserID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return requireRow(op, res)
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	const op = "storage.sqlite.CreateSession"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?)`,
		sess.ID, sess.UserID, toMillis(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapConstraint(err))
	}
	return nil
}

func (s *Store) SessionWithUser(ctx context.Context, id string) (storage.Session, storage.User, error) {
	const op = "storage.sqlite.SessionWithUser"

	var (
		sess             storage.Session
		u                storage.User
		expires, created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.user_id, s.expires_at,
		        u.id, u.username, u.avatar, u.nickname, u.created_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.id = ?`, id).
		Scan(&sess.ID, &sess.UserID, &expires,
			&u.ID, &u.Username, &u.Avatar, &u.Nickname, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.User{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return storage.Session{}, storage.User{}, fmt.Errorf("%s: %w", op, err)
	}
	sess.ExpiresAt = fromMillis(expires)
	u.CreatedAt = fromMillis(created)
	return sess, u, nil
}

func (s *Store) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	const op = "storage.sqlite.UpdateSessionExpiry"

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ?`, toMillis(expiresAt), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return requireRow(op, res)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	const op = "storage.sqlite.DeleteSession"

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	const op = "storage.sqlite.DeleteUserSessions"

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

func requireRow(op string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}
