// Package postgres implements storage.Store backed by PostgreSQL.
//
// Credential columns live on the users row so a credential update is a
// single-row write. Sessions reference users with ON DELETE CASCADE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/doorman/storage"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool. The
// schema must already be migrated.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, applies
// migrations, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, storage.ErrAlreadyExists)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, storage.ErrNotFound)
		}
	}
	return err
}

func (s *Store) CreateUser(ctx context.Context, user storage.User, cred storage.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, avatar, nickname, created_at,
		                    access_token, access_token_expires_at, refresh_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Username, user.Avatar, user.Nickname, user.CreatedAt,
		cred.AccessToken, cred.AccessTokenExpiresAt, cred.RefreshToken)
	return mapPgError(err)
}

func (s *Store) User(ctx context.Context, id string) (storage.User, error) {
	var u storage.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, avatar, nickname, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Avatar, &u.Nickname, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return storage.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) UpdateProfile(ctx context.Context, user storage.User) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET username = $2, avatar = $3, nickname = $4 WHERE id = $1`,
		user.ID, user.Username, user.Avatar, user.Nickname)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", user.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) Credential(ctx context.Context, userID string) (storage.Credential, error) {
	c := storage.Credential{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT access_token, access_token_expires_at, refresh_token FROM users WHERE id = $1`, userID).
		Scan(&c.AccessToken, &c.AccessTokenExpiresAt, &c.RefreshToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Credential{}, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.Credential{}, err
	}
	c.AccessTokenExpiresAt = c.AccessTokenExpiresAt.UTC()
	return c, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred storage.Credential) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET access_token = $2, access_token_expires_at = $3, refresh_token = $4
		 WHERE id = $1`,
		cred.UserID, cred.AccessToken, cred.AccessTokenExpiresAt, cred.RefreshToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", cred.UserID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at) VALUES ($1, $2, $3)`,
		sess.ID, sess.UserID, sess.ExpiresAt)
	return mapPgError(err)
}

func (s *Store) SessionWithUser(ctx context.Context, id string) (storage.Session, storage.User, error) {
	var (
		sess storage.Session
		u    storage.User
	)
	err := s.pool.QueryRow(ctx,
		`SELECT s.id, s.user_id, s.expires_at,
		        u.id, u.username, u.avatar, u.nickname, u.created_at
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.id = $1`, id).
		Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt,
			&u.ID, &u.Username, &u.Avatar, &u.Nickname, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Session{}, storage.User{}, fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	if err != nil {
		return storage.Session{}, storage.User{}, err
	}
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	u.CreatedAt = u.CreatedAt.UTC()
	return sess, u, nil
}

func (s *Store) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session: %w", storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
