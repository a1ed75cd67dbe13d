// Package storetest provides a conformance suite that every storage.Store
// backend runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/doorman/storage"
)

// Factory returns an empty store. The suite closes it when the subtest
// finishes.
type Factory func(t *testing.T) storage.Store

// timeTolerance covers the coarsest timestamp precision among backends
// (millisecond for sqlite and mongodb).
const timeTolerance = time.Millisecond

var seq atomic.Int64

// NewUser returns a user with a unique provider-style ID and fake profile.
func NewUser() storage.User {
	n := seq.Add(1)
	return storage.User{
		ID:        fmt.Sprintf("%d%06d", 800000000000, n),
		Username:  fmt.Sprintf("%s_%d", gofakeit.Username(), n),
		Avatar:    gofakeit.UUID(),
		Nickname:  gofakeit.Name(),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// NewCredential returns a credential for userID expiring in a week.
func NewCredential(userID string) storage.Credential {
	return storage.Credential{
		UserID:               userID,
		AccessToken:          gofakeit.LetterN(30),
		AccessTokenExpiresAt: time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Millisecond),
		RefreshToken:         gofakeit.LetterN(30),
	}
}

// Run executes the full conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) storage.Store {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("CreateAndGetUser", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		c := NewCredential(u.ID)
		require.NoError(t, s.CreateUser(ctx, u, c))

		got, err := s.User(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, u.Username, got.Username)
		assert.Equal(t, u.Avatar, got.Avatar)
		assert.Equal(t, u.Nickname, got.Nickname)
		assert.WithinDuration(t, u.CreatedAt, got.CreatedAt, timeTolerance)

		gotCred, err := s.Credential(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, c.UserID, gotCred.UserID)
		assert.Equal(t, c.AccessToken, gotCred.AccessToken)
		assert.Equal(t, c.RefreshToken, gotCred.RefreshToken)
		assert.WithinDuration(t, c.AccessTokenExpiresAt, gotCred.AccessTokenExpiresAt, timeTolerance)
	})

	t.Run("CreateUserDuplicateID", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		require.NoError(t, s.CreateUser(ctx, u, NewCredential(u.ID)))

		dup := u
		dup.Username = u.Username + "_other"
		err := s.CreateUser(ctx, dup, NewCredential(u.ID))
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		got, err := s.User(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Username, got.Username, "first write must win")
	})

	t.Run("CreateUserSharedUsername", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		require.NoError(t, s.CreateUser(ctx, u, NewCredential(u.ID)))

		// A provider username can be released and claimed by another
		// account while the first user's stored profile still holds it.
		other := NewUser()
		other.Username = u.Username
		require.NoError(t, s.CreateUser(ctx, other, NewCredential(other.ID)))

		for _, id := range []string{u.ID, other.ID} {
			got, err := s.User(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, u.Username, got.Username)
		}
	})

	t.Run("MissingUser", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.User(ctx, "no-such-user")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.Credential(ctx, "no-such-user")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateCredential", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		require.NoError(t, s.CreateUser(ctx, u, NewCredential(u.ID)))

		next := storage.Credential{
			UserID:               u.ID,
			AccessToken:          "rotated-access",
			AccessTokenExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond),
			RefreshToken:         "rotated-refresh",
		}
		require.NoError(t, s.UpdateCredential(ctx, next))

		got, err := s.Credential(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "rotated-access", got.AccessToken)
		assert.Equal(t, "rotated-refresh", got.RefreshToken)
		assert.WithinDuration(t, next.AccessTokenExpiresAt, got.AccessTokenExpiresAt, timeTolerance)

		// Profile is untouched by a credential update.
		gotUser, err := s.User(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Nickname, gotUser.Nickname)
	})

	t.Run("UpdateCredentialMissingUser", func(t *testing.T) {
		s := open(t)
		err := s.UpdateCredential(context.Background(), NewCredential("no-such-user"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateProfile", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		c := NewCredential(u.ID)
		require.NoError(t, s.CreateUser(ctx, u, c))

		renamed := u
		renamed.Username = u.Username + "_renamed"
		renamed.Avatar = "new-avatar"
		renamed.Nickname = "New Nick"
		require.NoError(t, s.UpdateProfile(ctx, renamed))

		got, err := s.User(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, renamed.Username, got.Username)
		assert.Equal(t, "new-avatar", got.Avatar)
		assert.Equal(t, "New Nick", got.Nickname)
		assert.WithinDuration(t, u.CreatedAt, got.CreatedAt, timeTolerance)

		gotCred, err := s.Credential(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, c.AccessToken, gotCred.AccessToken)

		// Renaming onto a username another user still holds is allowed.
		other := NewUser()
		require.NoError(t, s.CreateUser(ctx, other, NewCredential(other.ID)))
		other.Username = renamed.Username
		require.NoError(t, s.UpdateProfile(ctx, other))
		got, err = s.User(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, renamed.Username, got.Username)
	})

	t.Run("UpdateProfileMissingUser", func(t *testing.T) {
		s := open(t)
		err := s.UpdateProfile(context.Background(), NewUser())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SessionLifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		require.NoError(t, s.CreateUser(ctx, u, NewCredential(u.ID)))

		sess := storage.Session{
			ID:        gofakeit.LetterN(64),
			UserID:    u.ID,
			ExpiresAt: time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, s.CreateSession(ctx, sess))

		gotSess, gotUser, err := s.SessionWithUser(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, gotSess.ID)
		assert.Equal(t, u.ID, gotSess.UserID)
		assert.WithinDuration(t, sess.ExpiresAt, gotSess.ExpiresAt, timeTolerance)
		assert.Equal(t, u.ID, gotUser.ID)
		assert.Equal(t, u.Username, gotUser.Username)

		later := sess.ExpiresAt.Add(10 * 24 * time.Hour)
		require.NoError(t, s.UpdateSessionExpiry(ctx, sess.ID, later))
		gotSess, _, err = s.SessionWithUser(ctx, sess.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, later, gotSess.ExpiresAt, timeTolerance)

		require.NoError(t, s.DeleteSession(ctx, sess.ID))
		_, _, err = s.SessionWithUser(ctx, sess.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SessionMissing", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, _, err := s.SessionWithUser(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = s.UpdateSessionExpiry(ctx, "missing", time.Now())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteSessionIdempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		assert.NoError(t, s.DeleteSession(ctx, "never-existed"))
		assert.NoError(t, s.DeleteSession(ctx, "never-existed"))
	})

	t.Run("SessionRequiresUser", func(t *testing.T) {
		s := open(t)
		err := s.CreateSession(context.Background(), storage.Session{
			ID:        gofakeit.LetterN(64),
			UserID:    "no-such-user",
			ExpiresAt: time.Now().Add(time.Hour),
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SessionDuplicateID", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		require.NoError(t, s.CreateUser(ctx, u, NewCredential(u.ID)))
		sess := storage.Session{ID: gofakeit.LetterN(64), UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour)}
		require.NoError(t, s.CreateSession(ctx, sess))
		assert.ErrorIs(t, s.CreateSession(ctx, sess), storage.ErrAlreadyExists)
	})

	t.Run("DeleteUserSessions", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		u := NewUser()
		other := NewUser()
		require.NoError(t, s.CreateUser(ctx, u, NewCredential(u.ID)))
		require.NoError(t, s.CreateUser(ctx, other, NewCredential(other.ID)))

		exp := time.Now().Add(time.Hour)
		ids := []string{gofakeit.LetterN(64), gofakeit.LetterN(64), gofakeit.LetterN(64)}
		for _, id := range ids {
			require.NoError(t, s.CreateSession(ctx, storage.Session{ID: id, UserID: u.ID, ExpiresAt: exp}))
		}
		keep := storage.Session{ID: gofakeit.LetterN(64), UserID: other.ID, ExpiresAt: exp}
		require.NoError(t, s.CreateSession(ctx, keep))

		n, err := s.DeleteUserSessions(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, len(ids), n)
		for _, id := range ids {
			_, _, err := s.SessionWithUser(ctx, id)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		}
		_, _, err = s.SessionWithUser(ctx, keep.ID)
		assert.NoError(t, err, "other users' sessions must survive")

		n, err = s.DeleteUserSessions(ctx, u.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
