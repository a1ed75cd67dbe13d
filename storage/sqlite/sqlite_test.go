package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/doorman/storage"
	"github.com/jmcleod/doorman/storage/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "doorman.sqlite"))
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	require.NoError(t, Migrate(s.db))
	require.NoError(t, Migrate(s.db))

	u := storetest.NewUser()
	require.NoError(t, s.CreateUser(context.Background(), u, storetest.NewCredential(u.ID)))
}

func TestDeletingUserCascadesSessions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	u := storetest.NewUser()
	require.NoError(t, s.CreateUser(ctx, u, storetest.NewCredential(u.ID)))
	require.NoError(t, s.CreateSession(ctx, storage.Session{ID: "cascade", UserID: u.ID, ExpiresAt: u.CreatedAt}))

	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, u.ID)
	require.NoError(t, err)

	_, _, err = s.SessionWithUser(ctx, "cascade")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
