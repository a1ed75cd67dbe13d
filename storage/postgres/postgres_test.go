package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/doorman/storage"
	"github.com/jmcleod/doorman/storage/storetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DOORMAN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOORMAN_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not migrate schema: %v", err)
	}
	return pool
}

func TestPostgresStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		pool := newTestPool(t)
		// Clean tables for test isolation.
		pool.Exec(context.Background(), "DELETE FROM sessions") //nolint:errcheck
		pool.Exec(context.Background(), "DELETE FROM users")    //nolint:errcheck
		return NewStore(pool)
	})
}

func TestMigrateTwice(t *testing.T) {
	pool := newTestPool(t)
	defer pool.Close()

	if err := Migrate(context.Background(), pool); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}
