package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/doorman/config"
	"github.com/jmcleod/doorman/storage"
	bboltstorage "github.com/jmcleod/doorman/storage/bbolt"
	"github.com/jmcleod/doorman/storage/memory"
	"github.com/jmcleod/doorman/storage/mongodb"
	"github.com/jmcleod/doorman/storage/postgres"
	"github.com/jmcleod/doorman/storage/sqlite"
)

// openStore opens the configured backend. Every backend brings its schema
// up to date while opening.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverBBolt:
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		s, err := bboltstorage.NewStoreFromFile(cfg.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return s, nil
	case config.DriverSQLite:
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.NewStoreFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return s, nil
	case config.DriverMongoDB:
		s, err := mongodb.New(ctx, cfg.URI, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open mongodb storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
