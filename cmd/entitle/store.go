package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
)

// storeBackend picks the store backend for a database URL and returns the
// DSN to hand to its driver. An empty URL or "memory" selects the
// in-process store, which keeps nothing across restarts.
func storeBackend(databaseURL string) (backend, dsn string, err error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case u == "" || u == backendMemory:
		return backendMemory, "", nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return backendPostgres, u, nil
	case strings.HasPrefix(u, "sqlite://"):
		path := strings.TrimPrefix(u, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("database url %q names no file", databaseURL)
		}
		return backendSQLite, path, nil
	case strings.HasPrefix(u, "file:"):
		return backendSQLite, u, nil
	case !strings.Contains(u, "://"):
		switch filepath.Ext(u) {
		case ".db", ".sqlite", ".sqlite3":
			return backendSQLite, u, nil
		}
	}
	return "", "", fmt.Errorf("unsupported database url %q: want postgres://, sqlite:// or a .db file", databaseURL)
}

// openStore opens the store a database URL selects. Closing the store
// closes the underlying connection.
func openStore(ctx context.Context, databaseURL string) (store.Store, string, error) {
	backend, dsn, err := storeBackend(databaseURL)
	if err != nil {
		return nil, "", err
	}

	switch backend {
	case backendPostgres:
		drv := pgdriver.New()
		if err := drv.Open(ctx, dsn); err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return postgres.New(db), backend, nil

	case backendSQLite:
		drv := sqlitedriver.New()
		if err := drv.Open(ctx, dsn); err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		return sqlite.New(db), backend, nil

	default:
		return memory.New(), backend, nil
	}
}
