// Package store persists pipeline state in two SQLite databases: the config
// store (proxies, bans, whitelist, integrations, rules, notification state)
// and a separate event store so retention sweeps never contend with
// configuration writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
)

// Store is the config-store handle. All components share one instance.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the config store at dir/file.
func Open(cfg config.StorageConfig) (*Store, error) {
	path, err := resolvePath(cfg.DataDir, cfg.DatabaseFile)
	if err != nil {
		return nil, errors.Fatal(err, "store_open_failed", "cannot prepare config store path")
	}

	db, err := openSQLite(path, cfg.BusyTimeout)
	if err != nil {
		return nil, errors.Fatal(err, "store_open_failed", "cannot open config store")
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, errors.Fatal(err, "store_schema_failed", "cannot initialize config store schema")
	}
	return s, nil
}

// DB exposes the handle for components that compose their own queries in tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func resolvePath(dataDir, file string) (string, error) {
	if filepath.IsAbs(file) {
		return file, os.MkdirAll(filepath.Dir(file), 0o755)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dataDir, file), nil
}

// openSQLite opens a SQLite database in WAL mode with a busy timeout so the
// single-writer lock degrades to waiting instead of SQLITE_BUSY errors.
func openSQLite(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writes; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
