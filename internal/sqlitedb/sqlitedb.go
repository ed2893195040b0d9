// Package sqlitedb opens the engine's SQLite database and applies
// per-component schema migrations.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Options tune the connection pool.
type Options struct {
	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
	// MaxOpenConns caps concurrent connections. WAL allows many readers
	// alongside one writer.
	MaxOpenConns int
}

// Open opens (creating if needed) the database at path in WAL mode.
func Open(path string, opts Options) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("open sqlite: path is empty")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}

	path = expandHome(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("open sqlite: create dir: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)

	ctx, cancel := context.WithTimeout(context.Background(), opts.BusyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the statements for component in order. Each step runs in
// its own transaction and is recorded in schema_migrations as
// (component, version), so steps are applied exactly once.
func Migrate(ctx context.Context, db *sql.DB, component string, steps []string) error {
	if db == nil {
		return fmt.Errorf("migrate %s: db is nil", component)
	}

	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		component TEXT NOT NULL,
		version INTEGER NOT NULL,
		applied_at TEXT NOT NULL,
		PRIMARY KEY (component, version)
	);`)
	if err != nil {
		return fmt.Errorf("migrate %s: create schema_migrations: %w", component, err)
	}

	var current int
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE component = ?;`, component,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate %s: read current version: %w", component, err)
	}

	for i := current; i < len(steps); i++ {
		version := i + 1
		if err := applyStep(ctx, db, component, version, steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, component string, version int, stmt string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate %s v%d: begin transaction: %w", component, version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("migrate %s v%d: apply: %w", component, version, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (component, version, applied_at) VALUES (?, ?, ?);`,
		component, version, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("migrate %s v%d: record version: %w", component, version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate %s v%d: commit: %w", component, version, err)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
