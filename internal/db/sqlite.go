// Package db implements the SQLite session journal: every lifecycle
// transition and every LAN server seen while browsing.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// pragmas applied to every new connection. Failures are logged, not fatal.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Database is a single-connection SQLite handle. Writers hold mu so that a
// transaction never interleaves with a plain Exec.
type Database struct {
	path string
	conn *sql.DB

	mu sync.Mutex
}

// NewDatabase opens or creates the SQLite file at dbPath, creating its
// directory when needed.
func NewDatabase(dbPath string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	conn.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			log.Warn().Err(err).Str("pragma", p).Msg("sqlite pragma failed")
		}
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database %s: %w", dbPath, err)
	}

	log.Info().Str("path", dbPath).Msg("database opened")
	return &Database{path: dbPath, conn: conn}, nil
}

// Path returns the database file path.
func (d *Database) Path() string { return d.path }

// Close closes the underlying connection.
func (d *Database) Close() error { return d.conn.Close() }

// Exec runs a write statement.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.ExecContext(ctx, query, args...)
}

// Query runs a read statement.
func (d *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, query, args...)
}

// Transaction runs fn inside a transaction. An error from fn, or a panic,
// rolls it back.
func (d *Database) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
