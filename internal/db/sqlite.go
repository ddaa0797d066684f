// Package db implements the local persistence layer for Bastion: the match
// replay journal and the standalone loadout store, both on SQLite.
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

// Database wraps a SQLite database connection with serialized writes.
type Database struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewDatabase opens or creates a SQLite database at the given path and
// applies the schema. ":memory:" opens a private in-memory database.
func NewDatabase(dbPath string) (*Database, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// One connection: SQLite serializes writers anyway, and pragmas and
	// in-memory databases are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		log.Warn().Err(err).Msg("failed to enable foreign keys")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		log.Warn().Err(err).Msg("failed to set busy timeout")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	d := &Database{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("database opened")
	return d, nil
}

// migrations are applied in order; PRAGMA user_version records progress.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS matches (
		match_id   TEXT PRIMARY KEY,
		mode       TEXT NOT NULL,
		map        TEXT NOT NULL,
		config     BLOB NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at   INTEGER NOT NULL DEFAULT 0,
		outcome    TEXT NOT NULL DEFAULT '',
		ticks      INTEGER NOT NULL DEFAULT 0,
		digest     TEXT NOT NULL DEFAULT '',
		complete   INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS journal (
		match_id TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		tick     INTEGER NOT NULL,
		kind     INTEGER NOT NULL,
		data     BLOB NOT NULL,
		PRIMARY KEY (match_id, seq),
		FOREIGN KEY (match_id) REFERENCES matches(match_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_matches_started_at ON matches(started_at);
	`,
	`
	CREATE TABLE IF NOT EXISTS loadout_towers (
		user_id      TEXT NOT NULL,
		character_id TEXT NOT NULL,
		tower_id     TEXT NOT NULL,
		tower_type   TEXT NOT NULL,
		level        INTEGER NOT NULL DEFAULT 1,
		xp           INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, character_id, tower_id)
	);

	CREATE TABLE IF NOT EXISTS loadout_items (
		user_id      TEXT NOT NULL,
		character_id TEXT NOT NULL,
		item_id      TEXT NOT NULL,
		kind         TEXT NOT NULL,
		amount       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, character_id, item_id)
	);
	`,
}

func (d *Database) migrate() error {
	var version int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		err := d.Transaction(context.Background(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[i]); err != nil {
				return err
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i+1, err)
		}
		log.Debug().Int("version", i+1).Msg("database schema migrated")
	}
	return nil
}

// Path returns the file the database was opened from.
func (d *Database) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exec executes a query without returning rows (INSERT, UPDATE, DELETE).
func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows (SELECT).
func (d *Database) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns a single row.
func (d *Database) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Transaction executes a function within a database transaction.
func (d *Database) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
