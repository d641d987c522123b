// Package database provides SQLite persistence for the gateway: the
// credentials table consumed by the auth gate and the monitor event-group
// table consumed by the monitor bridge.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// DB represents the database connection.
type DB struct {
	db *sql.DB
}

// Config contains the database configuration.
type Config struct {
	// Path is the path to the SQLite database file.
	Path string
	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int
	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "data/gateway.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// New creates a new database connection and initializes the schema.
func New(config Config) (*DB, error) {
	if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Special case: in-memory SQLite databases are per-connection. Use a
	// single connection so schema and data are visible across queries
	// within the same *sql.DB handle.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initDatabase(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		_ = d.db.Close()
	}
	return nil
}

// ensureDirExists creates the directory if it doesn't exist.
func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}

// initDatabase initializes the database with the necessary schema.
func initDatabase(db *sql.DB) error {
	_, err := db.Exec(`
	-- Credentials table: opaque bearer tokens with expiry and daily quota.
	CREATE TABLE IF NOT EXISTS credentials (
		token TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		expiry TEXT NOT NULL,
		daily_request_count INTEGER NOT NULL DEFAULT 0,
		daily_rate_limit INTEGER NOT NULL DEFAULT 100,
		last_request_date TEXT NOT NULL DEFAULT '',
		lifetime_request_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_credentials_username ON credentials(username);

	-- Monitor event groups. The UNIQUE constraint on event_group_id is the
	-- dedup mechanism for repeated webhook deliveries. Registration rows
	-- are stored here too, flagged processed from creation.
	CREATE TABLE IF NOT EXISTS monitor_event_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		monitor_id TEXT NOT NULL,
		event_group_id TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL,
		metadata TEXT,
		received_at DATETIME NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_monitor_event_groups_monitor ON monitor_event_groups(monitor_id);
	CREATE INDEX IF NOT EXISTS idx_monitor_event_groups_pending ON monitor_event_groups(username, processed);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Transaction executes the given function within a transaction.
func (d *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
