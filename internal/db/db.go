package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB wraps the sqlite connection pool and owns the schema.
type DB struct {
	conn *sql.DB
}

// New opens (creating if needed) the database at dbPath and brings the
// schema up to date.
func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// SQLite serializes writers; keep the pool small to avoid file
	// descriptor exhaustion under concurrent syncs
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Tokens live in this file; keep it owner-only
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate applies the schema. Every statement is IF NOT EXISTS, so
// reruns on an existing database are no-ops.
func (db *DB) migrate() error {
	migrations := []string{
		// Credentials table (referenced by calendars)
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_expiry DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Calendars table
		`CREATE TABLE IF NOT EXISTS calendars (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			calendar_identifier TEXT NOT NULL,
			display_name TEXT NOT NULL,
			account_email TEXT,
			credential_id TEXT,
			sync_cursor TEXT,
			last_synced_at DATETIME,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(provider, calendar_identifier),
			FOREIGN KEY (credential_id) REFERENCES credentials(id) ON DELETE SET NULL
		)`,

		// Events table; (calendar_id, source_event_id) is the natural key
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			calendar_id TEXT NOT NULL,
			source_event_id TEXT NOT NULL,
			title TEXT,
			description TEXT,
			location TEXT,
			organizer_email TEXT,
			organizer_name TEXT,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			is_all_day INTEGER NOT NULL DEFAULT 0,
			status TEXT,
			recurrence_rule TEXT,
			attendees TEXT,
			extension TEXT,
			last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(calendar_id, source_event_id),
			FOREIGN KEY (calendar_id) REFERENCES calendars(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_calendar_id ON events(calendar_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_start_time ON events(start_time)`,

		// Sync logs table
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			calendar_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			count INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (calendar_id) REFERENCES calendars(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_calendar_id ON sync_logs(calendar_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
		}
	}

	return nil
}
