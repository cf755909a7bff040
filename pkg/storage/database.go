package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

// DB is the sqlite-backed node database: persisted session flags,
// message history and the transfer log
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ndb := &DB{db: db}

	if err := ndb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return ndb, nil
}

// initSchema creates database tables
func (db *DB) initSchema() error {
	schema := `
	-- Session flags
	CREATE TABLE IF NOT EXISTS flags (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Chat history
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		session_id TEXT NOT NULL,
		peer TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		is_outgoing INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	);

	-- File transfer log
	CREATE TABLE IF NOT EXISTS transfers (
		transfer_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		peer TEXT NOT NULL,
		direction TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_type TEXT,
		file_size INTEGER NOT NULL,
		chunks_count INTEGER NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		path TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_transfers_started ON transfers(started_at DESC);
	`

	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.db.Close()
}

// ===== FLAG OPERATIONS (Store) =====

// GetString returns the flag stored under key, or def
func (db *DB) GetString(key string, def string) string {
	var value string
	err := db.db.QueryRow(`SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return def
	}
	return value
}

// SetString stores a flag
func (db *DB) SetString(key string, value string) error {
	_, err := db.db.Exec(`
		INSERT INTO flags (key, value, updated_at) VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// GetBool returns the boolean flag stored under key, or def
func (db *DB) GetBool(key string, def bool) bool {
	return parseBool(db.GetString(key, strconv.FormatBool(def)), def)
}

// SetBool stores a boolean flag
func (db *DB) SetBool(key string, value bool) error {
	return db.SetString(key, strconv.FormatBool(value))
}

// RemoveItem deletes a flag
func (db *DB) RemoveItem(key string) error {
	if _, err := db.db.Exec(`DELETE FROM flags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove flag %s: %w", key, err)
	}
	return nil
}

func scanErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
