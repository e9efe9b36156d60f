// Package db provides database connection management and the offline record store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "stockroom.db"

// DB wraps the sql.DB with Stockroom-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens a SQLite database with Stockroom configuration.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - a busy timeout so the sync pass and UI writes wait instead of failing
// - a single connection, SQLite has one writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return open(filepath.Join(dataDir, FileName), true)
}

// OpenMemory opens a private in-memory database. Used by tests and dry runs.
func OpenMemory() (*DB, error) {
	return open(":memory:", false)
}

func open(dsn string, wal bool) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	// an in-memory database lives only as long as its connection
	db.SetConnMaxLifetime(0)

	if wal {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Verify JSON functions are available; index columns are generated from payloads
	var valid int
	if err := db.QueryRow(`SELECT json_valid('{}')`).Scan(&valid); err != nil || valid != 1 {
		db.Close()
		return nil, fmt.Errorf("JSON functions are not available in this SQLite build: %v", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
