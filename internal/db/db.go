// Package db provides the on-device SQLite store of customer records.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DefaultFile is the database file name inside the data directory.
const DefaultFile = "csmsync.db"

// DB wraps the sql.DB with csmsync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens a SQLite database in dataDir. The database is opened with:
// - a single connection, so every mutation is serialized
// - WAL mode for concurrent reads/writes
// - a busy timeout so a second process waits instead of failing
func Open(dataDir, file string) (*DB, error) {
	if file == "" {
		file = DefaultFile
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, file)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{DB: db, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all embedded schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	m := NewMigrator(db.DB, migrationFiles, "migrations")
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	return m.Up(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
