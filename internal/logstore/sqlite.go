package logstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend journals records to a SQLite database.
type SQLiteBackend struct {
	sqlBackend
}

// NewSQLiteBackend opens the database at dsn.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and the store
	// serializes appends anyway.
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set synchronous: %w", err)
		}
	}

	b := &SQLiteBackend{sqlBackend{
		db:     db,
		name:   "sqlite",
		insert: `INSERT INTO records (data, created_at) VALUES (?, ?)`,
	}}
	if err := b.migrate([]string{
		`CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return b, nil
}
