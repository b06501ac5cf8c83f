package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Applied to every pooled connection through the DSN
const sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"

// NewSQLiteDatabase opens the SQLite database at path, use ":memory:" for a private in-memory database
func NewSQLiteDatabase(path string) (*sql.DB, error) {
	dsn := path + "?" + sqlitePragmas
	if path == ":memory:" {
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if path == ":memory:" {
		// Every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	return db, nil
}
