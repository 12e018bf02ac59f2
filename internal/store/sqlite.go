package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// openDB opens the embedded SQLite database at path.
//
// Write transactions begin IMMEDIATE so that concurrent writers queue on the
// busy timeout instead of failing on lock upgrade. WAL lets readers proceed
// while a writer holds the lock.
func openDB(path string, busyTimeout time.Duration) (*sql.DB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(on)&_txlock=immediate",
		path, busyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// journal_mode is persistent in the file header, so once is enough
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return conn, nil
}

// quoteIdent quotes a validated table or index name for SQL.
func quoteIdent(name string) string {
	return `"` + name + `"`
}
