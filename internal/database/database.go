// Package database opens the agrifarm SQLite database. Two drivers are
// supported: "sqlite3" (mattn/go-sqlite3, cgo) for production builds
// and "sqlite" (modernc.org/sqlite, pure Go) for cgo-free builds and
// tests. Both get WAL journaling, a busy timeout and foreign keys.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverCGo  = "sqlite3"
	DriverPure = "sqlite"
)

// Memory is the path for a private in-memory database.
const Memory = ":memory:"

// DSN builds the driver-specific connection string for path.
func DSN(driver, path string) (string, error) {
	memory := path == Memory
	switch driver {
	case DriverCGo:
		if memory {
			return Memory + "?_foreign_keys=on", nil
		}
		return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", nil
	case DriverPure:
		if memory {
			return Memory + "?_pragma=foreign_keys(1)", nil
		}
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}

// Open opens (and creates, if needed) the database at path. The parent
// directory is created for file databases. An in-memory database is
// pinned to one connection so every query sees the same data.
func Open(driver, path string) (*sql.DB, error) {
	dsn, err := DSN(driver, path)
	if err != nil {
		return nil, err
	}
	if path != Memory {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if path == Memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database %s: %w", driver, path, err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure
// from either driver.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
