// Package dbtest provides migrated in-memory databases for store tests.
package dbtest

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/nugget/agrifarm/internal/database"
	"github.com/nugget/agrifarm/internal/migrate"
)

// Open returns a pure-Go in-memory database with every migration
// applied. It is closed when the test ends.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.Open(database.DriverPure, database.Memory)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := migrate.New(db, slog.New(slog.DiscardHandler), migrate.Registry())
	if _, err := m.Up(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
