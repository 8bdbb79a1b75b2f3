// Package migrate applies versioned, reversible schema changes to the
// agrifarm database. Each migration runs in its own transaction and is
// recorded in schema_migrations, so Up is safe to call on every start.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
)

// Migration is one schema change. ID is the millisecond timestamp the
// change was authored at and defines the apply order.
type Migration struct {
	ID   int64
	Name string
	Up   func(tx *sql.Tx) error
	Down func(tx *sql.Tx) error
}

// Key returns the canonical "Name+ID" identifier, e.g.
// "AddCropToArea1732263000000".
func (m Migration) Key() string {
	return fmt.Sprintf("%s%d", m.Name, m.ID)
}

// MigrationStatus reports whether a registered migration is applied.
type MigrationStatus struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// ErrIrreversible is returned by Down for a migration without a Down
// function.
var ErrIrreversible = errors.New("migration has no down step")

// ErrOutOfRange is returned by a down step that would narrow a column
// below the values it already holds.
var ErrOutOfRange = errors.New("stored value does not fit the narrower column")

// Migrator applies a fixed list of migrations to one database.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *slog.Logger
}

// New creates a migrator. Migrations are sorted by ID; duplicate IDs
// panic since they can only come from a registry typo.
func New(db *sql.DB, logger *slog.Logger, migrations []Migration) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	ms := append([]Migration(nil), migrations...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
	for i := 1; i < len(ms); i++ {
		if ms[i].ID == ms[i-1].ID {
			panic(fmt.Sprintf("migrate: duplicate migration id %d", ms[i].ID))
		}
	}
	return &Migrator{db: db, migrations: ms, logger: logger}
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id         INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int64]time.Time, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]time.Time)
	for rows.Next() {
		var id int64
		var at string
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		t, _ := time.Parse(time.RFC3339, at)
		out[id] = t
	}
	return out, rows.Err()
}

// Up applies every pending migration and returns the keys applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	return m.UpTo(ctx, math.MaxInt64)
}

// UpTo applies pending migrations with ID <= target, oldest first.
func (m *Migrator) UpTo(ctx context.Context, target int64) ([]string, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, mig := range m.migrations {
		if mig.ID > target {
			break
		}
		if _, ok := done[mig.ID]; ok {
			continue
		}
		start := time.Now()
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`,
				mig.ID, mig.Name, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return keys, fmt.Errorf("migration %s up: %w", mig.Key(), err)
		}
		m.logger.Info("migration applied", "migration", mig.Key(), "elapsed", time.Since(start).Round(time.Millisecond))
		keys = append(keys, mig.Key())
	}
	return keys, nil
}

// Down reverts the newest steps applied migrations, newest first, and
// returns the keys reverted.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var keys []string
	for i := len(m.migrations) - 1; i >= 0 && len(keys) < steps; i-- {
		mig := m.migrations[i]
		if _, ok := done[mig.ID]; !ok {
			continue
		}
		if mig.Down == nil {
			return keys, fmt.Errorf("migration %s: %w", mig.Key(), ErrIrreversible)
		}
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if err := mig.Down(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE id = ?`, mig.ID)
			return err
		})
		if err != nil {
			return keys, fmt.Errorf("migration %s down: %w", mig.Key(), err)
		}
		m.logger.Info("migration reverted", "migration", mig.Key())
		keys = append(keys, mig.Key())
	}
	return keys, nil
}

// Status lists every registered migration in apply order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := MigrationStatus{ID: mig.ID, Name: mig.Name}
		if at, ok := done[mig.ID]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
