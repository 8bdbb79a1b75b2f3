package migrate

import (
	"database/sql"
	"fmt"
	"strings"
)

// Column is one row of PRAGMA table_info.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	Default sql.NullString
	PK      int
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// TableInfo returns the columns of table in declaration order.
func TableInfo(q querier, table string) ([]Column, error) {
	rows, err := q.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var cid, notNull int
		var c Column
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &c.Default, &c.PK); err != nil {
			return nil, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		c.NotNull = notNull == 1
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// ForeignKey is one row of PRAGMA foreign_key_list.
type ForeignKey struct {
	Table    string
	From     string
	To       string
	OnDelete string
}

// ForeignKeys returns the foreign keys declared on table.
func ForeignKeys(q querier, table string) ([]ForeignKey, error) {
	rows, err := q.Query(fmt.Sprintf("PRAGMA foreign_key_list(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("foreign_key_list %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var id, seq int
		var fk ForeignKey
		var to sql.NullString
		var onUpdate, match string
		if err := rows.Scan(&id, &seq, &fk.Table, &fk.From, &to, &onUpdate, &fk.OnDelete, &match); err != nil {
			return nil, fmt.Errorf("scan foreign_key_list %s: %w", table, err)
		}
		fk.To = to.String
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func hasColumn(q querier, table, column string) (bool, error) {
	cols, err := TableInfo(q, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if c.Name == column {
			return true, nil
		}
	}
	return false, nil
}

// execAll runs statements in order, stopping at the first failure.
func execAll(tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// rebuildTable replaces table with the definition in create, which must
// begin "CREATE TABLE <table> (". SQLite cannot change a column's type,
// nullability or foreign keys in place, so the data is copied into a
// new table that then takes the old name. Columns present in both are
// copied; copyExpr overrides the SELECT expression for a column.
// Indexes are dropped with the old table and recreated from indexes.
func rebuildTable(tx *sql.Tx, table, create string, copyExpr map[string]string, indexes ...string) error {
	tmp := table + "__rebuild"
	prefix := "CREATE TABLE " + table + " ("
	if !strings.HasPrefix(strings.TrimSpace(create), prefix) {
		return fmt.Errorf("rebuild %s: definition must start with %q", table, prefix)
	}
	if _, err := tx.Exec(strings.Replace(create, prefix, "CREATE TABLE "+tmp+" (", 1)); err != nil {
		return fmt.Errorf("rebuild %s: create: %w", table, err)
	}

	oldCols, err := TableInfo(tx, table)
	if err != nil {
		return err
	}
	newCols, err := TableInfo(tx, tmp)
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(oldCols))
	for _, c := range oldCols {
		existing[c.Name] = true
	}
	var names, exprs []string
	for _, c := range newCols {
		if !existing[c.Name] {
			continue
		}
		names = append(names, c.Name)
		if e, ok := copyExpr[c.Name]; ok {
			exprs = append(exprs, e)
		} else {
			exprs = append(exprs, c.Name)
		}
	}

	stmts := []string{
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			tmp, strings.Join(names, ", "), strings.Join(exprs, ", "), table),
		"DROP TABLE " + table,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tmp, table),
	}
	stmts = append(stmts, indexes...)
	if err := execAll(tx, stmts...); err != nil {
		return fmt.Errorf("rebuild %s: %w", table, err)
	}
	return nil
}
