package descriptor

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/conformdb/conform/pkg/dbdef"
	"github.com/conformdb/conform/pkg/dberr"
)

// Table reconciles a declared type against a live table.
type Table struct {
	Name    string
	Columns []Column // declared order

	byName map[string]Column
}

// NewTable builds a table descriptor from a type's ordered field list.
func NewTable(typeName string, fields dbdef.FieldList) (*Table, error) {
	cols := make([]Column, 0, len(fields))
	for _, f := range fields {
		col, err := columnFromField(f)
		if err != nil {
			return nil, fmt.Errorf("type %q: %w", typeName, err)
		}
		cols = append(cols, col)
	}
	return NewTableFromColumns(strings.ToLower(typeName), cols), nil
}

// NewTableFromColumns builds a table descriptor from pre-shaped columns.
// Used for infrastructure tables that are not part of any definition.
func NewTableFromColumns(name string, cols []Column) *Table {
	byName := make(map[string]Column, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}
	return &Table{Name: name, Columns: cols, byName: byName}
}

// Exists reports whether the table is present in the store catalog.
func (t *Table) Exists(ctx context.Context, q Querier) (bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type='table' AND name=?`, t.Name)
	if err != nil {
		return false, fmt.Errorf("descriptor: failed to check table %q: %w", t.Name, err)
	}
	defer rows.Close()
	exists := rows.Next()
	return exists, rows.Err()
}

// Layout reads the live column metadata of the table from the catalog.
func (t *Table) Layout(ctx context.Context, q Querier) ([]Column, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, t.Name))
	if err != nil {
		return nil, fmt.Errorf("descriptor: failed to read layout of %q: %w", t.Name, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notnull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declType, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("descriptor: failed to scan layout of %q: %w", t.Name, err)
		}
		col, err := columnFromTableInfo(name, declType, notnull, dflt, pk)
		if err != nil {
			return nil, fmt.Errorf("descriptor: table %q: %w", t.Name, err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// CreateOrAlter brings the live table up to the declared shape. If the
// table does not exist it is created verbatim. If it exists, live columns
// absent from the declaration are logged and tolerated, differing columns
// are logged as discrepancies, and declared columns absent from the live
// table are added with ALTER TABLE — the only automatic table mutation.
// Returns whether the table was changed.
func (t *Table) CreateOrAlter(ctx context.Context, q Querier) (bool, error) {
	exists, err := t.Exists(ctx, q)
	if err != nil {
		return false, err
	}
	if !exists {
		if err := t.create(ctx, q); err != nil {
			return false, err
		}
		return true, nil
	}

	live, err := t.Layout(ctx, q)
	if err != nil {
		return false, err
	}
	liveNames := make(map[string]bool, len(live))
	for _, lc := range live {
		liveNames[lc.Name] = true
		dc, declared := t.byName[lc.Name]
		switch {
		case !declared:
			log.Printf("descriptor: column %s.%s exists but is not declared: %s",
				t.Name, lc.Name, lc.normal())
		case !lc.equalNormal(dc):
			log.Printf("descriptor: column %s.%s differs from declaration: live %s, declared %s",
				t.Name, lc.Name, lc.normal(), dc.normal())
		}
	}

	changed := false
	for _, dc := range t.Columns {
		if liveNames[dc.Name] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %s`, t.Name, dc.SQL())
		log.Printf("descriptor: adding column %s.%s", t.Name, dc.Name)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return changed, fmt.Errorf("descriptor: failed to add column %s.%s: %w", t.Name, dc.Name, err)
		}
		changed = true
	}
	return changed, nil
}

func (t *Table) create(ctx context.Context, q Querier) error {
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = c.SQL()
	}
	stmt := fmt.Sprintf(`CREATE TABLE %q (%s)`, t.Name, strings.Join(defs, ", "))
	log.Printf("descriptor: creating table %s", t.Name)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("descriptor: failed to create table %q: %w", t.Name, err)
	}
	return nil
}

// Verify asserts strict equality between the live table and the declared
// shape: the table must exist, every live column must match its declared
// counterpart, and every declared column must be present. Any mismatch is a
// verification failure with a diagnostic showing both sides.
func (t *Table) Verify(ctx context.Context, q Querier) error {
	exists, err := t.Exists(ctx, q)
	if err != nil {
		return err
	}
	if !exists {
		return dberr.Newf(dberr.CategoryConsistency, dberr.CodeVerifyFailed,
			"missing table %q", t.Name)
	}
	live, err := t.Layout(ctx, q)
	if err != nil {
		return err
	}
	liveNames := make(map[string]bool, len(live))
	for _, lc := range live {
		liveNames[lc.Name] = true
		dc, declared := t.byName[lc.Name]
		if !declared {
			return dberr.Newf(dberr.CategoryConsistency, dberr.CodeVerifyFailed,
				"column %s.%s exists but is not declared: %s", t.Name, lc.Name, lc.normal())
		}
		if !lc.equalNormal(dc) {
			return dberr.Newf(dberr.CategoryConsistency, dberr.CodeVerifyFailed,
				"column %s.%s differs from declaration: live %s, declared %s",
				t.Name, lc.Name, lc.normal(), dc.normal())
		}
	}
	for _, dc := range t.Columns {
		if !liveNames[dc.Name] {
			return dberr.Newf(dberr.CategoryConsistency, dberr.CodeVerifyFailed,
				"column %s.%s is declared but missing: %s", t.Name, dc.Name, dc.normal())
		}
	}
	return nil
}

// DropIfExists removes the table. The store drops associated indexes too.
func (t *Table) DropIfExists(ctx context.Context, q Querier) error {
	log.Printf("descriptor: dropping table %s (if exists)", t.Name)
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, t.Name)); err != nil {
		return fmt.Errorf("descriptor: failed to drop table %q: %w", t.Name, err)
	}
	return nil
}
