package descriptor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/conformdb/conform/pkg/dbdef"
	"github.com/conformdb/conform/pkg/dberr"
)

// Index reconciles a declared index against the live catalog. All parts of
// its normal form (name, owning table, ordered key columns, uniqueness) are
// lowercased on construction.
type Index struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// NewIndex builds an index descriptor from a declaration.
func NewIndex(ix dbdef.Index) *Index {
	cols := make([]string, len(ix.Keys))
	for i, k := range ix.Keys {
		cols[i] = strings.ToLower(k)
	}
	return &Index{
		Name:    strings.ToLower(ix.EffectiveName()),
		Table:   strings.ToLower(ix.OnType),
		Columns: cols,
		Unique:  ix.Unique,
	}
}

// normal renders the index's normal form, used both as a comparison key and
// in diagnostics.
func (i *Index) normal() string {
	return fmt.Sprintf("(name=%s table=%s columns=%s unique=%t)",
		i.Name, i.Table, strings.Join(i.Columns, ","), i.Unique)
}

// FetchExisting reads all user indexes from the catalog, excluding the
// store's internal sqlite_* indexes. When table is non-empty, only indexes
// on that table are returned.
func FetchExisting(ctx context.Context, q Querier, table string) ([]*Index, error) {
	query := `SELECT name, tbl_name FROM sqlite_master WHERE type='index' AND name NOT LIKE 'sqlite!_%' ESCAPE '!'`
	var args []interface{}
	if table != "" {
		query += ` AND tbl_name=?`
		args = append(args, table)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("descriptor: failed to list indexes: %w", err)
	}
	defer rows.Close()

	var found []*Index
	for rows.Next() {
		var name, tblName string
		if err := rows.Scan(&name, &tblName); err != nil {
			return nil, fmt.Errorf("descriptor: failed to scan index row: %w", err)
		}
		found = append(found, &Index{
			Name:  strings.ToLower(name),
			Table: strings.ToLower(tblName),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, idx := range found {
		if err := idx.fillDetails(ctx, q); err != nil {
			return nil, err
		}
	}
	sort.Slice(found, func(a, b int) bool { return found[a].Name < found[b].Name })
	return found, nil
}

// fillDetails reads the key columns and uniqueness flag of a live index.
func (i *Index) fillDetails(ctx context.Context, q Querier) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%q)`, i.Name))
	if err != nil {
		return fmt.Errorf("descriptor: failed to read index %q: %w", i.Name, err)
	}
	type keyCol struct {
		seqno int
		name  string
	}
	var keys []keyCol
	for rows.Next() {
		var seqno, cid int
		var colName string
		if err := rows.Scan(&seqno, &cid, &colName); err != nil {
			rows.Close()
			return fmt.Errorf("descriptor: failed to scan index %q info: %w", i.Name, err)
		}
		keys = append(keys, keyCol{seqno, strings.ToLower(colName)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].seqno < keys[b].seqno })
	i.Columns = make([]string, len(keys))
	for n, k := range keys {
		i.Columns[n] = k.name
	}

	listRows, err := q.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%q)`, i.Table))
	if err != nil {
		return fmt.Errorf("descriptor: failed to read index list of %q: %w", i.Table, err)
	}
	defer listRows.Close()
	for listRows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := listRows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return fmt.Errorf("descriptor: failed to scan index list of %q: %w", i.Table, err)
		}
		if strings.ToLower(name) == i.Name {
			i.Unique = unique != 0
		}
	}
	return listRows.Err()
}

// Exists reports whether an index with this exact normal form is present.
func (i *Index) Exists(ctx context.Context, q Querier) (bool, error) {
	have, err := FetchExisting(ctx, q, i.Table)
	if err != nil {
		return false, err
	}
	for _, h := range have {
		if h.normal() == i.normal() {
			return true, nil
		}
	}
	return false, nil
}

// Verify asserts that the index is present with its exact declared shape.
func (i *Index) Verify(ctx context.Context, q Querier) error {
	ok, err := i.Exists(ctx, q)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Newf(dberr.CategoryConsistency, dberr.CodeVerifyFailed,
			"missing index %s", i.normal())
	}
	return nil
}

// Create creates the index.
func (i *Index) Create(ctx context.Context, q Querier) error {
	unique := ""
	if i.Unique {
		unique = "UNIQUE "
	}
	cols := make([]string, len(i.Columns))
	for n, c := range i.Columns {
		cols[n] = `"` + c + `"`
	}
	stmt := fmt.Sprintf(`CREATE %sINDEX %q ON %q (%s)`,
		unique, i.Name, i.Table, strings.Join(cols, ", "))
	log.Printf("descriptor: creating index %s", i.Name)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("descriptor: failed to create index %q: %w", i.Name, err)
	}
	return nil
}

// DropIfExists removes the index.
func (i *Index) DropIfExists(ctx context.Context, q Querier) error {
	log.Printf("descriptor: dropping index %s (if exists)", i.Name)
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %q`, i.Name)); err != nil {
		return fmt.Errorf("descriptor: failed to drop index %q: %w", i.Name, err)
	}
	return nil
}

// ReconcileIndexes brings the store's index set into exact agreement with
// the declared set: declared indexes absent from the store are created, and
// store indexes absent from the declared set are dropped. Unlike tables,
// index drops are automatic; indexes are freely redeclarable within a
// version.
func ReconcileIndexes(ctx context.Context, q Querier, declared []*Index) error {
	declaredNormals := make(map[string]bool, len(declared))
	for _, idx := range declared {
		declaredNormals[idx.normal()] = true
	}

	// Drop first so that a redeclared index reusing a name cannot collide
	// with its own stale shape.
	have, err := FetchExisting(ctx, q, "")
	if err != nil {
		return err
	}
	remaining := make(map[string]bool, len(have))
	for _, h := range have {
		if !declaredNormals[h.normal()] {
			if err := h.DropIfExists(ctx, q); err != nil {
				return err
			}
			continue
		}
		remaining[h.normal()] = true
	}

	for _, idx := range declared {
		if remaining[idx.normal()] {
			continue
		}
		if err := idx.Create(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
