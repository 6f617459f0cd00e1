// Package descriptor translates abstract type and index definitions into
// concrete table and index shapes and reconciles them against live SQLite
// catalog metadata.
//
// Reconciliation is additive-only for tables: missing tables are created,
// missing declared columns are added, and everything else is logged but
// never auto-removed. Indexes reconcile symmetrically: declared-but-absent
// indexes are created and present-but-undeclared indexes are dropped.
package descriptor

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/conformdb/conform/pkg/dbdef"
	"github.com/conformdb/conform/pkg/dberr"
)

// Querier is the subset of database operations the descriptors need. It is
// satisfied by *connect.Bound, *connect.Tx, *sql.DB and *sql.Conn.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Column is the canonical shape of a table column. Name, Type, NotNull,
// Default and PKey form the normal form used to compare declared columns
// against live catalog metadata. Auto only affects SQL generation.
type Column struct {
	Name       string // lowercased
	Type       string // INTEGER, REAL, TEXT or BLOB
	NotNull    bool
	HasDefault bool
	Default    string // SQL literal as written in DDL; normalized on comparison
	PKey       bool
	Auto       bool
}

// storage type aliases accepted when reading live catalog metadata.
var storageTypes = map[string]string{
	"INT":     "INTEGER",
	"INTEGER": "INTEGER",
	"TEXT":    "TEXT",
	"BLOB":    "BLOB",
	"REAL":    "REAL",
	"FLOAT":   "REAL",
	"DOUBLE":  "REAL",
}

func kindStorageType(k dbdef.Kind) (string, error) {
	switch k {
	case dbdef.Int:
		return "INTEGER", nil
	case dbdef.Float:
		return "REAL", nil
	case dbdef.Text:
		return "TEXT", nil
	case dbdef.Blob:
		return "BLOB", nil
	}
	return "", dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
		"unsupported property type %q", k)
}

// columnFromField converts a declared field into its canonical column.
func columnFromField(f dbdef.Field) (Column, error) {
	switch fld := f.(type) {
	case dbdef.ID:
		return Column{
			Name:    strings.ToLower(fld.Name),
			Type:    "INTEGER",
			NotNull: true,
			PKey:    true,
			Auto:    fld.Auto,
		}, nil
	case dbdef.Property:
		st, err := kindStorageType(fld.Type)
		if err != nil {
			return Column{}, err
		}
		col := Column{
			Name:    strings.ToLower(fld.Name),
			Type:    st,
			NotNull: fld.NotNull,
		}
		if fld.Default != nil {
			lit, err := defaultLiteral(fld.Type, fld.Default)
			if err != nil {
				return Column{}, err
			}
			col.HasDefault = true
			col.Default = lit
		}
		return col, nil
	}
	return Column{}, dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
		"unknown field kind %T", f)
}

// columnFromTableInfo converts a PRAGMA table_info row into its canonical
// column. Unknown storage types are an error; the engine refuses to reason
// about tables it cannot represent.
func columnFromTableInfo(name, declType string, notnull int, dflt sql.NullString, pk int) (Column, error) {
	st, ok := storageTypes[strings.ToUpper(strings.TrimSpace(declType))]
	if !ok {
		return Column{}, fmt.Errorf("descriptor: column %q has unknown storage type %q", name, declType)
	}
	col := Column{
		Name:    strings.ToLower(name),
		Type:    st,
		NotNull: notnull != 0,
		PKey:    pk != 0,
	}
	if dflt.Valid {
		col.HasDefault = true
		col.Default = dflt.String
	}
	return col, nil
}

// defaultLiteral renders a definition-side default value as a SQL literal.
func defaultLiteral(k dbdef.Kind, value interface{}) (string, error) {
	switch v := value.(type) {
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 64), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		if k == dbdef.Blob {
			return blobLiteral([]byte(v)), nil
		}
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case []byte:
		return blobLiteral(v), nil
	}
	return "", fmt.Errorf("descriptor: cannot render default %v (%T) as a SQL literal", value, value)
}

func blobLiteral(b []byte) string {
	return fmt.Sprintf("X'%X'", b)
}

// normalizeDefault brings a default literal into a comparable form: outer
// whitespace and balanced parentheses are stripped, and numeric literals
// are canonicalized so that the catalog's rendering compares equal to the
// declared one.
func normalizeDefault(storageType, lit string) string {
	lit = strings.TrimSpace(lit)
	for len(lit) >= 2 && lit[0] == '(' && lit[len(lit)-1] == ')' {
		lit = strings.TrimSpace(lit[1 : len(lit)-1])
	}
	switch storageType {
	case "INTEGER":
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return strconv.FormatInt(n, 10)
		}
	case "REAL":
		if f, err := strconv.ParseFloat(lit, 64); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	return lit
}

// normal renders the column's normal form for diagnostics.
func (c Column) normal() string {
	dflt := "<none>"
	if c.HasDefault {
		dflt = normalizeDefault(c.Type, c.Default)
	}
	return fmt.Sprintf("(name=%s type=%s notnull=%t default=%s pkey=%t)",
		c.Name, c.Type, c.NotNull, dflt, c.PKey)
}

// equalNormal compares the normal forms of two columns.
func (c Column) equalNormal(other Column) bool {
	if c.Name != other.Name || c.Type != other.Type ||
		c.NotNull != other.NotNull || c.PKey != other.PKey ||
		c.HasDefault != other.HasDefault {
		return false
	}
	if !c.HasDefault {
		return true
	}
	return normalizeDefault(c.Type, c.Default) == normalizeDefault(other.Type, other.Default)
}

// SQL renders the column's definition clause for CREATE TABLE and
// ALTER TABLE ... ADD COLUMN.
func (c Column) SQL() string {
	parts := []string{`"` + c.Name + `"`, c.Type}
	if c.PKey {
		if c.Auto {
			parts = append(parts, "PRIMARY KEY AUTOINCREMENT")
		} else {
			parts = append(parts, "PRIMARY KEY")
		}
	}
	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}
	if c.HasDefault {
		parts = append(parts, "DEFAULT "+c.Default)
	}
	return strings.Join(parts, " ")
}
