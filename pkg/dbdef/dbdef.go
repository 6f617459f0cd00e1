// Package dbdef defines data and infrastructure requirements for databases.
//
// A database definition is a map of integer version numbers to complete
// schema snapshots. Each snapshot declares named types (ordered lists of
// properties), indexes, and the transition needed to reach it from the
// previous version. The highest version number is the target: a fresh
// database is jumpstarted straight to it, while a database with existing
// content is taken through the applicable transitions in ascending order.
//
// Version 0 is reserved as the implicit version of a pre-existing,
// unversioned, non-empty database; no transition is ever associated with
// reaching it.
//
// A definition can change in some ways without a version increment:
// adding types, adding or removing indexes, and adding non-id properties
// that are nullable or carry a default. All other changes require a new
// version with an explicit transition.
package dbdef

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conformdb/conform/pkg/dberr"
)

// Kind is the primitive value type of a property.
type Kind string

const (
	Int   Kind = "int"
	Float Kind = "float"
	Text  Kind = "text"
	Blob  Kind = "blob"
)

// Valid reports whether k is a supported primitive type.
func (k Kind) Valid() bool {
	switch k {
	case Int, Float, Text, Blob:
		return true
	}
	return false
}

// Field is a typed value handle of a declared type. The two
// implementations are Property and ID.
type Field interface {
	FieldName() string
}

// Property is a primitive property of a type contained in a database.
type Property struct {
	Name    string      `json:"name" yaml:"name"`
	Type    Kind        `json:"type" yaml:"type"`
	NotNull bool        `json:"notnull,omitempty" yaml:"notnull,omitempty"`
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// FieldName returns the property's handle.
func (p Property) FieldName() string { return p.Name }

// ID is an integer id key as a property of a type; only one allowed per
// type. IDs are always not-null. Auto requests store-generated unique
// values.
type ID struct {
	Name string `json:"id" yaml:"id"`
	Auto bool   `json:"auto,omitempty" yaml:"auto,omitempty"`
}

// FieldName returns the id's handle.
func (id ID) FieldName() string { return id.Name }

// FieldList is an ordered sequence of Property and ID fields.
type FieldList []Field

// Index declares a lookup structure over properties of a type. Name may be
// empty, in which case a deterministic name is derived from the type name,
// the key names and the uniqueness flag.
type Index struct {
	OnType string   `json:"on_type" yaml:"on_type"`
	Keys   []string `json:"keys" yaml:"keys"`
	Unique bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	Name   string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// EffectiveName returns the declared name, or the auto-generated one.
// Auto-generated names are stable across runs so that declared and live
// indexes can be compared.
func (ix Index) EffectiveName() string {
	if ix.Name != "" {
		return ix.Name
	}
	kind := "idx"
	if ix.Unique {
		kind = "uidx"
	}
	parts := append([]string{kind, ix.OnType}, ix.Keys...)
	return strings.Join(parts, "_")
}

// Transition is the migration action needed to move into a version from
// the previous one. SQL is an opaque multi-statement script, passed through
// to the store verbatim. Prompt requires explicit consent before execution;
// Reason is shown at consent time.
type Transition struct {
	SQL    string `json:"sql,omitempty" yaml:"sql,omitempty"`
	Prompt bool   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Version is a complete, self-contained schema snapshot plus the delta
// script to reach it.
type Version struct {
	Types      map[string]FieldList `json:"types,omitempty" yaml:"types,omitempty"`
	Indexes    []Index              `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Transition *Transition          `json:"transition,omitempty" yaml:"transition,omitempty"`
}

// TypeNames returns the declared type names in sorted order.
func (v *Version) TypeNames() []string {
	names := make([]string, 0, len(v.Types))
	for name := range v.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatabaseDef maps version numbers to schema snapshots.
type DatabaseDef struct {
	Versions map[int]*Version `json:"versions" yaml:"versions"`
}

// Target returns the highest declared version number. The definition must
// have been validated.
func (d *DatabaseDef) Target() int {
	target := 0
	for n := range d.Versions {
		if n > target {
			target = n
		}
	}
	return target
}

// VersionNumbers returns all declared version numbers in ascending order.
// Gaps are legal; numbers need not be contiguous.
func (d *DatabaseDef) VersionNumbers() []int {
	nums := make([]int, 0, len(d.Versions))
	for n := range d.Versions {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// MultiDatabaseDef maps logical database names to their definitions.
type MultiDatabaseDef map[string]*DatabaseDef

// Names returns the defined database names in sorted order.
func (m MultiDatabaseDef) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every definition in the map.
func (m MultiDatabaseDef) Validate() error {
	for _, name := range m.Names() {
		def := m[name]
		if def == nil {
			return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"database %q: nil definition", name)
		}
		if err := def.Validate(); err != nil {
			return fmt.Errorf("database %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks the definition for structural mistakes: missing versions,
// negative version numbers, unsupported property types, duplicate field
// names, more than one id per type. Index keys are intentionally not
// resolved here; they may reference additive changes declared later and are
// checked at reconciliation time instead.
func (d *DatabaseDef) Validate() error {
	if len(d.Versions) == 0 {
		return dberr.New(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
			"definition declares no versions")
	}
	for _, n := range d.VersionNumbers() {
		v := d.Versions[n]
		if n < 0 {
			return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"version numbers must be non-negative, got %d", n)
		}
		if v == nil {
			return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"version %d: nil snapshot", n)
		}
		if err := v.validate(); err != nil {
			return fmt.Errorf("version %d: %w", n, err)
		}
	}
	return nil
}

func (v *Version) validate() error {
	for _, name := range v.TypeNames() {
		fields := v.Types[name]
		if name == "" {
			return dberr.New(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"type with empty name")
		}
		if len(fields) == 0 {
			return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"type %q declares no fields", name)
		}
		seen := make(map[string]bool, len(fields))
		ids := 0
		for _, f := range fields {
			fname := strings.ToLower(f.FieldName())
			if fname == "" {
				return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
					"type %q: field with empty name", name)
			}
			if seen[fname] {
				return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
					"type %q: duplicate field %q", name, fname)
			}
			seen[fname] = true
			switch fld := f.(type) {
			case ID:
				ids++
				if ids > 1 {
					return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
						"type %q: more than one id field", name)
				}
			case Property:
				if !fld.Type.Valid() {
					return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
						"type %q: property %q has unsupported type %q", name, fld.Name, fld.Type)
				}
				if err := validateDefault(fld.Type, fld.Default); err != nil {
					return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
						"type %q: property %q: %v", name, fld.Name, err)
				}
			default:
				return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
					"type %q: field %q has unknown field kind %T", name, f.FieldName(), f)
			}
		}
	}
	for _, ix := range v.Indexes {
		if ix.OnType == "" {
			return dberr.New(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"index with empty on_type")
		}
		if len(ix.Keys) == 0 {
			return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"index on %q declares no keys", ix.OnType)
		}
	}
	return nil
}

// validateDefault checks that a default value is representable in the
// property's primitive type. YAML and JSON loaders produce int, int64,
// float64 and string scalars; all are accepted where coercible.
func validateDefault(k Kind, value interface{}) error {
	if value == nil {
		return nil
	}
	switch k {
	case Int:
		switch value.(type) {
		case int, int32, int64:
			return nil
		case float64: // JSON numbers decode as float64
			return nil
		}
	case Float:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return nil
		}
	case Text:
		if _, ok := value.(string); ok {
			return nil
		}
	case Blob:
		switch value.(type) {
		case string, []byte:
			return nil
		}
	}
	return fmt.Errorf("default %v (%T) does not match type %q", value, value, k)
}
