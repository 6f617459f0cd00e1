// Package update manages database versioning. An Updater handles one
// database: it detects the current stamped version, plans the transition
// path to the highest declared version, executes it transactionally, and
// verifies the result. A MultiUpdater fans out over every defined database.
package update

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conformdb/conform/internal/descriptor"
	"github.com/conformdb/conform/pkg/connect"
	"github.com/conformdb/conform/pkg/dbdef"
	"github.com/conformdb/conform/pkg/dberr"
)

// ConsentFunc decides whether a batch of prompted transition reasons is
// accepted. It is injected by the host; collection of the decision
// (terminal, GUI, configuration flag) is outside the engine.
type ConsentFunc func(reasons []string) bool

const metaTableName = "_meta_version"

// metaTable is the version-tracking table. It is maintained through the
// same table descriptor machinery as user tables, so tracking tables
// written by older engine builds are upgraded additively.
func metaTable() *descriptor.Table {
	return descriptor.NewTableFromColumns(metaTableName, []descriptor.Column{
		{Name: "version", Type: "INTEGER"},
		{Name: "created", Type: "INTEGER", NotNull: true, HasDefault: true,
			Default: "(strftime('%s','now'))"},
		{Name: "run_id", Type: "TEXT"},
		{Name: "fingerprint", Type: "TEXT"},
		{Name: "snapshot", Type: "BLOB"},
	})
}

// Updater handles the versioning needs of a single database.
type Updater struct {
	name  string
	def   *dbdef.DatabaseDef
	db    *connect.Bound
	runID string
}

// New binds to the named database and brings its tracking state up.
// A database with user content but no tracking table is adopted as
// implicit version 0 (once). A database with a stamped version is
// immediately reconciled to that version's declaration and verified; if
// that fails, the database state is inconsistent and the error is fatal.
func New(ctx context.Context, name string, def *dbdef.DatabaseDef, connector connect.Connector) (*Updater, error) {
	if name == "" {
		return nil, dberr.New(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
			"database name must not be empty")
	}
	if def == nil {
		return nil, dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
			"database %q: nil definition", name)
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("update: %s: %w", name, err)
	}

	db, err := connect.Bind(name, connector)
	if err != nil {
		return nil, err
	}
	u := &Updater{name: name, def: def, db: db, runID: uuid.NewString()}

	if err := u.initMeta(ctx); err != nil {
		return nil, err
	}
	if v, ok, err := u.Version(ctx); err != nil {
		return nil, err
	} else if ok {
		if err := u.reconcileStamped(ctx, v); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// Name returns the logical database name.
func (u *Updater) Name() string { return u.name }

// Target returns the highest declared version number.
func (u *Updater) Target() int { return u.def.Target() }

// Version returns the current stamped version. ok is false when the
// database carries no stamped version. The stamped version is re-read from
// the store on every call; it is never cached.
func (u *Updater) Version(ctx context.Context) (int, bool, error) {
	var v sql.NullInt64
	err := u.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM `+metaTableName).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("update: %s: failed to read stamped version: %w", u.name, err)
	}
	return int(v.Int64), v.Valid, nil
}

// Needed reports whether the stamped version is unset or less than the
// highest declared version.
func (u *Updater) Needed(ctx context.Context) (bool, error) {
	v, ok, err := u.Version(ctx)
	if err != nil {
		return false, err
	}
	log.Printf("update: %s: update check: version=%s target=%d", u.name, versionLabel(v, ok), u.def.Target())
	return !ok || v < u.def.Target(), nil
}

// PendingReasons collects the reasons of every prompted transition on the
// path from the current version to the target. A database without a
// stamped version is jumpstarted and never runs transitions, so it
// contributes no reasons.
func (u *Updater) PendingReasons(ctx context.Context) ([]string, error) {
	v, ok, err := u.Version(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var reasons []string
	for _, n := range u.missingVersions(v) {
		if t := u.def.Versions[n].Transition; t != nil && t.Prompt {
			reasons = append(reasons, t.Reason)
		}
	}
	return reasons, nil
}

// Agreed reports whether the consent decision accepted every prompted
// transition on the update path, in one combined request. Trivially true
// when nothing prompts.
func (u *Updater) Agreed(ctx context.Context, consent ConsentFunc) (bool, error) {
	reasons, err := u.PendingReasons(ctx)
	if err != nil {
		return false, err
	}
	if len(reasons) == 0 {
		return true, nil
	}
	if consent == nil {
		log.Printf("update: %s: %d transition(s) need consent but no consent strategy is set", u.name, len(reasons))
		return false, nil
	}
	return consent(reasons), nil
}

// Run updates the database to the highest declared version and verifies
// each step. A database without a stamped version is jumpstarted: the
// target version's full table and index set is materialized directly and
// no historical transition runs. Otherwise each missing version is applied
// in ascending order, each inside its own IMMEDIATE transaction; a failure
// leaves the previous stamped version intact.
func (u *Updater) Run(ctx context.Context) error {
	v, ok, err := u.Version(ctx)
	if err != nil {
		return err
	}
	target := u.def.Target()
	log.Printf("update: %s: updating schema from version %s to %d", u.name, versionLabel(v, ok), target)

	if !ok {
		if err := u.jumpToVersion(ctx, target); err != nil {
			return err
		}
		return u.verifyVersion(ctx, target)
	}
	for _, n := range u.missingVersions(v) {
		if err := u.updateToVersion(ctx, n); err != nil {
			return err
		}
		if err := u.verifyVersion(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Verify asserts that the database is at the highest declared version with
// exactly the declared tables and indexes.
func (u *Updater) Verify(ctx context.Context) error {
	return u.verifyVersion(ctx, u.def.Target())
}

// Reset deletes all content from the database along with its supporting
// structures: every table declared in any version is dropped (historical
// leftovers included), the tracking table is dropped and recreated, and
// the stamped version is cleared — all in one transaction. The clearing
// stamp keeps the append-only audit trail alive across resets.
func (u *Updater) Reset(ctx context.Context) error {
	v, ok, err := u.Version(ctx)
	if err != nil {
		return err
	}
	log.Printf("update: %s: resetting database (version %s)", u.name, versionLabel(v, ok))

	var tables []*descriptor.Table
	seen := make(map[string]bool)
	for _, n := range u.def.VersionNumbers() {
		vtables, err := tablesFor(u.def.Versions[n])
		if err != nil {
			return fmt.Errorf("update: %s: %w", u.name, err)
		}
		for _, t := range vtables {
			if !seen[t.Name] {
				seen[t.Name] = true
				tables = append(tables, t)
			}
		}
	}

	tx, err := u.db.Begin(ctx, connect.TxImmediate)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, t := range tables {
		if err := t.DropIfExists(ctx, tx); err != nil {
			return err
		}
	}
	meta := metaTable()
	if err := meta.DropIfExists(ctx, tx); err != nil {
		return err
	}
	if _, err := meta.CreateOrAlter(ctx, tx); err != nil {
		return err
	}
	if err := u.stamp(ctx, tx, nil, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// initMeta ensures the tracking table exists and adopts unversioned
// content as implicit version 0, exactly once.
func (u *Updater) initMeta(ctx context.Context) error {
	hasContent, err := u.hasContent(ctx)
	if err != nil {
		return err
	}
	hasVersion := false
	metaExists, err := metaTable().Exists(ctx, u.db)
	if err != nil {
		return err
	}
	if metaExists {
		_, hasVersion, err = u.Version(ctx)
		if err != nil {
			return err
		}
	}

	tx, err := u.db.Begin(ctx, connect.TxImmediate)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := metaTable().CreateOrAlter(ctx, tx); err != nil {
		return err
	}
	if hasContent && !hasVersion {
		log.Printf("update: %s: unversioned content found, adopting as version 0", u.name)
		zero := 0
		if err := u.stamp(ctx, tx, &zero, u.def.Versions[0]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// hasContent reports whether the database holds any user objects besides
// the tracking table.
func (u *Updater) hasContent(ctx context.Context) (bool, error) {
	rows, err := u.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE name != ? AND name NOT LIKE 'sqlite!_%' ESCAPE '!'`,
		metaTableName)
	if err != nil {
		return false, fmt.Errorf("update: %s: failed to inspect catalog: %w", u.name, err)
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

// reconcileStamped guards against a database left inconsistent by a
// crashed prior run: the stamped version's declaration is additively
// reconciled and then strictly verified. Failure here is fatal; the engine
// never drops user data to force a match.
func (u *Updater) reconcileStamped(ctx context.Context, v int) error {
	vdef, declared := u.def.Versions[v]
	if !declared {
		log.Printf("update: %s: stamped version %d has no declaration, skipping reconciliation", u.name, v)
		return nil
	}
	u.logFingerprintDrift(ctx, v, vdef)

	if err := u.autoUpdateWithinVersion(ctx, vdef); err != nil {
		e := dberr.Wrap(dberr.CategoryConsistency, dberr.CodeReconcileFailed,
			fmt.Sprintf("database state inconsistent: cannot reconcile stamped version %d", v), err)
		return e.WithDatabase(u.name)
	}
	if err := u.verifyVersion(ctx, v); err != nil {
		return fmt.Errorf("update: %s: database state inconsistent at stamped version %d: %w", u.name, v, err)
	}
	return nil
}

// autoUpdateWithinVersion reconciles tables and indexes to the given
// declaration without touching the stamped version. This is what makes
// additive-only changes legal without a version bump.
func (u *Updater) autoUpdateWithinVersion(ctx context.Context, vdef *dbdef.Version) error {
	tx, err := u.db.Begin(ctx, connect.TxImmediate)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := u.autoTables(ctx, tx, vdef); err != nil {
		return err
	}
	if err := u.autoIndexes(ctx, tx, vdef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// jumpToVersion materializes the target version's full schema directly on
// a fresh database and stamps it, skipping all transitions.
func (u *Updater) jumpToVersion(ctx context.Context, vnum int) error {
	log.Printf("update: %s: jumpstarting to version %d", u.name, vnum)
	vdef := u.def.Versions[vnum]

	tx, err := u.db.Begin(ctx, connect.TxImmediate)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := u.autoTables(ctx, tx, vdef); err != nil {
		return err
	}
	if err := u.autoIndexes(ctx, tx, vdef); err != nil {
		return err
	}
	if err := u.stamp(ctx, tx, &vnum, vdef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// updateToVersion crosses into one version: the transition script (if
// any), table and index reconciliation, and the version stamp all commit
// atomically.
func (u *Updater) updateToVersion(ctx context.Context, vnum int) error {
	log.Printf("update: %s: updating to version %d", u.name, vnum)
	vdef := u.def.Versions[vnum]

	tx, err := u.db.Begin(ctx, connect.TxImmediate)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if t := vdef.Transition; t != nil && t.SQL != "" {
		if err := tx.ExecScript(ctx, t.SQL); err != nil {
			return dberr.NewTransitionError(u.name, vnum, err)
		}
	}
	if err := u.autoTables(ctx, tx, vdef); err != nil {
		return err
	}
	if err := u.autoIndexes(ctx, tx, vdef); err != nil {
		return err
	}
	if err := u.stamp(ctx, tx, &vnum, vdef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// verifyVersion asserts the stamp and the exact table and index shapes of
// the given version.
func (u *Updater) verifyVersion(ctx context.Context, vnum int) error {
	v, ok, err := u.Version(ctx)
	if err != nil {
		return err
	}
	if !ok || v != vnum {
		e := dberr.Newf(dberr.CategoryConsistency, dberr.CodeVerifyFailed,
			"stamped version %s, expected %d", versionLabel(v, ok), vnum)
		return e.WithDatabase(u.name)
	}
	vdef, declared := u.def.Versions[vnum]
	if !declared {
		return nil
	}
	tables, err := tablesFor(vdef)
	if err != nil {
		return fmt.Errorf("update: %s: %w", u.name, err)
	}
	for _, t := range tables {
		if err := t.Verify(ctx, u.db); err != nil {
			return fmt.Errorf("update: %s: %w", u.name, err)
		}
	}
	indexes, err := indexesFor(vdef)
	if err != nil {
		return fmt.Errorf("update: %s: %w", u.name, err)
	}
	for _, idx := range indexes {
		if err := idx.Verify(ctx, u.db); err != nil {
			return fmt.Errorf("update: %s: %w", u.name, err)
		}
	}
	log.Printf("update: %s: verified version %d", u.name, vnum)
	return nil
}

func (u *Updater) autoTables(ctx context.Context, q descriptor.Querier, vdef *dbdef.Version) error {
	tables, err := tablesFor(vdef)
	if err != nil {
		return fmt.Errorf("update: %s: %w", u.name, err)
	}
	for _, t := range tables {
		if _, err := t.CreateOrAlter(ctx, q); err != nil {
			return fmt.Errorf("update: %s: %w", u.name, err)
		}
	}
	return nil
}

func (u *Updater) autoIndexes(ctx context.Context, q descriptor.Querier, vdef *dbdef.Version) error {
	indexes, err := indexesFor(vdef)
	if err != nil {
		return fmt.Errorf("update: %s: %w", u.name, err)
	}
	if err := descriptor.ReconcileIndexes(ctx, q, indexes); err != nil {
		return fmt.Errorf("update: %s: %w", u.name, err)
	}
	return nil
}

// stamp appends a tracking row. Stamps are never overwritten: the history
// of every version the database passed through is preserved. vnum nil
// clears the stamped version (reset). The row carries the run id, the
// declaration's fingerprint and a compressed snapshot when available.
func (u *Updater) stamp(ctx context.Context, q descriptor.Querier, vnum *int, vdef *dbdef.Version) error {
	var version, fingerprint, snapshot interface{}
	if vnum != nil {
		version = *vnum
	}
	if vdef != nil {
		fingerprint = vdef.Fingerprint()
		snap, err := vdef.EncodeSnapshot()
		if err != nil {
			return fmt.Errorf("update: %s: %w", u.name, err)
		}
		snapshot = snap
	}
	log.Printf("update: %s: set version to %v (run %s)", u.name, version, u.runID)
	_, err := q.ExecContext(ctx,
		`INSERT INTO `+metaTableName+` (version, run_id, fingerprint, snapshot) VALUES (?, ?, ?, ?)`,
		version, u.runID, fingerprint, snapshot)
	if err != nil {
		return fmt.Errorf("update: %s: failed to stamp version %v: %w", u.name, version, err)
	}
	return nil
}

// logFingerprintDrift warns when the declaration of the stamped version
// changed since it was stamped. Additive redeclaration within a version is
// legal; the warning keeps it observable.
func (u *Updater) logFingerprintDrift(ctx context.Context, v int, vdef *dbdef.Version) {
	var fp sql.NullString
	err := u.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM `+metaTableName+` WHERE version = ? ORDER BY rowid DESC LIMIT 1`,
		v).Scan(&fp)
	if err != nil || !fp.Valid {
		return
	}
	if current := vdef.Fingerprint(); fp.String != current {
		log.Printf("update: %s: declaration of version %d changed since stamped (fingerprint %s -> %s)",
			u.name, v, fp.String, current)
	}
}

// missingVersions returns the declared version numbers in (current,
// target], ascending. Gaps in the declared numbers are skipped.
func (u *Updater) missingVersions(current int) []int {
	target := u.def.Target()
	var nums []int
	for _, n := range u.def.VersionNumbers() {
		if n > current && n <= target {
			nums = append(nums, n)
		}
	}
	return nums
}

// Stamp is one decoded row of the tracking table.
type Stamp struct {
	Version     int
	HasVersion  bool
	Created     time.Time
	RunID       string
	Fingerprint string
	Snapshot    *dbdef.Version
}

// History returns every tracking row in stamp order, oldest first.
func (u *Updater) History(ctx context.Context) ([]Stamp, error) {
	rows, err := u.db.QueryContext(ctx,
		`SELECT version, created, run_id, fingerprint, snapshot FROM `+metaTableName+` ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("update: %s: failed to read history: %w", u.name, err)
	}
	defer rows.Close()

	var stamps []Stamp
	for rows.Next() {
		var (
			version     sql.NullInt64
			created     int64
			runID       sql.NullString
			fingerprint sql.NullString
			snapshot    []byte
		)
		if err := rows.Scan(&version, &created, &runID, &fingerprint, &snapshot); err != nil {
			return nil, fmt.Errorf("update: %s: failed to scan history row: %w", u.name, err)
		}
		s := Stamp{
			Version:     int(version.Int64),
			HasVersion:  version.Valid,
			Created:     time.Unix(created, 0),
			RunID:       runID.String,
			Fingerprint: fingerprint.String,
		}
		if len(snapshot) > 0 {
			if v, err := dbdef.DecodeSnapshot(snapshot); err == nil {
				s.Snapshot = v
			}
		}
		stamps = append(stamps, s)
	}
	return stamps, rows.Err()
}

// tablesFor builds the table descriptors of a version, ordered by type
// name for deterministic DDL.
func tablesFor(vdef *dbdef.Version) ([]*descriptor.Table, error) {
	tables := make([]*descriptor.Table, 0, len(vdef.Types))
	for _, name := range vdef.TypeNames() {
		t, err := descriptor.NewTable(name, vdef.Types[name])
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// indexesFor builds the index descriptors of a version, checking that
// every key references a declared property of the owning type. This check
// runs at reconciliation time rather than definition time, since indexes
// may reference additive changes declared later.
func indexesFor(vdef *dbdef.Version) ([]*descriptor.Index, error) {
	fieldsByType := make(map[string]map[string]bool, len(vdef.Types))
	for name, fields := range vdef.Types {
		set := make(map[string]bool, len(fields))
		for _, f := range fields {
			set[normName(f.FieldName())] = true
		}
		fieldsByType[normName(name)] = set
	}

	indexes := make([]*descriptor.Index, 0, len(vdef.Indexes))
	for _, ix := range vdef.Indexes {
		fields, ok := fieldsByType[normName(ix.OnType)]
		if !ok {
			return nil, dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
				"index %q references undeclared type %q", ix.EffectiveName(), ix.OnType)
		}
		for _, k := range ix.Keys {
			if !fields[normName(k)] {
				return nil, dberr.Newf(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
					"index %q references undeclared property %s.%s", ix.EffectiveName(), ix.OnType, k)
			}
		}
		indexes = append(indexes, descriptor.NewIndex(ix))
	}
	return indexes, nil
}

func versionLabel(v int, ok bool) string {
	if !ok {
		return "<unset>"
	}
	return fmt.Sprintf("%d", v)
}

func normName(s string) string {
	return strings.ToLower(s)
}
