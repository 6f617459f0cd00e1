// Package conform is a schema versioning and reconciliation engine: given
// a declarative description of one or more logical databases (types,
// properties, indexes, and inter-version transitions), it brings a
// physical SQLite store into conformance with the highest declared
// version, migrating existing data safely and idempotently.
//
// Hosts register definitions once through a Controller and then use the
// databases normally:
//
//	ctl := conform.NewController(connect.NewSQLiteConnector(dataDir, "db"))
//	if err := ctl.Require(defs); err != nil { ... }
//	met, err := ctl.EnsureRequirements(ctx, "", false)
package conform

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/conformdb/conform/internal/update"
	"github.com/conformdb/conform/pkg/connect"
	"github.com/conformdb/conform/pkg/dbdef"
	"github.com/conformdb/conform/pkg/dberr"
	"github.com/conformdb/conform/pkg/snapshot"
)

// ConsentFunc decides whether a batch of prompted transition reasons is
// accepted.
type ConsentFunc = update.ConsentFunc

// Controller is the façade a host application uses to register database
// definitions and bring every registered database up to date. The registry
// is owned by the Controller instance; there is no process-wide state.
type Controller struct {
	connector connect.Connector
	defs      dbdef.MultiDatabaseDef
	consent   ConsentFunc
	snapshots snapshot.Store
}

// Option configures a Controller.
type Option func(*Controller)

// WithConsent sets the consent strategy used when transitions prompt.
func WithConsent(fn ConsentFunc) Option {
	return func(c *Controller) { c.consent = fn }
}

// WithSnapshotStore enables safety copies of database files before
// migrations and resets.
func WithSnapshotStore(s snapshot.Store) Option {
	return func(c *Controller) { c.snapshots = s }
}

// NewController creates a Controller using the given connector. Unless
// overridden, consent is collected on the terminal.
func NewController(connector connect.Connector, opts ...Option) *Controller {
	c := &Controller{
		connector: connector,
		defs:      make(dbdef.MultiDatabaseDef),
		consent:   TerminalConsent(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Require registers one or more databases the host intends to use.
// Registration is append-only and one-shot per name: a name already in use
// is a configuration error and nothing from the offending map is merged.
func (c *Controller) Require(defs dbdef.MultiDatabaseDef) error {
	if err := defs.Validate(); err != nil {
		return err
	}
	var dupes []string
	for name := range defs {
		if _, exists := c.defs[name]; exists {
			dupes = append(dupes, name)
		}
	}
	if len(dupes) > 0 {
		sort.Strings(dupes)
		return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeDuplicateDatabase,
			"name(s) already in use: %v", dupes)
	}
	for name, def := range defs {
		c.defs[name] = def
	}
	return nil
}

// EnsureRequirements makes sure registered databases are up to date,
// possibly asking for consent first. With a non-empty dbname only that
// database is considered; otherwise all registered databases are. When
// autoConsent is true, prompted transitions run without asking. Returns
// whether requirements are met; declined consent is a normal outcome
// (false, nil), not an error.
func (c *Controller) EnsureRequirements(ctx context.Context, dbname string, autoConsent bool) (bool, error) {
	mu, err := c.createUpdater(ctx, dbname)
	if err != nil {
		return false, err
	}
	needed, err := mu.Needed(ctx)
	if err != nil {
		return false, err
	}
	if !needed {
		return true, nil
	}
	log.Printf("conform: database definition out of date")
	if !autoConsent {
		agreed, err := mu.Agreed(ctx, c.consent)
		if err != nil {
			return false, err
		}
		if !agreed {
			return false, nil
		}
	}
	if c.snapshots != nil {
		for _, u := range mu.Updaters() {
			uneeded, err := u.Needed(ctx)
			if err != nil {
				return false, err
			}
			if uneeded {
				if err := c.snapshotDatabase(ctx, u.Name()); err != nil {
					return false, err
				}
			}
		}
	}
	if err := mu.Run(ctx); err != nil {
		return false, err
	}
	log.Printf("conform: database definition updated")
	return true, nil
}

// ResetDatabase deletes all content and defined data structures from a
// database. A name is required: resetting everything at once is
// deliberately unsupported.
func (c *Controller) ResetDatabase(ctx context.Context, dbname string) error {
	if dbname == "" {
		return dberr.New(dberr.CategoryConfiguration, dberr.CodeInvalidDefinition,
			"database name must not be empty")
	}
	def, ok := c.defs[dbname]
	if !ok {
		return c.unknownDatabase(dbname)
	}
	if c.snapshots != nil {
		if err := c.snapshotDatabase(ctx, dbname); err != nil {
			return err
		}
	}
	u, err := update.New(ctx, dbname, def, c.connector)
	if err != nil {
		return err
	}
	return u.Reset(ctx)
}

// EffectiveDefinition returns the schema snapshot of the highest declared
// version of a registered database.
func (c *Controller) EffectiveDefinition(dbname string) (*dbdef.Version, error) {
	def, ok := c.defs[dbname]
	if !ok {
		return nil, c.unknownDatabase(dbname)
	}
	return def.Versions[def.Target()], nil
}

// DatabaseStatus describes the version state of one registered database.
type DatabaseStatus struct {
	Name       string
	Version    int
	HasVersion bool
	Target     int
	Needed     bool
}

// Status reports the version state of every registered database. Like any
// updater construction, this runs the construction-time consistency checks.
func (c *Controller) Status(ctx context.Context) ([]DatabaseStatus, error) {
	mu, err := update.NewMulti(ctx, c.defs, c.connector)
	if err != nil {
		return nil, err
	}
	statuses := make([]DatabaseStatus, 0, len(mu.Updaters()))
	for _, u := range mu.Updaters() {
		v, ok, err := u.Version(ctx)
		if err != nil {
			return nil, err
		}
		needed, err := u.Needed(ctx)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, DatabaseStatus{
			Name:       u.Name(),
			Version:    v,
			HasVersion: ok,
			Target:     u.Target(),
			Needed:     needed,
		})
	}
	return statuses, nil
}

// Verify re-runs strict verification of the named database (or all
// registered databases when dbname is empty) against the highest declared
// version, independent of any update.
func (c *Controller) Verify(ctx context.Context, dbname string) error {
	mu, err := c.createUpdater(ctx, dbname)
	if err != nil {
		return err
	}
	for _, u := range mu.Updaters() {
		if err := u.Verify(ctx); err != nil {
			return err
		}
	}
	return nil
}

// createUpdater builds a MultiUpdater for the named database, or for all
// registered databases when dbname is empty.
func (c *Controller) createUpdater(ctx context.Context, dbname string) (*update.MultiUpdater, error) {
	if dbname == "" {
		return update.NewMulti(ctx, c.defs, c.connector)
	}
	def, ok := c.defs[dbname]
	if !ok {
		return nil, c.unknownDatabase(dbname)
	}
	return update.NewMulti(ctx, dbdef.MultiDatabaseDef{dbname: def}, c.connector)
}

func (c *Controller) unknownDatabase(dbname string) error {
	return dberr.Newf(dberr.CategoryConfiguration, dberr.CodeUnknownDatabase,
		"database %q is not defined", dbname)
}

// snapshotDatabase copies the physical database file into the snapshot
// store. Databases without a physical file (fresh, in-memory) are skipped.
func (c *Controller) snapshotDatabase(ctx context.Context, dbname string) error {
	path := c.connector.DBName(dbname)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		log.Printf("conform: %s: no database file to snapshot at %q", dbname, path)
		return nil
	}
	key := fmt.Sprintf("%s/%s-%s.db", dbname,
		time.Now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	log.Printf("conform: %s: snapshotting %q to %s", dbname, path, key)
	if err := c.snapshots.Put(ctx, path, key); err != nil {
		return fmt.Errorf("conform: %s: snapshot failed: %w", dbname, err)
	}
	return nil
}
