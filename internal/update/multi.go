package update

import (
	"context"
	"errors"

	"github.com/conformdb/conform/pkg/connect"
	"github.com/conformdb/conform/pkg/dbdef"
)

// MultiUpdater manages the state of multiple databases at once. Updaters
// are constructed eagerly so the construction-time consistency checks run
// for every database up front.
type MultiUpdater struct {
	updaters []*Updater
}

// NewMulti creates one Updater per defined database, in name order.
func NewMulti(ctx context.Context, defs dbdef.MultiDatabaseDef, connector connect.Connector) (*MultiUpdater, error) {
	updaters := make([]*Updater, 0, len(defs))
	for _, name := range defs.Names() {
		u, err := New(ctx, name, defs[name], connector)
		if err != nil {
			return nil, err
		}
		updaters = append(updaters, u)
	}
	return &MultiUpdater{updaters: updaters}, nil
}

// Updaters returns the per-database updaters in name order.
func (m *MultiUpdater) Updaters() []*Updater { return m.updaters }

// Needed reports whether any database needs updating.
func (m *MultiUpdater) Needed(ctx context.Context) (bool, error) {
	for _, u := range m.updaters {
		needed, err := u.Needed(ctx)
		if err != nil {
			return false, err
		}
		if needed {
			return true, nil
		}
	}
	return false, nil
}

// Agreed aggregates every prompted reason from every database into a
// single consent request.
func (m *MultiUpdater) Agreed(ctx context.Context, consent ConsentFunc) (bool, error) {
	var reasons []string
	for _, u := range m.updaters {
		r, err := u.PendingReasons(ctx)
		if err != nil {
			return false, err
		}
		reasons = append(reasons, r...)
	}
	if len(reasons) == 0 {
		return true, nil
	}
	if consent == nil {
		return false, nil
	}
	return consent(reasons), nil
}

// Run updates every database whose version is out of date. Databases are
// migrated independently, each in its own transactions: a failure in one
// neither rolls back nor blocks the others. All failures are joined.
func (m *MultiUpdater) Run(ctx context.Context) error {
	var errs []error
	for _, u := range m.updaters {
		needed, err := u.Needed(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !needed {
			continue
		}
		if err := u.Run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
