package conform

import (
	"context"
	"errors"
	"testing"

	"github.com/conformdb/conform/pkg/connect"
	"github.com/conformdb/conform/pkg/dbdef"
	"github.com/conformdb/conform/pkg/dberr"
	"github.com/conformdb/conform/pkg/snapshot"
)

func testDefs() dbdef.MultiDatabaseDef {
	return dbdef.MultiDatabaseDef{
		"media": {Versions: map[int]*dbdef.Version{
			0: {
				Types: map[string]dbdef.FieldList{
					"track": {
						dbdef.ID{Name: "_id", Auto: true},
						dbdef.Property{Name: "title", Type: dbdef.Text, NotNull: true},
					},
				},
			},
			1: {
				Types: map[string]dbdef.FieldList{
					"track": {
						dbdef.ID{Name: "_id", Auto: true},
						dbdef.Property{Name: "title", Type: dbdef.Text, NotNull: true},
						dbdef.Property{Name: "rating", Type: dbdef.Int, Default: 0},
					},
				},
				Transition: &dbdef.Transition{
					SQL:    "UPDATE track SET title = upper(title)",
					Prompt: true,
					Reason: "rewrites all track titles",
				},
			},
		}},
	}
}

func newTestController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	connector := connect.NewSQLiteConnector(t.TempDir(), "db")
	t.Cleanup(func() { connector.Close() })
	ctl := NewController(connector, opts...)
	if err := ctl.Require(testDefs()); err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	return ctl
}

func TestController_RequireRejectsDuplicates(t *testing.T) {
	ctl := newTestController(t)
	err := ctl.Require(testDefs())
	if err == nil {
		t.Fatalf("duplicate Require succeeded")
	}
	if !errors.Is(err, dberr.New(dberr.CategoryConfiguration, dberr.CodeDuplicateDatabase, "")) {
		t.Errorf("error = %v, want DUPLICATE_DATABASE", err)
	}

	// The rejected map must not have been merged either.
	other := dbdef.MultiDatabaseDef{
		"extra": testDefs()["media"],
		"media": testDefs()["media"],
	}
	if err := ctl.Require(other); err == nil {
		t.Fatalf("partially colliding Require succeeded")
	}
	if _, err := ctl.EffectiveDefinition("extra"); err == nil {
		t.Errorf("colliding Require merged the non-colliding name")
	}
}

func TestController_EnsureRequirements_Fresh(t *testing.T) {
	ctx := context.Background()
	ctl := newTestController(t, WithConsent(DeclineConsent))

	// A fresh database jumpstarts without consulting the consent strategy.
	met, err := ctl.EnsureRequirements(ctx, "", false)
	if err != nil {
		t.Fatalf("EnsureRequirements failed: %v", err)
	}
	if !met {
		t.Fatalf("requirements not met on a fresh database")
	}
	if err := ctl.Verify(ctx, "media"); err != nil {
		t.Errorf("ensured database does not verify: %v", err)
	}

	// Second call short-circuits.
	met, err = ctl.EnsureRequirements(ctx, "", false)
	if err != nil || !met {
		t.Errorf("repeat EnsureRequirements = (%v, %v), want (true, nil)", met, err)
	}
}

func TestController_EnsureRequirements_ConsentDeclined(t *testing.T) {
	ctx := context.Background()
	connector := connect.NewSQLiteConnector(t.TempDir(), "db")
	t.Cleanup(func() { connector.Close() })

	// Stamp version 0 first so the prompted transition path applies.
	setup := NewController(connector)
	v0only := dbdef.MultiDatabaseDef{
		"media": {Versions: map[int]*dbdef.Version{0: testDefs()["media"].Versions[0]}},
	}
	if err := setup.Require(v0only); err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	if _, err := setup.EnsureRequirements(ctx, "", true); err != nil {
		t.Fatalf("setup ensure failed: %v", err)
	}

	ctl := NewController(connector, WithConsent(DeclineConsent))
	if err := ctl.Require(testDefs()); err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	met, err := ctl.EnsureRequirements(ctx, "media", false)
	if err != nil {
		t.Fatalf("declined consent must not be an error: %v", err)
	}
	if met {
		t.Errorf("requirements reported met despite declined consent")
	}
	statuses, err := ctl.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !statuses[0].Needed {
		t.Errorf("declined update no longer reported as needed: %+v", statuses[0])
	}

	// autoConsent bypasses the strategy.
	met, err = ctl.EnsureRequirements(ctx, "media", true)
	if err != nil || !met {
		t.Errorf("EnsureRequirements with autoConsent = (%v, %v), want (true, nil)", met, err)
	}
}

func TestController_EnsureRequirements_UnknownName(t *testing.T) {
	ctl := newTestController(t)
	_, err := ctl.EnsureRequirements(context.Background(), "nope", false)
	if !errors.Is(err, dberr.New(dberr.CategoryConfiguration, dberr.CodeUnknownDatabase, "")) {
		t.Errorf("error = %v, want UNKNOWN_DATABASE", err)
	}
}

func TestController_ResetDatabase(t *testing.T) {
	ctx := context.Background()
	ctl := newTestController(t)

	if _, err := ctl.EnsureRequirements(ctx, "", true); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := ctl.ResetDatabase(ctx, "media"); err != nil {
		t.Fatalf("ResetDatabase failed: %v", err)
	}
	statuses, err := ctl.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].HasVersion || !statuses[0].Needed {
		t.Errorf("status after reset = %+v, want unset and needing update", statuses)
	}

	if err := ctl.ResetDatabase(ctx, ""); !dberr.IsConfiguration(err) {
		t.Errorf("empty reset name: err = %v, want configuration error", err)
	}
	if err := ctl.ResetDatabase(ctx, "nope"); !dberr.IsConfiguration(err) {
		t.Errorf("unknown reset name: err = %v, want configuration error", err)
	}
}

func TestController_EffectiveDefinition(t *testing.T) {
	ctl := newTestController(t)
	v, err := ctl.EffectiveDefinition("media")
	if err != nil {
		t.Fatalf("EffectiveDefinition failed: %v", err)
	}
	if len(v.Types["track"]) != 3 {
		t.Errorf("effective definition is not the highest version: %d fields", len(v.Types["track"]))
	}
	if _, err := ctl.EffectiveDefinition("nope"); !dberr.IsConfiguration(err) {
		t.Errorf("unknown name: err = %v, want configuration error", err)
	}
}

func TestController_Status(t *testing.T) {
	ctx := context.Background()
	ctl := newTestController(t)

	statuses, err := ctl.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
	s := statuses[0]
	if s.Name != "media" || s.HasVersion || s.Target != 1 || !s.Needed {
		t.Errorf("fresh status = %+v", s)
	}

	if _, err := ctl.EnsureRequirements(ctx, "", true); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	statuses, err = ctl.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	s = statuses[0]
	if !s.HasVersion || s.Version != 1 || s.Needed {
		t.Errorf("ensured status = %+v", s)
	}
}

func TestController_SnapshotsBeforeReset(t *testing.T) {
	ctx := context.Background()
	store, err := snapshot.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	ctl := newTestController(t, WithSnapshotStore(store))

	if _, err := ctl.EnsureRequirements(ctx, "", true); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	keys, err := store.List(ctx, "media/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("after ensure: %d snapshots, want 1: %v", len(keys), keys)
	}

	if err := ctl.ResetDatabase(ctx, "media"); err != nil {
		t.Fatalf("ResetDatabase failed: %v", err)
	}
	keys, err = store.List(ctx, "media/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("after reset: %d snapshots, want 2: %v", len(keys), keys)
	}
}
