package connect

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestConnector(t *testing.T) *SQLiteConnector {
	t.Helper()
	c := NewSQLiteConnector(t.TempDir(), "db")
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLiteConnector_DBName(t *testing.T) {
	c := NewSQLiteConnector("/data", "sqlite")
	if got := c.DBName("media"); got != filepath.Join("/data", "media.sqlite") {
		t.Errorf("DBName = %q", got)
	}
	bare := NewSQLiteConnector("/data", "")
	if got := bare.DBName("media"); got != filepath.Join("/data", "media") {
		t.Errorf("DBName without suffix = %q", got)
	}
}

func TestSQLiteConnector_ConnectCaches(t *testing.T) {
	c := newTestConnector(t)
	db1, err := c.Connect("media")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	db2, err := c.Connect("media")
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if db1 != db2 {
		t.Errorf("same name returned different handles")
	}
	other, err := c.Connect("users")
	if err != nil {
		t.Fatalf("connect to second database failed: %v", err)
	}
	if other == db1 {
		t.Errorf("different names share a handle")
	}
}

func TestBound_ExecAndQuery(t *testing.T) {
	ctx := context.Background()
	b, err := Bind("media", newTestConnector(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if _, err := b.ExecContext(ctx, "CREATE TABLE t (x INTEGER)"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := b.ExecContext(ctx, "INSERT INTO t VALUES (?)", 42); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var x int
	if err := b.QueryRowContext(ctx, "SELECT x FROM t").Scan(&x); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if x != 42 {
		t.Errorf("x = %d, want 42", x)
	}
}

func TestTx_CommitPersists(t *testing.T) {
	ctx := context.Background()
	b, err := Bind("media", newTestConnector(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	tx, err := b.Begin(ctx, TxImmediate)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE t (x INTEGER)"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	var n int
	err = b.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='t'").Scan(&n)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("committed table not visible")
	}
}

func TestTx_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	b, err := Bind("media", newTestConnector(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	tx, err := b.Begin(ctx, TxImmediate)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE t (x INTEGER)"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	var n int
	err = b.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='t'").Scan(&n)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if n != 0 {
		t.Errorf("rolled-back table still visible")
	}
}

// Rollback after Commit is the deferred-cleanup pattern; it must be a no-op.
func TestTx_RollbackAfterCommit(t *testing.T) {
	ctx := context.Background()
	b, err := Bind("media", newTestConnector(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	tx, err := b.Begin(ctx, TxImmediate)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("rollback after commit returned %v, want nil", err)
	}
}

func TestTx_ExecScriptMultiStatement(t *testing.T) {
	ctx := context.Background()
	b, err := Bind("media", newTestConnector(t))
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	tx, err := b.Begin(ctx, TxExclusive)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	script := `
		CREATE TABLE a (x INTEGER);
		CREATE TABLE b (y TEXT);
		INSERT INTO a VALUES (1);
		INSERT INTO b SELECT 'one' FROM a;
	`
	if err := tx.ExecScript(ctx, script); err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	var y string
	if err := b.QueryRowContext(ctx, "SELECT y FROM b").Scan(&y); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if y != "one" {
		t.Errorf("y = %q, want %q", y, "one")
	}
}
