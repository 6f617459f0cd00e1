// Package connect provides database connections by logical name.
//
// The engine consumes connections through the Connector capability; hosts
// supply an implementation (or use the batteries-included SQLiteConnector).
package connect

import (
	"context"
	"database/sql"
	"fmt"
)

// Connector provides physical connections for logical database names.
type Connector interface {
	// Connect returns a handle to the database with the given logical name.
	Connect(name string) (*sql.DB, error)

	// DBName returns the store-specific name (file path for file-backed
	// stores) used for the database with the given logical name.
	DBName(name string) string
}

// TxMode selects the locking behavior of a transaction. Migrations run in
// TxImmediate so that schema and data mutate atomically with respect to
// concurrent writers.
type TxMode string

const (
	TxDeferred  TxMode = "DEFERRED"
	TxImmediate TxMode = "IMMEDIATE"
	TxExclusive TxMode = "EXCLUSIVE"
)

// Bound provides queries and transactions against one named database.
type Bound struct {
	name      string
	connector Connector
	db        *sql.DB
}

// Bind connects to the database with the given logical name.
func Bind(name string, connector Connector) (*Bound, error) {
	db, err := connector.Connect(name)
	if err != nil {
		return nil, fmt.Errorf("connect: failed to connect to %q: %w", name, err)
	}
	return &Bound{name: name, connector: connector, db: db}, nil
}

// Name returns the logical database name.
func (b *Bound) Name() string { return b.name }

// DBName returns the store-specific handle of the bound database.
func (b *Bound) DBName() string { return b.connector.DBName(b.name) }

// ExecContext executes a statement outside any explicit transaction.
func (b *Bound) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return b.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query outside any explicit transaction.
func (b *Bound) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a single-row query outside any explicit transaction.
func (b *Bound) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return b.db.QueryRowContext(ctx, query, args...)
}

// Begin opens a transaction with the given mode on a dedicated connection.
// The connection is released when the transaction commits or rolls back.
func (b *Bound) Begin(ctx context.Context, mode TxMode) (*Tx, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %s: failed to acquire connection: %w", b.name, err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN "+string(mode)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect: %s: failed to begin %s transaction: %w", b.name, mode, err)
	}
	return &Tx{conn: conn}, nil
}

// Tx is an open transaction on a dedicated connection. Rollback after a
// successful Commit is a no-op, so callers can defer it unconditionally.
type Tx struct {
	conn *sql.Conn
	done bool
}

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

// QueryContext executes a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// ExecScript runs a multi-statement script verbatim inside the transaction.
// The script must not use placeholders.
func (t *Tx) ExecScript(ctx context.Context, script string) error {
	_, err := t.conn.ExecContext(ctx, script)
	return err
}

// Commit commits the transaction and releases its connection.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("connect: transaction already finished")
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, "COMMIT")
	t.conn.Close()
	if err != nil {
		return fmt.Errorf("connect: commit failed: %w", err)
	}
	return nil
}

// Rollback aborts the transaction and releases its connection.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, "ROLLBACK")
	t.conn.Close()
	return err
}
