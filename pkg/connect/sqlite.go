package connect

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConnector is a Connector for SQLite database files. Each logical
// name maps to a file under DataDir, with an optional filename suffix.
// Handles are cached per name, so repeated binds share one pool.
type SQLiteConnector struct {
	dataDir string
	suffix  string
	options url.Values

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewSQLiteConnector creates a connector storing database files under
// dataDir. A non-empty suffix (without the dot) is appended to filenames.
func NewSQLiteConnector(dataDir, suffix string) *SQLiteConnector {
	opts := url.Values{}
	opts.Set("_busy_timeout", "5000")
	return &SQLiteConnector{
		dataDir: dataDir,
		suffix:  suffix,
		options: opts,
		dbs:     make(map[string]*sql.DB),
	}
}

// SetOption sets a DSN option passed to the sqlite3 driver, such as
// _journal_mode or _foreign_keys.
func (c *SQLiteConnector) SetOption(key, value string) {
	c.options.Set(key, value)
}

// DBName returns the file path for the database with the given name.
func (c *SQLiteConnector) DBName(name string) string {
	if c.suffix != "" {
		name = name + "." + c.suffix
	}
	return filepath.Join(c.dataDir, name)
}

// Connect opens (or returns the cached handle for) the named database.
func (c *SQLiteConnector) Connect(name string) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.dbs[name]; ok {
		return db, nil
	}

	dsn := c.DBName(name)
	if enc := c.options.Encode(); enc != "" {
		dsn += "?" + enc
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: failed to open sqlite database %q: %w", name, err)
	}
	c.dbs[name] = db
	return db, nil
}

// Close closes all cached database handles.
func (c *SQLiteConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for name, db := range c.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("connect: failed to close %q: %w", name, err)
		}
		delete(c.dbs, name)
	}
	return firstErr
}
