// Package snapshot stores safety copies of physical database files before
// destructive operations such as resets and version migrations.
// Implementations cover the local filesystem and S3-compatible object
// storage.
package snapshot

import (
	"context"
	"errors"
)

// Common errors for snapshot operations.
var (
	ErrPutFailed  = errors.New("snapshot put failed")
	ErrListFailed = errors.New("snapshot list failed")
)

// Store persists database file snapshots under hierarchical keys of the
// form <dbname>/<timestamp>-<runid>.db.
type Store interface {
	// Put copies the file at localPath to objectPath in the store.
	Put(ctx context.Context, localPath, objectPath string) error

	// Exists reports whether an object is present in the store.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
