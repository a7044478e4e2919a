package objecttable

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransaction is returned by Commit and Abort when no transaction is open.
	ErrNoTransaction = errors.New("no transaction in progress")
	// ErrTransactionInProgress is returned by Begin when a transaction is already open.
	ErrTransactionInProgress = errors.New("transaction already in progress")
	// ErrClosed is returned on operations on a closed table.
	ErrClosed = errors.New("object table closed")
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrVersionConflict is returned when a write carries a stale version.
	ErrVersionConflict = errors.New("version conflict")
	// ErrStateRegression is returned when a commit would move the state number backwards.
	ErrStateRegression = errors.New("state number regression")
)

type ErrStorage = error

// NewStorageError wraps a persistence failure.
func NewStorageError(table, op string, err error) ErrStorage {
	return fmt.Errorf("object table %q: %s failed: %w", table, op, err)
}
