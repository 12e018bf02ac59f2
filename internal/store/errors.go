package store

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionTooHigh is returned when the physical store is already at a
	// version higher than the registry's current version.
	ErrVersionTooHigh = errors.New("store version is higher than the declared version")
	// ErrPrimaryKeyChange is returned when a version or an update tries to
	// change a table's primary key.
	ErrPrimaryKeyChange = errors.New("primary key cannot be changed")
	// ErrKeyExists is returned by add when a record with the key exists.
	ErrKeyExists = errors.New("key already exists")
	// ErrConstraint is returned when a write violates a unique index.
	ErrConstraint = errors.New("constraint violation")
	// ErrKeyMismatch is returned when an explicit key disagrees with the
	// record's inbound key field.
	ErrKeyMismatch = errors.New("explicit key does not match record key")
	// ErrMissingKey is returned when no key can be derived for a record.
	ErrMissingKey = errors.New("record has no key")
	// ErrOutOfScope is returned when a transaction touches a table it did
	// not declare.
	ErrOutOfScope = errors.New("table is not in transaction scope")
	// ErrUnknownTable is returned for tables absent from the store.
	ErrUnknownTable = errors.New("unknown table")
	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrTxDone is returned when an upgrade handle is used after its routine
	// returned.
	ErrTxDone = errors.New("upgrade transaction already released")
)

// StoreOpenError reports that the storage engine rejected the version chain
// or an upgrade routine failed. The physical store is left at the version it
// had before the open attempt.
type StoreOpenError struct {
	Path    string
	Version int
	Err     error
}

func (e *StoreOpenError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("failed to open store %s at version %d: %v", e.Path, e.Version, e.Err)
	}
	return fmt.Sprintf("failed to open store %s: %v", e.Path, e.Err)
}

func (e *StoreOpenError) Unwrap() error {
	return e.Err
}
