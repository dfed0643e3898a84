package store

import "errors"

// Error kinds shared by every engine implementation. Callers branch with
// errors.Is; the wrapped message carries the specifics.
var (
	// ErrValidation covers bad identifiers, unknown fields, and invalid
	// pagination values. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrTypeMismatch is returned by typed serialization and by update
	// attempts on json_collection fields.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNotFound marks a missing store, record, or field.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a duplicate primary key on add.
	ErrConflict = errors.New("conflict")

	// ErrBusy means the writer lock stayed unavailable past the retry
	// budget.
	ErrBusy = errors.New("database busy")

	// ErrCorrupt marks unparseable stored data. Reads degrade by
	// returning the raw value instead of failing.
	ErrCorrupt = errors.New("corrupt stored value")

	// ErrShuttingDown is returned for any operation after Shutdown.
	ErrShuttingDown = errors.New("store is shutting down")
)
