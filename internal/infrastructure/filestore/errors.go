package filestore

import "errors"

// Domain errors for the filestore package.
// Check with errors.Is().
var (
	// ErrCorrupt is returned when both the main file and its backup fail
	// JSON validation.
	ErrCorrupt = errors.New("filestore: store and backup are corrupt")

	// ErrNotJSON is returned when a caller attempts to save bytes that are
	// not valid JSON.
	ErrNotJSON = errors.New("filestore: payload is not valid JSON")

	// ErrLockTimeout is returned when the cross-process lock cannot be
	// acquired within the configured retry budget.
	ErrLockTimeout = errors.New("filestore: lock acquisition timed out")
)
