package db

import "errors"

// Sentinel errors for repository operations. Check with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobConflict indicates an enqueue was rejected because a job of the
	// same kind is already queued or running.
	ErrJobConflict = errors.New("job of this kind already active")
)
