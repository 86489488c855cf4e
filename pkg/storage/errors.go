package storage

import "errors"

var (
	// ErrStorageFailure marks a write that could not be completed durably
	ErrStorageFailure = errors.New("storage failure")

	// ErrNotFound is returned when a requested version or pointer is absent
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned when a lock is held by another writer
	ErrLocked = errors.New("locked")
)
