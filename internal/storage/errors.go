package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists. Immutable entities do not allow updates.
	ErrDuplicateKey = errors.New("duplicate key: record is immutable")

	// ErrSequenceConflict is returned when a different signal already holds
	// the (source, sequence) slot. Unlike ErrDuplicateKey it is not a replay.
	ErrSequenceConflict = errors.New("sequence already assigned")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCommit is returned when a transaction could not be committed.
	// Callers must treat it as a persistence integrity failure.
	ErrCommit = errors.New("commit failed")
)
