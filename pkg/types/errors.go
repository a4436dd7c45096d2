package types

import "errors"

var (
	// Store outcomes, expected during normal contention
	ErrNotFound        = errors.New("lock object not found")
	ErrAlreadyExists   = errors.New("lock object already exists")
	ErrVersionConflict = errors.New("lease record version mismatch")
	ErrConflict        = errors.New("lock object is already leased")
	ErrLeaseMismatch   = errors.New("lease token does not match the active lease")

	// Caller errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidHandle   = errors.New("invalid lock handle")
	ErrRetriesExceeded = errors.New("retry policy gave up before the lock was acquired")

	// Cluster errors
	ErrNotLeader = errors.New("node is not the raft leader")
)
