// Package store defines the capability surface the lock backends need from a
// remote coordination store, plus an in-memory implementation.
//
// Expected outcomes are reported with the sentinel errors of pkg/types
// (ErrNotFound, ErrAlreadyExists, ErrVersionConflict, ErrConflict,
// ErrLeaseMismatch). Any other error is a transport failure and callers treat it
// as fatal.
package store

import (
	"context"
	"time"

	"github.com/pixperk/leasekeeper/pkg/types"
)

// RecordStore holds versioned lease records updated by compare-and-swap.
type RecordStore interface {
	// Read returns the record for name or types.ErrNotFound.
	Read(ctx context.Context, name string) (types.LeaseRecord, error)
	// CreateIfAbsent creates the record and returns its version, or
	// types.ErrAlreadyExists.
	CreateIfAbsent(ctx context.Context, name string, leasedUntil time.Time) (string, error)
	// ReplaceIfVersionMatches overwrites the lease if the stored version equals
	// expected and returns the new version. Fails with types.ErrVersionConflict or
	// types.ErrNotFound.
	ReplaceIfVersionMatches(ctx context.Context, name string, leasedUntil time.Time, expected string) (string, error)
}

// ExclusiveStore grants self-expiring exclusive leases on named objects.
type ExclusiveStore interface {
	// CreateObject writes the object leases are taken on. It is a plain write;
	// implementations may report types.ErrAlreadyExists, which callers tolerate.
	CreateObject(ctx context.Context, name string) error
	// AcquireExclusive leases the object for d and returns the lease token.
	// Fails with types.ErrConflict while another lease is live and with
	// types.ErrNotFound when the object does not exist.
	AcquireExclusive(ctx context.Context, name string, d time.Duration) (string, error)
	// ReleaseExclusive ends the lease held under token. types.ErrLeaseMismatch
	// means the lease already lapsed.
	ReleaseExclusive(ctx context.Context, name, token string) error
}

// LeaseRecordStore is the full capability surface. Every store in this module
// implements both halves.
type LeaseRecordStore interface {
	RecordStore
	ExclusiveStore
}
