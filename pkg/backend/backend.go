// Package backend adapts a coordination store to the single-attempt lock
// primitives the coordinator loops over.
//
// Expected contention is reported as an Outcome, never as an error. Errors
// returned from a backend are store or transport failures and are fatal to the
// acquisition.
package backend

import (
	"context"
	"time"

	"github.com/pixperk/leasekeeper/pkg/types"
)

// Outcome of a single acquisition attempt.
type Outcome int

const (
	// Acquired means the attempt produced a handle.
	Acquired Outcome = iota
	// Busy means another contender holds a live lease.
	Busy
	// Missing means the lock's record or object does not exist yet.
	Missing
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Busy:
		return "busy"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// Backend is one lock implementation over one store.
type Backend interface {
	// TryAcquire makes one attempt to lease name for d. The handle is non-nil
	// only with Acquired.
	TryAcquire(ctx context.Context, name string, d time.Duration) (Outcome, *types.Handle, error)
	// Prepare creates whatever TryAcquire reported Missing. Losing the creation
	// race is not an error. A backend whose creation step already grants the
	// lease returns the handle; otherwise the handle is nil.
	Prepare(ctx context.Context, name string, d time.Duration) (*types.Handle, error)
	// Release gives up h. Releasing a lease that already lapsed or was taken
	// over is not an error.
	Release(ctx context.Context, h *types.Handle) error
	Kind() types.Kind
}

func checkHandle(h *types.Handle, kind types.Kind) error {
	if h == nil || h.Name == "" || h.Token == "" || h.Kind != kind {
		return types.ErrInvalidHandle
	}
	return nil
}
