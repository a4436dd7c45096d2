package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pixperk/leasekeeper/pkg/store"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
	"github.com/pixperk/leasekeeper/pkg/types"
)

// Exclusive relies on the store to grant self-expiring exclusive leases.
type Exclusive struct {
	store  store.ExclusiveStore
	clock  *lktime.Clock
	logger *zap.Logger
}

func NewExclusive(s store.ExclusiveStore, clock *lktime.Clock, logger *zap.Logger) *Exclusive {
	if clock == nil {
		clock = lktime.NewClock(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exclusive{
		store:  s,
		clock:  clock,
		logger: logger.Named("exclusive"),
	}
}

func (e *Exclusive) Kind() types.Kind {
	return types.KindExclusive
}

func (e *Exclusive) TryAcquire(ctx context.Context, name string, d time.Duration) (Outcome, *types.Handle, error) {
	token, err := e.store.AcquireExclusive(ctx, name, d)
	switch {
	case err == nil:
		return Acquired, &types.Handle{
			Name:        name,
			Kind:        types.KindExclusive,
			Token:       token,
			LeasedUntil: e.clock.LeaseUntil(d),
		}, nil
	case errors.Is(err, types.ErrConflict):
		return Busy, nil, nil
	case errors.Is(err, types.ErrNotFound):
		return Missing, nil, nil
	default:
		return 0, nil, fmt.Errorf("acquire exclusive lease on %q: %w", name, err)
	}
}

// the object carries no lease, so creating it never acquires
func (e *Exclusive) Prepare(ctx context.Context, name string, _ time.Duration) (*types.Handle, error) {
	err := e.store.CreateObject(ctx, name)
	if err != nil && !errors.Is(err, types.ErrAlreadyExists) {
		return nil, fmt.Errorf("create lock object %q: %w", name, err)
	}
	return nil, nil
}

func (e *Exclusive) Release(ctx context.Context, h *types.Handle) error {
	if err := checkHandle(h, types.KindExclusive); err != nil {
		return err
	}

	err := e.store.ReleaseExclusive(ctx, h.Name, h.Token)
	switch {
	case err == nil:
		return nil
	//lease self-expired before we let go; someone may hold it now
	case errors.Is(err, types.ErrLeaseMismatch), errors.Is(err, types.ErrNotFound):
		e.logger.Warn("lease already expired on release",
			zap.String("lock", h.Name),
			zap.Time("leased_until", h.LeasedUntil),
		)
		return nil
	default:
		return fmt.Errorf("release exclusive lease on %q: %w", h.Name, err)
	}
}
