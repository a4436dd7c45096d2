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

// CAS keeps the lease in a plain versioned record and enforces expiry on the
// client side. Correctness assumes the store's compare-and-swap is atomic and
// that contender clocks agree within the clock's skew allowance.
type CAS struct {
	store  store.RecordStore
	clock  *lktime.Clock
	logger *zap.Logger
}

func NewCAS(s store.RecordStore, clock *lktime.Clock, logger *zap.Logger) *CAS {
	if clock == nil {
		clock = lktime.NewClock(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CAS{
		store:  s,
		clock:  clock,
		logger: logger.Named("cas"),
	}
}

func (c *CAS) Kind() types.Kind {
	return types.KindCAS
}

func (c *CAS) TryAcquire(ctx context.Context, name string, d time.Duration) (Outcome, *types.Handle, error) {
	record, err := c.store.Read(ctx, name)
	if errors.Is(err, types.ErrNotFound) {
		return Missing, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read lease record %q: %w", name, err)
	}

	if !c.clock.Expired(record.LeasedUntil) {
		return Busy, nil, nil
	}

	until := c.clock.LeaseUntil(d)
	version, err := c.store.ReplaceIfVersionMatches(ctx, name, until, record.Version)
	switch {
	case err == nil:
		return Acquired, c.handle(name, version, until), nil
	//another contender reclaimed it between our read and write
	case errors.Is(err, types.ErrVersionConflict):
		return Busy, nil, nil
	case errors.Is(err, types.ErrNotFound):
		return Missing, nil, nil
	default:
		return 0, nil, fmt.Errorf("replace lease record %q: %w", name, err)
	}
}

// creating the record writes a live lease, so winning the creation race is an
// acquisition
func (c *CAS) Prepare(ctx context.Context, name string, d time.Duration) (*types.Handle, error) {
	until := c.clock.LeaseUntil(d)
	version, err := c.store.CreateIfAbsent(ctx, name, until)
	if errors.Is(err, types.ErrAlreadyExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create lease record %q: %w", name, err)
	}
	return c.handle(name, version, until), nil
}

func (c *CAS) Release(ctx context.Context, h *types.Handle) error {
	if err := checkHandle(h, types.KindCAS); err != nil {
		return err
	}

	_, err := c.store.ReplaceIfVersionMatches(ctx, h.Name, c.clock.ReleasedAt(), h.Token)
	switch {
	case err == nil:
		return nil
	//our lease lapsed and was reclaimed, the record is no longer ours to touch
	case errors.Is(err, types.ErrVersionConflict), errors.Is(err, types.ErrNotFound):
		c.logger.Warn("lease already reclaimed on release",
			zap.String("lock", h.Name),
			zap.Time("leased_until", h.LeasedUntil),
		)
		return nil
	default:
		return fmt.Errorf("release lease record %q: %w", h.Name, err)
	}
}

func (c *CAS) handle(name, version string, until time.Time) *types.Handle {
	return &types.Handle{
		Name:        name,
		Kind:        types.KindCAS,
		Token:       version,
		LeasedUntil: until,
	}
}
