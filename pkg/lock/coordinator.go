// Package lock drives a lock backend through acquisition retries, first-use
// creation and cancellation.
//
// The coordinator gives no fairness and no queueing: contenders poll, and under
// heavy contention a contender may wait indefinitely.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pixperk/leasekeeper/pkg/backend"
	"github.com/pixperk/leasekeeper/pkg/metrics"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
	"github.com/pixperk/leasekeeper/pkg/types"
)

// BackOffFactory builds the wait policy for one acquisition from its retry
// interval. Returning backoff.Stop ends the acquisition with
// types.ErrRetriesExceeded.
type BackOffFactory func(retryInterval time.Duration) backoff.BackOff

type Coordinator struct {
	backend    backend.Backend
	clock      *lktime.Clock
	logger     *zap.Logger
	newBackOff BackOffFactory

	mu     sync.Mutex
	states map[string]State
	held   map[*types.Handle]struct{}
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// clock the retry waits run on
func WithClock(clock *lktime.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

func WithBackOff(f BackOffFactory) Option {
	return func(c *Coordinator) {
		c.newBackOff = f
	}
}

func constantBackOff(retryInterval time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(retryInterval)
}

func NewCoordinator(b backend.Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:    b,
		clock:      lktime.NewClock(0),
		logger:     zap.NewNop(),
		newBackOff: constantBackOff,
		states:     make(map[string]State),
		held:       make(map[*types.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire blocks until it holds the lock called name and returns the handle.
//
// A busy lock is polled every retryInterval (or per the configured backoff). A
// lock that does not exist yet is created and tried again at once. When ctx is
// done before the lock is held, Acquire returns a nil handle and a nil error.
// Store calls already in flight are never cut short by ctx. Any store failure
// other than contention ends the acquisition with an error.
func (c *Coordinator) Acquire(ctx context.Context, name, operation string, retryInterval, leaseDuration time.Duration) (*types.Handle, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty lock name", types.ErrInvalidArgument)
	case leaseDuration <= 0:
		return nil, fmt.Errorf("%w: lease duration must be positive, got %s", types.ErrInvalidArgument, leaseDuration)
	case retryInterval <= 0:
		return nil, fmt.Errorf("%w: retry interval must be positive, got %s", types.ErrInvalidArgument, retryInterval)
	}

	kind := string(c.backend.Kind())
	log := c.logger.With(zap.String("operation", operation), zap.String("lock", name))
	log.Info("acquiring lock", zap.String("backend", kind), zap.Duration("lease_duration", leaseDuration))

	c.setState(operation, Polling)
	start := c.clock.Now()

	retry := c.newBackOff(retryInterval)
	retry.Reset()

	storeCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			c.setState(operation, Cancelled)
			metrics.LockAcquireTotal.WithLabelValues(kind, "cancelled").Inc()
			log.Info("lock acquisition cancelled", zap.Error(ctx.Err()))
			return nil, nil
		}

		outcome, h, err := c.backend.TryAcquire(storeCtx, name, leaseDuration)
		if err != nil {
			return nil, c.fail(log, operation, kind, err)
		}

		switch outcome {
		case backend.Acquired:
			return c.acquired(log, operation, kind, start, h), nil

		case backend.Missing:
			metrics.LockCreateTotal.WithLabelValues(kind).Inc()
			log.Debug("creating lock")
			h, err := c.backend.Prepare(storeCtx, name, leaseDuration)
			if err != nil {
				return nil, c.fail(log, operation, kind, err)
			}
			if h != nil {
				return c.acquired(log, operation, kind, start, h), nil
			}

		case backend.Busy:
			metrics.LockBusyTotal.WithLabelValues(kind).Inc()
			delay := retry.NextBackOff()
			if delay == backoff.Stop {
				return nil, c.fail(log, operation, kind, types.ErrRetriesExceeded)
			}
			log.Debug("lock busy, waiting", zap.Duration("delay", delay))
			c.wait(ctx, delay)
		}
	}
}

// returns early when ctx is done, the loop notices on its next pass
func (c *Coordinator) wait(ctx context.Context, d time.Duration) {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.Chan():
	}
}

func (c *Coordinator) acquired(log *zap.Logger, operation, kind string, start time.Time, h *types.Handle) *types.Handle {
	c.mu.Lock()
	c.states[operation] = Held
	c.held[h] = struct{}{}
	c.mu.Unlock()

	metrics.LocksHeld.Inc()
	metrics.LockAcquireTotal.WithLabelValues(kind, "acquired").Inc()
	metrics.LockAcquireDuration.WithLabelValues(kind).Observe(c.clock.Now().Sub(start).Seconds())

	log.Info("acquired lock", zap.Time("leased_until", h.LeasedUntil))
	return h
}

func (c *Coordinator) fail(log *zap.Logger, operation, kind string, err error) error {
	c.setState(operation, Idle)
	metrics.LockAcquireTotal.WithLabelValues(kind, "error").Inc()
	log.Error("lock acquisition failed", zap.Error(err))
	return fmt.Errorf("acquire lock: %w", err)
}

// Release gives up a handle returned by Acquire. Releasing a lease that already
// expired, or a handle released before, succeeds. Errors from the store are
// returned as they are, never retried.
func (c *Coordinator) Release(ctx context.Context, operation string, h *types.Handle) error {
	if h == nil {
		return types.ErrInvalidHandle
	}

	kind := string(c.backend.Kind())
	log := c.logger.With(zap.String("operation", operation), zap.String("lock", h.Name))
	log.Info("releasing lock")
	c.setState(operation, Releasing)

	err := c.backend.Release(context.WithoutCancel(ctx), h)

	c.mu.Lock()
	delete(c.states, operation)
	if _, ok := c.held[h]; ok {
		delete(c.held, h)
		metrics.LocksHeld.Dec()
	}
	c.mu.Unlock()

	if err != nil {
		metrics.LockReleaseTotal.WithLabelValues(kind, "error").Inc()
		log.Error("lock release failed", zap.Error(err))
		return fmt.Errorf("release lock: %w", err)
	}

	metrics.LockReleaseTotal.WithLabelValues(kind, "released").Inc()
	log.Info("released lock")
	return nil
}

// State reports where the latest acquisition under operation stands. Unknown
// operations are Idle.
func (c *Coordinator) State(operation string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[operation]
}

// idle operations are dropped so per-request labels do not pile up
func (c *Coordinator) setState(operation string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == Idle {
		delete(c.states, operation)
		return
	}
	c.states[operation] = s
}
