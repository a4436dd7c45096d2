// Package demo races a number of contenders for one lock, each holding it for a
// simulated stretch of work, under a shared deadline.
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixperk/leasekeeper/pkg/lock"
)

type Config struct {
	Lock          string
	Contenders    int
	HoldStep      time.Duration //contender i holds the lock for i*HoldStep
	RetryInterval time.Duration
	LeaseDuration time.Duration
	Deadline      time.Duration //bounds acquisition, not the held work
}

func DefaultConfig() Config {
	return Config{
		Lock:          "alpha",
		Contenders:    10,
		HoldStep:      time.Second,
		RetryInterval: 500 * time.Millisecond,
		LeaseDuration: 15 * time.Second,
		Deadline:      15 * time.Second,
	}
}

type Report struct {
	Completed  int //acquired, worked and released
	Cancelled  int //deadline hit before the lock was ours
	MaxHolders int //most contenders seen holding the lock at once
}

type tracker struct {
	mu      sync.Mutex
	holders int
	report  Report
}

func (t *tracker) enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holders++
	if t.holders > t.report.MaxHolders {
		t.report.MaxHolders = t.holders
	}
}

func (t *tracker) leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holders--
	t.report.Completed++
}

func (t *tracker) cancelled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Cancelled++
}

// Run starts cfg.Contenders goroutines racing for cfg.Lock through c and waits
// for all of them. A store failure in any contender stops the others from
// starting new attempts and is returned.
func Run(ctx context.Context, c *lock.Coordinator, cfg Config, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Contenders <= 0 {
		return Report{}, fmt.Errorf("contenders must be positive, got %d", cfg.Contenders)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	defer cancel()

	t := &tracker{}
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Contenders; i++ {
		operation := fmt.Sprintf("contender-%d", i)
		hold := time.Duration(i) * cfg.HoldStep

		g.Go(func() error {
			h, err := c.Acquire(ctx, cfg.Lock, operation, cfg.RetryInterval, cfg.LeaseDuration)
			if err != nil {
				return fmt.Errorf("%s: %w", operation, err)
			}
			//nil handle means we were cancelled, skip the work
			if h == nil {
				t.cancelled()
				logger.Info("contender gave up", zap.String("operation", operation))
				return nil
			}

			t.enter()
			logger.Info("working", zap.String("operation", operation), zap.Duration("hold", hold))
			time.Sleep(hold)
			t.leave()

			if err := c.Release(ctx, operation, h); err != nil {
				return fmt.Errorf("%s: %w", operation, err)
			}
			return nil
		})
	}

	err := g.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report, err
}
