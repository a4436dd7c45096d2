package time

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// clock provides the wall time lease arithmetic runs on
// lease records are compared across machines, so this has to be wall time and not
// the monotonic clock; a lease written by one contender is judged by another's clock
// skew is the allowance for how far two contenders' clocks may disagree
type Clock struct {
	clock clockwork.Clock
	skew  time.Duration
}

func NewClock(skew time.Duration) *Clock {
	return NewClockFrom(clockwork.NewRealClock(), skew)
}

// builds a clock on top of any clockwork clock (fake clocks in tests)
func NewClockFrom(clock clockwork.Clock, skew time.Duration) *Clock {
	if skew < 0 {
		skew = 0
	}
	return &Clock{
		clock: clock,
		skew:  skew,
	}
}

// current wall time in UTC
func (c *Clock) Now() time.Time {
	return c.clock.Now().UTC()
}

func (c *Clock) Skew() time.Duration {
	return c.skew
}

// returns the end of a lease of the given duration starting now
func (c *Clock) LeaseUntil(d time.Duration) time.Time {
	return c.Now().Add(d)
}

// reports whether a lease ending at until is over, including the skew allowance
func (c *Clock) Expired(until time.Time) bool {
	return c.Now().After(until.Add(c.skew))
}

// lease end written on release
// lies far enough in the past that every contender within the skew sees it expired
func (c *Clock) ReleasedAt() time.Time {
	return c.Now().Add(-time.Second - c.skew)
}

// timer for cancellable waits
func (c *Clock) NewTimer(d time.Duration) clockwork.Timer {
	return c.clock.NewTimer(d)
}
