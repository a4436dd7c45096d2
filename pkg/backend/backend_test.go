package backend

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pixperk/leasekeeper/pkg/store"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
	"github.com/pixperk/leasekeeper/pkg/types"
)

var errUnreachable = errors.New("connection refused")

// store whose every call fails like a dead network
type brokenStore struct{}

func (brokenStore) Read(context.Context, string) (types.LeaseRecord, error) {
	return types.LeaseRecord{}, errUnreachable
}

func (brokenStore) CreateIfAbsent(context.Context, string, time.Time) (string, error) {
	return "", errUnreachable
}

func (brokenStore) ReplaceIfVersionMatches(context.Context, string, time.Time, string) (string, error) {
	return "", errUnreachable
}

func (brokenStore) CreateObject(context.Context, string) error { return errUnreachable }

func (brokenStore) AcquireExclusive(context.Context, string, time.Duration) (string, error) {
	return "", errUnreachable
}

func (brokenStore) ReleaseExclusive(context.Context, string, string) error { return errUnreachable }

func newMemory(skew time.Duration) (*store.Memory, *lktime.Clock, *clockwork.FakeClock) {
	fake := clockwork.NewFakeClock()
	clock := lktime.NewClockFrom(fake, skew)
	return store.NewMemory(clock), clock, fake
}
