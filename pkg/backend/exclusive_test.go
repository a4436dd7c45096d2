package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pixperk/leasekeeper/pkg/types"
)

func TestExclusiveMissingThenAcquire(t *testing.T) {
	mem, clock, _ := newMemory(0)
	b := NewExclusive(mem, clock, nil)
	ctx := context.Background()

	outcome, h, err := b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Missing, outcome)
	assert.Nil(t, h)

	h, err = b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Nil(t, h, "creating the object does not lease it")

	//losing the creation race is fine
	_, err = b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)

	outcome, h, err = b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
	assert.Equal(t, "alpha", h.Name)
	assert.Equal(t, types.KindExclusive, h.Kind)
	assert.NotEmpty(t, h.Token)
	assert.Equal(t, clock.Now().Add(time.Second), h.LeasedUntil)
}

func TestExclusiveBusyUntilReleased(t *testing.T) {
	mem, clock, _ := newMemory(0)
	b := NewExclusive(mem, clock, nil)
	ctx := context.Background()

	_, err := b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)
	_, h, err := b.TryAcquire(ctx, "alpha", time.Minute)
	require.NoError(t, err)

	outcome, other, err := b.TryAcquire(ctx, "alpha", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Busy, outcome)
	assert.Nil(t, other)

	require.NoError(t, b.Release(ctx, h))

	outcome, _, err = b.TryAcquire(ctx, "alpha", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, outcome)
}

func TestExclusiveExpiredLeaseIsReclaimed(t *testing.T) {
	mem, clock, fake := newMemory(0)
	core, logs := observer.New(zap.WarnLevel)
	b := NewExclusive(mem, clock, zap.New(core))
	ctx := context.Background()

	_, err := b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)
	_, stale, err := b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)

	fake.Advance(2 * time.Second)

	outcome, h, err := b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)

	//the crashed holder coming back must not free the new lease
	require.NoError(t, b.Release(ctx, stale))
	assert.Equal(t, 1, logs.FilterMessage("lease already expired on release").Len())

	outcome, _, err = b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Busy, outcome)

	require.NoError(t, b.Release(ctx, h))
	require.NoError(t, b.Release(ctx, h), "second release is a no-op")
}

func TestExclusiveRejectsForeignHandles(t *testing.T) {
	mem, clock, _ := newMemory(0)
	b := NewExclusive(mem, clock, nil)

	assert.ErrorIs(t, b.Release(context.Background(), nil), types.ErrInvalidHandle)
	assert.ErrorIs(t, b.Release(context.Background(), &types.Handle{Name: "alpha", Kind: types.KindCAS, Token: "v1"}), types.ErrInvalidHandle)
}

func TestExclusiveTransportErrorsAreReturned(t *testing.T) {
	b := NewExclusive(brokenStore{}, nil, nil)
	ctx := context.Background()

	_, _, err := b.TryAcquire(ctx, "alpha", time.Second)
	assert.ErrorIs(t, err, errUnreachable)

	_, err = b.Prepare(ctx, "alpha", time.Second)
	assert.ErrorIs(t, err, errUnreachable)

	err = b.Release(ctx, &types.Handle{Name: "alpha", Kind: types.KindExclusive, Token: "t"})
	assert.ErrorIs(t, err, errUnreachable)
}
