package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixperk/leasekeeper/pkg/types"
)

func TestCASCreateIsAcquisition(t *testing.T) {
	mem, clock, _ := newMemory(0)
	b := NewCAS(mem, clock, nil)
	ctx := context.Background()

	outcome, _, err := b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	require.Equal(t, Missing, outcome)

	h, err := b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, types.KindCAS, h.Kind)

	record, err := mem.Read(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, record.Version, h.Token)
	assert.True(t, record.LeasedUntil.Equal(clock.Now().Add(time.Second)))

	//second creator lost the race and gets no handle
	other, err := b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Nil(t, other)

	outcome, _, err = b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Busy, outcome)
}

func TestCASReclaimsExpiredLease(t *testing.T) {
	mem, clock, fake := newMemory(0)
	b := NewCAS(mem, clock, nil)
	ctx := context.Background()

	stale, err := b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)

	fake.Advance(999 * time.Millisecond)
	outcome, _, err := b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Busy, outcome)

	fake.Advance(2 * time.Millisecond)
	outcome, h, err := b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	require.Equal(t, Acquired, outcome)
	assert.NotEqual(t, stale.Token, h.Token)

	//stale release hits a version conflict and leaves the new lease alone
	require.NoError(t, b.Release(ctx, stale))
	record, err := mem.Read(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, h.Token, record.Version)
}

func TestCASSkewDelaysReclaim(t *testing.T) {
	mem, clock, fake := newMemory(500 * time.Millisecond)
	b := NewCAS(mem, clock, nil)
	ctx := context.Background()

	_, err := b.Prepare(ctx, "alpha", time.Second)
	require.NoError(t, err)

	fake.Advance(1200 * time.Millisecond)
	outcome, _, err := b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Busy, outcome, "lease is still inside the skew allowance")

	fake.Advance(400 * time.Millisecond)
	outcome, _, err = b.TryAcquire(ctx, "alpha", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Acquired, outcome)
}

func TestCASReleaseFreesImmediately(t *testing.T) {
	mem, clock, _ := newMemory(500 * time.Millisecond)
	b := NewCAS(mem, clock, nil)
	ctx := context.Background()

	h, err := b.Prepare(ctx, "alpha", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, h))

	record, err := mem.Read(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, clock.Expired(record.LeasedUntil))

	outcome, _, err := b.TryAcquire(ctx, "alpha", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Acquired, outcome)

	//releasing twice is benign
	require.NoError(t, b.Release(ctx, h))
}

func TestCASTransportErrorsAreReturned(t *testing.T) {
	b := NewCAS(brokenStore{}, nil, nil)
	ctx := context.Background()

	_, _, err := b.TryAcquire(ctx, "alpha", time.Second)
	assert.ErrorIs(t, err, errUnreachable)

	_, err = b.Prepare(ctx, "alpha", time.Second)
	assert.ErrorIs(t, err, errUnreachable)

	err = b.Release(ctx, &types.Handle{Name: "alpha", Kind: types.KindCAS, Token: "v1"})
	assert.ErrorIs(t, err, errUnreachable)

	assert.ErrorIs(t, b.Release(ctx, &types.Handle{Name: "alpha", Kind: types.KindCAS}), types.ErrInvalidHandle)
}

// store that always shows an expired lease, then loses the swap with swapErr
type racedRecordStore struct {
	record  types.LeaseRecord
	swapErr error
	swaps   int
}

func (s *racedRecordStore) Read(context.Context, string) (types.LeaseRecord, error) {
	return s.record, nil
}

func (s *racedRecordStore) CreateIfAbsent(context.Context, string, time.Time) (string, error) {
	return "", types.ErrAlreadyExists
}

func (s *racedRecordStore) ReplaceIfVersionMatches(context.Context, string, time.Time, string) (string, error) {
	s.swaps++
	return "", s.swapErr
}

func TestCASLostSwapRace(t *testing.T) {
	cases := map[string]struct {
		swapErr error
		want    Outcome
	}{
		"reclaimed by another contender": {types.ErrVersionConflict, Busy},
		"record vanished":                {types.ErrNotFound, Missing},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, clock, _ := newMemory(0)
			s := &racedRecordStore{
				record:  types.LeaseRecord{ID: "alpha", LeasedUntil: clock.Now().Add(-time.Minute), Version: "v1"},
				swapErr: tc.swapErr,
			}
			b := NewCAS(s, clock, nil)

			outcome, h, err := b.TryAcquire(context.Background(), "alpha", time.Second)
			require.NoError(t, err)
			assert.Equal(t, tc.want, outcome)
			assert.Nil(t, h)
			assert.Equal(t, 1, s.swaps, "expired lease should be swapped for")
		})
	}
}
