// Package storetest checks that a store.LeaseRecordStore honours the contract
// the lock backends rely on.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixperk/leasekeeper/pkg/store"
	"github.com/pixperk/leasekeeper/pkg/types"
)

// Factory returns a fresh store and a function that moves the store's notion of
// time forward by d, so exclusive leases can lapse.
type Factory func(t *testing.T) (s store.LeaseRecordStore, advance func(d time.Duration))

// Run executes the whole contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Records", func(t *testing.T) { testRecords(t, newStore) })
	t.Run("Exclusive", func(t *testing.T) { testExclusive(t, newStore) })
	t.Run("ExclusiveExpiry", func(t *testing.T) { testExclusiveExpiry(t, newStore) })
}

func testRecords(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()
	until := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)

	_, err := s.Read(ctx, "rec")
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.ReplaceIfVersionMatches(ctx, "rec", until, "nope")
	require.ErrorIs(t, err, types.ErrNotFound)

	v1, err := s.CreateIfAbsent(ctx, "rec", until)
	require.NoError(t, err)
	require.NotEmpty(t, v1)

	_, err = s.CreateIfAbsent(ctx, "rec", until)
	require.ErrorIs(t, err, types.ErrAlreadyExists)

	rec, err := s.Read(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, "rec", rec.ID)
	assert.Equal(t, v1, rec.Version)
	assert.True(t, until.Equal(rec.LeasedUntil), "leased until: want %s got %s", until, rec.LeasedUntil)

	_, err = s.ReplaceIfVersionMatches(ctx, "rec", until, "stale-version")
	require.ErrorIs(t, err, types.ErrVersionConflict)

	later := until.Add(time.Minute)
	v2, err := s.ReplaceIfVersionMatches(ctx, "rec", later, v1)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2, "replace must issue a new version")

	//the old version lost the race now
	_, err = s.ReplaceIfVersionMatches(ctx, "rec", later, v1)
	require.ErrorIs(t, err, types.ErrVersionConflict)

	rec, err = s.Read(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, v2, rec.Version)
	assert.True(t, later.Equal(rec.LeasedUntil))
}

func testExclusive(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.AcquireExclusive(ctx, "obj", time.Minute)
	require.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.CreateObject(ctx, "obj"))
	if err := s.CreateObject(ctx, "obj"); err != nil {
		require.ErrorIs(t, err, types.ErrAlreadyExists)
	}

	token, err := s.AcquireExclusive(ctx, "obj", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = s.AcquireExclusive(ctx, "obj", time.Minute)
	require.ErrorIs(t, err, types.ErrConflict)

	err = s.ReleaseExclusive(ctx, "obj", "someone-else")
	require.ErrorIs(t, err, types.ErrLeaseMismatch)

	require.NoError(t, s.ReleaseExclusive(ctx, "obj", token))

	next, err := s.AcquireExclusive(ctx, "obj", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, token, next)
	require.NoError(t, s.ReleaseExclusive(ctx, "obj", next))
}

func testExclusiveExpiry(t *testing.T, newStore Factory) {
	s, advance := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateObject(ctx, "crashy"))

	//holder never releases
	stale, err := s.AcquireExclusive(ctx, "crashy", 500*time.Millisecond)
	require.NoError(t, err)

	advance(time.Second)

	token, err := s.AcquireExclusive(ctx, "crashy", time.Minute)
	require.NoError(t, err, "lapsed lease should be reclaimable")

	err = s.ReleaseExclusive(ctx, "crashy", stale)
	require.ErrorIs(t, err, types.ErrLeaseMismatch)

	require.NoError(t, s.ReleaseExclusive(ctx, "crashy", token))
}
