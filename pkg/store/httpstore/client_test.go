package httpstore_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixperk/leasekeeper/pkg/server"
	"github.com/pixperk/leasekeeper/pkg/store"
	"github.com/pixperk/leasekeeper/pkg/store/httpstore"
	"github.com/pixperk/leasekeeper/pkg/store/storetest"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
	"github.com/pixperk/leasekeeper/pkg/types"
)

func newTestClient(t *testing.T) (*httpstore.Client, *store.Memory, *clockwork.FakeClock) {
	t.Helper()

	fake := clockwork.NewFakeClock()
	mem := store.NewMemory(lktime.NewClockFrom(fake, 0))
	ts := httptest.NewServer(server.NewServer(mem, nil).Handler())
	t.Cleanup(ts.Close)

	return httpstore.New(ts.URL, nil, httpstore.WithRetry(0, 0, 0)), mem, fake
}

func TestHTTPStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.LeaseRecordStore, func(time.Duration)) {
		c, _, fake := newTestClient(t)
		return c, fake.Advance
	})
}

func TestNotLeaderIsRetriedThenReported(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := httpstore.New(ts.URL, nil, httpstore.WithRetry(2, time.Millisecond, 5*time.Millisecond))

	_, err := c.Read(context.Background(), "alpha")
	require.ErrorIs(t, err, types.ErrNotLeader)
	assert.Equal(t, 3, calls)
}

func TestConflictIsNotRetried(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	c := httpstore.New(ts.URL, nil, httpstore.WithRetry(2, time.Millisecond, 5*time.Millisecond))

	_, err := c.AcquireExclusive(context.Background(), "alpha", time.Second)
	require.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestTransportErrorIsNotASentinel(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := httpstore.New(url, nil, httpstore.WithRetry(0, 0, 0))

	_, err := c.CreateIfAbsent(context.Background(), "alpha", time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrAlreadyExists)
	assert.NotErrorIs(t, err, types.ErrNotFound)
}

func TestStatus(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.CreateObject(ctx, "alpha"))
	_, err := c.AcquireExclusive(ctx, "alpha", time.Minute)
	require.NoError(t, err)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsLeader)
	assert.Equal(t, 1, status.ClusterSize)
}

func TestNamesWithSlashesReachTheStoreUnescaped(t *testing.T) {
	c, mem, _ := newTestClient(t)
	ctx := context.Background()
	until := time.Now().UTC().Add(time.Minute)

	_, err := c.CreateIfAbsent(ctx, "team/alpha", until)
	require.NoError(t, err)

	//a name that merely looks escaped is a different lock
	_, err = c.CreateIfAbsent(ctx, "team%2Falpha", until)
	require.NoError(t, err)

	record, err := c.Read(ctx, "team/alpha")
	require.NoError(t, err)
	assert.Equal(t, "team/alpha", record.ID)

	stored, err := mem.Read(ctx, "team/alpha")
	require.NoError(t, err)
	assert.Equal(t, record.Version, stored.Version)

	require.NoError(t, c.CreateObject(ctx, "team/beta"))
	token, err := c.AcquireExclusive(ctx, "team/beta", time.Minute)
	require.NoError(t, err)
	_, err = mem.AcquireExclusive(ctx, "team/beta", time.Minute)
	require.ErrorIs(t, err, types.ErrConflict)
	require.NoError(t, c.ReleaseExclusive(ctx, "team/beta", token))
}

func TestSubMillisecondLeaseRoundsUp(t *testing.T) {
	c, _, fake := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.CreateObject(ctx, "alpha"))
	_, err := c.AcquireExclusive(ctx, "alpha", 500*time.Microsecond)
	require.NoError(t, err)

	_, err = c.AcquireExclusive(ctx, "alpha", time.Minute)
	require.ErrorIs(t, err, types.ErrConflict)

	fake.Advance(time.Millisecond)
	_, err = c.AcquireExclusive(ctx, "alpha", time.Minute)
	require.NoError(t, err)
}

func TestWritesAreNotRetried(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer ts.Close()

	c := httpstore.New(ts.URL, nil, httpstore.WithRetry(2, time.Millisecond, 5*time.Millisecond))
	ctx := context.Background()

	_, err := c.ReplaceIfVersionMatches(ctx, "alpha", time.Now(), "v1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrVersionConflict)
	assert.Equal(t, 1, calls)

	_, err = c.AcquireExclusive(ctx, "alpha", time.Second)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}
