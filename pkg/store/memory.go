package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	lktime "github.com/pixperk/leasekeeper/pkg/time"
	"github.com/pixperk/leasekeeper/pkg/types"
)

type exclusiveLease struct {
	token     string
	expiresAt time.Time
}

// Memory implements LeaseRecordStore in process memory. Contenders sharing one
// Memory behave as if they shared a remote store with atomic operations.
type Memory struct {
	mu      sync.Mutex
	clock   *lktime.Clock
	records map[string]types.LeaseRecord
	objects map[string]*exclusiveLease // nil value: object exists, no lease
}

// NewMemory returns an empty store. clock drives exclusive-lease expiry; nil
// means the real clock.
func NewMemory(clock *lktime.Clock) *Memory {
	if clock == nil {
		clock = lktime.NewClock(0)
	}
	return &Memory{
		clock:   clock,
		records: make(map[string]types.LeaseRecord),
		objects: make(map[string]*exclusiveLease),
	}
}

func (m *Memory) Read(_ context.Context, name string) (types.LeaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return types.LeaseRecord{}, types.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) CreateIfAbsent(_ context.Context, name string, leasedUntil time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[name]; ok {
		return "", types.ErrAlreadyExists
	}
	rec := types.LeaseRecord{ID: name, LeasedUntil: leasedUntil.UTC(), Version: uuid.NewString()}
	m.records[name] = rec
	return rec.Version, nil
}

func (m *Memory) ReplaceIfVersionMatches(_ context.Context, name string, leasedUntil time.Time, expected string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[name]
	if !ok {
		return "", types.ErrNotFound
	}
	if rec.Version != expected {
		return "", types.ErrVersionConflict
	}
	rec.LeasedUntil = leasedUntil.UTC()
	rec.Version = uuid.NewString()
	m.records[name] = rec
	return rec.Version, nil
}

func (m *Memory) CreateObject(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[name]; !ok {
		m.objects[name] = nil
	}
	return nil
}

func (m *Memory) AcquireExclusive(_ context.Context, name string, d time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.objects[name]
	if !ok {
		return "", types.ErrNotFound
	}
	now := m.clock.Now()
	if lease != nil && now.Before(lease.expiresAt) {
		return "", types.ErrConflict
	}
	lease = &exclusiveLease{token: uuid.NewString(), expiresAt: now.Add(d)}
	m.objects[name] = lease
	return lease.token, nil
}

func (m *Memory) ReleaseExclusive(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.objects[name]
	if !ok {
		return types.ErrNotFound
	}
	if lease == nil || lease.token != token || !m.clock.Now().Before(lease.expiresAt) {
		return types.ErrLeaseMismatch
	}
	m.objects[name] = nil
	return nil
}
