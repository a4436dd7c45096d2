package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/pixperk/leasekeeper/pkg/types"
)

// manages lease records and exclusive object leases
// critical :
// - records change only when the expected version matches
// - records are never deleted, an expired lease is a past LeasedUntil
// - at most one live exclusive lease per object
// - apply is deterministic, every input (versions, tokens, time) comes in the command
type FSM struct {
	mu sync.RWMutex

	records map[string]*types.LeaseRecord    // lock name -> record
	objects map[string]*types.ExclusiveLease // lock name -> lease, nil when unleased
}

func NewFSM() *FSM {
	return &FSM{
		records: make(map[string]*types.LeaseRecord),
		objects: make(map[string]*types.ExclusiveLease),
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.CreateRecordCmd:
		return f.applyCreateRecord(c)
	case types.ReplaceRecordCmd:
		return f.applyReplaceRecord(c)
	case types.CreateObjectCmd:
		return f.applyCreateObject(c)
	case types.AcquireExclusiveCmd:
		return f.applyAcquireExclusive(c)
	case types.ReleaseExclusiveCmd:
		return f.applyReleaseExclusive(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when a record is created or replaced
type RecordResponse struct {
	Version string
}

func (f *FSM) applyCreateRecord(cmd types.CreateRecordCmd) (any, error) {
	if _, exists := f.records[cmd.Name]; exists {
		return nil, types.ErrAlreadyExists
	}

	f.records[cmd.Name] = &types.LeaseRecord{
		ID:          cmd.Name,
		LeasedUntil: cmd.LeasedUntil.UTC(),
		Version:     cmd.Version,
	}

	return RecordResponse{Version: cmd.Version}, nil
}

func (f *FSM) applyReplaceRecord(cmd types.ReplaceRecordCmd) (any, error) {
	record, exists := f.records[cmd.Name]
	if !exists {
		return nil, types.ErrNotFound
	}

	//someone swapped it since the proposer read it
	if record.Version != cmd.ExpectedVersion {
		return nil, types.ErrVersionConflict
	}

	record.LeasedUntil = cmd.LeasedUntil.UTC()
	record.Version = cmd.Version

	return RecordResponse{Version: cmd.Version}, nil
}

// returned when an object is written
type CreateObjectResponse struct {
	Created bool
}

// plain write, an existing object (and its lease) is left alone
func (f *FSM) applyCreateObject(cmd types.CreateObjectCmd) (any, error) {
	if _, exists := f.objects[cmd.Name]; exists {
		return CreateObjectResponse{Created: false}, nil
	}
	f.objects[cmd.Name] = nil
	return CreateObjectResponse{Created: true}, nil
}

// returned when an exclusive lease is granted
type AcquireExclusiveResponse struct {
	Token     string
	ExpiresAt time.Time
}

func (f *FSM) applyAcquireExclusive(cmd types.AcquireExclusiveCmd) (any, error) {
	lease, exists := f.objects[cmd.Name]
	if !exists {
		return nil, types.ErrNotFound
	}

	if lease != nil && lease.IsLive(cmd.Now) {
		return nil, types.ErrConflict
	}

	f.objects[cmd.Name] = &types.ExclusiveLease{
		Token:     cmd.Token,
		ExpiresAt: cmd.ExpiresAt.UTC(),
	}

	return AcquireExclusiveResponse{
		Token:     cmd.Token,
		ExpiresAt: cmd.ExpiresAt.UTC(),
	}, nil
}

// returned when an exclusive lease is released
type ReleaseExclusiveResponse struct {
	Released bool
}

func (f *FSM) applyReleaseExclusive(cmd types.ReleaseExclusiveCmd) (any, error) {
	lease, exists := f.objects[cmd.Name]
	if !exists {
		return nil, types.ErrNotFound
	}

	//a lapsed lease may have been re-granted under another token
	if lease == nil || lease.Token != cmd.Token {
		return nil, types.ErrLeaseMismatch
	}

	f.objects[cmd.Name] = nil

	return ReleaseExclusiveResponse{Released: true}, nil
}

// returns a copy of the record for the given lock
func (f *FSM) GetRecord(name string) (types.LeaseRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	record, exists := f.records[name]
	if !exists {
		return types.LeaseRecord{}, false
	}
	return *record, true
}

// returns the current lease on an object, nil when the object is unleased
func (f *FSM) GetObject(name string) (*types.ExclusiveLease, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	lease, exists := f.objects[name]
	if !exists || lease == nil {
		return nil, exists
	}
	leaseCopy := *lease
	return &leaseCopy, true
}

// current fsm stats
type Stats struct {
	Records      int
	Objects      int
	ActiveLeases int
}

// stats as seen at the given instant
func (f *FSM) Stats(now time.Time) Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := Stats{
		Records: len(f.records),
		Objects: len(f.objects),
	}
	for _, lease := range f.objects {
		if lease != nil && lease.IsLive(now) {
			stats.ActiveLeases++
		}
	}
	return stats
}
