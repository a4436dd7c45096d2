package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"

	"github.com/pixperk/leasekeeper/pkg/metrics"
	"github.com/pixperk/leasekeeper/pkg/types"
)

// raft.FSM over the lease state machine, commands arrive as json envelopes
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// returns the wrapped state machine for reads
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command from the log entry
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply it to the state machine
	result, err := rf.fsm.Apply(cmd)
	metrics.RaftAppliedIndex.Set(float64(log.Index))
	if err != nil {
		return err
	}

	return result
}

// copies records and objects so raft can persist them while applies go on
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Records: make(map[string]*types.LeaseRecord, len(rf.fsm.records)),
		Objects: make(map[string]*types.ExclusiveLease, len(rf.fsm.objects)),
	}

	//deep copy records
	for name, record := range rf.fsm.records {
		recordCopy := *record
		snapshot.Records[name] = &recordCopy
	}

	//deep copy objects, unleased objects stay nil
	for name, lease := range rf.fsm.objects {
		if lease == nil {
			snapshot.Objects[name] = nil
			continue
		}
		leaseCopy := *lease
		snapshot.Objects[name] = &leaseCopy
	}

	return snapshot, nil
}

// replaces all lease state with a snapshot
// used on restart and when a follower is too far behind the leader log
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}
	if snap.Records == nil {
		snap.Records = make(map[string]*types.LeaseRecord)
	}
	if snap.Objects == nil {
		snap.Objects = make(map[string]*types.ExclusiveLease)
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.records = snap.Records
	rf.fsm.objects = snap.Objects

	return nil
}

// records and objects as of one log index
type fsmSnapshot struct {
	Records map[string]*types.LeaseRecord    `json:"records"`
	Objects map[string]*types.ExclusiveLease `json:"objects"`
}

// writes the snapshot as one json document
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// nothing is held open between Snapshot and Persist
func (s *fsmSnapshot) Release() {}
