package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/zap"
)

// snapshots kept on disk, older ones are reaped by raft
const retainSnapshots = 3

// BoltDBStorage holds the persistent stores one raft node needs
// logstore : stores the Raft log entries (lease record commands)
// stablestore : current term and vote, read back on restart
// snapshotstore : stores snapshots of the lease record state
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

func NewBoltDBStorage(dataDir string, logger *zap.Logger) (*BoltDBStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "raft.db")

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: dbPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", dbPath, err)
	}

	//snapshot store (file-based), its progress lines go to our logger
	snapshotDir := filepath.Join(dataDir, "snapshots")
	snapshotLog := zap.NewStdLog(logger.Named("snapshots")).Writer()
	snapShotStore, err := raft.NewFileSnapshotStore(snapshotDir, retainSnapshots, snapshotLog)
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	return &BoltDBStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapShotStore,
		db:            boltDB,
	}, nil
}

func (b *BoltDBStorage) Close() error {
	return b.db.Close()
}
