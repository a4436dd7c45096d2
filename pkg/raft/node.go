package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/pixperk/leasekeeper/pkg/fsm"
	"github.com/pixperk/leasekeeper/pkg/metrics"
	"github.com/pixperk/leasekeeper/pkg/storage"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
	"github.com/pixperk/leasekeeper/pkg/types"
)

const defaultApplyTimeout = 5 * time.Second

// wraps a raft inst with our fsm and exposes it as a lease record store
// writes are proposed through the log, reads are served by the leader after
// it confirms leadership, so every contender sees linearizable state
type Node struct {
	raft    *raft.Raft
	fsm     *fsm.FSM
	raftFSM *fsm.RaftFSM
	storage *storage.BoltDBStorage
	cfg     *Config
	clock   *lktime.Clock
	logger  *zap.Logger

	notifyCh chan bool
	doneCh   chan struct{}
	stopOnce sync.Once
}

type Config struct {
	NodeID        uuid.UUID     //unique ID for this node
	BindAddr      string        //net addr to bind Raft communication
	AdvertiseAddr string        //addr peers reach us on, defaults to the bound listener
	DataDir       string        //data directory for Raft storage
	Bootstrap     bool          //if this is the first node in the cluster
	ApplyTimeout  time.Duration //max time to wait for a command to commit
	Clock         *lktime.Clock //time source for exclusive lease expiry
	Logger        *zap.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("raft").With(zap.String("node_id", cfg.NodeID.String()))

	clock := cfg.Clock
	if clock == nil {
		clock = lktime.NewClock(0)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	raftFSM := fsm.NewRaftFSM()
	stateMachine := raftFSM.GetFSM()

	logOutput := zap.NewStdLog(logger).Writer()
	notifyCh := make(chan bool, 1)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.LogOutput = logOutput
	raftCfg.LogLevel = "INFO"
	raftCfg.NotifyCh = notifyCh

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	//add boltDB storage
	raftStorage, err := storage.NewBoltDBStorage(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	var advertise net.Addr
	if cfg.AdvertiseAddr != "" {
		advertise, err = net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
		if err != nil {
			raftStorage.Close()
			return nil, fmt.Errorf("failed to resolve advertise addr: %w", err)
		}
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, advertise, 3, 10*time.Second, logOutput)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			r.Shutdown()
			raftStorage.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	n := &Node{
		raft:     r,
		fsm:      stateMachine,
		raftFSM:  raftFSM,
		storage:  raftStorage,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		notifyCh: notifyCh,
		doneCh:   make(chan struct{}),
	}
	go n.watchLeadership()

	logger.Info("raft node started", zap.String("addr", string(transport.LocalAddr())), zap.Bool("bootstrap", cfg.Bootstrap))
	return n, nil
}

// tracks leadership changes for metrics and logs
func (n *Node) watchLeadership() {
	for {
		select {
		case isLeader := <-n.notifyCh:
			if isLeader {
				metrics.RaftIsLeader.Set(1)
				n.logger.Info("became raft leader")
			} else {
				metrics.RaftIsLeader.Set(0)
				n.logger.Info("lost raft leadership")
			}
		case <-n.doneCh:
			return
		}
	}
}

// apply a command to the Raft cluster
// domain errors produced by the fsm are returned as errors
func (n *Node) Apply(cmd types.Command) (any, error) {
	return n.apply(context.Background(), cmd)
}

func (n *Node) apply(ctx context.Context, cmd types.Command) (any, error) {
	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	timeout := n.applyTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, n.wrapRaftError(err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

func (n *Node) applyTimeout() time.Duration {
	if n.cfg.ApplyTimeout > 0 {
		return n.cfg.ApplyTimeout
	}
	return defaultApplyTimeout
}

func (n *Node) wrapRaftError(err error) error {
	if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
		return fmt.Errorf("%w, leader is at %q", types.ErrNotLeader, n.GetLeader())
	}
	return fmt.Errorf("failed to apply command: %w", err)
}

// reads go through the leader only after it confirms it still leads
func (n *Node) verifyLeader() error {
	if err := n.raft.VerifyLeader().Error(); err != nil {
		return n.wrapRaftError(err)
	}
	return nil
}

func (n *Node) Read(_ context.Context, name string) (types.LeaseRecord, error) {
	if err := n.verifyLeader(); err != nil {
		return types.LeaseRecord{}, err
	}
	record, ok := n.fsm.GetRecord(name)
	if !ok {
		return types.LeaseRecord{}, types.ErrNotFound
	}
	return record, nil
}

func (n *Node) CreateIfAbsent(ctx context.Context, name string, leasedUntil time.Time) (string, error) {
	resp, err := n.apply(ctx, types.CreateRecordCmd{
		Name:        name,
		LeasedUntil: leasedUntil,
		Version:     uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	return resp.(fsm.RecordResponse).Version, nil
}

func (n *Node) ReplaceIfVersionMatches(ctx context.Context, name string, leasedUntil time.Time, expected string) (string, error) {
	resp, err := n.apply(ctx, types.ReplaceRecordCmd{
		Name:            name,
		LeasedUntil:     leasedUntil,
		ExpectedVersion: expected,
		Version:         uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	return resp.(fsm.RecordResponse).Version, nil
}

func (n *Node) CreateObject(ctx context.Context, name string) error {
	_, err := n.apply(ctx, types.CreateObjectCmd{Name: name})
	return err
}

func (n *Node) AcquireExclusive(ctx context.Context, name string, d time.Duration) (string, error) {
	now := n.clock.Now()
	resp, err := n.apply(ctx, types.AcquireExclusiveCmd{
		Name:      name,
		Token:     uuid.NewString(),
		Now:       now,
		ExpiresAt: now.Add(d),
	})
	if err != nil {
		return "", err
	}
	return resp.(fsm.AcquireExclusiveResponse).Token, nil
}

func (n *Node) ReleaseExclusive(ctx context.Context, name, token string) error {
	_, err := n.apply(ctx, types.ReleaseExclusiveCmd{Name: name, Token: token})
	if errors.Is(err, types.ErrNotFound) {
		return types.ErrLeaseMismatch
	}
	return err
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) GetNodeID() uuid.UUID {
	return n.cfg.NodeID
}

func (n *Node) GetState() raft.RaftState {
	return n.raft.State()
}

// number of voters and non-voters in the current configuration
func (n *Node) GetClusterSize() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats(n.clock.Now())
}

// gracefully shuts down the Raft node, safe to call more than once
func (n *Node) Shutdown() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.doneCh)
		err = n.raft.Shutdown().Error()
		if cerr := n.storage.Close(); err == nil {
			err = cerr
		}
		metrics.RaftIsLeader.Set(0)
	})
	return err
}
