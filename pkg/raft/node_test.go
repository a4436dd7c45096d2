package raft

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/leasekeeper/pkg/store"
	"github.com/pixperk/leasekeeper/pkg/store/storetest"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
	"github.com/pixperk/leasekeeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSingleNode(t *testing.T, clock *lktime.Clock) *Node {
	t.Helper()

	node, err := NewNode(&Config{
		NodeID:    uuid.New(),
		BindAddr:  "127.0.0.1:0", // 0 = pick random available port
		DataDir:   t.TempDir(),
		Bootstrap: true,
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err, "failed to create node")
	t.Cleanup(func() { node.Shutdown() })

	require.NoError(t, node.WaitForLeader(5*time.Second), "no leader elected")
	return node
}

// TestNodeStoreContract runs the lease store contract against a single node cluster
func TestNodeStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.LeaseRecordStore, func(time.Duration)) {
		fake := clockwork.NewFakeClock()
		return newSingleNode(t, lktime.NewClockFrom(fake, 0)), fake.Advance
	})
}

// TestSingleNodeSmoke tests basic Raft functionality with a single node
func TestSingleNodeSmoke(t *testing.T) {
	node := newSingleNode(t, nil)
	ctx := context.Background()

	assert.True(t, node.IsLeader(), "single node should be leader")
	assert.Equal(t, 1, node.GetClusterSize())
	assert.Equal(t, raft.Leader, node.GetState())

	version, err := node.CreateIfAbsent(ctx, "alpha", time.Now().Add(time.Minute))
	require.NoError(t, err, "failed to create record")
	assert.NotEmpty(t, version)

	require.NoError(t, node.CreateObject(ctx, "beta"))
	_, err = node.AcquireExclusive(ctx, "beta", time.Minute)
	require.NoError(t, err)

	stats := node.Stats()
	assert.Equal(t, 1, stats.Records, "should have 1 record")
	assert.Equal(t, 1, stats.Objects, "should have 1 object")
	assert.Equal(t, 1, stats.ActiveLeases, "should have 1 live lease")

	//raw apply surfaces fsm errors as errors
	_, err = node.Apply(types.CreateRecordCmd{Name: "alpha", Version: "dup"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestStatePersistence(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{
		NodeID:    uuid.New(),
		BindAddr:  "127.0.0.1:17000", // fixed port for restart
		DataDir:   tmpDir,
		Bootstrap: true,
		Logger:    zap.NewNop(),
	}

	node1, err := NewNode(cfg)
	require.NoError(t, err, "failed to create node1")
	require.NoError(t, node1.WaitForLeader(5*time.Second))

	ctx := context.Background()
	until := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	version, err := node1.CreateIfAbsent(ctx, "alpha", until)
	require.NoError(t, err)

	require.NoError(t, node1.Shutdown(), "failed to shutdown node1")
	time.Sleep(500 * time.Millisecond)

	//restart without bootstrap
	cfg.Bootstrap = false
	node2, err := NewNode(cfg)
	require.NoError(t, err, "failed to recreate node")
	defer node2.Shutdown()
	require.NoError(t, node2.WaitForLeader(5*time.Second))

	//wait until the log is replayed into the fsm
	require.Eventually(t, func() bool {
		_, err := node2.Read(ctx, "alpha")
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	record, err := node2.Read(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, version, record.Version, "version should persist after restart")
	assert.True(t, until.Equal(record.LeasedUntil))

	//old version still swaps after the restart
	_, err = node2.ReplaceIfVersionMatches(ctx, "alpha", until.Add(time.Minute), version)
	require.NoError(t, err)
}

func TestMultiNodeCluster(t *testing.T) {
	//create 3 node cluster
	nodes := make([]*Node, 3)
	cfgs := make([]*Config, 3)

	for i := 0; i < 3; i++ {
		cfgs[i] = &Config{
			NodeID:    uuid.New(),
			BindAddr:  fmt.Sprintf("127.0.0.1:%d", 18000+i),
			DataDir:   filepath.Join(t.TempDir(), fmt.Sprintf("node%d", i)),
			Bootstrap: i == 0, //bootstrap only first node
			Logger:    zap.NewNop(),
		}
	}

	var err error
	nodes[0], err = NewNode(cfgs[0])
	require.NoError(t, err, "failed to create node 0")
	defer nodes[0].Shutdown()

	require.NoError(t, nodes[0].WaitForLeader(5*time.Second), "no leader elected in cluster")
	require.True(t, nodes[0].IsLeader(), "node 0 should be leader")

	for i := 1; i < 3; i++ {
		nodes[i], err = NewNode(cfgs[i])
		require.NoError(t, err, fmt.Sprintf("failed to create node %d", i))
		defer nodes[i].Shutdown()

		future := nodes[0].raft.AddVoter(
			raft.ServerID(cfgs[i].NodeID.String()),
			raft.ServerAddress(cfgs[i].BindAddr),
			0, 0,
		)
		require.NoError(t, future.Error(), fmt.Sprintf("failed to add node %d as voter", i))
	}

	time.Sleep(2 * time.Second)

	var leader *Node
	var follower *Node
	leaderCnt := 0

	for _, node := range nodes {
		if node.IsLeader() {
			leader = node
			leaderCnt++
		} else {
			follower = node
		}
	}

	require.Equal(t, 1, leaderCnt, "there should be exactly one leader")
	require.NotNil(t, leader, "leader node should not be nil")
	require.NotNil(t, follower)
	assert.Equal(t, 3, leader.GetClusterSize())

	ctx := context.Background()
	_, err = leader.CreateIfAbsent(ctx, "cluster-lock", time.Now().Add(time.Minute))
	require.NoError(t, err, "failed to create record via leader")

	//followers refuse both writes and reads
	_, err = follower.CreateIfAbsent(ctx, "other-lock", time.Now())
	assert.ErrorIs(t, err, types.ErrNotLeader)
	_, err = follower.Read(ctx, "cluster-lock")
	assert.ErrorIs(t, err, types.ErrNotLeader)

	//all nodes should have the record
	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.Stats().Records != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 100*time.Millisecond, "record should replicate to every node")
}

func TestLeaderElection(t *testing.T) {
	nodes := make([]*Node, 3)
	cfgs := make([]*Config, 3)

	for i := 0; i < 3; i++ {
		cfgs[i] = &Config{
			NodeID:    uuid.New(),
			BindAddr:  fmt.Sprintf("127.0.0.1:%d", 19000+i),
			DataDir:   filepath.Join(t.TempDir(), fmt.Sprintf("node%d", i)),
			Bootstrap: i == 0, //bootstrap only first node
			Logger:    zap.NewNop(),
		}
	}

	var err error
	nodes[0], err = NewNode(cfgs[0])
	require.NoError(t, err, "failed to create node 0")
	defer nodes[0].Shutdown()

	require.NoError(t, nodes[0].WaitForLeader(5*time.Second), "no leader elected in cluster")

	for i := 1; i < 3; i++ {
		nodes[i], err = NewNode(cfgs[i])
		require.NoError(t, err, fmt.Sprintf("failed to create node %d", i))
		defer nodes[i].Shutdown()

		future := nodes[0].raft.AddVoter(
			raft.ServerID(cfgs[i].NodeID.String()),
			raft.ServerAddress(cfgs[i].BindAddr),
			0, 0,
		)
		require.NoError(t, future.Error(), fmt.Sprintf("failed to add node %d as voter", i))
	}

	ctx := context.Background()
	require.NoError(t, nodes[0].CreateObject(ctx, "alpha"))
	token, err := nodes[0].AcquireExclusive(ctx, "alpha", time.Minute)
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	//shutdown leader
	require.NoError(t, nodes[0].Shutdown(), "failed to shutdown leader node 0")

	//wait for new leader election
	time.Sleep(3 * time.Second)

	var newLeader *Node
	leaderCnt := 0

	for i := 1; i < 3; i++ {
		if nodes[i].IsLeader() {
			newLeader = nodes[i]
			leaderCnt++
		}
	}

	require.Equal(t, 1, leaderCnt, "there should be exactly one new leader")
	require.NotNil(t, newLeader, "new leader node should not be nil")

	//the lease survived the failover
	_, err = newLeader.AcquireExclusive(ctx, "alpha", time.Minute)
	assert.ErrorIs(t, err, types.ErrConflict)
	require.NoError(t, newLeader.ReleaseExclusive(ctx, "alpha", token))
}
