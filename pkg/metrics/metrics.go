package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock acquisition latency - histogram to track p50/p90/p99
	// measured from the first attempt until a handle is returned, so it includes
	// every retry wait spent behind other holders
	// labels: backend (exclusive/cas)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leasekeeper_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock, including retries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"backend"},
	)

	// lock acquisition counter
	// labels: backend, result (acquired/cancelled/error)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasekeeper_lock_acquire_total",
			Help: "total number of lock acquisition calls by result",
		},
		[]string{"backend", "result"},
	)

	// busy attempts - one per retry wait
	// a high rate against a few locks means heavy contention
	LockBusyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasekeeper_lock_busy_total",
			Help: "total number of attempts that found the lock held",
		},
		[]string{"backend"},
	)

	// first-use creation attempts of the lock object
	LockCreateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasekeeper_lock_create_total",
			Help: "total number of lock object creation attempts",
		},
		[]string{"backend"},
	)

	// lock release counter
	// labels: backend, result (released/error)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasekeeper_lock_release_total",
			Help: "total number of lock releases by result",
		},
		[]string{"backend", "result"},
	)

	// currently held locks in this process
	// useful for detecting handles that are never released
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leasekeeper_locks_held",
			Help: "current number of locks held by this process",
		},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leasekeeper_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// raft log index - last index applied to FSM
	// lag between leader and follower = replication delay
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leasekeeper_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// store requests served over http
	// labels: op, code
	StoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasekeeper_store_requests_total",
			Help: "total number of store requests served by status code",
		},
		[]string{"op", "code"},
	)
)
