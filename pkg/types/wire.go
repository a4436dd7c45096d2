package types

import "time"

// request and response bodies of the http store api

type CreateRecordRequest struct {
	LeasedUntil time.Time `json:"leased_until"`
}

type ReplaceRecordRequest struct {
	LeasedUntil     time.Time `json:"leased_until"`
	ExpectedVersion string    `json:"expected_version"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type AcquireLeaseRequest struct {
	DurationMS int64 `json:"duration_ms"`
}

type LeaseResponse struct {
	Token string `json:"token"`
}

type StatusResponse struct {
	NodeID        string `json:"node_id,omitempty"`
	IsLeader      bool   `json:"is_leader"`
	LeaderAddress string `json:"leader_address,omitempty"`
	ClusterSize   int    `json:"cluster_size"`
	Records       int    `json:"records"`
	Objects       int    `json:"objects"`
	ActiveLeases  int    `json:"active_leases"`
}
