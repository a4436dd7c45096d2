package types

import "time"

// a lease record is the store-side state of one named lock
// it is created once, mutated only through conditional writes and never deleted
// an expired lease is represented by a LeasedUntil in the past
type LeaseRecord struct {
	ID          string    `json:"id"` //lock name
	LeasedUntil time.Time `json:"leased_until"`
	Version     string    `json:"version"` //opaque CAS token
}

// exclusive lease granted on an object by a store that expires leases natively
type ExclusiveLease struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// checks if the lease is still live at the given instant
func (l *ExclusiveLease) IsLive(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}
