package types

import "time"

// backend that issued a handle
type Kind string

const (
	KindExclusive Kind = "exclusive"
	KindCAS       Kind = "cas"
)

// handle is the proof of ownership returned by a successful acquisition
// token is the store lease id for exclusive handles and the record version for CAS handles
// a handle belongs to exactly one caller until it is released
type Handle struct {
	Name        string
	Kind        Kind
	Token       string
	LeasedUntil time.Time //local estimate of the lease end
}
