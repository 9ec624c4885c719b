// Package p2p holds the peer-facing value types shared between the sync
// engine and the network layer that drives it.
package p2p

import "fmt"

// ID uniquely identifies a peer on the network.
type ID string

// ReputationChange is a signed adjustment to a peer's reputation together
// with a short human-readable reason, reported to the peer set manager.
type ReputationChange struct {
	Value  int32
	Reason string
}

// NewReputationChange returns a reputation change with the given delta.
func NewReputationChange(value int32, reason string) ReputationChange {
	return ReputationChange{Value: value, Reason: reason}
}

func (r ReputationChange) String() string {
	return fmt.Sprintf("ReputationChange{%d: %s}", r.Value, r.Reason)
}
