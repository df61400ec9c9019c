// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pbft implements the leader-driven Byzantine ordering engine:
// a primary assigns slots to client requests and the cluster runs the
// PrePrepare/Prepare/Commit exchange before executing in slot order.
// View change, recovery and log garbage collection are not implemented;
// the view-change timer exists so an unresponsive primary is at least
// observed.
package pbft

import "time"

// App is the deterministic application a replica drives. Upcalls run
// on the transport thread, in slot order, exactly once per slot.
type App interface {
	// ReplicaUpcall executes one committed operation.
	ReplicaUpcall(opnum uint64, op []byte) []byte

	// UnloggedUpcall answers a read-only request that bypasses the
	// log. It must not mutate application state.
	UnloggedUpcall(op []byte) []byte
}

// Timeouts collects the protocol's resend cadences. The defaults
// reproduce the original constants; tuning them changes pacing only,
// never semantics.
type Timeouts struct {
	// PrePrepareResend is how often the primary re-broadcasts a
	// PrePrepare whose slot has not reached local commit.
	PrePrepareResend time.Duration

	// StateTransfer is armed when a gap is detected and fires while
	// the lowest empty slot stays unfilled.
	StateTransfer time.Duration

	// ViewChange is armed when a backup sees evidence the primary may
	// be unresponsive.
	ViewChange time.Duration

	// ClientRequest is the client's resend interval for logged
	// requests.
	ClientRequest time.Duration

	// ClientUnlogged bounds an unlogged request before its timeout
	// continuation runs.
	ClientUnlogged time.Duration
}

// DefaultTimeouts returns the standard cadences.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PrePrepareResend: 300 * time.Millisecond,
		StateTransfer:    time.Second,
		ViewChange:       60 * time.Second,
		ClientRequest:    time.Second,
		ClientUnlogged:   time.Second,
	}
}
