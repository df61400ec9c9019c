// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport is the event-driven message bus under every
// replication protocol: address registration, unicast and group sends,
// ordered multicast, timers, and the run loop. Implementations differ
// in wire (UDP, simulated); the contract below is what protocol code
// sees.
package transport

import (
	"strings"
	"time"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/wire"
)

// Address identifies a transport endpoint. It is a value type usable
// as a map key; ordering is strict lexicographic on (host, port).
type Address struct {
	Host string
	Port string
}

// AddressOf converts a configuration endpoint.
func AddressOf(r config.ReplicaAddress) Address {
	return Address{Host: r.Host, Port: r.Port}
}

// ParseAddress inverts Address.String.
func ParseAddress(s string) Address {
	host, port, ok := strings.Cut(s, ":")
	if !ok {
		return Address{Host: s}
	}
	return Address{Host: host, Port: port}
}

func (a Address) String() string {
	return a.Host + ":" + a.Port
}

// Less orders addresses lexicographically by (host, port).
func (a Address) Less(o Address) bool {
	if a.Host != o.Host {
		return a.Host < o.Host
	}
	return a.Port < o.Port
}

// Receiver is an endpoint bound to a transport. The transport owns buf
// and stamp; a receiver that retains bytes past the callback must copy
// them, which parsing into an owned wire.Message does.
type Receiver interface {
	// ReceiveMessage delivers one datagram's ordered-multicast stamp
	// (empty when unstamped) and its message body.
	ReceiveMessage(remote Address, stamp []byte, buf []byte)
}

// RawReceiver is implemented by receivers that want the framed
// datagram untouched. The sequencer rewrites stamp fields in place and
// cannot work from a parsed copy.
type RawReceiver interface {
	ReceiveBuffer(remote Address, buf []byte)
}

// TimerID names a pending timer. Ids are never reused by a transport.
type TimerID uint64

// Transport moves messages between registered receivers and runs
// timers. All callbacks serialize on the transport's run loop; Timer
// and CancelTimer are safe to call from within callbacks.
type Transport interface {
	// RegisterReplica binds receiver to the address of (group, idx) in
	// the configuration. Binding the same replica twice is fatal.
	RegisterReplica(r Receiver, cfg *config.Configuration, group, idx int)

	// RegisterAddress binds receiver to addr, or to a fresh ephemeral
	// address when addr is nil, and returns the bound address.
	RegisterAddress(r Receiver, cfg *config.Configuration, addr *Address) Address

	// ListenOnMulticast subscribes receiver to the configuration's
	// multicast group. No-op when the configuration has none.
	ListenOnMulticast(r Receiver, cfg *config.Configuration)

	// Send delivers m to dst, best effort. The return value reports
	// whether the datagram was handed to the wire, not receipt.
	Send(src Receiver, dst Address, m wire.Message) bool

	// SendToReplica resolves (group 0, idx) via the configuration.
	SendToReplica(src Receiver, idx int, m wire.Message) bool

	// SendToGroupReplica resolves (group, idx) via the configuration.
	SendToGroupReplica(src Receiver, group, idx int, m wire.Message) bool

	// SendToAll fans out to every replica in group 0 except src.
	SendToAll(src Receiver, m wire.Message) bool

	// SendToGroup fans out to every replica of one group except src.
	SendToGroup(src Receiver, group int, m wire.Message) bool

	// SendToGroups fans out to every replica of the listed groups
	// except src.
	SendToGroups(src Receiver, groups []int, m wire.Message) bool

	// SendToAllGroups fans out to every replica in the configuration
	// except src.
	SendToAllGroups(src Receiver, m wire.Message) bool

	// SendToFC reaches the failure coordinator, when configured.
	SendToFC(src Receiver, m wire.Message) bool

	// OrderedMulticast routes m to every replica in groups through the
	// in-path sequencer, which stamps it with (session, msgnum). An
	// implementation without a sequencer path MAY fall back to plain
	// multicast.
	OrderedMulticast(src Receiver, groups []int, m wire.Message) bool

	// SendBuffer sends a pre-framed datagram verbatim.
	SendBuffer(src Receiver, dst Address, buf []byte) bool

	// SendBufferToAll sends a pre-framed datagram to every replica in
	// every group except src.
	SendBufferToAll(src Receiver, buf []byte) bool

	// Timer schedules cb to run once on the transport thread after
	// delay. Timers with equal deadlines fire in registration order.
	Timer(delay time.Duration, cb func()) TimerID

	// CancelTimer cancels a pending timer. Idempotent; canceling a
	// fired or unknown timer returns false.
	CancelTimer(id TimerID) bool

	// CancelAllTimers cancels everything pending.
	CancelAllTimers()

	// Run dispatches deliveries and timers until Stop is called on the
	// transport thread.
	Run()

	// Stop makes Run return. Safe to call from a callback.
	Stop()
}
