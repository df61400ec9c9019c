// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oplog

import (
	"fmt"

	"github.com/luxfi/smr/wire"
)

// EntryState is the lifecycle of a log slot. States only ever advance
// in declaration order.
type EntryState uint8

const (
	// StateEmpty is a placeholder inserted during gap detection to
	// keep opnums dense.
	StateEmpty EntryState = iota
	StateReceived
	StatePrepared
	StateCommitted
	StateExecuted
)

func (s EntryState) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateReceived:
		return "RECEIVED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateExecuted:
		return "EXECUTED"
	default:
		return fmt.Sprintf("EntryState(%d)", s)
	}
}

// Entry is one slot of the log. Reply is set when the slot executes
// and frozen afterward.
type Entry struct {
	ViewStamp ViewStamp
	State     EntryState
	Request   wire.Request
	Reply     []byte
}

// Log is the append-only, densely numbered operation log. Opnums start
// at FirstOpnum and never leave a hole: a slot received out of order is
// preceded by EMPTY placeholders.
type Log struct {
	start   uint64
	entries []Entry
}

// FirstOpnumDefault is where replica logs start counting.
const FirstOpnumDefault = 1

// New returns an empty log whose first slot will be numbered start.
func New(start uint64) *Log {
	return &Log{start: start}
}

// FirstOpnum returns the opnum of the first slot.
func (l *Log) FirstOpnum() uint64 {
	return l.start
}

// LastOpnum returns the opnum of the last slot, or start-1 when the
// log is empty.
func (l *Log) LastOpnum() uint64 {
	return l.start + uint64(len(l.entries)) - 1
}

// Len returns the number of slots.
func (l *Log) Len() int {
	return len(l.entries)
}

// Append adds the next slot. The entry's opnum must be exactly
// LastOpnum+1; anything else is a structural invariant violation.
func (l *Log) Append(e Entry) *Entry {
	if e.ViewStamp.Opnum != l.LastOpnum()+1 {
		panic(fmt.Sprintf("out-of-order log append: opnum %d, last %d",
			e.ViewStamp.Opnum, l.LastOpnum()))
	}
	l.entries = append(l.entries, e)
	return &l.entries[len(l.entries)-1]
}

// Find returns the slot with the given opnum, or nil when it is outside
// the log.
func (l *Log) Find(opnum uint64) *Entry {
	if opnum < l.start || opnum > l.LastOpnum() {
		return nil
	}
	return &l.entries[opnum-l.start]
}

// SetStatus advances a slot's state. Moving backward (or to the same
// state) is a structural invariant violation.
func (l *Log) SetStatus(opnum uint64, state EntryState) *Entry {
	e := l.Find(opnum)
	if e == nil {
		panic(fmt.Sprintf("set status on missing slot %d", opnum))
	}
	if state <= e.State {
		panic(fmt.Sprintf("illegal state transition on slot %d: %s -> %s",
			opnum, e.State, state))
	}
	e.State = state
	return e
}

// SetRequest fills a placeholder slot's request. Only legal while the
// slot is still EMPTY.
func (l *Log) SetRequest(opnum uint64, req wire.Request) *Entry {
	e := l.Find(opnum)
	if e == nil {
		panic(fmt.Sprintf("set request on missing slot %d", opnum))
	}
	if e.State != StateEmpty {
		panic(fmt.Sprintf("set request on slot %d in state %s", opnum, e.State))
	}
	e.Request = req
	return e
}
