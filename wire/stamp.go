// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NonFragMagic marks a datagram as sequenceable. Datagrams without the
// preamble bypass the stamping path entirely.
const NonFragMagic uint32 = 0x20050318

const (
	magicSize    = 4
	stampLenSize = 2

	// StampSize is the single-group stamp: session and message number,
	// both big-endian u64.
	StampSize = 16
)

var (
	errShortFrame  = errors.New("datagram shorter than frame header")
	errShortStamp  = errors.New("stamp bytes shorter than declared")
	errBadMagic    = errors.New("datagram missing sequencing preamble")
	errBadStampLen = errors.New("stamp length does not match any stamp format")
)

// Stamp is the single-group ordered-multicast stamp written in place by
// the sequencer.
type Stamp struct {
	SessNum uint64
	MsgNum  uint64
}

func (s Stamp) Bytes() []byte {
	b := make([]byte, StampSize)
	binary.BigEndian.PutUint64(b[0:8], s.SessNum)
	binary.BigEndian.PutUint64(b[8:16], s.MsgNum)
	return b
}

func ParseStamp(b []byte) (Stamp, error) {
	if len(b) != StampSize {
		return Stamp{}, fmt.Errorf("%w: %d bytes", errBadStampLen, len(b))
	}
	return Stamp{
		SessNum: binary.BigEndian.Uint64(b[0:8]),
		MsgNum:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// GroupStamp is one group's entry in a multi-group stamp.
type GroupStamp struct {
	Group  uint32
	MsgNum uint64
}

// Multistamp is the multi-group stamp: a session number and one
// per-group message counter, in the order the client listed the target
// groups.
type Multistamp struct {
	SessNum uint16
	Groups  []GroupStamp
}

// MultistampSize returns the encoded size for ngroups target groups.
func MultistampSize(ngroups int) int {
	return 2 + 1 + ngroups*12
}

func (s Multistamp) Bytes() []byte {
	b := make([]byte, MultistampSize(len(s.Groups)))
	binary.BigEndian.PutUint16(b[0:2], s.SessNum)
	b[2] = byte(len(s.Groups))
	off := 3
	for _, g := range s.Groups {
		binary.BigEndian.PutUint32(b[off:off+4], g.Group)
		binary.BigEndian.PutUint64(b[off+4:off+12], g.MsgNum)
		off += 12
	}
	return b
}

func ParseMultistamp(b []byte) (Multistamp, error) {
	if len(b) < 3 {
		return Multistamp{}, errShortStamp
	}
	n := int(b[2])
	if len(b) != MultistampSize(n) {
		return Multistamp{}, fmt.Errorf("%w: %d bytes for %d groups", errBadStampLen, len(b), n)
	}
	s := Multistamp{
		SessNum: binary.BigEndian.Uint16(b[0:2]),
		Groups:  make([]GroupStamp, n),
	}
	off := 3
	for i := range s.Groups {
		s.Groups[i].Group = binary.BigEndian.Uint32(b[off : off+4])
		s.Groups[i].MsgNum = binary.BigEndian.Uint64(b[off+4 : off+12])
		off += 12
	}
	return s, nil
}

// Frame lays out a sequenceable datagram:
//
//	NONFRAG_MAGIC (u32 be) || stamp_len (u16 be) || stamp || body
//
// A zero stamp_len means the datagram is not sequencing-eligible; the
// sequencer forwards such frames unchanged.
func Frame(stamp []byte, body []byte) []byte {
	b := make([]byte, magicSize+stampLenSize+len(stamp)+len(body))
	binary.BigEndian.PutUint32(b[0:magicSize], NonFragMagic)
	binary.BigEndian.PutUint16(b[magicSize:magicSize+stampLenSize], uint16(len(stamp)))
	copy(b[magicSize+stampLenSize:], stamp)
	copy(b[magicSize+stampLenSize+len(stamp):], body)
	return b
}

// ParseFrame splits a framed datagram into its stamp and body. The
// returned slices alias buf.
func ParseFrame(buf []byte) (stamp, body []byte, err error) {
	if len(buf) < magicSize+stampLenSize {
		return nil, nil, errShortFrame
	}
	if binary.BigEndian.Uint32(buf[0:magicSize]) != NonFragMagic {
		return nil, nil, errBadMagic
	}
	n := int(binary.BigEndian.Uint16(buf[magicSize : magicSize+stampLenSize]))
	rest := buf[magicSize+stampLenSize:]
	if len(rest) < n {
		return nil, nil, errShortStamp
	}
	return rest[:n], rest[n:], nil
}

// IsSequenceable reports whether buf begins with the sequencing
// preamble and a non-zero stamp length.
func IsSequenceable(buf []byte) bool {
	stamp, _, err := ParseFrame(buf)
	return err == nil && len(stamp) > 0
}

// Offsets of the stamp fields inside a framed datagram, used by the
// sequencer to rewrite counters in place.
const (
	stampOffset = magicSize + stampLenSize

	// Single-group stamp fields.
	StampSessOffset = stampOffset
	StampMsgOffset  = stampOffset + 8

	// Multi-group stamp fields.
	MultistampSessOffset  = stampOffset
	MultistampCountOffset = stampOffset + 2
	MultistampFirstEntry  = stampOffset + 3
)
