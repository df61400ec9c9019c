// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"encoding/binary"
	"errors"
)

const (
	// TomHMACCount is the number of per-replica authenticators a
	// trusted-ordered-multicast switch writes into each datagram.
	TomHMACCount = 16

	// TomHMACSize is the size of one authenticator.
	TomHMACSize = 32

	// TomHeaderSize is the packed header: sessnum, msgnum, then the
	// authenticator list, no padding.
	TomHeaderSize = 2 + 8 + TomHMACCount*TomHMACSize
)

var errShortTomHeader = errors.New("buffer shorter than tom header")

// TomHeader is the fixed-size header a TomBFT datagram carries before
// its protobuf body. SessNum zero signals that no sequencing was
// applied in-path.
type TomHeader struct {
	SessNum uint16
	MsgNum  uint64
	HMACs   [TomHMACCount][TomHMACSize]byte
}

// Sequenced reports whether the in-path switch stamped this datagram.
func (h *TomHeader) Sequenced() bool {
	return h.SessNum != 0
}

func (h *TomHeader) Bytes() []byte {
	b := make([]byte, TomHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], h.SessNum)
	binary.BigEndian.PutUint64(b[2:10], h.MsgNum)
	off := 10
	for i := range h.HMACs {
		copy(b[off:off+TomHMACSize], h.HMACs[i][:])
		off += TomHMACSize
	}
	return b
}

// ParseTomHeader reads the header from the front of buf and returns the
// remaining body.
func ParseTomHeader(buf []byte) (TomHeader, []byte, error) {
	if len(buf) < TomHeaderSize {
		return TomHeader{}, nil, errShortTomHeader
	}
	var h TomHeader
	h.SessNum = binary.BigEndian.Uint16(buf[0:2])
	h.MsgNum = binary.BigEndian.Uint64(buf[2:10])
	off := 10
	for i := range h.HMACs {
		copy(h.HMACs[i][:], buf[off:off+TomHMACSize])
		off += TomHMACSize
	}
	return h, buf[TomHeaderSize:], nil
}
