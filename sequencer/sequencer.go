// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sequencer is the in-path agent of ordered multicast: it
// rewrites each eligible datagram's stamp with a monotonically
// increasing (session, message number) pair and rebroadcasts it to the
// replica group. Everything else passes through untouched.
package sequencer

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/transport"
	"github.com/luxfi/smr/wire"
)

var _ transport.RawReceiver = (*Sequencer)(nil)

type sequencerMetrics struct {
	stamped   prometheus.Counter
	forwarded prometheus.Counter
	malformed prometheus.Counter
}

func newSequencerMetrics(registerer prometheus.Registerer) (*sequencerMetrics, error) {
	m := &sequencerMetrics{
		stamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_stamped_datagrams",
			Help: "Number of datagrams stamped and rebroadcast",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_forwarded_datagrams",
			Help: "Number of unsequenceable datagrams forwarded unchanged",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sequencer_malformed_datagrams",
			Help: "Number of datagrams dropped as unparseable",
		}),
	}
	for _, c := range []prometheus.Collector{m.stamped, m.forwarded, m.malformed} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Sequencer stamps ordered-multicast datagrams in flight. SessNum is
// fixed for the process lifetime; a restarted sequencer must come up
// with a higher session so receivers can tell the epochs apart.
type Sequencer struct {
	log       log.Logger
	metrics   *sequencerMetrics
	cfg       *config.Configuration
	transport transport.Transport

	sessNum uint64
	msgNum  uint64

	// groupMsgNums holds the per-group counters of the multi-group
	// stamp format.
	groupMsgNums map[uint32]uint64
}

// New builds and registers sequencer idx at its configured address.
func New(
	cfg *config.Configuration,
	trans transport.Transport,
	logger log.Logger,
	registerer prometheus.Registerer,
	idx int,
	sessNum uint64,
) (*Sequencer, error) {
	sa, err := cfg.Sequencer(idx)
	if err != nil {
		return nil, fmt.Errorf("sequencer %d not configured: %w", idx, err)
	}
	m, err := newSequencerMetrics(registerer)
	if err != nil {
		return nil, err
	}
	s := &Sequencer{
		log:          logger,
		metrics:      m,
		cfg:          cfg,
		transport:    trans,
		sessNum:      sessNum,
		groupMsgNums: make(map[uint32]uint64),
	}
	addr := transport.AddressOf(sa)
	trans.RegisterAddress(s, cfg, &addr)
	return s, nil
}

// ReceiveMessage satisfies transport.Receiver; the transport prefers
// ReceiveBuffer for raw receivers, so this is never reached.
func (s *Sequencer) ReceiveMessage(remote transport.Address, stamp, buf []byte) {
	s.log.Warn("sequencer received parsed message", zap.Stringer("remote", remote))
}

// ReceiveBuffer stamps the datagram in place and rebroadcasts it.
func (s *Sequencer) ReceiveBuffer(remote transport.Address, buf []byte) {
	if len(buf) < 4 || binary.BigEndian.Uint32(buf) != wire.NonFragMagic {
		// No sequencing preamble; pass through untouched.
		s.metrics.forwarded.Inc()
		s.transport.SendBufferToAll(s, buf)
		return
	}
	stamp, _, err := wire.ParseFrame(buf)
	if err != nil {
		s.metrics.malformed.Inc()
		s.log.Warn("malformed datagram at sequencer", zap.Error(err))
		return
	}
	switch len(stamp) {
	case 0:
		// Not sequencing-eligible; pass through untouched.
		s.metrics.forwarded.Inc()
		s.transport.SendBufferToAll(s, buf)
		return
	case wire.StampSize:
		s.msgNum++
		binary.BigEndian.PutUint64(buf[wire.StampSessOffset:], s.sessNum)
		binary.BigEndian.PutUint64(buf[wire.StampMsgOffset:], s.msgNum)
	default:
		if !s.stampGroups(buf, stamp) {
			return
		}
	}
	s.metrics.stamped.Inc()
	s.transport.SendBufferToAll(s, buf)
}

// stampGroups rewrites a multi-group stamp: the shared session number,
// then one fresh counter per listed group.
func (s *Sequencer) stampGroups(buf, stamp []byte) bool {
	ms, err := wire.ParseMultistamp(stamp)
	if err != nil {
		s.metrics.malformed.Inc()
		s.log.Warn("bad multistamp at sequencer", zap.Error(err))
		return false
	}
	binary.BigEndian.PutUint16(buf[wire.MultistampSessOffset:], uint16(s.sessNum))
	off := wire.MultistampFirstEntry
	for _, g := range ms.Groups {
		s.groupMsgNums[g.Group]++
		binary.BigEndian.PutUint64(buf[off+4:], s.groupMsgNums[g.Group])
		off += 12
	}
	return true
}

// SessNum returns the session this sequencer stamps with.
func (s *Sequencer) SessNum() uint64 {
	return s.sessNum
}
