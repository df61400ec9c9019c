// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import (
	"fmt"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/oplog"
	"github.com/luxfi/smr/quorum"
	"github.com/luxfi/smr/security"
	"github.com/luxfi/smr/transport"
	"github.com/luxfi/smr/wire"
)

var _ transport.Receiver = (*Replica)(nil)

type clientTableEntry struct {
	lastReqID uint64
	reply     wire.ToClientMessage
}

type pendingPrePrepare struct {
	seqNum      uint64
	clientID    uint64
	clientReqID uint64
	msg         *wire.PrePrepareMessage
	timer       transport.TimerID
}

// Replica is one member of the ordering group. All state is confined
// to the transport's run loop; no locks.
type Replica struct {
	log       log.Logger
	metrics   *replicaMetrics
	cfg       *config.Configuration
	transport transport.Transport
	security  security.Security
	app       App
	timeouts  Timeouts

	idx  int
	view uint64

	// seqNum is the primary's slot assignment counter.
	seqNum uint64

	opLog        *oplog.Log
	lastExecuted uint64

	// acceptedPrePrepares records the PrePrepare this replica has
	// committed to per slot; a differing PrePrepare at the same slot
	// is Byzantine and dropped.
	acceptedPrePrepares map[uint64]wire.Common

	prepareSet *quorum.Set[uint64]
	commitSet  *quorum.Set[uint64]

	// pastCommitted guards against re-broadcasting Commit for a slot.
	pastCommitted map[uint64]struct{}

	// pendingPrePrepares drives the primary's resend policy, keyed by
	// seqnum. Entries die when the slot commits locally.
	pendingPrePrepares map[uint64]*pendingPrePrepare

	// clientTable enforces exactly-once delivery per client.
	clientTable map[uint64]clientTableEntry

	// clientAddrs records where to reach each client, learned from
	// non-relayed requests only.
	clientAddrs map[uint64]transport.Address

	// lowestEmpty points at the first gap placeholder, 0 when the log
	// is dense.
	lowestEmpty uint64

	stateTransferTimer transport.TimerID
	viewChangeTimer    transport.TimerID
}

// NewReplica builds and registers a replica for (group 0, idx). The
// configuration must satisfy the Byzantine group-size invariant.
func NewReplica(
	cfg *config.Configuration,
	idx int,
	trans transport.Transport,
	sec security.Security,
	app App,
	logger log.Logger,
	registerer prometheus.Registerer,
	timeouts Timeouts,
) (*Replica, error) {
	if err := cfg.Check(true); err != nil {
		return nil, err
	}
	if idx < 0 || idx >= cfg.NumReplicas() {
		return nil, fmt.Errorf("replica index %d outside group of %d", idx, cfg.NumReplicas())
	}
	m, err := newReplicaMetrics(registerer)
	if err != nil {
		return nil, err
	}
	r := &Replica{
		log:                 logger,
		metrics:             m,
		cfg:                 cfg,
		transport:           trans,
		security:            sec,
		app:                 app,
		timeouts:            timeouts,
		idx:                 idx,
		opLog:               oplog.New(oplog.FirstOpnumDefault),
		lastExecuted:        oplog.FirstOpnumDefault - 1,
		acceptedPrePrepares: make(map[uint64]wire.Common),
		prepareSet:          quorum.NewByzantine[uint64](2*cfg.F, logger),
		commitSet:           quorum.NewByzantine[uint64](2*cfg.F+1, logger),
		pastCommitted:       make(map[uint64]struct{}),
		pendingPrePrepares:  make(map[uint64]*pendingPrePrepare),
		clientTable:         make(map[uint64]clientTableEntry),
		clientAddrs:         make(map[uint64]transport.Address),
	}
	trans.RegisterReplica(r, cfg, 0, idx)
	return r, nil
}

func (r *Replica) amPrimary() bool {
	return r.idx == r.cfg.LeaderIdx(r.view)
}

// ReceiveMessage dispatches one replica-bound envelope.
func (r *Replica) ReceiveMessage(remote transport.Address, stamp, buf []byte) {
	var msg wire.ToReplicaMessage
	if err := msg.Unmarshal(buf); err != nil {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("undecodable datagram",
			zap.Int("replica", r.idx),
			zap.Error(err),
		)
		return
	}
	switch {
	case msg.Request != nil:
		r.handleRequest(remote, msg.Request)
	case msg.PrePrepare != nil:
		r.handlePrePrepare(remote, msg.PrePrepare)
	case msg.Prepare != nil:
		r.handlePrepare(remote, msg.Prepare)
	case msg.Commit != nil:
		r.handleCommit(remote, msg.Commit)
	case msg.UnloggedRequest != nil:
		r.handleUnloggedRequest(remote, msg.UnloggedRequest)
	}
}

func (r *Replica) handleRequest(remote transport.Address, msg *wire.RequestMessage) {
	clientID := msg.Req.ClientID

	verifyAddr := remote
	if msg.Relayed {
		recorded, ok := r.clientAddrs[clientID]
		if !ok {
			r.metrics.droppedIntegrity.Inc()
			r.log.Warn("relayed request from unknown client",
				zap.Int("replica", r.idx),
				zap.Uint64("client", clientID),
			)
			return
		}
		verifyAddr = recorded
	}
	if !r.security.ClientVerifier(verifyAddr.String()).Verify(msg.SignedBytes(), msg.Sig) {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("bad client signature",
			zap.Int("replica", r.idx),
			zap.Uint64("client", clientID),
		)
		return
	}
	if !msg.Relayed {
		r.clientAddrs[clientID] = remote
	}

	if entry, ok := r.clientTable[clientID]; ok {
		if msg.Req.ClientReqID < entry.lastReqID {
			r.metrics.droppedStale.Inc()
			r.log.Debug("stale request",
				zap.Int("replica", r.idx),
				zap.Uint64("client", clientID),
				zap.Uint64("reqid", msg.Req.ClientReqID),
			)
			return
		}
		if msg.Req.ClientReqID == entry.lastReqID {
			r.metrics.replayedReplies.Inc()
			r.log.Debug("duplicate request, resending cached reply",
				zap.Int("replica", r.idx),
				zap.Uint64("client", clientID),
			)
			r.sendToClient(clientID, &entry.reply)
			return
		}
	}

	if !r.amPrimary() {
		r.log.Debug("relaying request to primary",
			zap.Int("replica", r.idx),
			zap.Uint64("view", r.view),
		)
		relay := *msg
		relay.Relayed = true
		r.transport.SendToReplica(r, r.cfg.LeaderIdx(r.view),
			&wire.ToReplicaMessage{Request: &relay})
		r.startViewChangeTimer()
		return
	}

	// One slot per (client, reqid): a duplicate while the first is
	// still pending must not get a second assignment.
	for _, p := range r.pendingPrePrepares {
		if p.clientID == clientID && p.clientReqID == msg.Req.ClientReqID {
			r.metrics.droppedStale.Inc()
			return
		}
	}

	r.seqNum++
	n := r.seqNum
	digest := wire.RequestDigest(&msg.Req)
	prePrepare := &wire.PrePrepareMessage{
		Common: wire.Common{
			View:   r.view,
			Seqnum: n,
			Digest: digest[:],
		},
		Message: *msg,
	}
	sig, err := r.security.ReplicaSigner(r.idx).Sign(prePrepare.SignedBytes())
	if err != nil {
		r.log.Warn("preprepare signing failed", zap.Error(err))
		return
	}
	prePrepare.Sig = sig

	r.log.Debug("starting pre-prepare",
		zap.Int("replica", r.idx),
		zap.Uint64("client", clientID),
		zap.Uint64("reqid", msg.Req.ClientReqID),
		zap.Uint64("opnum", n),
	)

	r.acceptPrePrepare(prePrepare)
	r.transport.SendToAll(r, &wire.ToReplicaMessage{PrePrepare: prePrepare})

	pending := &pendingPrePrepare{
		seqNum:      n,
		clientID:    clientID,
		clientReqID: msg.Req.ClientReqID,
		msg:         prePrepare,
	}
	r.pendingPrePrepares[n] = pending
	r.schedulePrePrepareResend(pending)

	// Single-replica clusters commit without any Prepare exchange.
	r.tryBroadcastCommit(&prePrepare.Common)
}

func (r *Replica) handlePrePrepare(remote transport.Address, msg *wire.PrePrepareMessage) {
	if r.amPrimary() {
		r.log.Warn("preprepare sent to primary", zap.Int("replica", r.idx))
		return
	}
	if msg.Common.View != r.view {
		r.metrics.droppedStale.Inc()
		r.log.Debug("preprepare for wrong view",
			zap.Int("replica", r.idx),
			zap.Uint64("view", msg.Common.View),
		)
		return
	}
	primary := r.cfg.LeaderIdx(r.view)
	if !r.security.ReplicaVerifier(primary).Verify(msg.SignedBytes(), msg.Sig) {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("bad preprepare signature", zap.Int("replica", r.idx))
		return
	}
	clientID := msg.Message.Req.ClientID
	clientAddr, ok := r.clientAddrs[clientID]
	if !ok {
		// Cannot verify the embedded client signature without the
		// client's identity.
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("preprepare for unknown client",
			zap.Int("replica", r.idx),
			zap.Uint64("client", clientID),
		)
		return
	}
	if !r.security.ClientVerifier(clientAddr.String()).Verify(msg.Message.SignedBytes(), msg.Message.Sig) {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("bad embedded client signature", zap.Int("replica", r.idx))
		return
	}
	digest := wire.RequestDigest(&msg.Message.Req)
	if string(msg.Common.Digest) != string(digest[:]) {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("preprepare digest mismatch", zap.Int("replica", r.idx))
		return
	}

	n := msg.Common.Seqnum
	if acc, ok := r.acceptedPrePrepares[n]; ok && !acc.Match(&msg.Common) {
		r.metrics.droppedConflict.Inc()
		r.log.Warn("conflicting preprepare for accepted slot",
			zap.Int("replica", r.idx),
			zap.Uint64("opnum", n),
		)
		return
	}

	if n > r.opLog.LastOpnum()+1 {
		r.insertPlaceholders(n)
	}

	r.stopViewChangeTimer()

	r.log.Debug("accepting preprepare",
		zap.Int("replica", r.idx),
		zap.Uint64("view", r.view),
		zap.Uint64("opnum", n),
	)
	r.acceptPrePrepare(msg)

	prepare := &wire.PrepareMessage{
		Common:    msg.Common,
		ReplicaID: uint64(r.idx),
	}
	sig, err := r.security.ReplicaSigner(r.idx).Sign(prepare.SignedBytes())
	if err != nil {
		r.log.Warn("prepare signing failed", zap.Error(err))
		return
	}
	prepare.Sig = sig
	r.transport.SendToAll(r, &wire.ToReplicaMessage{Prepare: prepare})

	r.prepareSet.Add(n, uint64(r.idx), msg.Common.Marshal())
	r.tryBroadcastCommit(&msg.Common)
}

func (r *Replica) handlePrepare(remote transport.Address, msg *wire.PrepareMessage) {
	if int(msg.ReplicaID) >= r.cfg.NumReplicas() {
		r.metrics.droppedIntegrity.Inc()
		return
	}
	if !r.security.ReplicaVerifier(int(msg.ReplicaID)).Verify(msg.SignedBytes(), msg.Sig) {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("bad prepare signature",
			zap.Int("replica", r.idx),
			zap.Uint64("sender", msg.ReplicaID),
		)
		return
	}

	n := msg.Common.Seqnum
	if _, committed := r.pastCommitted[n]; committed {
		// The straggler needs our Commit, not another broadcast.
		r.sendCommitTo(remote, &msg.Common)
		return
	}
	r.prepareSet.Add(n, msg.ReplicaID, msg.Common.Marshal())
	r.tryBroadcastCommit(&msg.Common)
}

func (r *Replica) handleCommit(remote transport.Address, msg *wire.CommitMessage) {
	if int(msg.ReplicaID) >= r.cfg.NumReplicas() {
		r.metrics.droppedIntegrity.Inc()
		return
	}
	if !r.security.ReplicaVerifier(int(msg.ReplicaID)).Verify(msg.SignedBytes(), msg.Sig) {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("bad commit signature",
			zap.Int("replica", r.idx),
			zap.Uint64("sender", msg.ReplicaID),
		)
		return
	}
	if int(msg.ReplicaID) == r.cfg.LeaderIdx(r.view) {
		// Progress from the primary.
		r.stopViewChangeTimer()
	}
	r.commitSet.Add(msg.Common.Seqnum, msg.ReplicaID, msg.Common.Marshal())
	r.tryExecute(&msg.Common)
}

func (r *Replica) handleUnloggedRequest(remote transport.Address, msg *wire.UnloggedRequestMessage) {
	if !r.security.ClientVerifier(remote.String()).Verify(msg.SignedBytes(), msg.Sig) {
		r.metrics.droppedIntegrity.Inc()
		r.log.Warn("bad unlogged request signature", zap.Int("replica", r.idx))
		return
	}
	reply := &wire.UnloggedReplyMessage{
		Reply:       r.app.UnloggedUpcall(msg.Req.Op),
		ReplicaID:   uint64(r.idx),
		ClientReqID: msg.Req.ClientReqID,
	}
	sig, err := r.security.ReplicaSigner(r.idx).Sign(reply.SignedBytes())
	if err != nil {
		r.log.Warn("unlogged reply signing failed", zap.Error(err))
		return
	}
	reply.Sig = sig
	r.transport.Send(r, remote, &wire.ToClientMessage{UnloggedReply: reply})
}

// acceptPrePrepare records the slot assignment and moves the log: a
// fresh tail slot is appended PREPARED; a placeholder slot is upgraded
// in place.
func (r *Replica) acceptPrePrepare(msg *wire.PrePrepareMessage) {
	n := msg.Common.Seqnum
	r.acceptedPrePrepares[n] = msg.Common

	switch {
	case n == r.opLog.LastOpnum()+1:
		r.opLog.Append(oplog.Entry{
			ViewStamp: oplog.ViewStamp{
				View:    msg.Common.View,
				Opnum:   n,
				SessNum: msg.Message.Req.SessNum,
				MsgNum:  msg.Message.Req.MsgNum,
			},
			State:   oplog.StatePrepared,
			Request: msg.Message.Req,
		})
	case n <= r.opLog.LastOpnum():
		entry := r.opLog.Find(n)
		if entry.State != oplog.StateEmpty {
			// Duplicate PrePrepare for a slot we already hold.
			return
		}
		r.opLog.SetRequest(n, msg.Message.Req)
		r.opLog.SetStatus(n, oplog.StatePrepared)
		if n == r.lowestEmpty {
			r.advanceLowestEmpty()
		}
	default:
		panic(fmt.Sprintf("accept preprepare for slot %d beyond log end %d",
			n, r.opLog.LastOpnum()))
	}
}

// insertPlaceholders pads the log with EMPTY slots up to n-1 and arms
// the state-transfer timer.
func (r *Replica) insertPlaceholders(n uint64) {
	first := r.opLog.LastOpnum() + 1
	for op := first; op < n; op++ {
		r.opLog.Append(oplog.Entry{
			ViewStamp: oplog.ViewStamp{View: r.view, Opnum: op},
			State:     oplog.StateEmpty,
		})
	}
	if r.lowestEmpty == 0 {
		r.lowestEmpty = first
	}
	if r.stateTransferTimer == 0 {
		r.armStateTransferTimer()
	}
	r.log.Debug("gap detected",
		zap.Int("replica", r.idx),
		zap.Uint64("lowestEmpty", r.lowestEmpty),
		zap.Uint64("opnum", n),
	)
}

func (r *Replica) advanceLowestEmpty() {
	for op := r.lowestEmpty + 1; op <= r.opLog.LastOpnum(); op++ {
		if r.opLog.Find(op).State == oplog.StateEmpty {
			r.lowestEmpty = op
			return
		}
	}
	r.lowestEmpty = 0
	if r.stateTransferTimer != 0 {
		r.transport.CancelTimer(r.stateTransferTimer)
		r.stateTransferTimer = 0
	}
}

func (r *Replica) armStateTransferTimer() {
	r.stateTransferTimer = r.transport.Timer(r.timeouts.StateTransfer, func() {
		r.stateTransferTimer = 0
		if r.lowestEmpty == 0 {
			return
		}
		// The primary's resend policy refills the gap; all we can do
		// here is keep watching and shout.
		r.log.Warn("state transfer pending",
			zap.Int("replica", r.idx),
			zap.Uint64("lowestEmpty", r.lowestEmpty),
		)
		r.armStateTransferTimer()
	})
}

// prepared is the PBFT prepared(m, v, n, i) predicate: the slot's
// accepted PrePrepare matches m and 2f distinct voters prepared m's
// digest.
func (r *Replica) prepared(n uint64, m *wire.Common) bool {
	acc, ok := r.acceptedPrePrepares[n]
	return ok && acc.Match(m) && r.prepareSet.CheckForQuorum(n, m.Marshal())
}

// committedLocal adds the 2f+1 Commit quorum on top of prepared.
func (r *Replica) committedLocal(n uint64, m *wire.Common) bool {
	return r.prepared(n, m) && r.commitSet.CheckForQuorum(n, m.Marshal())
}

func (r *Replica) tryBroadcastCommit(m *wire.Common) {
	n := m.Seqnum
	if !r.prepared(n, m) {
		return
	}
	if _, done := r.pastCommitted[n]; done {
		return
	}
	r.pastCommitted[n] = struct{}{}

	r.log.Debug("entering commit round",
		zap.Int("replica", r.idx),
		zap.Uint64("view", m.View),
		zap.Uint64("opnum", n),
	)

	if p, ok := r.pendingPrePrepares[n]; ok {
		if p.timer != 0 {
			r.transport.CancelTimer(p.timer)
		}
		delete(r.pendingPrePrepares, n)
	}

	commit := &wire.CommitMessage{
		Common:    *m,
		ReplicaID: uint64(r.idx),
	}
	sig, err := r.security.ReplicaSigner(r.idx).Sign(commit.SignedBytes())
	if err != nil {
		r.log.Warn("commit signing failed", zap.Error(err))
		return
	}
	commit.Sig = sig
	r.transport.SendToAll(r, &wire.ToReplicaMessage{Commit: commit})

	r.commitSet.Add(n, uint64(r.idx), m.Marshal())
	r.tryExecute(m)
}

func (r *Replica) sendCommitTo(dst transport.Address, m *wire.Common) {
	commit := &wire.CommitMessage{
		Common:    *m,
		ReplicaID: uint64(r.idx),
	}
	sig, err := r.security.ReplicaSigner(r.idx).Sign(commit.SignedBytes())
	if err != nil {
		return
	}
	commit.Sig = sig
	r.transport.Send(r, dst, &wire.ToReplicaMessage{Commit: commit})
}

// tryExecute marks m's slot committed once its quorum is in, then
// executes every committed slot in order from the execution frontier,
// halting at the first slot that is not ready.
func (r *Replica) tryExecute(m *wire.Common) {
	n := m.Seqnum
	if !r.committedLocal(n, m) {
		return
	}
	entry := r.opLog.Find(n)
	if entry == nil {
		panic(fmt.Sprintf("committed slot %d missing from log", n))
	}
	if entry.State == oplog.StatePrepared {
		r.opLog.SetStatus(n, oplog.StateCommitted)
		r.metrics.committedOps.Inc()
	}

	for op := r.lastExecuted + 1; ; op++ {
		e := r.opLog.Find(op)
		if e == nil || e.State != oplog.StateCommitted {
			return
		}
		r.execute(op, e)
	}
}

func (r *Replica) execute(opnum uint64, e *oplog.Entry) {
	result := r.app.ReplicaUpcall(opnum, e.Request.Op)

	reply := &wire.ReplyMessage{
		View:      e.ViewStamp.View,
		Opnum:     opnum,
		ReplicaID: uint64(r.idx),
		Req:       e.Request,
		Reply:     result,
	}
	sig, err := r.security.ReplicaSigner(r.idx).Sign(reply.SignedBytes())
	if err != nil {
		panic(fmt.Sprintf("reply signing failed: %v", err))
	}
	reply.Sig = sig

	toClient := wire.ToClientMessage{Reply: reply}
	e.Reply = toClient.Marshal()
	r.opLog.SetStatus(opnum, oplog.StateExecuted)
	r.lastExecuted = opnum
	r.metrics.executedOps.Inc()

	r.updateClientTable(&e.Request, toClient)
	r.sendToClient(e.Request.ClientID, &toClient)

	r.log.Debug("executed",
		zap.Int("replica", r.idx),
		zap.Uint64("opnum", opnum),
		zap.Uint64("client", e.Request.ClientID),
	)
}

func (r *Replica) updateClientTable(req *wire.Request, reply wire.ToClientMessage) {
	entry := r.clientTable[req.ClientID]
	if entry.lastReqID > req.ClientReqID {
		panic(fmt.Sprintf("client table moved backward: client %d req %d past %d",
			req.ClientID, req.ClientReqID, entry.lastReqID))
	}
	if entry.lastReqID == req.ClientReqID {
		return
	}
	r.clientTable[req.ClientID] = clientTableEntry{
		lastReqID: req.ClientReqID,
		reply:     reply,
	}
}

func (r *Replica) sendToClient(clientID uint64, m *wire.ToClientMessage) {
	addr, ok := r.clientAddrs[clientID]
	if !ok {
		r.log.Debug("no address for client",
			zap.Int("replica", r.idx),
			zap.Uint64("client", clientID),
		)
		return
	}
	r.transport.Send(r, addr, m)
}

func (r *Replica) schedulePrePrepareResend(p *pendingPrePrepare) {
	p.timer = r.transport.Timer(r.timeouts.PrePrepareResend, func() {
		cur, ok := r.pendingPrePrepares[p.seqNum]
		if !ok || cur != p {
			return
		}
		r.log.Debug("resending preprepare",
			zap.Int("replica", r.idx),
			zap.Uint64("opnum", p.seqNum),
		)
		r.transport.SendToAll(r, &wire.ToReplicaMessage{PrePrepare: p.msg})
		r.schedulePrePrepareResend(p)
	})
}

func (r *Replica) startViewChangeTimer() {
	if r.viewChangeTimer != 0 {
		return
	}
	r.viewChangeTimer = r.transport.Timer(r.timeouts.ViewChange, func() {
		r.viewChangeTimer = 0
		// View change is not implemented; record that the primary
		// looks dead so operators notice.
		r.log.Warn("view change timer fired",
			zap.Int("replica", r.idx),
			zap.Uint64("view", r.view),
		)
	})
}

func (r *Replica) stopViewChangeTimer() {
	if r.viewChangeTimer == 0 {
		return
	}
	r.transport.CancelTimer(r.viewChangeTimer)
	r.viewChangeTimer = 0
}
