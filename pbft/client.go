// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import (
	"fmt"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/quorum"
	"github.com/luxfi/smr/security"
	"github.com/luxfi/smr/transport"
	"github.com/luxfi/smr/wire"
)

var _ transport.Receiver = (*Client)(nil)

// Continuation receives a completed operation's result.
type Continuation func(op, result []byte)

// TimeoutContinuation runs when an unlogged request expires unanswered.
type TimeoutContinuation func(op []byte)

type pendingRequest struct {
	op           []byte
	clientReqID  uint64
	continuation Continuation
}

type pendingUnlogged struct {
	op           []byte
	clientReqID  uint64
	continuation Continuation
	timeout      TimeoutContinuation
}

// Client submits operations to the group and collects f+1 matching
// replies. At most one logged and one unlogged request may be
// outstanding.
type Client struct {
	log       log.Logger
	cfg       *config.Configuration
	transport transport.Transport
	security  security.Security
	timeouts  Timeouts

	clientID  uint64
	addr      transport.Address
	lastReqID uint64

	// view is the latest view learned from replies; it names the
	// presumed primary for the next request.
	view uint64

	pending       *pendingRequest
	replySet      *quorum.Set[uint64]
	requestTimer  transport.TimerID
	unlogged      *pendingUnlogged
	unloggedTimer transport.TimerID
}

// NewClient builds and registers a client with the given id.
func NewClient(
	cfg *config.Configuration,
	trans transport.Transport,
	sec security.Security,
	logger log.Logger,
	clientID uint64,
	timeouts Timeouts,
) *Client {
	c := &Client{
		log:       logger,
		cfg:       cfg,
		transport: trans,
		security:  sec,
		timeouts:  timeouts,
		clientID:  clientID,
		replySet:  quorum.NewCrash[uint64](cfg.QuorumSize(), logger),
	}
	c.addr = trans.RegisterAddress(c, cfg, nil)
	return c
}

// Invoke submits op and calls continuation once f+1 replicas agree on
// the result. A second call while one is outstanding is a usage bug.
func (c *Client) Invoke(op []byte, continuation Continuation) {
	if c.pending != nil {
		panic("client supports one outstanding request")
	}
	c.lastReqID++
	c.pending = &pendingRequest{
		op:           op,
		clientReqID:  c.lastReqID,
		continuation: continuation,
	}
	c.sendRequest(false)
}

func (c *Client) buildRequest() (*wire.RequestMessage, error) {
	msg := &wire.RequestMessage{
		Req: wire.Request{
			Op:          c.pending.op,
			ClientID:    c.clientID,
			ClientReqID: c.pending.clientReqID,
		},
	}
	sig, err := c.security.ClientSigner(c.addr.String()).Sign(msg.SignedBytes())
	if err != nil {
		return nil, fmt.Errorf("request signing failed: %w", err)
	}
	msg.Sig = sig
	return msg, nil
}

// sendRequest targets the presumed primary first; on resend the
// request goes to everyone in case the primary is the problem.
func (c *Client) sendRequest(broadcast bool) {
	msg, err := c.buildRequest()
	if err != nil {
		c.log.Warn("dropping invoke", zap.Error(err))
		return
	}
	env := &wire.ToReplicaMessage{Request: msg}
	if broadcast {
		c.transport.SendToAll(c, env)
	} else {
		c.transport.SendToReplica(c, c.cfg.LeaderIdx(c.view), env)
	}
	c.requestTimer = c.transport.Timer(c.timeouts.ClientRequest, func() {
		c.requestTimer = 0
		if c.pending == nil {
			return
		}
		c.log.Warn("request timed out, broadcasting",
			zap.Uint64("client", c.clientID),
			zap.Uint64("reqid", c.pending.clientReqID),
		)
		c.sendRequest(true)
	})
}

// InvokeUnlogged sends a read-only op to one replica, bypassing the
// log. timeoutContinuation (optional) runs if no reply arrives within
// the unlogged timeout.
func (c *Client) InvokeUnlogged(
	replicaIdx int,
	op []byte,
	continuation Continuation,
	timeoutContinuation TimeoutContinuation,
) {
	if c.unlogged != nil {
		panic("client supports one outstanding unlogged request")
	}
	c.lastReqID++
	c.unlogged = &pendingUnlogged{
		op:           op,
		clientReqID:  c.lastReqID,
		continuation: continuation,
		timeout:      timeoutContinuation,
	}
	msg := &wire.UnloggedRequestMessage{
		Req: wire.Request{
			Op:          op,
			ClientID:    c.clientID,
			ClientReqID: c.lastReqID,
		},
	}
	sig, err := c.security.ClientSigner(c.addr.String()).Sign(msg.SignedBytes())
	if err != nil {
		c.log.Warn("dropping unlogged invoke", zap.Error(err))
		c.unlogged = nil
		return
	}
	msg.Sig = sig
	c.transport.SendToReplica(c, replicaIdx, &wire.ToReplicaMessage{UnloggedRequest: msg})

	c.unloggedTimer = c.transport.Timer(c.timeouts.ClientUnlogged, func() {
		c.unloggedTimer = 0
		p := c.unlogged
		if p == nil {
			return
		}
		c.unlogged = nil
		if p.timeout != nil {
			p.timeout(p.op)
		}
	})
}

// ReceiveMessage dispatches one client-bound envelope.
func (c *Client) ReceiveMessage(remote transport.Address, stamp, buf []byte) {
	var msg wire.ToClientMessage
	if err := msg.Unmarshal(buf); err != nil {
		c.log.Warn("undecodable reply", zap.Error(err))
		return
	}
	switch {
	case msg.Reply != nil:
		c.handleReply(msg.Reply)
	case msg.UnloggedReply != nil:
		c.handleUnloggedReply(msg.UnloggedReply)
	}
}

func (c *Client) handleReply(msg *wire.ReplyMessage) {
	if c.pending == nil {
		return
	}
	if msg.Req.ClientReqID != c.pending.clientReqID {
		c.log.Debug("reply for wrong request",
			zap.Uint64("got", msg.Req.ClientReqID),
			zap.Uint64("want", c.pending.clientReqID),
		)
		return
	}
	if int(msg.ReplicaID) >= c.cfg.NumReplicas() {
		return
	}
	if !c.security.ReplicaVerifier(int(msg.ReplicaID)).Verify(msg.SignedBytes(), msg.Sig) {
		c.log.Warn("bad reply signature", zap.Uint64("sender", msg.ReplicaID))
		return
	}

	result := c.replySet.Add(msg.Req.ClientReqID, msg.ReplicaID, msg.Reply)
	if result == nil {
		return
	}

	c.log.Debug("request complete",
		zap.Uint64("client", c.clientID),
		zap.Uint64("reqid", msg.Req.ClientReqID),
	)
	if c.requestTimer != 0 {
		c.transport.CancelTimer(c.requestTimer)
		c.requestTimer = 0
	}
	c.replySet.Clear(msg.Req.ClientReqID)
	c.view = msg.View

	p := c.pending
	c.pending = nil
	p.continuation(p.op, result)
}

func (c *Client) handleUnloggedReply(msg *wire.UnloggedReplyMessage) {
	p := c.unlogged
	if p == nil || msg.ClientReqID != p.clientReqID {
		return
	}
	if int(msg.ReplicaID) >= c.cfg.NumReplicas() {
		return
	}
	if !c.security.ReplicaVerifier(int(msg.ReplicaID)).Verify(msg.SignedBytes(), msg.Sig) {
		c.log.Warn("bad unlogged reply signature", zap.Uint64("sender", msg.ReplicaID))
		return
	}
	if c.unloggedTimer != 0 {
		c.transport.CancelTimer(c.unloggedTimer)
		c.unloggedTimer = 0
	}
	c.unlogged = nil
	p.continuation(p.op, msg.Reply)
}

// Address returns the client's bound transport address.
func (c *Client) Address() transport.Address {
	return c.addr
}
