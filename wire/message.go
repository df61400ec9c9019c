// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire defines the replication datagram formats: the
// protobuf-encoded replica/client envelopes, the ordered-multicast
// stamps that an in-path sequencer rewrites, and the digests used for
// quorum comparison.
package wire

import "google.golang.org/protobuf/encoding/protowire"

// Message is the capability the transport moves around. Implementations
// marshal to a self-contained byte string and parse back from one.
type Message interface {
	// Type names the concrete message, for dispatch and logging.
	Type() string
	// Marshal returns the canonical serialization.
	Marshal() []byte
	// Unmarshal replaces the receiver's contents from buf.
	Unmarshal(buf []byte) error
}

// Request is a client operation. (ClientID, ClientReqID) is the
// idempotency key; SessNum/MsgNum are filled by an in-path sequencer
// when ordered multicast is in use.
type Request struct {
	Op          []byte
	ClientID    uint64
	ClientReqID uint64
	SessNum     uint64
	MsgNum      uint64
}

func (r *Request) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, r.Op)
	b = appendVarintField(b, 2, r.ClientID)
	b = appendVarintField(b, 3, r.ClientReqID)
	b = appendVarintField(b, 4, r.SessNum)
	b = appendVarintField(b, 5, r.MsgNum)
	return b
}

func (r *Request) Unmarshal(buf []byte) error {
	*r = Request{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			r.Op = raw
		case 2:
			r.ClientID = v
		case 3:
			r.ClientReqID = v
		case 4:
			r.SessNum = v
		case 5:
			r.MsgNum = v
		default:
			return fieldErr("Request", num)
		}
		return nil
	})
}

// RequestMessage wraps a signed client Request. Relayed marks a copy
// forwarded to the primary by a backup; replicas must not learn client
// addresses from relayed copies.
type RequestMessage struct {
	Req     Request
	Sig     []byte
	Relayed bool
}

func (m *RequestMessage) Type() string { return "pbft.Request" }

func (m *RequestMessage) Marshal() []byte {
	var b []byte
	b = appendEmbedded(b, 1, m.Req.Marshal())
	b = appendBytesField(b, 2, m.Sig)
	b = appendBoolField(b, 3, m.Relayed)
	return b
}

func (m *RequestMessage) Unmarshal(buf []byte) error {
	*m = RequestMessage{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			return m.Req.Unmarshal(raw)
		case 2:
			m.Sig = raw
		case 3:
			m.Relayed = v != 0
		default:
			return fieldErr("RequestMessage", num)
		}
		return nil
	})
}

// SignedBytes is the portion covered by the client signature: the
// request itself, not the relay flag or the signature.
func (m *RequestMessage) SignedBytes() []byte {
	return m.Req.Marshal()
}

// Common carries the (view, seqnum, digest) triple shared by the three
// ordering phases. Its canonical bytes are what quorum sets bucket on.
type Common struct {
	View   uint64
	Seqnum uint64
	Digest []byte
}

func (c *Common) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, c.View)
	b = appendVarintField(b, 2, c.Seqnum)
	b = appendBytesField(b, 3, c.Digest)
	return b
}

func (c *Common) Unmarshal(buf []byte) error {
	*c = Common{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			c.View = v
		case 2:
			c.Seqnum = v
		case 3:
			c.Digest = raw
		default:
			return fieldErr("Common", num)
		}
		return nil
	})
}

// Match reports canonical equality, byte equality of the wire form.
func (c *Common) Match(o *Common) bool {
	return string(c.Marshal()) == string(o.Marshal())
}

// PrePrepareMessage pairs a client request with a slot assignment,
// signed by the primary.
type PrePrepareMessage struct {
	Common  Common
	Sig     []byte
	Message RequestMessage
}

func (m *PrePrepareMessage) Type() string { return "pbft.PrePrepare" }

func (m *PrePrepareMessage) Marshal() []byte {
	var b []byte
	b = appendEmbedded(b, 1, m.Common.Marshal())
	b = appendBytesField(b, 2, m.Sig)
	b = appendEmbedded(b, 3, m.Message.Marshal())
	return b
}

func (m *PrePrepareMessage) Unmarshal(buf []byte) error {
	*m = PrePrepareMessage{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case 1:
			return m.Common.Unmarshal(raw)
		case 2:
			m.Sig = raw
		case 3:
			return m.Message.Unmarshal(raw)
		default:
			return fieldErr("PrePrepareMessage", num)
		}
		return nil
	})
}

// SignedBytes is the portion covered by the primary signature. The
// embedded client request carries its own signature.
func (m *PrePrepareMessage) SignedBytes() []byte {
	return m.Common.Marshal()
}

// PrepareMessage echoes a slot's Common, signed by the sender.
type PrepareMessage struct {
	Common    Common
	ReplicaID uint64
	Sig       []byte
}

func (m *PrepareMessage) Type() string { return "pbft.Prepare" }

func (m *PrepareMessage) Marshal() []byte {
	var b []byte
	b = appendEmbedded(b, 1, m.Common.Marshal())
	b = appendVarintField(b, 2, m.ReplicaID)
	b = appendBytesField(b, 3, m.Sig)
	return b
}

func (m *PrepareMessage) Unmarshal(buf []byte) error {
	*m = PrepareMessage{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			return m.Common.Unmarshal(raw)
		case 2:
			m.ReplicaID = v
		case 3:
			m.Sig = raw
		default:
			return fieldErr("PrepareMessage", num)
		}
		return nil
	})
}

func (m *PrepareMessage) SignedBytes() []byte {
	var b []byte
	b = appendEmbedded(b, 1, m.Common.Marshal())
	b = appendVarintField(b, 2, m.ReplicaID)
	return b
}

// CommitMessage commits a slot's Common, signed by the sender.
type CommitMessage struct {
	Common    Common
	ReplicaID uint64
	Sig       []byte
}

func (m *CommitMessage) Type() string { return "pbft.Commit" }

func (m *CommitMessage) Marshal() []byte {
	var b []byte
	b = appendEmbedded(b, 1, m.Common.Marshal())
	b = appendVarintField(b, 2, m.ReplicaID)
	b = appendBytesField(b, 3, m.Sig)
	return b
}

func (m *CommitMessage) Unmarshal(buf []byte) error {
	*m = CommitMessage{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			return m.Common.Unmarshal(raw)
		case 2:
			m.ReplicaID = v
		case 3:
			m.Sig = raw
		default:
			return fieldErr("CommitMessage", num)
		}
		return nil
	})
}

func (m *CommitMessage) SignedBytes() []byte {
	var b []byte
	b = appendEmbedded(b, 1, m.Common.Marshal())
	b = appendVarintField(b, 2, m.ReplicaID)
	return b
}

// ReplyMessage carries an executed operation's result back to the
// client, signed by the sending replica. View and Opnum are always
// populated truthfully, including on the single-replica path.
type ReplyMessage struct {
	View      uint64
	Opnum     uint64
	ReplicaID uint64
	Req       Request
	Reply     []byte
	Sig       []byte
}

func (m *ReplyMessage) Type() string { return "pbft.Reply" }

func (m *ReplyMessage) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.View)
	b = appendVarintField(b, 2, m.Opnum)
	b = appendVarintField(b, 3, m.ReplicaID)
	b = appendEmbedded(b, 4, m.Req.Marshal())
	b = appendBytesField(b, 5, m.Reply)
	b = appendBytesField(b, 6, m.Sig)
	return b
}

func (m *ReplyMessage) Unmarshal(buf []byte) error {
	*m = ReplyMessage{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.View = v
		case 2:
			m.Opnum = v
		case 3:
			m.ReplicaID = v
		case 4:
			return m.Req.Unmarshal(raw)
		case 5:
			m.Reply = raw
		case 6:
			m.Sig = raw
		default:
			return fieldErr("ReplyMessage", num)
		}
		return nil
	})
}

func (m *ReplyMessage) SignedBytes() []byte {
	var b []byte
	b = appendVarintField(b, 1, m.View)
	b = appendVarintField(b, 2, m.Opnum)
	b = appendVarintField(b, 3, m.ReplicaID)
	b = appendEmbedded(b, 4, m.Req.Marshal())
	b = appendBytesField(b, 5, m.Reply)
	return b
}

// UnloggedRequestMessage asks one replica for a read-only result that
// bypasses the log.
type UnloggedRequestMessage struct {
	Req Request
	Sig []byte
}

func (m *UnloggedRequestMessage) Type() string { return "pbft.UnloggedRequest" }

func (m *UnloggedRequestMessage) Marshal() []byte {
	var b []byte
	b = appendEmbedded(b, 1, m.Req.Marshal())
	b = appendBytesField(b, 2, m.Sig)
	return b
}

func (m *UnloggedRequestMessage) Unmarshal(buf []byte) error {
	*m = UnloggedRequestMessage{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case 1:
			return m.Req.Unmarshal(raw)
		case 2:
			m.Sig = raw
		default:
			return fieldErr("UnloggedRequestMessage", num)
		}
		return nil
	})
}

func (m *UnloggedRequestMessage) SignedBytes() []byte {
	return m.Req.Marshal()
}

// UnloggedReplyMessage answers an unlogged request.
type UnloggedReplyMessage struct {
	Reply       []byte
	ReplicaID   uint64
	ClientReqID uint64
	Sig         []byte
}

func (m *UnloggedReplyMessage) Type() string { return "pbft.UnloggedReply" }

func (m *UnloggedReplyMessage) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Reply)
	b = appendVarintField(b, 2, m.ReplicaID)
	b = appendVarintField(b, 3, m.ClientReqID)
	b = appendBytesField(b, 4, m.Sig)
	return b
}

func (m *UnloggedReplyMessage) Unmarshal(buf []byte) error {
	*m = UnloggedReplyMessage{}
	return walkFields(buf, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.Reply = raw
		case 2:
			m.ReplicaID = v
		case 3:
			m.ClientReqID = v
		case 4:
			m.Sig = raw
		default:
			return fieldErr("UnloggedReplyMessage", num)
		}
		return nil
	})
}

func (m *UnloggedReplyMessage) SignedBytes() []byte {
	var b []byte
	b = appendBytesField(b, 1, m.Reply)
	b = appendVarintField(b, 2, m.ReplicaID)
	b = appendVarintField(b, 3, m.ClientReqID)
	return b
}

// ToReplicaMessage is the replica-bound envelope. Exactly one variant
// is set.
type ToReplicaMessage struct {
	Request         *RequestMessage
	PrePrepare      *PrePrepareMessage
	Prepare         *PrepareMessage
	Commit          *CommitMessage
	UnloggedRequest *UnloggedRequestMessage
}

func (m *ToReplicaMessage) Type() string { return "pbft.ToReplica" }

func (m *ToReplicaMessage) Marshal() []byte {
	var b []byte
	switch {
	case m.Request != nil:
		b = appendEmbedded(b, 1, m.Request.Marshal())
	case m.PrePrepare != nil:
		b = appendEmbedded(b, 2, m.PrePrepare.Marshal())
	case m.Prepare != nil:
		b = appendEmbedded(b, 3, m.Prepare.Marshal())
	case m.Commit != nil:
		b = appendEmbedded(b, 4, m.Commit.Marshal())
	case m.UnloggedRequest != nil:
		b = appendEmbedded(b, 5, m.UnloggedRequest.Marshal())
	}
	return b
}

func (m *ToReplicaMessage) Unmarshal(buf []byte) error {
	*m = ToReplicaMessage{}
	err := walkFields(buf, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case 1:
			m.Request = new(RequestMessage)
			return m.Request.Unmarshal(raw)
		case 2:
			m.PrePrepare = new(PrePrepareMessage)
			return m.PrePrepare.Unmarshal(raw)
		case 3:
			m.Prepare = new(PrepareMessage)
			return m.Prepare.Unmarshal(raw)
		case 4:
			m.Commit = new(CommitMessage)
			return m.Commit.Unmarshal(raw)
		case 5:
			m.UnloggedRequest = new(UnloggedRequestMessage)
			return m.UnloggedRequest.Unmarshal(raw)
		default:
			return fieldErr("ToReplicaMessage", num)
		}
	})
	if err != nil {
		return err
	}
	if m.Request == nil && m.PrePrepare == nil && m.Prepare == nil &&
		m.Commit == nil && m.UnloggedRequest == nil {
		return errEmptyOneof
	}
	return nil
}

// ToClientMessage is the client-bound envelope. Exactly one variant is
// set.
type ToClientMessage struct {
	Reply         *ReplyMessage
	UnloggedReply *UnloggedReplyMessage
}

func (m *ToClientMessage) Type() string { return "pbft.ToClient" }

func (m *ToClientMessage) Marshal() []byte {
	var b []byte
	switch {
	case m.Reply != nil:
		b = appendEmbedded(b, 1, m.Reply.Marshal())
	case m.UnloggedReply != nil:
		b = appendEmbedded(b, 2, m.UnloggedReply.Marshal())
	}
	return b
}

func (m *ToClientMessage) Unmarshal(buf []byte) error {
	*m = ToClientMessage{}
	err := walkFields(buf, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case 1:
			m.Reply = new(ReplyMessage)
			return m.Reply.Unmarshal(raw)
		case 2:
			m.UnloggedReply = new(UnloggedReplyMessage)
			return m.UnloggedReply.Unmarshal(raw)
		default:
			return fieldErr("ToClientMessage", num)
		}
	})
	if err != nil {
		return err
	}
	if m.Reply == nil && m.UnloggedReply == nil {
		return errEmptyOneof
	}
	return nil
}

// BufferMessage is a pre-serialized datagram forwarded verbatim, used
// by the sequencer when rebroadcasting stamped buffers.
type BufferMessage struct {
	Buf []byte
}

func (m *BufferMessage) Type() string    { return "buffer" }
func (m *BufferMessage) Marshal() []byte { return m.Buf }

func (m *BufferMessage) Unmarshal(buf []byte) error {
	m.Buf = buf
	return nil
}
