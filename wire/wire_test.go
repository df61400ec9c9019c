// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testRequest() Request {
	return Request{
		Op:          []byte("test op"),
		ClientID:    7,
		ClientReqID: 42,
	}
}

func TestRequestMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	in := RequestMessage{
		Req:     testRequest(),
		Sig:     []byte("signed"),
		Relayed: true,
	}
	var out RequestMessage
	require.NoError(out.Unmarshal(in.Marshal()))
	require.Equal(in, out)
}

func TestToReplicaRoundTrip(t *testing.T) {
	require := require.New(t)

	digest := RequestDigest(&Request{Op: []byte("x")})
	common := Common{View: 3, Seqnum: 12, Digest: digest[:]}

	cases := []ToReplicaMessage{
		{Request: &RequestMessage{Req: testRequest(), Sig: []byte("s")}},
		{PrePrepare: &PrePrepareMessage{
			Common:  common,
			Sig:     []byte("p"),
			Message: RequestMessage{Req: testRequest(), Sig: []byte("s")},
		}},
		{Prepare: &PrepareMessage{Common: common, ReplicaID: 2, Sig: []byte("s")}},
		{Commit: &CommitMessage{Common: common, ReplicaID: 3, Sig: []byte("s")}},
		{UnloggedRequest: &UnloggedRequestMessage{Req: testRequest(), Sig: []byte("s")}},
	}
	for _, in := range cases {
		var out ToReplicaMessage
		require.NoError(out.Unmarshal(in.Marshal()))
		require.Equal(in, out)
	}
}

func TestToClientRoundTrip(t *testing.T) {
	require := require.New(t)

	cases := []ToClientMessage{
		{Reply: &ReplyMessage{
			View:      1,
			Opnum:     9,
			ReplicaID: 2,
			Req:       testRequest(),
			Reply:     []byte("reply: test"),
			Sig:       []byte("s"),
		}},
		{UnloggedReply: &UnloggedReplyMessage{
			Reply:       []byte("unlogged"),
			ReplicaID:   1,
			ClientReqID: 5,
			Sig:         []byte("s"),
		}},
	}
	for _, in := range cases {
		var out ToClientMessage
		require.NoError(out.Unmarshal(in.Marshal()))
		require.Equal(in, out)
	}
}

func TestEmptyEnvelopeRejected(t *testing.T) {
	require := require.New(t)

	var out ToReplicaMessage
	require.ErrorIs(out.Unmarshal(nil), errEmptyOneof)
	var cl ToClientMessage
	require.ErrorIs(cl.Unmarshal(nil), errEmptyOneof)
}

func TestCanonicalEquality(t *testing.T) {
	require := require.New(t)

	a := Common{View: 1, Seqnum: 2, Digest: []byte{0xaa}}
	b := Common{View: 1, Seqnum: 2, Digest: []byte{0xaa}}
	c := Common{View: 1, Seqnum: 3, Digest: []byte{0xaa}}
	require.True(a.Match(&b))
	require.False(a.Match(&c))
	require.Equal(Digest(a.Marshal()), Digest(b.Marshal()))
	require.NotEqual(Digest(a.Marshal()), Digest(c.Marshal()))
}

func TestSignedBytesExcludeSignature(t *testing.T) {
	require := require.New(t)

	m := PrepareMessage{Common: Common{View: 1, Seqnum: 2}, ReplicaID: 3}
	unsigned := m.SignedBytes()
	m.Sig = []byte("sig")
	require.Equal(unsigned, m.SignedBytes())
}

func TestStampRoundTrip(t *testing.T) {
	require := require.New(t)

	body := (&ToReplicaMessage{
		Request: &RequestMessage{Req: testRequest(), Sig: []byte("s")},
	}).Marshal()
	stamp := Stamp{SessNum: 7, MsgNum: 42}

	frame := Frame(stamp.Bytes(), body)
	require.True(IsSequenceable(frame))

	gotStamp, gotBody, err := ParseFrame(frame)
	require.NoError(err)
	require.Equal(body, gotBody)

	parsed, err := ParseStamp(gotStamp)
	require.NoError(err)
	require.Equal(stamp, parsed)
}

func TestUnstampedFrame(t *testing.T) {
	require := require.New(t)

	frame := Frame(nil, []byte("body"))
	require.False(IsSequenceable(frame))

	stamp, body, err := ParseFrame(frame)
	require.NoError(err)
	require.Empty(stamp)
	require.Equal([]byte("body"), body)

	_, _, err = ParseFrame([]byte{1, 2, 3, 4, 0, 0})
	require.ErrorIs(err, errBadMagic)
	_, _, err = ParseFrame([]byte{1})
	require.ErrorIs(err, errShortFrame)
}

func TestMultistampRoundTrip(t *testing.T) {
	require := require.New(t)

	in := Multistamp{
		SessNum: 9,
		Groups: []GroupStamp{
			{Group: 0, MsgNum: 100},
			{Group: 3, MsgNum: 7},
		},
	}
	out, err := ParseMultistamp(in.Bytes())
	require.NoError(err)
	require.Equal(in, out)

	_, err = ParseMultistamp(in.Bytes()[:4])
	require.Error(err)
}

func TestTomHeaderRoundTrip(t *testing.T) {
	require := require.New(t)

	var in TomHeader
	in.SessNum = 5
	in.MsgNum = 77
	in.HMACs[0][0] = 0xab
	in.HMACs[15][31] = 0xcd

	buf := append(in.Bytes(), []byte("body")...)
	out, body, err := ParseTomHeader(buf)
	require.NoError(err)
	require.Equal(in, out)
	require.Equal([]byte("body"), body)
	require.True(out.Sequenced())

	_, _, err = ParseTomHeader(buf[:10])
	require.ErrorIs(err, errShortTomHeader)

	var unseq TomHeader
	require.False(unseq.Sequenced())
}
