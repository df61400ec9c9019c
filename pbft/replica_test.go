// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/oplog"
	"github.com/luxfi/smr/security"
	"github.com/luxfi/smr/transport"
	"github.com/luxfi/smr/wire"
)

type testApp struct {
	opList []string
}

func (a *testApp) ReplicaUpcall(opnum uint64, op []byte) []byte {
	a.opList = append(a.opList, string(op))
	return []byte("reply: " + string(op))
}

func (a *testApp) UnloggedUpcall(op []byte) []byte {
	return []byte("unlreply: " + string(op))
}

type cluster struct {
	cfg      *config.Configuration
	sim      *transport.Simulated
	sec      security.Security
	replicas []*Replica
	apps     []*testApp
}

func newCluster(t *testing.T, f, n int) *cluster {
	t.Helper()
	require := require.New(t)

	var sb strings.Builder
	fmt.Fprintf(&sb, "f %d\ngroup 0\n", f)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "replica r%d 1\n", i)
	}
	cfg, err := config.ParseString(sb.String())
	require.NoError(err)

	sim, err := transport.NewSimulated(log.NewNoOpLogger(), prometheus.NewRegistry())
	require.NoError(err)

	c := &cluster{cfg: cfg, sim: sim, sec: security.NewNopSecurity()}
	for i := 0; i < n; i++ {
		app := &testApp{}
		r, err := NewReplica(cfg, i, sim, c.sec, app,
			log.NewNoOpLogger(), prometheus.NewRegistry(), DefaultTimeouts())
		require.NoError(err)
		c.replicas = append(c.replicas, r)
		c.apps = append(c.apps, app)
	}
	return c
}

func (c *cluster) newClient(clientID uint64) *Client {
	return NewClient(c.cfg, c.sim, c.sec, log.NewNoOpLogger(), clientID, DefaultTimeouts())
}

func TestSingleReplicaOneOp(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 0, 1)
	client := c.newClient(1)

	var replies []string
	client.Invoke([]byte("test"), func(op, result []byte) {
		replies = append(replies, string(result))
	})
	c.sim.Run()

	require.Equal([]string{"reply: test"}, replies)
	require.Equal([]string{"test"}, c.apps[0].opList)
}

func TestFourReplicasHundredOps(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	client := c.newClient(1)

	var want, replies []string
	for i := 0; i < 100; i++ {
		want = append(want, fmt.Sprintf("test%d", i))
	}

	var invoke func(i int)
	invoke = func(i int) {
		if i == len(want) {
			return
		}
		op := want[i]
		client.Invoke([]byte(op), func(_, result []byte) {
			replies = append(replies, string(result))
			invoke(i + 1)
		})
	}
	invoke(0)
	c.sim.Run()

	require.Len(replies, 100)
	for i, reply := range replies {
		require.Equal("reply: "+want[i], reply)
	}
	for i, app := range c.apps {
		require.Equal(want, app.opList, "replica %d diverged", i)
	}
}

func TestQuorumSizes(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	// Prepare quorum 2f, Commit quorum 2f+1 (self included).
	require.Equal(2, c.replicas[0].prepareSet.Threshold())
	require.Equal(3, c.replicas[0].commitSet.Threshold())
}

func TestPrimaryResendAfterDrop(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	client := c.newClient(1)

	// Warmup records the client address on every replica.
	done := false
	client.Invoke([]byte("warmup"), func(_, _ []byte) { done = true })
	c.sim.Run()
	require.True(done)

	r0addr, err := c.cfg.Replica(0, 0)
	require.NoError(err)
	dropFrom := transport.AddressOf(r0addr)
	c.sim.AddFilter(1, func(src, dst transport.Address, m wire.Message, delay *time.Duration) bool {
		return src != dropFrom
	})

	completed := false
	client.Invoke([]byte("test"), func(_, result []byte) {
		require.Equal("reply: test", string(result))
		completed = true
	})
	c.sim.RunFor(1800 * time.Millisecond)
	require.False(completed)

	c.sim.RemoveFilter(1)
	c.sim.RunFor(800 * time.Millisecond)
	require.True(completed)
}

func TestDuplicateRequestReplaysCachedReply(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 0, 1)

	sink := &replySink{}
	c.sim.RegisterAddress(sink, c.cfg, nil)

	req := &wire.RequestMessage{
		Req: wire.Request{Op: []byte("x"), ClientID: 99, ClientReqID: 1},
		Sig: []byte("signed"),
	}
	r0addr, err := c.cfg.Replica(0, 0)
	require.NoError(err)
	dst := transport.AddressOf(r0addr)

	c.sim.Send(sink, dst, &wire.ToReplicaMessage{Request: req})
	c.sim.Run()
	require.Len(sink.replies, 1)
	require.Equal([]string{"x"}, c.apps[0].opList)

	// Byte-identical resend: the cached reply comes back, nothing
	// re-executes.
	c.sim.Send(sink, dst, &wire.ToReplicaMessage{Request: req})
	c.sim.Run()
	require.Len(sink.replies, 2)
	require.Equal(sink.replies[0], sink.replies[1])
	require.Equal([]string{"x"}, c.apps[0].opList)
}

type replySink struct {
	replies [][]byte
}

func (s *replySink) ReceiveMessage(remote transport.Address, stamp, buf []byte) {
	s.replies = append(s.replies, append([]byte(nil), buf...))
}

func TestPendingRequestGetsOneSlot(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)

	sink := &replySink{}
	c.sim.RegisterAddress(sink, c.cfg, nil)
	r0addr, err := c.cfg.Replica(0, 0)
	require.NoError(err)
	dst := transport.AddressOf(r0addr)

	req := &wire.RequestMessage{
		Req: wire.Request{Op: []byte("x"), ClientID: 7, ClientReqID: 1},
		Sig: []byte("signed"),
	}
	// Two copies in flight before anything commits: one slot only.
	c.sim.Send(sink, dst, &wire.ToReplicaMessage{Request: req})
	c.sim.Send(sink, dst, &wire.ToReplicaMessage{Request: req})
	c.sim.RunFor(10 * time.Millisecond)

	require.Equal(uint64(1), c.replicas[0].seqNum)
}

func signedPrePrepare(t *testing.T, view, n uint64, req wire.Request) *wire.ToReplicaMessage {
	t.Helper()
	digest := wire.RequestDigest(&req)
	return &wire.ToReplicaMessage{
		PrePrepare: &wire.PrePrepareMessage{
			Common: wire.Common{View: view, Seqnum: n, Digest: digest[:]},
			Sig:    []byte("signed"),
			Message: wire.RequestMessage{
				Req: req,
				Sig: []byte("signed"),
			},
		},
	}
}

func TestGapFillUpgradesPlaceholders(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	backup := c.replicas[1]

	// The backup learns the client address from a direct request.
	sink := &replySink{}
	clientAddr := c.sim.RegisterAddress(sink, c.cfg, nil)
	backup.ReceiveMessage(clientAddr, nil, (&wire.ToReplicaMessage{
		Request: &wire.RequestMessage{
			Req: wire.Request{Op: []byte("warm"), ClientID: 5, ClientReqID: 1},
			Sig: []byte("signed"),
		},
	}).Marshal())

	primaryAddr := transport.Address{Host: "r0", Port: "1"}
	deliver := func(n uint64, op string, reqID uint64) {
		env := signedPrePrepare(t, 0, n, wire.Request{
			Op: []byte(op), ClientID: 5, ClientReqID: reqID,
		})
		backup.ReceiveMessage(primaryAddr, nil, env.Marshal())
	}

	deliver(1, "a", 2)
	deliver(2, "b", 3)
	// Slot 5 arrives before 3 and 4.
	deliver(5, "e", 6)

	require.Equal(uint64(5), backup.opLog.LastOpnum())
	require.Equal(oplog.StateEmpty, backup.opLog.Find(3).State)
	require.Equal(oplog.StateEmpty, backup.opLog.Find(4).State)
	require.Equal(oplog.StatePrepared, backup.opLog.Find(5).State)
	require.Equal(uint64(3), backup.lowestEmpty)
	require.NotZero(backup.stateTransferTimer)

	deliver(3, "c", 4)
	require.Equal(oplog.StatePrepared, backup.opLog.Find(3).State)
	require.Equal([]byte("c"), backup.opLog.Find(3).Request.Op)
	require.Equal(uint64(4), backup.lowestEmpty)
	require.NotZero(backup.stateTransferTimer)

	deliver(4, "d", 5)
	require.Equal(oplog.StatePrepared, backup.opLog.Find(4).State)
	require.Zero(backup.lowestEmpty)
	require.Zero(backup.stateTransferTimer)

	// Log density held throughout.
	for op := backup.opLog.FirstOpnum(); op <= backup.opLog.LastOpnum(); op++ {
		require.NotNil(backup.opLog.Find(op))
	}
}

func TestConflictingPrePrepareDropped(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	backup := c.replicas[1]

	sink := &replySink{}
	clientAddr := c.sim.RegisterAddress(sink, c.cfg, nil)
	backup.ReceiveMessage(clientAddr, nil, (&wire.ToReplicaMessage{
		Request: &wire.RequestMessage{
			Req: wire.Request{Op: []byte("warm"), ClientID: 5, ClientReqID: 1},
			Sig: []byte("signed"),
		},
	}).Marshal())

	primaryAddr := transport.Address{Host: "r0", Port: "1"}
	first := signedPrePrepare(t, 0, 1, wire.Request{Op: []byte("a"), ClientID: 5, ClientReqID: 2})
	backup.ReceiveMessage(primaryAddr, nil, first.Marshal())
	require.Equal([]byte("a"), backup.opLog.Find(1).Request.Op)

	// A different request at the same accepted slot must not displace
	// the first.
	conflict := signedPrePrepare(t, 0, 1, wire.Request{Op: []byte("evil"), ClientID: 5, ClientReqID: 3})
	backup.ReceiveMessage(primaryAddr, nil, conflict.Marshal())
	require.Equal([]byte("a"), backup.opLog.Find(1).Request.Op)
}

func TestExecutionOrderInvariant(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	client := c.newClient(1)

	for i := 0; i < 3; i++ {
		done := false
		client.Invoke([]byte(fmt.Sprintf("op%d", i)), func(_, _ []byte) { done = true })
		c.sim.Run()
		require.True(done)
	}

	for _, r := range c.replicas {
		lg := r.opLog
		for op := lg.FirstOpnum(); op <= lg.LastOpnum(); op++ {
			e := lg.Find(op)
			require.NotNil(e)
			if e.State == oplog.StateExecuted && op > lg.FirstOpnum() {
				require.Equal(oplog.StateExecuted, lg.Find(op-1).State)
			}
		}
	}
}

func TestUnloggedRequest(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	client := c.newClient(1)

	var result string
	client.InvokeUnlogged(2, []byte("ro"), func(_, r []byte) {
		result = string(r)
	}, nil)
	c.sim.Run()

	require.Equal("unlreply: ro", result)
	// Unlogged operations never touch the log.
	for _, r := range c.replicas {
		require.Zero(r.opLog.Len())
	}
}

func TestUnloggedTimeout(t *testing.T) {
	require := require.New(t)

	c := newCluster(t, 1, 4)
	client := c.newClient(1)

	c.sim.AddFilter(1, func(src, dst transport.Address, m wire.Message, delay *time.Duration) bool {
		return false
	})

	timedOut := false
	client.InvokeUnlogged(0, []byte("ro"), func(_, _ []byte) {
		t.Fatal("continuation ran with the network down")
	}, func(_ []byte) {
		timedOut = true
	})
	c.sim.Run()
	require.True(timedOut)
}
