// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/wire"
)

type recorded struct {
	remote Address
	stamp  []byte
	body   []byte
}

type testReceiver struct {
	got []recorded
}

func (r *testReceiver) ReceiveMessage(remote Address, stamp, buf []byte) {
	r.got = append(r.got, recorded{
		remote: remote,
		stamp:  append([]byte(nil), stamp...),
		body:   append([]byte(nil), buf...),
	})
}

func newSim(t *testing.T) *Simulated {
	t.Helper()
	sim, err := NewSimulated(log.NewNoOpLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return sim
}

func twoReplicaConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg, err := config.ParseString("f 0\nreplica r0 1\nreplica r1 1\n")
	require.NoError(t, err)
	return cfg
}

func TestAddressRoundTrip(t *testing.T) {
	require := require.New(t)

	a := Address{Host: "10.0.0.1", Port: "12345"}
	require.Equal(a, ParseAddress(a.String()))
	require.True(Address{Host: "a", Port: "2"}.Less(Address{Host: "b", Port: "1"}))
	require.True(Address{Host: "a", Port: "1"}.Less(Address{Host: "a", Port: "2"}))
}

func TestSimDelivery(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	cfg := twoReplicaConfig(t)

	r0 := &testReceiver{}
	r1 := &testReceiver{}
	sim.RegisterReplica(r0, cfg, 0, 0)
	sim.RegisterReplica(r1, cfg, 0, 1)

	sent := sim.SendToReplica(r0, 1, &wire.ToReplicaMessage{
		Request: &wire.RequestMessage{Req: wire.Request{Op: []byte("hi"), ClientID: 1, ClientReqID: 1}},
	})
	require.True(sent)
	sim.Run()

	require.Len(r1.got, 1)
	require.Empty(r1.got[0].stamp)

	var out wire.ToReplicaMessage
	require.NoError(out.Unmarshal(r1.got[0].body))
	require.NotNil(out.Request)
	require.Equal([]byte("hi"), out.Request.Req.Op)
	require.Empty(r0.got)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	cfg := twoReplicaConfig(t)
	sim.RegisterReplica(&testReceiver{}, cfg, 0, 0)
	require.Panics(func() {
		sim.RegisterReplica(&testReceiver{}, cfg, 0, 0)
	})
}

func TestTimerOrder(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	var fired []string

	sim.Timer(20*time.Millisecond, func() { fired = append(fired, "late") })
	sim.Timer(10*time.Millisecond, func() { fired = append(fired, "early") })
	// Equal deadlines fire in registration order.
	sim.Timer(15*time.Millisecond, func() { fired = append(fired, "tie1") })
	sim.Timer(15*time.Millisecond, func() { fired = append(fired, "tie2") })

	sim.Run()
	require.Equal([]string{"early", "tie1", "tie2", "late"}, fired)
	require.Equal(20*time.Millisecond, sim.Clock())
}

func TestCancelTimerIdempotent(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	fired := false
	id := sim.Timer(10*time.Millisecond, func() { fired = true })

	require.True(sim.CancelTimer(id))
	require.False(sim.CancelTimer(id))
	require.False(sim.CancelTimer(id))

	sim.Run()
	require.False(fired)
}

func TestCancelInsideCallback(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	var cancelled bool
	var id TimerID
	id = sim.Timer(5*time.Millisecond, func() {
		// The firing timer is consumed; self-cancel is a no-op.
		cancelled = sim.CancelTimer(id)
	})
	sim.Run()
	require.False(cancelled)
}

func TestCancelAllTimers(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	count := 0
	sim.Timer(time.Millisecond, func() { count++ })
	sim.Timer(2*time.Millisecond, func() { count++ })
	sim.CancelAllTimers()
	sim.Run()
	require.Zero(count)
}

func TestRunFor(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	var fired []string
	sim.Timer(10*time.Millisecond, func() { fired = append(fired, "a") })
	sim.Timer(30*time.Millisecond, func() { fired = append(fired, "b") })

	sim.RunFor(20 * time.Millisecond)
	require.Equal([]string{"a"}, fired)
	require.Equal(20*time.Millisecond, sim.Clock())

	sim.RunFor(20 * time.Millisecond)
	require.Equal([]string{"a", "b"}, fired)
}

func TestFilterDropAndRestore(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	cfg := twoReplicaConfig(t)
	r0 := &testReceiver{}
	r1 := &testReceiver{}
	sim.RegisterReplica(r0, cfg, 0, 0)
	sim.RegisterReplica(r1, cfg, 0, 1)

	sim.AddFilter(10, func(src, dst Address, m wire.Message, delay *time.Duration) bool {
		return false
	})
	msg := &wire.ToReplicaMessage{
		Request: &wire.RequestMessage{Req: wire.Request{Op: []byte("x"), ClientID: 1, ClientReqID: 1}},
	}
	sim.SendToReplica(r0, 1, msg)
	sim.Run()
	require.Empty(r1.got)

	sim.RemoveFilter(10)
	sim.SendToReplica(r0, 1, msg)
	sim.Run()
	require.Len(r1.got, 1)
}

func TestSendToFC(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	cfg, err := config.ParseString("f 0\nreplica r0 1\nfc fc0 9\n")
	require.NoError(err)

	r0 := &testReceiver{}
	fc := &testReceiver{}
	sim.RegisterReplica(r0, cfg, 0, 0)
	fcAddr := AddressOf(*cfg.FC)
	sim.RegisterAddress(fc, cfg, &fcAddr)

	msg := &wire.ToReplicaMessage{
		Request: &wire.RequestMessage{Req: wire.Request{Op: []byte("fail"), ClientID: 1, ClientReqID: 1}},
	}
	require.True(sim.SendToFC(r0, msg))
	sim.Run()
	require.Len(fc.got, 1)
}

func TestFilterDelayAndReplace(t *testing.T) {
	require := require.New(t)

	sim := newSim(t)
	cfg := twoReplicaConfig(t)
	r0 := &testReceiver{}
	r1 := &testReceiver{}
	sim.RegisterReplica(r0, cfg, 0, 0)
	sim.RegisterReplica(r1, cfg, 0, 1)

	sim.AddFilter(1, func(src, dst Address, m wire.Message, delay *time.Duration) bool {
		*delay = 50 * time.Millisecond
		return true
	})
	// Same id replaces: the 50 ms delay filter never survives.
	sim.AddFilter(1, func(src, dst Address, m wire.Message, delay *time.Duration) bool {
		*delay = 5 * time.Millisecond
		return true
	})

	msg := &wire.ToReplicaMessage{
		Request: &wire.RequestMessage{Req: wire.Request{Op: []byte("x"), ClientID: 1, ClientReqID: 1}},
	}
	sim.SendToReplica(r0, 1, msg)
	sim.RunFor(4 * time.Millisecond)
	require.Empty(r1.got)
	sim.RunFor(2 * time.Millisecond)
	require.Len(r1.got, 1)
}
