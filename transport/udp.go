// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/wire"
)

// maxDatagram is the largest UDP payload we hand to the kernel.
// Fragmentation below that is the kernel's problem; this transport
// never fragments on its own.
const maxDatagram = 65507

var _ Transport = (*UDP)(nil)

// UDP is the datagram transport for real deployments. Reader
// goroutines funnel packets into a single run loop, so receiver and
// timer callbacks serialize exactly as on the simulated transport.
type UDP struct {
	log     log.Logger
	metrics *transportMetrics
	cfg     *config.Configuration

	start time.Time

	// mu guards the timer queue: Timer and CancelTimer are callable
	// from the run loop while reader goroutines are live.
	mu     sync.Mutex
	timers *timerQueue

	conns      map[Address]*net.UDPConn
	mcastConns []*net.UDPConn
	receivers  map[Address]Receiver
	addrOf     map[Receiver]Address

	events chan udpEvent
	stopCh chan struct{}
	wake   chan struct{}
}

type udpEvent struct {
	rcv    Receiver
	remote Address
	buf    []byte
}

// NewUDP builds a UDP transport.
func NewUDP(logger log.Logger, registerer prometheus.Registerer) (*UDP, error) {
	m, err := newTransportMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &UDP{
		log:       logger,
		metrics:   m,
		start:     time.Now(),
		timers:    newTimerQueue(),
		conns:     make(map[Address]*net.UDPConn),
		receivers: make(map[Address]Receiver),
		addrOf:    make(map[Receiver]Address),
		events:    make(chan udpEvent, 1024),
		stopCh:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}, nil
}

func (t *UDP) RegisterReplica(r Receiver, cfg *config.Configuration, group, idx int) {
	t.cfg = cfg
	ra, err := cfg.Replica(group, idx)
	if err != nil {
		panic(err)
	}
	if err := t.bind(r, AddressOf(ra)); err != nil {
		panic(err)
	}
}

func (t *UDP) RegisterAddress(r Receiver, cfg *config.Configuration, addr *Address) Address {
	t.cfg = cfg
	want := Address{Host: "0.0.0.0", Port: "0"}
	if addr != nil {
		want = *addr
	}
	bound, err := t.bindEphemeral(r, want)
	if err != nil {
		panic(err)
	}
	return bound
}

func (t *UDP) bind(r Receiver, a Address) error {
	if _, ok := t.receivers[a]; ok {
		return fmt.Errorf("duplicate address registration: %s", a)
	}
	ua, err := net.ResolveUDPAddr("udp", a.String())
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return err
	}
	t.conns[a] = conn
	t.receivers[a] = r
	t.addrOf[r] = a
	go t.readLoopFor(conn, r)
	return nil
}

func (t *UDP) bindEphemeral(r Receiver, want Address) (Address, error) {
	ua, err := net.ResolveUDPAddr("udp", want.String())
	if err != nil {
		return Address{}, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return Address{}, err
	}
	local := conn.LocalAddr().(*net.UDPAddr)
	bound := Address{Host: local.IP.String(), Port: fmt.Sprint(local.Port)}
	if _, ok := t.receivers[bound]; ok {
		conn.Close()
		return Address{}, fmt.Errorf("duplicate address registration: %s", bound)
	}
	t.conns[bound] = conn
	t.receivers[bound] = r
	t.addrOf[r] = bound
	go t.readLoopFor(conn, r)
	return bound, nil
}

func (t *UDP) ListenOnMulticast(r Receiver, cfg *config.Configuration) {
	t.cfg = cfg
	if cfg.Multicast == nil {
		return
	}
	ua, err := net.ResolveUDPAddr("udp", AddressOf(*cfg.Multicast).String())
	if err != nil {
		t.log.Warn("bad multicast address", zap.Error(err))
		return
	}
	conn, err := net.ListenMulticastUDP("udp", nil, ua)
	if err != nil {
		t.log.Warn("multicast join failed", zap.Error(err))
		return
	}
	t.mcastConns = append(t.mcastConns, conn)
	go t.readLoopFor(conn, r)
}

// readLoopFor reads until the socket closes, funneling packets for r
// onto the run loop.
func (t *UDP) readLoopFor(conn *net.UDPConn, r Receiver) {
	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("udp read failed", zap.Error(err))
			}
			return
		}
		owned := make([]byte, n)
		copy(owned, buf[:n])
		ev := udpEvent{
			rcv:    r,
			remote: Address{Host: remote.IP.String(), Port: fmt.Sprint(remote.Port)},
			buf:    owned,
		}
		select {
		case t.events <- ev:
		case <-t.stopCh:
			return
		}
	}
}

func (t *UDP) writeTo(src Receiver, dst Address, buf []byte) bool {
	srcAddr, ok := t.addrOf[src]
	if !ok {
		t.log.Warn("send from unregistered receiver")
		return false
	}
	conn := t.conns[srcAddr]
	if conn == nil {
		return false
	}
	ua, err := net.ResolveUDPAddr("udp", dst.String())
	if err != nil {
		t.log.Warn("bad destination address", zap.Error(err))
		return false
	}
	if len(buf) > maxDatagram {
		t.log.Warn("datagram too large",
			zap.Int("size", len(buf)),
			zap.Stringer("dst", dst),
		)
		return false
	}
	if _, err := conn.WriteToUDP(buf, ua); err != nil {
		t.metrics.messagesDropped.Inc()
		t.log.Warn("udp write failed", zap.Error(err))
		return false
	}
	t.metrics.messagesSent.Inc()
	return true
}

func (t *UDP) sendFramed(src Receiver, dst Address, m wire.Message, stamp []byte) bool {
	return t.writeTo(src, dst, wire.Frame(stamp, m.Marshal()))
}

func (t *UDP) Send(src Receiver, dst Address, m wire.Message) bool {
	return t.sendFramed(src, dst, m, nil)
}

func (t *UDP) SendToReplica(src Receiver, idx int, m wire.Message) bool {
	return t.SendToGroupReplica(src, 0, idx, m)
}

func (t *UDP) SendToGroupReplica(src Receiver, group, idx int, m wire.Message) bool {
	if t.cfg == nil {
		return false
	}
	ra, err := t.cfg.Replica(group, idx)
	if err != nil {
		t.log.Warn("send to unknown replica", zap.Error(err))
		return false
	}
	return t.sendFramed(src, AddressOf(ra), m, nil)
}

func (t *UDP) SendToAll(src Receiver, m wire.Message) bool {
	return t.SendToGroup(src, 0, m)
}

func (t *UDP) SendToGroup(src Receiver, group int, m wire.Message) bool {
	return t.SendToGroups(src, []int{group}, m)
}

func (t *UDP) SendToGroups(src Receiver, groups []int, m wire.Message) bool {
	if t.cfg == nil {
		return false
	}
	// One multicast datagram reaches the whole cluster when the
	// configuration has a group address.
	if t.cfg.Multicast != nil {
		return t.sendFramed(src, AddressOf(*t.cfg.Multicast), m, nil)
	}
	srcAddr := t.addrOf[src]
	ok := true
	for _, g := range groups {
		for idx := 0; idx < t.cfg.NumReplicas(); idx++ {
			ra, err := t.cfg.Replica(g, idx)
			if err != nil {
				ok = false
				continue
			}
			dst := AddressOf(ra)
			if dst == srcAddr {
				continue
			}
			ok = t.sendFramed(src, dst, m, nil) && ok
		}
	}
	return ok
}

func (t *UDP) SendToAllGroups(src Receiver, m wire.Message) bool {
	if t.cfg == nil {
		return false
	}
	groups := make([]int, t.cfg.NumGroups())
	for i := range groups {
		groups[i] = i
	}
	return t.SendToGroups(src, groups, m)
}

func (t *UDP) SendToFC(src Receiver, m wire.Message) bool {
	if t.cfg == nil || t.cfg.FC == nil {
		t.log.Warn("no failure coordinator configured")
		return false
	}
	return t.sendFramed(src, AddressOf(*t.cfg.FC), m, nil)
}

func (t *UDP) OrderedMulticast(src Receiver, groups []int, m wire.Message) bool {
	if t.cfg == nil {
		return false
	}
	if t.cfg.NumSequencers() > 0 {
		sa, _ := t.cfg.Sequencer(0)
		return t.sendFramed(src, AddressOf(sa), m, zeroStamp(groups))
	}
	return t.SendToGroups(src, groups, m)
}

func (t *UDP) SendBuffer(src Receiver, dst Address, buf []byte) bool {
	return t.writeTo(src, dst, buf)
}

func (t *UDP) SendBufferToAll(src Receiver, buf []byte) bool {
	if t.cfg == nil {
		return false
	}
	srcAddr := t.addrOf[src]
	ok := true
	for g := 0; g < t.cfg.NumGroups(); g++ {
		for idx := 0; idx < t.cfg.NumReplicas(); idx++ {
			ra, _ := t.cfg.Replica(g, idx)
			dst := AddressOf(ra)
			if dst == srcAddr {
				continue
			}
			ok = t.writeTo(src, dst, buf) && ok
		}
	}
	return ok
}

func (t *UDP) now() time.Duration {
	return time.Since(t.start)
}

func (t *UDP) Timer(delay time.Duration, cb func()) TimerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.timers.schedule(t.now()+delay, cb)
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return id
}

func (t *UDP) CancelTimer(id TimerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timers.cancel(id)
}

func (t *UDP) CancelAllTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timers.cancelAll()
}

// Run dispatches inbound datagrams and timers on one goroutine until
// Stop is called.
func (t *UDP) Run() {
	for {
		t.mu.Lock()
		deadline, haveTimer := t.timers.next()
		t.mu.Unlock()

		wait := time.Hour
		if haveTimer {
			wait = deadline - t.now()
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)

		select {
		case <-t.stopCh:
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
		case ev := <-t.events:
			timer.Stop()
			t.dispatch(ev)
		case <-timer.C:
			t.fireDueTimers()
		}
	}
}

func (t *UDP) fireDueTimers() {
	for {
		t.mu.Lock()
		e, ok := t.timers.pop(t.now())
		t.mu.Unlock()
		if !ok {
			return
		}
		t.metrics.timersFired.Inc()
		e.cb()
	}
}

func (t *UDP) dispatch(ev udpEvent) {
	t.metrics.messagesDelivered.Inc()
	if raw, ok := ev.rcv.(RawReceiver); ok {
		raw.ReceiveBuffer(ev.remote, ev.buf)
		return
	}
	stamp, body, err := wire.ParseFrame(ev.buf)
	if err != nil {
		t.metrics.messagesDropped.Inc()
		t.log.Warn("malformed frame", zap.Error(err))
		return
	}
	ev.rcv.ReceiveMessage(ev.remote, stamp, body)
}

// Stop makes Run return and closes every socket.
func (t *UDP) Stop() {
	close(t.stopCh)
	for _, conn := range t.conns {
		conn.Close()
	}
	for _, conn := range t.mcastConns {
		conn.Close()
	}
}
