// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"container/heap"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/smr/config"
	"github.com/luxfi/smr/wire"
)

// Filter inspects a datagram in flight on a simulated transport. It
// may veto delivery by returning false, or delay it by raising *delay.
// Filters run in id order; registering a filter under an existing id
// replaces it.
type Filter func(src, dst Address, m wire.Message, delay *time.Duration) bool

var _ Transport = (*Simulated)(nil)

// Simulated is the in-memory transport for deterministic tests. It
// keeps a virtual clock and advances it between event batches; nothing
// ever blocks on wall time.
type Simulated struct {
	log     log.Logger
	metrics *transportMetrics

	clock   time.Duration
	stopped bool
	cfg     *config.Configuration

	receivers  map[Address]Receiver
	addrOf     map[Receiver]Address
	multicast  []Receiver
	mcastAddr  *Address
	ephemerals uint64

	queue  deliveryHeap
	seq    uint64
	timers *timerQueue

	filters []filterEntry
}

type filterEntry struct {
	id     int
	filter Filter
}

type delivery struct {
	at       time.Duration
	seq      uint64
	src, dst Address
	buf      []byte
}

// NewSimulated builds a simulated transport.
func NewSimulated(logger log.Logger, registerer prometheus.Registerer) (*Simulated, error) {
	m, err := newTransportMetrics(registerer)
	if err != nil {
		return nil, err
	}
	return &Simulated{
		log:       logger,
		metrics:   m,
		receivers: make(map[Address]Receiver),
		addrOf:    make(map[Receiver]Address),
		timers:    newTimerQueue(),
	}, nil
}

func (t *Simulated) RegisterReplica(r Receiver, cfg *config.Configuration, group, idx int) {
	t.cfg = cfg
	ra, err := cfg.Replica(group, idx)
	if err != nil {
		panic(err)
	}
	t.bind(r, AddressOf(ra))
}

func (t *Simulated) RegisterAddress(r Receiver, cfg *config.Configuration, addr *Address) Address {
	t.cfg = cfg
	if addr == nil {
		t.ephemerals++
		a := Address{Host: "sim", Port: strconv.FormatUint(t.ephemerals, 10)}
		t.bind(r, a)
		return a
	}
	t.bind(r, *addr)
	return *addr
}

func (t *Simulated) bind(r Receiver, a Address) {
	if _, ok := t.receivers[a]; ok {
		panic(fmt.Sprintf("duplicate address registration: %s", a))
	}
	t.receivers[a] = r
	t.addrOf[r] = a
}

func (t *Simulated) ListenOnMulticast(r Receiver, cfg *config.Configuration) {
	t.cfg = cfg
	if cfg.Multicast == nil {
		return
	}
	a := AddressOf(*cfg.Multicast)
	t.mcastAddr = &a
	t.multicast = append(t.multicast, r)
}

// AddFilter installs f under id. Filters run in ascending id order;
// equal id replaces.
func (t *Simulated) AddFilter(id int, f Filter) {
	for i := range t.filters {
		if t.filters[i].id == id {
			t.filters[i].filter = f
			return
		}
	}
	t.filters = append(t.filters, filterEntry{id: id, filter: f})
	sort.Slice(t.filters, func(i, j int) bool { return t.filters[i].id < t.filters[j].id })
}

// RemoveFilter uninstalls the filter under id, if any.
func (t *Simulated) RemoveFilter(id int) {
	for i := range t.filters {
		if t.filters[i].id == id {
			t.filters = append(t.filters[:i], t.filters[i+1:]...)
			return
		}
	}
}

func (t *Simulated) enqueue(src, dst Address, m wire.Message, buf []byte) bool {
	delay := time.Duration(0)
	for _, fe := range t.filters {
		if !fe.filter(src, dst, m, &delay) {
			t.metrics.messagesDropped.Inc()
			t.log.Debug("filter dropped datagram",
				zap.Stringer("src", src),
				zap.Stringer("dst", dst),
			)
			return true // handed to the wire, then lost
		}
	}
	t.seq++
	heap.Push(&t.queue, &delivery{
		at:  t.clock + delay,
		seq: t.seq,
		src: src,
		dst: dst,
		buf: buf,
	})
	t.metrics.messagesSent.Inc()
	return true
}

func (t *Simulated) sendFramed(src Receiver, dst Address, m wire.Message, stamp []byte) bool {
	srcAddr, ok := t.addrOf[src]
	if !ok {
		t.log.Warn("send from unregistered receiver")
		return false
	}
	return t.enqueue(srcAddr, dst, m, wire.Frame(stamp, m.Marshal()))
}

func (t *Simulated) Send(src Receiver, dst Address, m wire.Message) bool {
	return t.sendFramed(src, dst, m, nil)
}

func (t *Simulated) SendToReplica(src Receiver, idx int, m wire.Message) bool {
	return t.SendToGroupReplica(src, 0, idx, m)
}

func (t *Simulated) SendToGroupReplica(src Receiver, group, idx int, m wire.Message) bool {
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

func (t *Simulated) SendToAll(src Receiver, m wire.Message) bool {
	return t.SendToGroup(src, 0, m)
}

func (t *Simulated) SendToGroup(src Receiver, group int, m wire.Message) bool {
	return t.SendToGroups(src, []int{group}, m)
}

func (t *Simulated) SendToGroups(src Receiver, groups []int, m wire.Message) bool {
	cfg := t.cfg
	if cfg == nil {
		return false
	}
	srcAddr := t.addrOf[src]
	ok := true
	for _, g := range groups {
		for idx := 0; idx < cfg.NumReplicas(); idx++ {
			ra, err := cfg.Replica(g, idx)
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

func (t *Simulated) SendToAllGroups(src Receiver, m wire.Message) bool {
	cfg := t.cfg
	if cfg == nil {
		return false
	}
	groups := make([]int, cfg.NumGroups())
	for i := range groups {
		groups[i] = i
	}
	return t.SendToGroups(src, groups, m)
}

func (t *Simulated) SendToFC(src Receiver, m wire.Message) bool {
	cfg := t.cfg
	if cfg == nil || cfg.FC == nil {
		t.log.Warn("no failure coordinator configured")
		return false
	}
	return t.sendFramed(src, AddressOf(*cfg.FC), m, nil)
}

func (t *Simulated) OrderedMulticast(src Receiver, groups []int, m wire.Message) bool {
	cfg := t.cfg
	if cfg == nil {
		return false
	}
	stamp := zeroStamp(groups)
	if cfg.NumSequencers() > 0 {
		sa, _ := cfg.Sequencer(0)
		if _, bound := t.receivers[AddressOf(sa)]; bound {
			return t.sendFramed(src, AddressOf(sa), m, stamp)
		}
	}
	// No sequencer in path; fall back to plain multicast.
	return t.SendToGroups(src, groups, m)
}

// zeroStamp reserves stamp space for the sequencer to fill in flight.
func zeroStamp(groups []int) []byte {
	if len(groups) <= 1 {
		return wire.Stamp{}.Bytes()
	}
	ms := wire.Multistamp{Groups: make([]wire.GroupStamp, len(groups))}
	for i, g := range groups {
		ms.Groups[i].Group = uint32(g)
	}
	return ms.Bytes()
}

func (t *Simulated) SendBuffer(src Receiver, dst Address, buf []byte) bool {
	srcAddr, ok := t.addrOf[src]
	if !ok {
		return false
	}
	return t.enqueue(srcAddr, dst, &wire.BufferMessage{Buf: buf}, buf)
}

func (t *Simulated) SendBufferToAll(src Receiver, buf []byte) bool {
	cfg := t.cfg
	if cfg == nil {
		return false
	}
	srcAddr := t.addrOf[src]
	ok := true
	for g := 0; g < cfg.NumGroups(); g++ {
		for idx := 0; idx < cfg.NumReplicas(); idx++ {
			ra, _ := cfg.Replica(g, idx)
			dst := AddressOf(ra)
			if dst == srcAddr {
				continue
			}
			ok = t.enqueue(srcAddr, dst, &wire.BufferMessage{Buf: buf}, buf) && ok
		}
	}
	return ok
}

func (t *Simulated) Timer(delay time.Duration, cb func()) TimerID {
	return t.timers.schedule(t.clock+delay, cb)
}

func (t *Simulated) CancelTimer(id TimerID) bool {
	return t.timers.cancel(id)
}

func (t *Simulated) CancelAllTimers() {
	t.timers.cancelAll()
}

// Run dispatches until every delivery and timer has drained or Stop is
// called. The virtual clock jumps to each event's time.
func (t *Simulated) Run() {
	t.stopped = false
	for !t.stopped {
		if !t.step(0, false) {
			return
		}
	}
}

// RunFor dispatches events due within d of the current virtual time,
// then advances the clock to that horizon. Pending later events stay
// queued, so successive RunFor calls compose.
func (t *Simulated) RunFor(d time.Duration) {
	t.stopped = false
	horizon := t.clock + d
	for !t.stopped {
		if !t.step(horizon, true) {
			break
		}
	}
	if !t.stopped && t.clock < horizon {
		t.clock = horizon
	}
}

// step dispatches the single earliest event. Deliveries win ties with
// timers at the same instant; equal-deadline timers fire in
// registration order.
func (t *Simulated) step(horizon time.Duration, bounded bool) bool {
	var (
		nextDelivery *delivery
		deliveryAt   time.Duration
	)
	if len(t.queue) > 0 {
		nextDelivery = t.queue[0]
		deliveryAt = nextDelivery.at
	}
	timerAt, haveTimer := t.timers.next()

	switch {
	case nextDelivery == nil && !haveTimer:
		return false
	case nextDelivery != nil && (!haveTimer || deliveryAt <= timerAt):
		if bounded && deliveryAt > horizon {
			return false
		}
		heap.Pop(&t.queue)
		if t.clock < deliveryAt {
			t.clock = deliveryAt
		}
		t.dispatch(nextDelivery)
	default:
		if bounded && timerAt > horizon {
			return false
		}
		if t.clock < timerAt {
			t.clock = timerAt
		}
		if e, ok := t.timers.pop(t.clock); ok {
			t.metrics.timersFired.Inc()
			e.cb()
		}
	}
	return true
}

func (t *Simulated) Stop() {
	t.stopped = true
}

// Clock returns the current virtual time.
func (t *Simulated) Clock() time.Duration {
	return t.clock
}

func (t *Simulated) dispatch(d *delivery) {
	if t.mcastAddr != nil && d.dst == *t.mcastAddr {
		for _, r := range t.multicast {
			t.deliverTo(r, d)
		}
		return
	}
	r, ok := t.receivers[d.dst]
	if !ok {
		t.metrics.messagesDropped.Inc()
		t.log.Debug("datagram for unbound address",
			zap.Stringer("dst", d.dst),
		)
		return
	}
	t.deliverTo(r, d)
}

func (t *Simulated) deliverTo(r Receiver, d *delivery) {
	t.metrics.messagesDelivered.Inc()
	if raw, ok := r.(RawReceiver); ok {
		raw.ReceiveBuffer(d.src, d.buf)
		return
	}
	stamp, body, err := wire.ParseFrame(d.buf)
	if err != nil {
		t.metrics.messagesDropped.Inc()
		t.log.Warn("malformed frame", zap.Error(err))
		return
	}
	r.ReceiveMessage(d.src, stamp, body)
}

type deliveryHeap []*delivery

func (h deliveryHeap) Len() int { return len(h) }

func (h deliveryHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deliveryHeap) Push(x any) { *h = append(*h, x.(*delivery)) }

func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}
