package audio

import (
	"sync"
	"sync/atomic"
)

// PacketQueueStats is a snapshot of a [PacketQueue]'s counters.
type PacketQueueStats struct {
	Pushed    uint64
	Popped    uint64
	Overflows uint64
	Oversized uint64
}

// PacketQueue is the packet-level sibling of [JitterBuffer]: a bounded FIFO
// of encoded packets with the same oldest-discard overflow policy. It hands
// packets from the capture callback, which must never block on socket I/O,
// to the network sender goroutine.
//
// Slots are pre-allocated at [MaxPacketSize]; Push and Pop copy and never
// allocate. Safe for one producer and one consumer.
type PacketQueue struct {
	mu    sync.Mutex
	slots [][]byte
	lens  []int
	head  int
	count int

	ready chan struct{}

	pushed    atomic.Uint64
	popped    atomic.Uint64
	overflows atomic.Uint64
	oversized atomic.Uint64
}

// NewPacketQueue returns a queue holding at most ceiling packets.
func NewPacketQueue(ceiling int) *PacketQueue {
	if ceiling <= 0 {
		ceiling = DefaultJitterCeiling
	}
	backing := make([]byte, MaxPacketSize*ceiling)
	slots := make([][]byte, ceiling)
	for i := range slots {
		slots[i] = backing[i*MaxPacketSize : (i+1)*MaxPacketSize : (i+1)*MaxPacketSize]
	}
	return &PacketQueue{
		slots: slots,
		lens:  make([]int, ceiling),
		ready: make(chan struct{}, 1),
	}
}

// Push appends a copy of pkt. If the queue is full the oldest packet is
// discarded. Packets larger than [MaxPacketSize] are rejected and counted;
// Push reports whether pkt was queued.
func (q *PacketQueue) Push(pkt []byte) bool {
	if len(pkt) > MaxPacketSize {
		q.oversized.Add(1)
		return false
	}
	q.mu.Lock()
	if q.count == len(q.slots) {
		q.head = (q.head + 1) % len(q.slots)
		q.count--
		q.overflows.Add(1)
	}
	tail := (q.head + q.count) % len(q.slots)
	q.lens[tail] = copy(q.slots[tail], pkt)
	q.count++
	q.mu.Unlock()

	q.pushed.Add(1)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop copies the oldest packet into dst and returns dst resliced to the
// packet length. ok is false when the queue is empty. dst should have a
// capacity of at least [MaxPacketSize].
func (q *PacketQueue) Pop(dst []byte) (pkt []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return dst[:0], false
	}
	n := q.lens[q.head]
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	copy(dst, q.slots[q.head][:n])
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	q.popped.Add(1)
	return dst, true
}

// Ready returns a channel that receives a value after a Push. A single
// signal may stand for several packets; consumers drain with Pop until it
// reports empty.
func (q *PacketQueue) Ready() <-chan struct{} { return q.ready }

// Len returns the number of queued packets.
func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Reset discards all queued packets.
func (q *PacketQueue) Reset() {
	q.mu.Lock()
	q.head, q.count = 0, 0
	q.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (q *PacketQueue) Stats() PacketQueueStats {
	return PacketQueueStats{
		Pushed:    q.pushed.Load(),
		Popped:    q.popped.Load(),
		Overflows: q.overflows.Load(),
		Oversized: q.oversized.Load(),
	}
}
