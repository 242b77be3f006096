package transport

import "sync/atomic"

// Arrival classifies a received packet relative to the stream so far.
type Arrival int

const (
	// ArrivalFirst is the first packet of a stream.
	ArrivalFirst Arrival = iota
	// ArrivalInOrder is the packet that was expected next.
	ArrivalInOrder
	// ArrivalGap means one or more packets before this one never arrived.
	ArrivalGap
	// ArrivalLate is a packet older than one already seen, or a duplicate.
	ArrivalLate
	// ArrivalResync means the sequence jumped too far to be loss (sender
	// restart or a new SSRC); tracking restarts from this packet.
	ArrivalResync
)

// String returns the lower-case name of the arrival kind.
func (a Arrival) String() string {
	switch a {
	case ArrivalFirst:
		return "first"
	case ArrivalInOrder:
		return "in_order"
	case ArrivalGap:
		return "gap"
	case ArrivalLate:
		return "late"
	case ArrivalResync:
		return "resync"
	default:
		return "unknown"
	}
}

// DefaultResyncThreshold is the sequence distance beyond which a jump is
// treated as a new stream rather than loss.
const DefaultResyncThreshold = 1000

// SequenceStats counts what a [SequenceTracker] has seen.
type SequenceStats struct {
	Received uint64
	Lost     uint64
	Late     uint64
	Resyncs  uint64
}

// SequenceTracker detects loss and lateness from RTP sequence numbers. It
// never reorders: the caller still handles every packet in arrival order
// and only uses the verdict to decide how many frames to conceal first.
//
// Owned by the receive goroutine; Stats is safe from any goroutine.
type SequenceTracker struct {
	resync int

	started  bool
	ssrc     uint32
	expected uint16

	received atomic.Uint64
	lost     atomic.Uint64
	late     atomic.Uint64
	resyncs  atomic.Uint64
}

// NewSequenceTracker returns a tracker. threshold <= 0 selects
// [DefaultResyncThreshold].
func NewSequenceTracker(threshold int) *SequenceTracker {
	if threshold <= 0 {
		threshold = DefaultResyncThreshold
	}
	return &SequenceTracker{resync: threshold}
}

// Observe records a packet and returns its classification. For
// [ArrivalGap], missing is the number of packets skipped.
func (t *SequenceTracker) Observe(ssrc uint32, seq uint16) (kind Arrival, missing int) {
	t.received.Add(1)
	switch {
	case !t.started:
		t.started = true
		t.ssrc = ssrc
		t.expected = seq + 1
		return ArrivalFirst, 0
	case ssrc != t.ssrc:
		t.ssrc = ssrc
		t.expected = seq + 1
		t.resyncs.Add(1)
		return ArrivalResync, 0
	}

	delta := int(int16(seq - t.expected))
	switch {
	case delta == 0:
		t.expected = seq + 1
		return ArrivalInOrder, 0
	case delta > 0 && delta <= t.resync:
		t.expected = seq + 1
		t.lost.Add(uint64(delta))
		return ArrivalGap, delta
	case delta < 0 && -delta <= t.resync:
		t.late.Add(1)
		return ArrivalLate, 0
	default:
		t.expected = seq + 1
		t.resyncs.Add(1)
		return ArrivalResync, 0
	}
}

// Reset forgets the stream so the next packet is treated as the first.
func (t *SequenceTracker) Reset() {
	t.started = false
}

// Stats returns cumulative counters.
func (t *SequenceTracker) Stats() SequenceStats {
	return SequenceStats{
		Received: t.received.Load(),
		Lost:     t.lost.Load(),
		Late:     t.late.Load(),
		Resyncs:  t.resyncs.Load(),
	}
}
