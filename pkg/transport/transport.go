// Package transport moves opaque encoded packets between two pipeline
// endpoints over an unreliable, unordered network path.
//
// A [Transport] is fire-and-forget: Send never retries and never waits for
// acknowledgement, and Receive delivers packets in arrival order. Loss and
// reordering are the receiver's business; [SequenceTracker] turns the RTP
// sequence numbers added by [Packetizer] into loss and lateness verdicts.
//
// Implementations live in sub-packages: udp (plain datagrams), memory (an
// in-process lossy pair for tests and loopback) and webrtc (an unordered,
// zero-retransmit data channel).
package transport

import (
	"context"
	"errors"
)

// MTU bounds a single datagram on the wire.
const MTU = 1500

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport: closed")

// Transport is the send/receive surface of one network endpoint.
//
// Send may be called from one goroutine while Receive is called from another.
// Implementations must be safe for that split; neither method is required to
// be safe for concurrent use with itself.
type Transport interface {
	// Send hands one packet to the network. It must not block on the peer;
	// a full socket or link drops the packet and may return an error.
	Send(pkt []byte) error

	// Receive blocks until a packet arrives, ctx is done, or the transport
	// is closed. The returned slice is only valid until the next call.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the endpoint. Safe to call more than once.
	Close() error
}

// Stats counts packets crossing a transport endpoint.
type Stats struct {
	Sent     uint64
	SendErrs uint64
	Received uint64
}

// StatsReporter is implemented by transports that count their traffic.
type StatsReporter interface {
	Stats() Stats
}
