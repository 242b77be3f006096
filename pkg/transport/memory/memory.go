// Package memory provides an in-process [transport.Transport] pair with
// configurable packet loss. It backs loopback mode and tests that need a
// deterministic lossy network without sockets.
package memory

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/opuslink/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport     = (*Endpoint)(nil)
	_ transport.StatsReporter = (*Endpoint)(nil)
)

const defaultBuffer = 64

// Option configures a pair created by [NewPair].
type Option func(*options)

type options struct {
	buffer    int
	lossRate  float64
	seed      uint64
	dropEvery int
}

// WithBuffer sets how many packets each direction holds before Send starts
// dropping. Defaults to 64.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithLoss drops each packet independently with probability rate, using a
// PRNG seeded with seed so runs are reproducible.
func WithLoss(rate float64, seed uint64) Option {
	return func(o *options) {
		o.lossRate = rate
		o.seed = seed
	}
}

// WithDropEvery drops every n-th packet sent in each direction.
func WithDropEvery(n int) Option {
	return func(o *options) {
		o.dropEvery = n
	}
}

// Endpoint is one side of a linked pair.
type Endpoint struct {
	inbox chan []byte
	peer  *Endpoint
	cur   []byte

	opts  options
	rng   *rand.Rand
	count int

	done      chan struct{}
	closeOnce sync.Once

	sent     atomic.Uint64
	sendErrs atomic.Uint64
	dropped  atomic.Uint64
	received atomic.Uint64
}

// NewPair returns two endpoints wired back to back: what a sends, b
// receives, and vice versa.
func NewPair(opts ...Option) (a, b *Endpoint) {
	o := options{buffer: defaultBuffer}
	for _, fn := range opts {
		fn(&o)
	}
	a = newEndpoint(o, o.seed)
	b = newEndpoint(o, o.seed+1)
	a.peer, b.peer = b, a
	return a, b
}

func newEndpoint(o options, seed uint64) *Endpoint {
	return &Endpoint{
		inbox: make(chan []byte, o.buffer),
		opts:  o,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		done:  make(chan struct{}),
	}
}

// Send copies pkt to the peer. Packets chosen by the loss model, or that
// find the peer's buffer full, are dropped silently and counted.
func (e *Endpoint) Send(pkt []byte) error {
	select {
	case <-e.done:
		e.sendErrs.Add(1)
		return transport.ErrClosed
	default:
	}
	e.sent.Add(1)
	e.count++
	if e.lose() {
		e.dropped.Add(1)
		return nil
	}
	select {
	case <-e.peer.done:
		e.dropped.Add(1)
		return nil
	default:
	}
	select {
	case e.peer.inbox <- append([]byte(nil), pkt...):
	default:
		e.dropped.Add(1)
	}
	return nil
}

func (e *Endpoint) lose() bool {
	if e.opts.dropEvery > 0 && e.count%e.opts.dropEvery == 0 {
		return true
	}
	return e.opts.lossRate > 0 && e.rng.Float64() < e.opts.lossRate
}

// Receive blocks until the peer's next packet, ctx is done, or either side
// closes. Packets already queued when the peer closes are still delivered.
func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-e.inbox:
		return e.deliver(pkt), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, transport.ErrClosed
	case <-e.peer.done:
		select {
		case pkt := <-e.inbox:
			return e.deliver(pkt), nil
		default:
			return nil, transport.ErrClosed
		}
	}
}

func (e *Endpoint) deliver(pkt []byte) []byte {
	e.received.Add(1)
	e.cur = pkt
	return e.cur
}

// Close shuts this endpoint down. The peer's Receive returns
// [transport.ErrClosed] once it has drained what was already queued.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// Stats implements [transport.StatsReporter].
func (e *Endpoint) Stats() transport.Stats {
	return transport.Stats{
		Sent:     e.sent.Load(),
		SendErrs: e.sendErrs.Load(),
		Received: e.received.Load(),
	}
}

// Dropped returns how many packets this endpoint sent that never reached
// the peer.
func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }
