// Package webrtc implements [transport.Transport] over a WebRTC data channel
// opened with pion/webrtc.
//
// The channel is negotiated unordered with zero retransmits, so it behaves
// like UDP with DTLS on top and ICE for NAT traversal. Session setup runs
// over a small WebSocket signaling exchange: the dialing side sends one SDP
// offer with all ICE candidates gathered, the accepting side replies with
// one answer, and the socket closes.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"

	"github.com/MrWong99/opuslink/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport     = (*Peer)(nil)
	_ transport.StatsReporter = (*Peer)(nil)
)

const (
	// DataChannelLabel names the channel carrying audio packets.
	DataChannelLabel = "opus"

	inboxSize = 64

	// maxBufferedAmount is how many bytes may sit in the SCTP send queue
	// before Send starts dropping. Roughly 200 ms of high-bitrate audio.
	maxBufferedAmount = 64 * 1024
)

var (
	// ErrNotOpen is returned by Send before the data channel opens.
	ErrNotOpen = errors.New("webrtc: data channel not open")

	// ErrCongested is returned by Send when the SCTP queue is backed up.
	ErrCongested = errors.New("webrtc: send queue congested")
)

// Config holds ICE settings shared by both signaling roles.
type Config struct {
	// ICEServers lists STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string

	// IncludeLoopback gathers 127.0.0.1 candidates; needed when both
	// peers run on one machine without another interface.
	IncludeLoopback bool
}

func (c Config) api() *pion.API {
	var se pion.SettingEngine
	se.SetIncludeLoopbackCandidate(c.IncludeLoopback)
	return pion.NewAPI(pion.WithSettingEngine(se))
}

func (c Config) configuration() pion.Configuration {
	var cfg pion.Configuration
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []pion.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}

// Peer is one end of an established data channel session.
type Peer struct {
	id     string
	pc     *pion.PeerConnection
	dc     atomic.Pointer[pion.DataChannel]
	inbox  chan []byte
	cur    []byte
	logger *slog.Logger

	open     chan struct{}
	openOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	closeOnce sync.Once
	closeErr  error

	sent     atomic.Uint64
	sendErrs atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

func newPeer(cfg Config, id string) (*Peer, error) {
	pc, err := cfg.api().NewPeerConnection(cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}
	p := &Peer{
		id:     id,
		pc:     pc,
		inbox:  make(chan []byte, inboxSize),
		logger: slog.Default().With("transport", "webrtc", "session_id", id),
		open:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		p.logger.Info("peer connection state changed", "state", s.String())
		switch s {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			p.markDone()
		}
	})
	return p, nil
}

// attach wires dc's callbacks into the peer.
func (p *Peer) attach(dc *pion.DataChannel) {
	if dc.Label() != DataChannelLabel {
		p.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
		return
	}
	p.dc.Store(dc)
	dc.OnOpen(func() {
		p.logger.Info("data channel open")
		p.openOnce.Do(func() { close(p.open) })
	})
	dc.OnClose(p.markDone)
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		pkt := append([]byte(nil), msg.Data...)
		select {
		case p.inbox <- pkt:
		default:
			p.dropped.Add(1)
		}
	})
}

func (p *Peer) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// ID returns the signaling session identifier.
func (p *Peer) ID() string { return p.id }

// WaitOpen blocks until the data channel is usable.
func (p *Peer) WaitOpen(ctx context.Context) error {
	select {
	case <-p.open:
		return nil
	case <-p.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("webrtc: waiting for data channel: %w", ctx.Err())
	}
}

// Send writes pkt as one unreliable message.
func (p *Peer) Send(pkt []byte) error {
	select {
	case <-p.done:
		p.sendErrs.Add(1)
		return transport.ErrClosed
	default:
	}
	dc := p.dc.Load()
	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		p.sendErrs.Add(1)
		return ErrNotOpen
	}
	if dc.BufferedAmount() > maxBufferedAmount {
		p.sendErrs.Add(1)
		return ErrCongested
	}
	if err := dc.Send(pkt); err != nil {
		p.sendErrs.Add(1)
		return fmt.Errorf("webrtc: send: %w", err)
	}
	p.sent.Add(1)
	return nil
}

// Receive blocks until a message arrives, ctx is done, or the session ends.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.inbox:
		p.received.Add(1)
		p.cur = pkt
		return p.cur, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, transport.ErrClosed
	}
}

// Close tears down the peer connection. Safe to call more than once.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.markDone()
		if err := p.pc.Close(); err != nil {
			p.closeErr = fmt.Errorf("webrtc: close: %w", err)
		}
		p.logger.Info("webrtc transport closed",
			"sent", p.sent.Load(),
			"send_errors", p.sendErrs.Load(),
			"received", p.received.Load(),
			"inbox_drops", p.dropped.Load(),
		)
	})
	return p.closeErr
}

// Stats implements [transport.StatsReporter].
func (p *Peer) Stats() transport.Stats {
	return transport.Stats{
		Sent:     p.sent.Load(),
		SendErrs: p.sendErrs.Load(),
		Received: p.received.Load(),
	}
}
