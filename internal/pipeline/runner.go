package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/opuslink/internal/observe"
	"github.com/MrWong99/opuslink/internal/resilience"
	"github.com/MrWong99/opuslink/pkg/audio/device"
	"github.com/MrWong99/opuslink/pkg/transport"
)

// Mode selects which directions a [Runner] wires up.
type Mode string

const (
	// ModeSend captures, encodes, and sends.
	ModeSend Mode = "send"
	// ModeReceive receives, decodes, and plays.
	ModeReceive Mode = "receive"
	// ModeDuplex runs both directions over one transport.
	ModeDuplex Mode = "duplex"
	// ModeLoopback runs both directions over an in-process lossy link.
	ModeLoopback Mode = "loopback"
	// ModeCodec is loopback over a lossless link: capture is encoded and
	// decoded straight back to playback.
	ModeCodec Mode = "codec"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSend, ModeReceive, ModeDuplex, ModeLoopback, ModeCodec:
		return true
	}
	return false
}

// Sends reports whether the mode has a send direction.
func (m Mode) Sends() bool { return m != ModeReceive }

// Receives reports whether the mode has a receive direction.
func (m Mode) Receives() bool { return m != ModeSend }

// InProcess reports whether both directions share the process, so the
// receive side can wait for the send side's last packets on shutdown.
func (m Mode) InProcess() bool { return m == ModeLoopback || m == ModeCodec }

// DefaultDrainTimeout bounds the ordered shutdown of both directions.
const DefaultDrainTimeout = 2 * time.Second

// settle is how long the receive side must see no new packets before an
// in-process shutdown considers the link empty.
const settle = 60 * time.Millisecond

// RunnerConfig selects and tunes the directions of a [Runner].
type RunnerConfig struct {
	Mode         Mode
	Send         SendConfig
	Receive      ReceiveConfig
	DrainTimeout time.Duration
}

// Endpoints are the devices and transports a [Runner] drives. Capture and
// SendTransport are required when the mode sends; Playback and
// ReceiveTransport when it receives. Duplex passes the same transport twice.
type Endpoints struct {
	Capture          device.Capture
	Playback         device.Playback
	SendTransport    transport.Transport
	ReceiveTransport transport.Transport
}

// Stats is a snapshot of every direction a [Runner] owns. A nil field means
// the direction is not part of the mode.
type Stats struct {
	Send    *SendStats    `json:"send,omitempty"`
	Receive *ReceiveStats `json:"receive,omitempty"`
}

// Runner starts the devices and goroutines for a mode, and shuts them down
// in order: capture, send drain, receive drain, playback, goroutines,
// transports.
type Runner struct {
	cfg  RunnerConfig
	ends Endpoints

	send *SendDirection
	recv *ReceiveDirection

	running atomic.Bool
	logger  *slog.Logger
}

// NewRunner validates cfg against ends and builds the directions. Nothing is
// started until [Runner.Run].
func NewRunner(cfg RunnerConfig, ends Endpoints) (*Runner, error) {
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("pipeline: unknown mode %q", cfg.Mode)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	r := &Runner{
		cfg:    cfg,
		ends:   ends,
		logger: slog.Default().With("mode", string(cfg.Mode)),
	}
	if cfg.Mode.Sends() {
		if ends.Capture == nil {
			return nil, fmt.Errorf("pipeline: mode %s needs a capture device", cfg.Mode)
		}
		send, err := NewSendDirection(cfg.Send, ends.Capture.Format(), ends.SendTransport)
		if err != nil {
			return nil, fmt.Errorf("pipeline: send direction: %w", err)
		}
		r.send = send
	}
	if cfg.Mode.Receives() {
		if ends.Playback == nil {
			return nil, fmt.Errorf("pipeline: mode %s needs a playback device", cfg.Mode)
		}
		recv, err := NewReceiveDirection(cfg.Receive, ends.Playback.Format(), ends.ReceiveTransport)
		if err != nil {
			return nil, fmt.Errorf("pipeline: receive direction: %w", err)
		}
		r.recv = recv
	}
	return r, nil
}

// Run starts everything and blocks until ctx is done, a finite capture
// source runs out, or a pipeline goroutine fails. It then shuts down in
// order, bounded by the drain timeout, and returns the first error seen.
func (r *Runner) Run(ctx context.Context) error {
	// Goroutines outlive ctx so the directions can drain after it ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	startErr := r.start(ctx, g, gctx)
	if startErr == nil {
		r.running.Store(true)
		r.logger.Info("pipeline running")
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		case <-r.captureDone():
			r.logger.Info("capture source finished")
		}
	}

	r.running.Store(false)
	stopErr := r.shutdown(ctx)
	cancel()
	r.closeTransports()
	runErr := g.Wait()

	r.logStats()
	return errors.Join(startErr, runErr, stopErr)
}

func (r *Runner) start(ctx context.Context, g *errgroup.Group, gctx context.Context) error {
	if r.recv != nil {
		if err := r.recv.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error { return r.recv.Run(gctx) })
		if err := r.ends.Playback.Start(r.recv.OnPlayback); err != nil {
			return fmt.Errorf("pipeline: start playback: %w", err)
		}
	}
	if r.send != nil {
		if err := r.send.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error { return r.send.Run(gctx) })
		if err := r.ends.Capture.Start(r.send.OnCapture); err != nil {
			return fmt.Errorf("pipeline: start capture: %w", err)
		}
	}
	return nil
}

// shutdown stops devices and directions in order. Every step runs even when
// an earlier one fails.
func (r *Runner) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.DrainTimeout)
	defer cancel()

	var errs []error
	if r.send != nil {
		if err := r.ends.Capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: stop capture: %w", err))
		}
		if err := r.send.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: send drain: %w", err))
		}
	}
	if r.recv != nil {
		if r.send != nil && r.cfg.Mode.InProcess() {
			waitQuiet(ctx, func() uint64 { return r.recv.Stats().Packets })
		}
		if err := r.recv.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: receive drain: %w", err))
		}
		if err := r.ends.Playback.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: stop playback: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) closeTransports() {
	seen := make(map[transport.Transport]bool, 2)
	for _, tr := range []transport.Transport{r.ends.SendTransport, r.ends.ReceiveTransport} {
		if tr == nil || seen[tr] {
			continue
		}
		seen[tr] = true
		if err := tr.Close(); err != nil {
			r.logger.Warn("close transport", "err", err)
		}
	}
}

// captureDone returns the capture device's Done channel when it is finite,
// and nil otherwise (never ready in a select).
func (r *Runner) captureDone() <-chan struct{} {
	if r.send == nil {
		return nil
	}
	if f, ok := r.ends.Capture.(device.Finisher); ok {
		return f.Done()
	}
	return nil
}

// Ready reports whether every direction of the mode is Streaming.
func (r *Runner) Ready() bool {
	if !r.running.Load() {
		return false
	}
	if r.send != nil && !r.send.Lifecycle().Streaming() {
		return false
	}
	if r.recv != nil && !r.recv.Lifecycle().Streaming() {
		return false
	}
	return true
}

// SendBreakerOpen reports whether the send circuit breaker is rejecting
// packets. It is false for receive-only modes.
func (r *Runner) SendBreakerOpen() bool {
	return r.send != nil && r.send.BreakerState() != resilience.StateClosed
}

// SetJitterCeiling resizes the receive jitter buffer. It is a no-op for
// send-only modes.
func (r *Runner) SetJitterCeiling(frames int) {
	if r.recv != nil {
		r.recv.SetJitterCeiling(frames)
	}
}

// Stats returns a snapshot of both directions.
func (r *Runner) Stats() Stats {
	var st Stats
	if r.send != nil {
		s := r.send.Stats()
		st.Send = &s
	}
	if r.recv != nil {
		s := r.recv.Stats()
		st.Receive = &s
	}
	return st
}

// Snapshot flattens [Runner.Stats] for the metrics layer.
func (r *Runner) Snapshot() observe.PipelineSnapshot {
	var snap observe.PipelineSnapshot
	if r.send != nil {
		s := r.send.Stats()
		snap.CaptureCallbacks = s.Callbacks
		snap.FramesEncoded = s.Frames - s.EncodeErrors
		snap.EncodeErrors = s.EncodeErrors
		snap.EncodedBytes = s.EncodedBytes
		snap.CaptureOverruns = s.AccumOverruns
		snap.SendQueueOverflows = s.QueueOverflows
		snap.PacketsSent = s.PacketsSent
		snap.SendErrors = s.SendErrors
		snap.BreakerRejected = s.BreakerRejected
		snap.BreakerOpen = r.SendBreakerOpen()
	}
	if r.recv != nil {
		s := r.recv.Stats()
		snap.PacketsReceived = s.Packets
		snap.PacketsMalformed = s.Malformed
		snap.PacketsLost = s.Lost
		snap.PacketsLate = s.Late
		snap.Resyncs = s.Resyncs
		snap.FramesDecoded = s.Decoded
		snap.DecodeErrors = s.DecodeErrors
		snap.FramesConcealed = s.Concealed
		snap.JitterOverflows = s.JitterOverflows
		snap.JitterDepth = int64(s.JitterDepth)
		snap.PlaybackCallbacks = s.Callbacks
		snap.PlaybackUnderflows = s.Underflows
	}
	return snap
}

func (r *Runner) logStats() {
	st := r.Stats()
	if s := st.Send; s != nil {
		r.logger.Info("send direction summary",
			"frames", s.Frames,
			"packets_sent", s.PacketsSent,
			"encode_errors", s.EncodeErrors,
			"send_errors", s.SendErrors,
			"queue_overflows", s.QueueOverflows,
			"capture_overruns", s.AccumOverruns,
		)
	}
	if s := st.Receive; s != nil {
		r.logger.Info("receive direction summary",
			"packets", s.Packets,
			"lost", s.Lost,
			"late", s.Late,
			"concealed", s.Concealed,
			"decode_errors", s.DecodeErrors,
			"jitter_overflows", s.JitterOverflows,
			"underflows", s.Underflows,
		)
	}
}

// waitQuiet returns once counter has not moved for [settle], or ctx is done.
func waitQuiet(ctx context.Context, counter func() uint64) {
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	last, since := counter(), time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if c := counter(); c != last {
				last, since = c, now
				continue
			}
			if now.Sub(since) >= settle {
				return
			}
		}
	}
}
