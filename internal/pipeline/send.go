package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/opuslink/internal/resilience"
	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/opus"
	"github.com/MrWong99/opuslink/pkg/transport"
)

// drainPoll is how often a drain checks whether its buffer has emptied.
const drainPoll = 5 * time.Millisecond

// SendConfig tunes a [SendDirection].
type SendConfig struct {
	Encoder opus.EncoderConfig

	// AccumulatorFrames bounds the capture backlog before the oldest frame
	// is discarded. Default 4.
	AccumulatorFrames int

	// QueueFrames bounds packets waiting for the sender goroutine.
	// Default [audio.DefaultJitterCeiling].
	QueueFrames int

	// SSRC identifies the RTP stream; zero picks one at random.
	SSRC uint32

	Breaker resilience.CircuitBreakerConfig
}

// SendStats is a snapshot of a [SendDirection]'s counters.
type SendStats struct {
	Callbacks       uint64 `json:"callbacks"`
	ConvertErrors   uint64 `json:"convert_errors"`
	Frames          uint64 `json:"frames"`
	EncodeErrors    uint64 `json:"encode_errors"`
	EncodedBytes    uint64 `json:"encoded_bytes"`
	AccumOverruns   uint64 `json:"accum_overruns"`
	QueueOverflows  uint64 `json:"queue_overflows"`
	PacketsSent     uint64 `json:"packets_sent"`
	SendErrors      uint64 `json:"send_errors"`
	BreakerRejected uint64 `json:"breaker_rejected"`
}

// SendDirection is capture → convert → accumulate → encode → packetize →
// queue on the capture callback, and queue → transport on its own
// goroutine.
type SendDirection struct {
	lc *Lifecycle

	src   audio.Format
	conv  audio.FormatConverter
	acc   *audio.FrameAccumulator
	frame []float32
	enc   *opus.Encoder
	pkt   *transport.Packetizer
	queue *audio.PacketQueue

	tr      transport.Transport
	breaker *resilience.CircuitBreaker
	sendBuf []byte

	warnConvert *limiter
	warnEncode  *limiter
	warnSend    *limiter
	logger      *slog.Logger

	callbacks   atomic.Uint64
	convertErrs atomic.Uint64
	frames      atomic.Uint64
	encodeErrs  atomic.Uint64
	sendErrs    atomic.Uint64
	rejected    atomic.Uint64
	packetsSent atomic.Uint64
}

// NewSendDirection builds a send direction for capture audio in format src.
// Configuration problems are returned as [*audio.ConfigError].
func NewSendDirection(cfg SendConfig, src audio.Format, tr transport.Transport) (*SendDirection, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, &audio.ConfigError{Field: "transport", Reason: "send direction needs a transport"}
	}
	enc, err := opus.NewEncoder(cfg.Encoder)
	if err != nil {
		return nil, err
	}
	if cfg.AccumulatorFrames <= 0 {
		cfg.AccumulatorFrames = 4
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "transport-send"
	}
	pk := transport.NewPacketizer(cfg.SSRC)
	s := &SendDirection{
		lc:          NewLifecycle("send"),
		src:         src,
		conv:        audio.FormatConverter{Target: audio.PipelineFormat},
		acc:         audio.NewFrameAccumulator(audio.FrameSize, cfg.AccumulatorFrames),
		frame:       make([]float32, audio.FrameSize),
		enc:         enc,
		pkt:         pk,
		queue:       audio.NewPacketQueue(cfg.QueueFrames),
		tr:          tr,
		breaker:     resilience.NewCircuitBreaker(cfg.Breaker),
		sendBuf:     make([]byte, transport.MTU),
		warnConvert: newLimiter(warnInterval),
		warnEncode:  newLimiter(warnInterval),
		warnSend:    newLimiter(warnInterval),
		logger:      slog.Default().With("direction", "send", "ssrc", pk.SSRC()),
	}
	return s, nil
}

// Lifecycle returns the direction's state machine.
func (s *SendDirection) Lifecycle() *Lifecycle { return s.lc }

// Start moves the direction to Streaming.
func (s *SendDirection) Start(ctx context.Context) error { return s.lc.Start(ctx) }

// Stop stops accepting capture audio and waits until every queued packet
// has been handed to the transport, or ctx is done. Stop the capture device
// first so no callback races the drain.
func (s *SendDirection) Stop(ctx context.Context) error {
	return s.lc.Stop(ctx, func(ctx context.Context) error {
		return waitEmpty(ctx, s.queue.Len)
	})
}

// OnCapture is the capture device callback.
func (s *SendDirection) OnCapture(in []float32) {
	if !s.lc.Streaming() {
		return
	}
	s.callbacks.Add(1)

	pcm, err := s.conv.Convert(in, s.src)
	if err != nil {
		s.convertErrs.Add(1)
		if s.warnConvert.allow(time.Now()) {
			s.logger.Warn("dropping capture buffer", "samples", len(in), "err", err)
		}
		return
	}
	s.acc.Push(pcm)

	for s.acc.TryTakeFrame(s.frame) {
		s.frames.Add(1)
		payload, err := s.enc.Encode(s.frame)
		if err != nil {
			s.encodeErrs.Add(1)
			if s.warnEncode.allow(time.Now()) {
				s.logger.Warn("dropping frame", "err", err)
			}
			continue
		}
		wire, err := s.pkt.Packetize(payload)
		if err != nil {
			s.encodeErrs.Add(1)
			continue
		}
		s.queue.Push(wire)
	}
}

// Run hands queued packets to the transport until ctx is done or the
// direction stops. It is the only caller of Transport.Send.
func (s *SendDirection) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.lc.Done():
			s.flush()
			return nil
		case <-s.queue.Ready():
			s.flush()
		}
	}
}

func (s *SendDirection) flush() {
	for {
		pkt, ok := s.queue.Pop(s.sendBuf)
		if !ok {
			return
		}
		s.send(pkt)
	}
}

func (s *SendDirection) send(pkt []byte) {
	err := s.breaker.Execute(func() error { return s.tr.Send(pkt) })
	switch {
	case err == nil:
		s.packetsSent.Add(1)
	case errors.Is(err, resilience.ErrCircuitOpen):
		s.rejected.Add(1)
	default:
		s.sendErrs.Add(1)
		if s.warnSend.allow(time.Now()) {
			s.logger.Warn("transport send failed", "err", err)
		}
	}
}

// Stats returns a snapshot of the direction's counters.
func (s *SendDirection) Stats() SendStats {
	q := s.queue.Stats()
	return SendStats{
		Callbacks:       s.callbacks.Load(),
		ConvertErrors:   s.convertErrs.Load(),
		Frames:          s.frames.Load(),
		EncodeErrors:    s.encodeErrs.Load(),
		EncodedBytes:    s.enc.Stats().Bytes,
		AccumOverruns:   s.acc.Overruns(),
		QueueOverflows:  q.Overflows,
		PacketsSent:     s.packetsSent.Load(),
		SendErrors:      s.sendErrs.Load(),
		BreakerRejected: s.rejected.Load(),
	}
}

// BreakerState reports the send circuit breaker's state.
func (s *SendDirection) BreakerState() resilience.State { return s.breaker.State() }

// waitEmpty polls size until it reports zero or ctx is done.
func waitEmpty(ctx context.Context, size func() int) error {
	if size() == 0 {
		return nil
	}
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pipeline: drain: %d left: %w", size(), ctx.Err())
		case <-t.C:
			if size() == 0 {
				return nil
			}
		}
	}
}
