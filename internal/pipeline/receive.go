package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/opus"
	"github.com/MrWong99/opuslink/pkg/transport"
)

// DefaultMaxConcealFrames caps how many lost frames are synthesised for a
// single gap. Longer gaps are skipped; the jitter buffer would discard most
// of the synthetic audio anyway.
const DefaultMaxConcealFrames = 5

// ReceiveConfig tunes a [ReceiveDirection].
type ReceiveConfig struct {
	// JitterFrames is the jitter buffer ceiling in frames.
	// Default [audio.DefaultJitterCeiling].
	JitterFrames int

	// MaxConcealFrames caps concealment per gap. Default
	// [DefaultMaxConcealFrames]; negative disables concealment.
	MaxConcealFrames int

	// ResyncThreshold is passed to [transport.NewSequenceTracker].
	ResyncThreshold int

	// MaxCallbackFrames is the largest playback callback, in frames.
	// Default one pipeline frame.
	MaxCallbackFrames int
}

// ReceiveStats is a snapshot of a [ReceiveDirection]'s counters.
type ReceiveStats struct {
	Packets         uint64 `json:"packets"`
	Malformed       uint64 `json:"malformed"`
	ReceiveErrors   uint64 `json:"receive_errors"`
	Lost            uint64 `json:"lost"`
	Late            uint64 `json:"late"`
	Resyncs         uint64 `json:"resyncs"`
	Decoded         uint64 `json:"decoded"`
	DecodeErrors    uint64 `json:"decode_errors"`
	Concealed       uint64 `json:"concealed"`
	JitterOverflows uint64 `json:"jitter_overflows"`
	JitterDepth     int    `json:"jitter_depth"`
	Callbacks       uint64 `json:"callbacks"`
	Underflows      uint64 `json:"underflows"`
}

// ReceiveDirection is transport → depacketize → loss detection → decode →
// jitter buffer on its receive goroutine, and jitter buffer → playback on
// the playback callback.
type ReceiveDirection struct {
	lc *Lifecycle

	tr      transport.Transport
	rtpPkt  rtp.Packet
	seq     *transport.SequenceTracker
	dec     *opus.Decoder
	conceal int

	dst    audio.Format
	conv   audio.FormatConverter
	jitter *audio.JitterBuffer
	feeder *audio.PlaybackFeeder

	warnMalformed *limiter
	warnDecode    *limiter
	warnReceive   *limiter
	logger        *slog.Logger

	packets    atomic.Uint64
	malformed  atomic.Uint64
	recvErrs   atomic.Uint64
	decoded    atomic.Uint64
	decodeErrs atomic.Uint64
	concealed  atomic.Uint64
}

// NewReceiveDirection builds a receive direction rendering to a playback
// device in format dst.
func NewReceiveDirection(cfg ReceiveConfig, dst audio.Format, tr transport.Transport) (*ReceiveDirection, error) {
	if err := dst.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, &audio.ConfigError{Field: "transport", Reason: "receive direction needs a transport"}
	}
	dec, err := opus.NewDecoder()
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.MaxConcealFrames == 0:
		cfg.MaxConcealFrames = DefaultMaxConcealFrames
	case cfg.MaxConcealFrames < 0:
		cfg.MaxConcealFrames = 0
	}
	if cfg.MaxCallbackFrames <= 0 {
		cfg.MaxCallbackFrames = dst.SamplesFor(audio.FrameDuration) / dst.Channels
	}

	// The jitter buffer holds stereo audio at the device rate so that
	// resampling happens once per frame on the receive goroutine. A
	// resampled frame can carry one sample frame more than the nominal
	// size, so slots get that much headroom.
	stereo := audio.Format{SampleRate: dst.SampleRate, Channels: audio.Channels}
	slot := stereo.SamplesFor(audio.FrameDuration)
	if dst.SampleRate != audio.SampleRate {
		slot += audio.Channels
	}
	jb := audio.NewJitterBuffer(slot, cfg.JitterFrames)

	return &ReceiveDirection{
		lc:            NewLifecycle("receive"),
		tr:            tr,
		seq:           transport.NewSequenceTracker(cfg.ResyncThreshold),
		dec:           dec,
		conceal:       cfg.MaxConcealFrames,
		dst:           dst,
		conv:          audio.FormatConverter{Target: stereo},
		jitter:        jb,
		feeder:        audio.NewPlaybackFeeder(jb, cfg.MaxCallbackFrames*audio.Channels),
		warnMalformed: newLimiter(warnInterval),
		warnDecode:    newLimiter(warnInterval),
		warnReceive:   newLimiter(warnInterval),
		logger:        slog.Default().With("direction", "receive"),
	}, nil
}

// Lifecycle returns the direction's state machine.
func (r *ReceiveDirection) Lifecycle() *Lifecycle { return r.lc }

// Start moves the direction to Streaming.
func (r *ReceiveDirection) Start(ctx context.Context) error { return r.lc.Start(ctx) }

// Stop stops accepting packets and waits for playback to consume what is
// buffered, or ctx to end. Keep the playback device running until Stop
// returns.
func (r *ReceiveDirection) Stop(ctx context.Context) error {
	return r.lc.Stop(ctx, func(ctx context.Context) error {
		return waitEmpty(ctx, r.jitter.Buffered)
	})
}

// SetJitterCeiling resizes the jitter buffer at runtime.
func (r *ReceiveDirection) SetJitterCeiling(frames int) { r.jitter.SetCeiling(frames) }

// OnPlayback is the playback device callback.
func (r *ReceiveDirection) OnPlayback(out []float32) {
	if !r.lc.Active() {
		clear(out)
		return
	}
	r.feeder.FillChannels(out, r.dst.Channels)
}

// Run receives packets until ctx is done, the transport closes, or the
// direction stops.
func (r *ReceiveDirection) Run(ctx context.Context) error {
	for {
		buf, err := r.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			r.recvErrs.Add(1)
			if r.warnReceive.allow(time.Now()) {
				r.logger.Warn("transport receive failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(drainPoll):
			}
			continue
		}
		switch r.lc.State() {
		case StateStreaming:
			r.handle(buf)
		case StateStopped:
			return nil
		}
	}
}

// handle runs one datagram through loss detection and decoding.
func (r *ReceiveDirection) handle(buf []byte) {
	if err := transport.Depacketize(buf, &r.rtpPkt); err != nil {
		r.malformed.Add(1)
		if r.warnMalformed.allow(time.Now()) {
			r.logger.Warn("dropping malformed packet", "bytes", len(buf), "err", err)
		}
		return
	}
	r.packets.Add(1)

	kind, missing := r.seq.Observe(r.rtpPkt.SSRC, r.rtpPkt.SequenceNumber)
	switch kind {
	case transport.ArrivalGap:
		r.concealFrames(min(missing, r.conceal))
	case transport.ArrivalResync:
		r.logger.Info("rtp stream resynchronised", "ssrc", r.rtpPkt.SSRC, "seq", r.rtpPkt.SequenceNumber)
	}

	pcm, err := r.dec.Decode(r.rtpPkt.Payload)
	if err != nil {
		r.decodeErrs.Add(1)
		if r.warnDecode.allow(time.Now()) {
			r.logger.Warn("dropping undecodable packet", "seq", r.rtpPkt.SequenceNumber, "err", err)
		}
		r.concealFrames(min(1, r.conceal))
		return
	}
	r.decoded.Add(1)
	r.enqueue(pcm)
}

func (r *ReceiveDirection) concealFrames(n int) {
	for range n {
		pcm, err := r.dec.Conceal()
		if err != nil {
			r.decodeErrs.Add(1)
			return
		}
		r.concealed.Add(1)
		r.enqueue(pcm)
	}
}

func (r *ReceiveDirection) enqueue(pcm []float32) {
	out, err := r.conv.Convert(pcm, audio.PipelineFormat)
	if err != nil {
		return
	}
	r.jitter.Enqueue(out)
}

// Stats returns a snapshot of the direction's counters.
func (r *ReceiveDirection) Stats() ReceiveStats {
	seq := r.seq.Stats()
	jb := r.jitter.Stats()
	fd := r.feeder.Stats()
	return ReceiveStats{
		Packets:         r.packets.Load(),
		Malformed:       r.malformed.Load(),
		ReceiveErrors:   r.recvErrs.Load(),
		Lost:            seq.Lost,
		Late:            seq.Late,
		Resyncs:         seq.Resyncs,
		Decoded:         r.decoded.Load(),
		DecodeErrors:    r.decodeErrs.Load(),
		Concealed:       r.concealed.Load(),
		JitterOverflows: jb.Overflows,
		JitterDepth:     r.jitter.BufferedFrames(),
		Callbacks:       fd.Callbacks,
		Underflows:      fd.Underflows,
	}
}
