package opus

import (
	"fmt"
	"sync/atomic"

	"layeh.com/gopus"

	"github.com/MrWong99/opuslink/pkg/audio"
)

// EncoderConfig configures an [Encoder]. The sample rate, channel count and
// frame duration are fixed by the pipeline.
type EncoderConfig struct {
	// Application selects the libopus tuning. Default: audio.
	Application Application

	// Bitrate in bits per second. Zero keeps the libopus default.
	Bitrate int
}

// Validate returns an *audio.ConfigError for out-of-range settings.
func (c EncoderConfig) Validate() error {
	if c.Application != "" && !c.Application.IsValid() {
		return &audio.ConfigError{Field: "application", Reason: fmt.Sprintf("%q is not one of voip, audio, lowdelay", c.Application)}
	}
	if c.Bitrate != 0 && (c.Bitrate < MinBitrate || c.Bitrate > MaxBitrate) {
		return &audio.ConfigError{Field: "bitrate", Reason: fmt.Sprintf("%d is outside [%d, %d]", c.Bitrate, MinBitrate, MaxBitrate)}
	}
	return nil
}

// Encoder turns 20 ms float frames into Opus packets. Frames must be
// submitted in capture order; the codec carries state across calls.
type Encoder struct {
	cfg EncoderConfig
	enc *gopus.Encoder
	pcm []int16

	frames atomic.Uint64
	bytes  atomic.Uint64
	errors atomic.Uint64
}

// NewEncoder creates an encoder for 48 kHz stereo 20 ms frames.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Application == "" {
		cfg.Application = ApplicationAudio
	}
	e := &Encoder{
		cfg: cfg,
		pcm: make([]int16, audio.FrameSize),
	}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Encoder) init() error {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, e.cfg.Application.gopus())
	if err != nil {
		return fmt.Errorf("opus: create encoder: %w", err)
	}
	if e.cfg.Bitrate > 0 {
		enc.SetBitrate(e.cfg.Bitrate)
	}
	e.enc = enc
	return nil
}

// Encode compresses exactly one frame of [audio.FrameSize] interleaved
// samples. Any failure is returned as an *[EncodeError].
func (e *Encoder) Encode(frame []float32) ([]byte, error) {
	if len(frame) != audio.FrameSize {
		e.errors.Add(1)
		return nil, &EncodeError{Err: fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame), audio.FrameSize)}
	}
	audio.FloatsToInt16s(e.pcm, frame)

	pkt, err := e.enc.Encode(e.pcm, audio.SamplesPerChannel, audio.MaxPacketSize)
	if err != nil {
		e.errors.Add(1)
		return nil, &EncodeError{Err: err}
	}
	if len(pkt) == 0 || len(pkt) > audio.MaxPacketSize {
		e.errors.Add(1)
		return nil, &EncodeError{Err: fmt.Errorf("%w: %d bytes", ErrPacketSize, len(pkt))}
	}
	e.frames.Add(1)
	e.bytes.Add(uint64(len(pkt)))
	return pkt, nil
}

// Stats returns cumulative counters. Safe to call from any goroutine.
func (e *Encoder) Stats() Stats {
	return Stats{
		Frames: e.frames.Load(),
		Bytes:  e.bytes.Load(),
		Errors: e.errors.Load(),
	}
}
