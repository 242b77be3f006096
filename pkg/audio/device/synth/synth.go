// Package synth provides software devices: a sine [Tone] source and a
// [Sink] that pulls playback at device cadence and optionally keeps what it
// was given. Both are paced by a [device.Clock].
package synth

import (
	"math"
	"sync"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Capture  = (*Tone)(nil)
	_ device.Playback = (*Sink)(nil)
)

// ToneConfig describes a [Tone].
type ToneConfig struct {
	Format          audio.Format
	Frequency       float64 // Hz; defaults to 440
	Amplitude       float64 // linear, 0..1; defaults to 0.5
	FramesPerBuffer int     // defaults to device.DefaultFramesPerBuffer
}

// Tone is a capture device producing a continuous sine wave on every
// channel.
type Tone struct {
	cfg   ToneConfig
	phase float64
	step  float64
	buf   []float32

	mu    sync.Mutex
	clock *device.Clock
}

// NewTone validates cfg and returns a stopped tone source.
func NewTone(cfg ToneConfig) (*Tone, error) {
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.PipelineFormat
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 440
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 0.5
	}
	if cfg.Amplitude > 1 {
		return nil, &audio.ConfigError{Field: "device.amplitude", Reason: "must be at most 1"}
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = device.DefaultFramesPerBuffer
	}
	return &Tone{
		cfg:  cfg,
		step: 2 * math.Pi * cfg.Frequency / float64(cfg.Format.SampleRate),
		buf:  make([]float32, device.BufferSamples(cfg.Format, cfg.FramesPerBuffer)),
	}, nil
}

// Format implements [device.Capture].
func (t *Tone) Format() audio.Format { return t.cfg.Format }

// Generate fills dst with the next samples of the tone. dst is interleaved;
// a trailing partial frame is left untouched.
func (t *Tone) Generate(dst []float32) {
	ch := t.cfg.Format.Channels
	for i := 0; i+ch <= len(dst); i += ch {
		v := float32(t.cfg.Amplitude * math.Sin(t.phase))
		for c := range ch {
			dst[i+c] = v
		}
		t.phase += t.step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
}

// Start implements [device.Capture].
func (t *Tone) Start(cb device.CaptureFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clock != nil {
		return device.ErrStarted
	}
	period := device.BufferPeriod(t.cfg.Format, t.cfg.FramesPerBuffer)
	t.clock = device.StartClock(period, func() bool {
		t.Generate(t.buf)
		cb(t.buf)
		return true
	})
	return nil
}

// Stop implements [device.Capture].
func (t *Tone) Stop() error {
	t.mu.Lock()
	c := t.clock
	t.clock = nil
	t.mu.Unlock()
	if c != nil {
		c.Stop()
	}
	return nil
}

// Sink is a playback device that discards audio, or keeps up to a limit of
// it for inspection.
type Sink struct {
	format audio.Format
	buf    []float32
	limit  int

	mu      sync.Mutex
	kept    []float32
	clock   *device.Clock
	pulls   int
	running bool
}

// NewSink returns a sink pulling framesPerBuffer frames per callback and
// keeping at most keep samples (0 keeps nothing).
func NewSink(format audio.Format, framesPerBuffer, keep int) (*Sink, error) {
	if format == (audio.Format{}) {
		format = audio.PipelineFormat
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = device.DefaultFramesPerBuffer
	}
	return &Sink{
		format: format,
		buf:    make([]float32, device.BufferSamples(format, framesPerBuffer)),
		limit:  keep,
		kept:   make([]float32, 0, keep),
	}, nil
}

// Format implements [device.Playback].
func (s *Sink) Format() audio.Format { return s.format }

// Start implements [device.Playback].
func (s *Sink) Start(cb device.PlaybackFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return device.ErrStarted
	}
	s.running = true
	period := device.BufferPeriod(s.format, len(s.buf)/s.format.Channels)
	s.clock = device.StartClock(period, func() bool {
		cb(s.buf)
		s.record(s.buf)
		return true
	})
	return nil
}

func (s *Sink) record(out []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
	if room := s.limit - len(s.kept); room > 0 {
		s.kept = append(s.kept, out[:min(room, len(out))]...)
	}
}

// Stop implements [device.Playback].
func (s *Sink) Stop() error {
	s.mu.Lock()
	c := s.clock
	s.clock = nil
	s.running = false
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
	return nil
}

// Samples returns a copy of what has been kept so far.
func (s *Sink) Samples() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float32(nil), s.kept...)
}

// Pulls returns how many callbacks have run.
func (s *Sink) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}
