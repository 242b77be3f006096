// Package wavfile provides devices backed by .wav files: a [Capture] that
// plays a file at real-time pace and a [Playback] that records what the
// pipeline renders.
package wavfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Capture  = (*Capture)(nil)
	_ device.Finisher = (*Capture)(nil)
	_ device.Playback = (*Playback)(nil)
)

// ErrInvalidFile is returned for files the WAV decoder rejects.
var ErrInvalidFile = errors.New("wavfile: not a valid wav file")

// Capture replays a decoded file in callbacks of a fixed size.
type Capture struct {
	path    string
	format  audio.Format
	samples []float32
	loop    bool
	buf     []float32
	pos     int
	logger  *slog.Logger

	mu    sync.Mutex
	clock *device.Clock
	done  chan struct{}
	once  sync.Once
}

// NewCapture decodes path fully into memory. With loop set the file
// restarts at its end; otherwise the device finishes and [Capture.Done]
// closes.
func NewCapture(path string, framesPerBuffer int, loop bool) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFile, path)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = device.DefaultFramesPerBuffer
	}

	c := &Capture{
		path:    path,
		format:  format,
		samples: intsToFloats(pcm.Data, int(dec.BitDepth)),
		loop:    loop,
		buf:     make([]float32, device.BufferSamples(format, framesPerBuffer)),
		logger:  slog.Default().With("device", "wav", "path", path),
		done:    make(chan struct{}),
	}
	c.logger.Info("loaded wav capture",
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"bit_depth", dec.BitDepth,
		"samples", len(c.samples),
		"loop", loop,
	)
	return c, nil
}

func intsToFloats(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	if bitDepth == 16 {
		for i, v := range data {
			out[i] = audio.Int16ToFloat(int16(v))
		}
		return out
	}
	scale := float32(int64(1) << (bitDepth - 1))
	for i, v := range data {
		out[i] = float32(v) / scale
	}
	return out
}

// Format implements [device.Capture].
func (c *Capture) Format() audio.Format { return c.format }

// Done implements [device.Finisher].
func (c *Capture) Done() <-chan struct{} { return c.done }

// Start implements [device.Capture].
func (c *Capture) Start(cb device.CaptureFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clock != nil {
		return device.ErrStarted
	}
	period := device.BufferPeriod(c.format, len(c.buf)/c.format.Channels)
	c.clock = device.StartClock(period, func() bool {
		n, more := c.next()
		if n > 0 {
			cb(c.buf[:n])
		}
		if !more {
			c.finish()
		}
		return more
	})
	return nil
}

// next copies the following chunk into buf.
func (c *Capture) next() (n int, more bool) {
	if len(c.samples) == 0 {
		return 0, false
	}
	for n < len(c.buf) {
		if c.pos == len(c.samples) {
			if !c.loop {
				return n, false
			}
			c.pos = 0
		}
		k := copy(c.buf[n:], c.samples[c.pos:])
		c.pos += k
		n += k
	}
	return n, c.loop || c.pos < len(c.samples)
}

func (c *Capture) finish() {
	c.once.Do(func() {
		c.logger.Info("wav capture finished")
		close(c.done)
	})
}

// Stop implements [device.Capture].
func (c *Capture) Stop() error {
	c.mu.Lock()
	clk := c.clock
	c.clock = nil
	c.mu.Unlock()
	if clk != nil {
		clk.Stop()
	}
	return nil
}

// Playback writes every pulled buffer to a 16-bit PCM .wav file. The file is
// complete once Stop returns.
type Playback struct {
	format audio.Format
	file   *os.File
	enc    *wav.Encoder
	buf    []float32
	pcm    *goaudio.IntBuffer
	logger *slog.Logger

	mu       sync.Mutex
	clock    *device.Clock
	started  bool
	stopOnce sync.Once
	stopErr  error
	warned   bool
}

// NewPlayback creates path, truncating it, and returns a stopped device.
func NewPlayback(path string, format audio.Format, framesPerBuffer int) (*Playback, error) {
	if format == (audio.Format{}) {
		format = audio.PipelineFormat
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = device.DefaultFramesPerBuffer
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", path, err)
	}
	n := device.BufferSamples(format, framesPerBuffer)
	return &Playback{
		format: format,
		file:   f,
		enc:    wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1),
		buf:    make([]float32, n),
		pcm: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:           make([]int, n),
			SourceBitDepth: 16,
		},
		logger: slog.Default().With("device", "wav", "path", path),
	}, nil
}

// Format implements [device.Playback].
func (p *Playback) Format() audio.Format { return p.format }

// Start implements [device.Playback].
func (p *Playback) Start(cb device.PlaybackFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return device.ErrStarted
	}
	p.started = true
	period := device.BufferPeriod(p.format, len(p.buf)/p.format.Channels)
	p.clock = device.StartClock(period, func() bool {
		cb(p.buf)
		p.write()
		return true
	})
	return nil
}

func (p *Playback) write() {
	for i, v := range p.buf {
		p.pcm.Data[i] = int(audio.FloatToInt16(v))
	}
	if err := p.enc.Write(p.pcm); err != nil && !p.warned {
		p.warned = true
		p.logger.Warn("failed to write wav playback", "err", err)
	}
}

// Stop implements [device.Playback]. It finalises the WAV header.
func (p *Playback) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		clk := p.clock
		p.mu.Unlock()
		if clk != nil {
			clk.Stop()
		}
		if err := p.enc.Close(); err != nil {
			p.stopErr = fmt.Errorf("wavfile: finalise: %w", err)
		}
		if err := p.file.Close(); err != nil && p.stopErr == nil {
			p.stopErr = fmt.Errorf("wavfile: close: %w", err)
		}
	})
	return p.stopErr
}
