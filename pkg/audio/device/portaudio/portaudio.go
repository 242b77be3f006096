// Package portaudio opens the system's default audio devices through
// PortAudio. The device format is negotiated once when the device is
// created: the default sample rate of the hardware and at most two
// channels. The pipeline's format converter handles the rest.
package portaudio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.Capture  = (*Capture)(nil)
	_ device.Playback = (*Playback)(nil)
)

// PortAudio must be initialised once per process and terminated once per
// successful initialisation; refs tracks the devices holding it.
var (
	initMu sync.Mutex
	refs   int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	refs++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	refs--
	if refs == 0 {
		if err := portaudio.Terminate(); err != nil {
			slog.Warn("portaudio terminate failed", "err", err)
		}
	}
}

// negotiate reads the default device and picks the stream format.
func negotiate(info *portaudio.DeviceInfo, maxChannels int) (audio.Format, error) {
	f := audio.Format{
		SampleRate: int(info.DefaultSampleRate),
		Channels:   min(maxChannels, audio.Channels),
	}
	if err := f.Validate(); err != nil {
		return audio.Format{}, fmt.Errorf("portaudio: device %q: %w", info.Name, err)
	}
	return f, nil
}

// stream holds what Capture and Playback share.
type stream struct {
	format          audio.Format
	framesPerBuffer int
	logger          *slog.Logger

	mu       sync.Mutex
	s        *portaudio.Stream
	stopOnce sync.Once
	stopErr  error
}

func (st *stream) open(inCh, outCh int, cb any) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s != nil {
		return device.ErrStarted
	}
	s, err := portaudio.OpenDefaultStream(inCh, outCh, float64(st.format.SampleRate), st.framesPerBuffer, cb)
	if err != nil {
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	st.s = s
	st.logger.Info("portaudio stream started", "format", st.format.String(), "frames_per_buffer", st.framesPerBuffer)
	return nil
}

func (st *stream) stop() error {
	st.stopOnce.Do(func() {
		st.mu.Lock()
		s := st.s
		st.mu.Unlock()
		if s != nil {
			// Stop returns after the last callback has completed.
			if err := s.Stop(); err != nil {
				st.stopErr = fmt.Errorf("portaudio: stop stream: %w", err)
			}
			if err := s.Close(); err != nil && st.stopErr == nil {
				st.stopErr = fmt.Errorf("portaudio: close stream: %w", err)
			}
		}
		release()
		st.logger.Info("portaudio stream stopped")
	})
	return st.stopErr
}

// Capture reads from the default input device.
type Capture struct {
	stream
}

// NewCapture initialises PortAudio and negotiates the default input
// device's format.
func NewCapture(framesPerBuffer int) (*Capture, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: default input device: %w", err)
	}
	format, err := negotiate(info, info.MaxInputChannels)
	if err != nil {
		release()
		return nil, err
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = device.DefaultFramesPerBuffer
	}
	logger := slog.Default().With("device", "portaudio", "direction", "capture", "name", info.Name)
	logger.Info("negotiated capture device", "format", format.String())
	return &Capture{stream: stream{format: format, framesPerBuffer: framesPerBuffer, logger: logger}}, nil
}

// Format implements [device.Capture].
func (c *Capture) Format() audio.Format { return c.format }

// Start implements [device.Capture].
func (c *Capture) Start(cb device.CaptureFunc) error {
	return c.open(c.format.Channels, 0, func(in []float32) { cb(in) })
}

// Stop implements [device.Capture]. It also releases PortAudio.
func (c *Capture) Stop() error { return c.stop() }

// Playback writes to the default output device.
type Playback struct {
	stream
}

// NewPlayback initialises PortAudio and negotiates the default output
// device's format.
func NewPlayback(framesPerBuffer int) (*Playback, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	info, err := portaudio.DefaultOutputDevice()
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: default output device: %w", err)
	}
	format, err := negotiate(info, info.MaxOutputChannels)
	if err != nil {
		release()
		return nil, err
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = device.DefaultFramesPerBuffer
	}
	logger := slog.Default().With("device", "portaudio", "direction", "playback", "name", info.Name)
	logger.Info("negotiated playback device", "format", format.String())
	return &Playback{stream: stream{format: format, framesPerBuffer: framesPerBuffer, logger: logger}}, nil
}

// Format implements [device.Playback].
func (p *Playback) Format() audio.Format { return p.format }

// Start implements [device.Playback].
func (p *Playback) Start(cb device.PlaybackFunc) error {
	return p.open(0, p.format.Channels, func(out []float32) { cb(out) })
}

// Stop implements [device.Playback]. It also releases PortAudio.
func (p *Playback) Stop() error { return p.stop() }
