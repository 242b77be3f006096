// Package device defines the capture and playback endpoints that drive the
// pipeline's callbacks, plus a fixed-cadence [Clock] used by the
// implementations that have no hardware interrupt of their own.
//
// Implementations live in sub-packages:
//
//   - portaudio: the system's default input and output devices
//   - wavfile: paced capture from a .wav file, playback recorded to one
//   - synth: a sine tone generator and a discarding or recording sink
//
// Every callback runs on a goroutine owned by the device. Callbacks must not
// block; the buffer passed in is reused by the next call.
package device

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/opuslink/pkg/audio"
)

// ErrStarted is returned by Start on a device that is already running.
var ErrStarted = errors.New("device: already started")

// DefaultFramesPerBuffer is the callback size, in frames, used when none is
// configured: 10 ms at 48 kHz.
const DefaultFramesPerBuffer = 480

// CaptureFunc receives interleaved samples in the device's [audio.Format].
type CaptureFunc func(in []float32)

// PlaybackFunc fills out with interleaved samples in the device's format.
// Whatever the function leaves in out is played.
type PlaybackFunc func(out []float32)

// Capture is an audio source.
type Capture interface {
	// Format reports the negotiated sample rate and channel count. Fixed
	// for the device's lifetime.
	Format() audio.Format

	// Start begins delivering callbacks. It returns once the stream runs.
	Start(cb CaptureFunc) error

	// Stop halts callbacks and releases the device. When Stop returns no
	// callback is in flight. Safe to call more than once.
	Stop() error
}

// Playback is an audio sink.
type Playback interface {
	Format() audio.Format
	Start(cb PlaybackFunc) error
	Stop() error
}

// Finisher is implemented by sources that run out, such as a file played
// once. Done is closed after the last callback.
type Finisher interface {
	Done() <-chan struct{}
}

// BufferSamples returns the interleaved sample count of one callback of
// framesPerBuffer frames in format f.
func BufferSamples(f audio.Format, framesPerBuffer int) int {
	return framesPerBuffer * f.Channels
}

// BufferPeriod returns the wall-clock duration of framesPerBuffer frames at
// f's sample rate.
func BufferPeriod(f audio.Format, framesPerBuffer int) time.Duration {
	return time.Duration(framesPerBuffer) * time.Second / time.Duration(f.SampleRate)
}

// Clock calls a function at a fixed period on its own goroutine, standing in
// for a sound card's buffer interrupt.
type Clock struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartClock starts calling tick every period until tick returns false or
// Stop is called.
func StartClock(period time.Duration, tick func() bool) *Clock {
	c := &Clock{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.run(period, tick)
	return c
}

func (c *Clock) run(period time.Duration, tick func() bool) {
	defer close(c.done)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if !tick() {
				return
			}
		}
	}
}

// Stop halts the clock and waits for an in-flight tick to return.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Done is closed once the clock goroutine has exited.
func (c *Clock) Done() <-chan struct{} { return c.done }
