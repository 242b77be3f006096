// Package audio holds the sample-level building blocks of the opuslink
// pipeline: format conversion, frame accumulation, the jitter buffer that
// bridges network and playback clocks, and the playback feeder.
//
// All PCM inside the pipeline is interleaved float32 normalised to [-1, 1].
// Conversion to int16 happens only at the codec boundary (see [FloatToInt16]).
//
// None of the types in this package block. Types that are shared between a
// producer goroutine and a device callback ([JitterBuffer], [PacketQueue])
// own their lock and hold it only for the duration of a copy.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Pipeline constants. Opus only accepts a handful of frame durations; the
// pipeline is fixed to 20 ms at 48 kHz stereo.
const (
	SampleRate    = 48000
	Channels      = 2
	frameMillis   = 20
	FrameDuration = frameMillis * time.Millisecond

	// SamplesPerChannel is the number of samples per channel in one frame.
	SamplesPerChannel = SampleRate * frameMillis / 1000 // 960

	// FrameSize is the number of interleaved samples in one frame.
	FrameSize = SamplesPerChannel * Channels // 1920

	// MaxPacketSize bounds an encoded packet: never larger than the frame's
	// int16 representation.
	MaxPacketSize = FrameSize * 2 // 3840
)

// PipelineFormat is the canonical format of every frame inside the pipeline.
var PipelineFormat = Format{SampleRate: SampleRate, Channels: Channels}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// SamplesFor returns the number of interleaved samples covering d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate)*int64(d)/int64(time.Second)) * f.Channels
}

// Validate reports a *ConfigError if f cannot be fed into the pipeline.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return &ConfigError{Field: "sample_rate", Reason: fmt.Sprintf("%d is not positive", f.SampleRate)}
	}
	if f.Channels != 1 && f.Channels != 2 {
		return &ConfigError{Field: "channels", Reason: fmt.Sprintf("%d channels: %v", f.Channels, ErrUnsupportedChannels)}
	}
	return nil
}

var (
	// ErrOddSampleCount is returned when a stereo buffer does not contain a
	// whole number of L/R pairs.
	ErrOddSampleCount = errors.New("audio: odd sample count in stereo buffer")

	// ErrUnsupportedChannels is returned for channel layouts other than mono
	// and stereo.
	ErrUnsupportedChannels = errors.New("audio: unsupported channel count")
)

// ConfigError reports an invalid construction parameter. It is fatal: the
// pipeline refuses to start.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("audio: invalid %s: %s", e.Field, e.Reason)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
