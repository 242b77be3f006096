// Package opus wraps the cgo Opus binding for the pipeline's fixed 20 ms,
// 48 kHz stereo frames.
//
// An [Encoder] belongs to the capture goroutine and a [Decoder] to the
// network receive goroutine. Neither is safe for concurrent use and neither
// takes a lock: codec state is owned, never shared.
package opus

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// Bitrate limits accepted by libopus, in bits per second.
const (
	MinBitrate = 6000
	MaxBitrate = 510000
)

// Application selects the libopus tuning.
type Application string

const (
	ApplicationVoIP     Application = "voip"
	ApplicationAudio    Application = "audio"
	ApplicationLowDelay Application = "lowdelay"
)

// IsValid reports whether a is a recognised application.
func (a Application) IsValid() bool {
	switch a {
	case ApplicationVoIP, ApplicationAudio, ApplicationLowDelay:
		return true
	}
	return false
}

func (a Application) gopus() gopus.Application {
	switch a {
	case ApplicationVoIP:
		return gopus.Voip
	case ApplicationLowDelay:
		return gopus.RestrictedLowDelay
	default:
		return gopus.Audio
	}
}

var (
	// ErrFrameSize is wrapped by [EncodeError] when the input is not exactly
	// one frame.
	ErrFrameSize = errors.New("opus: input is not exactly one frame")

	// ErrPacketSize is wrapped when a packet is empty or larger than
	// one frame's int16 size.
	ErrPacketSize = errors.New("opus: packet size out of range")
)

// EncodeError reports a frame that could not be encoded. The frame is lost;
// the encoder remains usable.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return "opus: encode: " + e.Err.Error() }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a packet that could not be decoded. The caller treats
// the frame as lost and may conceal it.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("opus: decode %d byte packet: %v", e.Size, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// Stats counts codec activity. Values are cumulative.
type Stats struct {
	Frames    uint64
	Bytes     uint64
	Errors    uint64
	Concealed uint64
}
