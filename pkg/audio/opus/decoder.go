package opus

import (
	"errors"
	"fmt"
	"sync/atomic"

	"layeh.com/gopus"

	"github.com/MrWong99/opuslink/pkg/audio"
)

// Decoder turns Opus packets back into 20 ms float frames and synthesises
// replacement frames for packets the caller knows to be missing.
//
// The slice returned by Decode and Conceal is reused by the next call.
type Decoder struct {
	dec *gopus.Decoder
	out []float32

	frames    atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
	concealed atomic.Uint64
}

// NewDecoder creates a decoder for 48 kHz stereo 20 ms frames.
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec: dec,
		out: make([]float32, audio.FrameSize),
	}, nil
}

// Decode decompresses one packet into one frame of [audio.FrameSize]
// samples. Empty, oversized or malformed packets return a *[DecodeError];
// an empty packet is never treated as a concealment request.
func (d *Decoder) Decode(packet []byte) ([]float32, error) {
	if len(packet) == 0 || len(packet) > audio.MaxPacketSize {
		d.errors.Add(1)
		return nil, &DecodeError{Size: len(packet), Err: ErrPacketSize}
	}
	pcm, err := d.dec.Decode(packet, audio.SamplesPerChannel, false)
	if err != nil {
		d.errors.Add(1)
		return nil, &DecodeError{Size: len(packet), Err: err}
	}
	if err := d.fill(pcm); err != nil {
		d.errors.Add(1)
		return nil, &DecodeError{Size: len(packet), Err: err}
	}
	d.frames.Add(1)
	d.bytes.Add(uint64(len(packet)))
	return d.out, nil
}

// Conceal synthesises one frame in place of a missing packet using the
// codec's packet-loss concealment. Call it once per missing frame, in
// order, before decoding the next packet that did arrive.
func (d *Decoder) Conceal() ([]float32, error) {
	pcm, err := d.dec.Decode(nil, audio.SamplesPerChannel, false)
	if err != nil {
		d.errors.Add(1)
		return nil, &DecodeError{Err: fmt.Errorf("conceal: %w", err)}
	}
	if err := d.fill(pcm); err != nil {
		d.errors.Add(1)
		return nil, &DecodeError{Err: err}
	}
	d.concealed.Add(1)
	return d.out, nil
}

// fill converts decoder output into d.out, padding a short result with
// silence so callers always see a whole frame.
func (d *Decoder) fill(pcm []int16) error {
	if len(pcm) == 0 {
		return errors.New("decoder produced no samples")
	}
	n := audio.Int16sToFloats(d.out, pcm)
	clear(d.out[n:])
	return nil
}

// Stats returns cumulative counters. Safe to call from any goroutine.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:    d.frames.Load(),
		Bytes:     d.bytes.Load(),
		Errors:    d.errors.Load(),
		Concealed: d.concealed.Load(),
	}
}
