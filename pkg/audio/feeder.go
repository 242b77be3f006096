package audio

import "sync/atomic"

// SampleSource is the consumer side of a [JitterBuffer].
type SampleSource interface {
	// Dequeue copies up to len(dst) samples into dst and returns the count.
	Dequeue(dst []float32) int
}

// FeederStats is a snapshot of a [PlaybackFeeder]'s counters.
type FeederStats struct {
	// Callbacks counts Fill invocations.
	Callbacks uint64
	// Underflows counts callbacks that could not be filled completely.
	Underflows uint64
	// SilentSamples counts zero samples written to cover shortfalls.
	SilentSamples uint64
}

// PlaybackFeeder fills playback device buffers from a [SampleSource]. A
// shortfall is padded with silence and counted as one underflow; the
// device always gets exactly the number of samples it asked for.
//
// Fill runs on the playback callback: it never blocks and never allocates.
type PlaybackFeeder struct {
	src     SampleSource
	scratch []float32

	callbacks  atomic.Uint64
	underflows atomic.Uint64
	silent     atomic.Uint64
}

// NewPlaybackFeeder returns a feeder reading from src. maxCallbackSamples
// sizes the scratch buffer used by [PlaybackFeeder.FillChannels] for
// devices that are not stereo, in pipeline (stereo) samples. Larger
// requests are served in several reads.
func NewPlaybackFeeder(src SampleSource, maxCallbackSamples int) *PlaybackFeeder {
	if maxCallbackSamples < Channels {
		maxCallbackSamples = FrameSize
	}
	return &PlaybackFeeder{
		src:     src,
		scratch: make([]float32, maxCallbackSamples&^1),
	}
}

// Fill fills out completely and returns the number of real samples copied
// from the source. The remainder is zeroed.
func (f *PlaybackFeeder) Fill(out []float32) int {
	n := f.src.Dequeue(out)
	clear(out[n:])
	f.record(len(out), n)
	return n
}

// FillChannels fills a device buffer laid out with the given channel count
// from the stereo pipeline stream and returns the number of real samples
// written. Mono devices get the L/R average. Channel counts other than 1
// and 2 are filled with silence.
func (f *PlaybackFeeder) FillChannels(out []float32, channels int) int {
	switch channels {
	case Channels:
		return f.Fill(out)
	case 1:
		got := 0
		for got < len(out) {
			stereo := f.scratch[:min(2*(len(out)-got), len(f.scratch))]
			n := f.src.Dequeue(stereo)
			got += AverageToMonoInto(out[got:], stereo[:n])
			if n < len(stereo) {
				break
			}
		}
		clear(out[got:])
		f.record(len(out), got)
		return got
	default:
		clear(out)
		f.record(len(out), 0)
		return 0
	}
}

// record counts one callback that wanted want samples and got got.
func (f *PlaybackFeeder) record(want, got int) {
	f.callbacks.Add(1)
	if got < want {
		f.underflows.Add(1)
		f.silent.Add(uint64(want - got))
	}
}

// Underflows returns the number of callbacks padded with silence.
func (f *PlaybackFeeder) Underflows() uint64 { return f.underflows.Load() }

// Stats returns a snapshot of the counters.
func (f *PlaybackFeeder) Stats() FeederStats {
	return FeederStats{
		Callbacks:     f.callbacks.Load(),
		Underflows:    f.underflows.Load(),
		SilentSamples: f.silent.Load(),
	}
}
