package audio

import (
	"fmt"
	"log/slog"
	"math"
)

// FloatToInt16 scales a normalised sample to int16. Input is clamped to
// [-1, 1]; positive values scale by 32767 and negative values by 32768 so
// that both rails map exactly onto the int16 bounds. NaN maps to silence.
func FloatToInt16(x float32) int16 {
	switch {
	case math.IsNaN(float64(x)):
		return 0
	case x >= 1:
		return math.MaxInt16
	case x <= -1:
		return math.MinInt16
	case x >= 0:
		return int16(math.Round(float64(x) * math.MaxInt16))
	default:
		return int16(math.Round(float64(x) * -math.MinInt16))
	}
}

// Int16ToFloat is the inverse of [FloatToInt16]: x / 32768.
func Int16ToFloat(x int16) float32 {
	return float32(x) / 32768
}

// FloatsToInt16s converts src into dst and returns the number of samples
// written, min(len(dst), len(src)).
func FloatsToInt16s(dst []int16, src []float32) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = FloatToInt16(src[i])
	}
	return n
}

// Int16sToFloats converts src into dst and returns the number of samples
// written, min(len(dst), len(src)).
func Int16sToFloats(dst []float32, src []int16) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = Int16ToFloat(src[i])
	}
	return n
}

// DuplicateToStereo upmixes mono to interleaved stereo by emitting every
// sample twice (L then R).
func DuplicateToStereo(mono []float32) []float32 {
	out := make([]float32, len(mono)*2)
	DuplicateToStereoInto(out, mono)
	return out
}

// DuplicateToStereoInto writes the stereo upmix of mono into dst and returns
// the number of samples written. dst must hold 2*len(mono) samples; excess
// input is ignored.
func DuplicateToStereoInto(dst, mono []float32) int {
	n := min(len(mono), len(dst)/2)
	for i := range n {
		s := mono[i]
		dst[2*i] = s
		dst[2*i+1] = s
	}
	return n * 2
}

// AverageToMono downmixes interleaved stereo by averaging each L/R pair.
// An odd-length input is rejected with [ErrOddSampleCount].
func AverageToMono(stereo []float32) ([]float32, error) {
	if len(stereo)%2 != 0 {
		return nil, fmt.Errorf("%w: %d samples", ErrOddSampleCount, len(stereo))
	}
	out := make([]float32, len(stereo)/2)
	AverageToMonoInto(out, stereo)
	return out, nil
}

// AverageToMonoInto writes the mono downmix of stereo into dst and returns
// the number of samples written. A trailing unpaired sample is ignored;
// callers that need the odd-length check use [AverageToMono].
func AverageToMonoInto(dst, stereo []float32) int {
	n := min(len(stereo)/2, len(dst))
	for i := range n {
		dst[i] = (stereo[2*i] + stereo[2*i+1]) / 2
	}
	return n
}

// FormatConverter adapts device PCM to a target format (normally
// [PipelineFormat]). It logs a warning on the first format mismatch and
// reuses internal scratch buffers, so steady-state conversion does not
// allocate. The returned slice is only valid until the next call.
//
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	warnedMismatch bool
	warnedOdd      bool

	rs      *Resampler
	rateBuf []float32
	chanBuf []float32
}

// Convert converts in (interleaved, described by src) to the target format.
// When src already matches the target, in is returned unchanged.
// Conversion order: resample first, then channel convert. Successive calls
// are treated as one continuous stream; see [Resampler].
func (c *FormatConverter) Convert(in []float32, src Format) ([]float32, error) {
	if src.Channels != 1 && src.Channels != 2 {
		return nil, fmt.Errorf("%w: source has %d", ErrUnsupportedChannels, src.Channels)
	}
	if c.Target.Channels != 1 && c.Target.Channels != 2 {
		return nil, fmt.Errorf("%w: target has %d", ErrUnsupportedChannels, c.Target.Channels)
	}
	if src.Channels == 2 && len(in)%2 != 0 {
		if !c.warnedOdd {
			c.warnedOdd = true
			slog.Warn("audio format converter: odd sample count in stereo input",
				"samples", len(in),
				"format", src.String(),
			)
		}
		return nil, fmt.Errorf("%w: %d samples", ErrOddSampleCount, len(in))
	}

	// Fast path: source matches target.
	if src == c.Target {
		return in, nil
	}

	if !c.warnedMismatch {
		c.warnedMismatch = true
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", c.Target.String(),
		)
	}

	pcm := in
	if src.SampleRate != c.Target.SampleRate {
		if c.rs == nil || !c.rs.converts(src.Channels, src.SampleRate, c.Target.SampleRate) {
			c.rs = NewResampler(src.Channels, src.SampleRate, c.Target.SampleRate)
		}
		c.rateBuf = grow(c.rateBuf, c.rs.OutLen(len(pcm)))
		pcm = c.rateBuf[:c.rs.Process(c.rateBuf, pcm)]
	}

	switch {
	case src.Channels == 1 && c.Target.Channels == 2:
		c.chanBuf = grow(c.chanBuf, len(pcm)*2)
		pcm = c.chanBuf[:DuplicateToStereoInto(c.chanBuf, pcm)]
	case src.Channels == 2 && c.Target.Channels == 1:
		c.chanBuf = grow(c.chanBuf, len(pcm)/2)
		pcm = c.chanBuf[:AverageToMonoInto(c.chanBuf, pcm)]
	}
	return pcm, nil
}

// Resample converts interleaved PCM from srcRate to dstRate using linear
// interpolation. If the rates match, in is returned unchanged.
func Resample(in []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return in
	}
	out := make([]float32, resampledLen(len(in)/channels, srcRate, dstRate)*channels)
	return out[:ResampleInto(out, in, channels, srcRate, dstRate)]
}

// ResampleInto is the allocation-free form of [Resample]. It writes at most
// len(dst) samples and returns the count. Each call is interpolated
// independently; there is no history across calls. Streams split into
// chunks use a [Resampler].
func ResampleInto(dst, in []float32, channels, srcRate, dstRate int) int {
	if channels <= 0 {
		return 0
	}
	srcFrames := len(in) / channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return copy(dst, in[:srcFrames*channels])
	}
	dstFrames := min(resampledLen(srcFrames, srcRate, dstRate), len(dst)/channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := in[srcIdx*channels+ch]
			s1 := in[next*channels+ch]
			dst[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return dstFrames * channels
}

// Resampler converts a continuous interleaved stream from one rate to
// another by linear interpolation. The last input frame and the fractional
// read position carry over between calls, so chunk boundaries interpolate
// like any other pair of frames and the output length tracks
// frames*dst/src over the whole stream rather than per chunk. Output lags
// input by less than one source frame.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	channels int
	srcRate  int64
	dstRate  int64

	prev    []float32
	hasPrev bool

	// pos is the next output position in source frames, scaled by dstRate.
	// Index 0 is prev when hasPrev is set, otherwise the first new frame.
	pos int64
}

// NewResampler returns a Resampler for interleaved PCM with the given
// channel count. Non-positive or equal rates make it a pass-through.
func NewResampler(channels, srcRate, dstRate int) *Resampler {
	return &Resampler{
		channels: max(channels, 1),
		srcRate:  int64(srcRate),
		dstRate:  int64(dstRate),
		prev:     make([]float32, max(channels, 1)),
	}
}

func (r *Resampler) passthrough() bool {
	return r.srcRate <= 0 || r.dstRate <= 0 || r.srcRate == r.dstRate
}

func (r *Resampler) converts(channels, srcRate, dstRate int) bool {
	return r.channels == channels && r.srcRate == int64(srcRate) && r.dstRate == int64(dstRate)
}

// Reset drops the stream history. The next call starts a new stream.
func (r *Resampler) Reset() {
	r.hasPrev = false
	r.pos = 0
}

// OutLen returns the number of samples the next [Resampler.Process] call
// produces for an input of n samples.
func (r *Resampler) OutLen(n int) int {
	frames := n / r.channels
	if r.passthrough() {
		return frames * r.channels
	}
	return r.outFrames(frames) * r.channels
}

// outFrames counts the output positions that have both neighbours once
// frames more input frames are available.
func (r *Resampler) outFrames(frames int) int {
	if frames == 0 {
		return 0
	}
	n := int64(frames)
	if r.hasPrev {
		n++
	}
	limit := (n - 1) * r.dstRate
	if limit <= r.pos {
		return 0
	}
	return int((limit - r.pos + r.srcRate - 1) / r.srcRate)
}

// Process resamples in into dst and returns the number of samples written.
// dst should hold [Resampler.OutLen](len(in)) samples; positions that do
// not fit are dropped without losing stream alignment.
func (r *Resampler) Process(dst, in []float32) int {
	ch := r.channels
	frames := len(in) / ch
	if r.passthrough() {
		return copy(dst, in[:frames*ch])
	}
	if frames == 0 {
		return 0
	}

	total := r.outFrames(frames)
	count := min(total, len(dst)/ch)
	off := 0
	if r.hasPrev {
		off = 1
	}
	for k := range count {
		idx := int(r.pos / r.dstRate)
		frac := float32(r.pos%r.dstRate) / float32(r.dstRate)
		for c := range ch {
			s0, s1 := r.sample(in, idx-off, c), r.sample(in, idx+1-off, c)
			dst[k*ch+c] = s0 + (s1-s0)*frac
		}
		r.pos += r.srcRate
	}
	r.pos += int64(total-count) * r.srcRate

	// The last input frame becomes index 0 of the next call.
	copy(r.prev, in[(frames-1)*ch:frames*ch])
	r.pos -= int64(frames-1+off) * r.dstRate
	r.hasPrev = true
	return count * ch
}

// sample returns channel c of input frame i, where frame -1 is the carried
// history.
func (r *Resampler) sample(in []float32, i, c int) float32 {
	if i < 0 {
		return r.prev[c]
	}
	return in[i*r.channels+c]
}

// resampledLen returns the number of frames produced by resampling frames
// samples per channel from srcRate to dstRate.
func resampledLen(frames, srcRate, dstRate int) int {
	if srcRate <= 0 || dstRate <= 0 {
		return frames
	}
	return int(int64(frames) * int64(dstRate) / int64(srcRate))
}

// grow returns buf with a length of at least n, reallocating only when the
// capacity is insufficient.
func grow(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
