package audio

import "sync/atomic"

// FrameAccumulator absorbs capture callbacks of arbitrary length and hands
// out exact frames. It is owned by the capture goroutine and is not safe for
// concurrent use, with the exception of [FrameAccumulator.Overruns].
//
// Storage is pre-sized at construction: the accumulator holds at most
// maxFrames frames plus one partial frame. When a push would exceed that,
// the oldest whole frames are discarded so the front stays frame-aligned.
type FrameAccumulator struct {
	frameSize int
	buf       []float32
	n         int

	overruns atomic.Uint64
}

// NewFrameAccumulator returns an accumulator for frames of frameSize
// samples that buffers up to maxFrames complete frames.
func NewFrameAccumulator(frameSize, maxFrames int) *FrameAccumulator {
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	if maxFrames <= 0 {
		maxFrames = 1
	}
	return &FrameAccumulator{
		frameSize: frameSize,
		buf:       make([]float32, frameSize*(maxFrames+1)),
	}
}

// Push appends samples and returns how many were accepted. It never blocks
// and never allocates. Callers should drain with [FrameAccumulator.TryTakeFrame]
// in a loop after every push.
func (a *FrameAccumulator) Push(samples []float32) int {
	accepted := 0
	for len(samples) > 0 {
		free := len(a.buf) - a.n
		if free == 0 {
			a.discardOldest()
			continue
		}
		c := copy(a.buf[a.n:], samples)
		a.n += c
		accepted += c
		samples = samples[c:]
	}
	return accepted
}

// TryTakeFrame copies exactly one frame from the front into dst and removes
// it. It returns false, leaving the buffer untouched, if fewer than a
// frame's worth of samples are buffered or dst is too short.
func (a *FrameAccumulator) TryTakeFrame(dst []float32) bool {
	if a.n < a.frameSize || len(dst) < a.frameSize {
		return false
	}
	copy(dst, a.buf[:a.frameSize])
	a.n = copy(a.buf, a.buf[a.frameSize:a.n])
	return true
}

// Len returns the number of buffered samples.
func (a *FrameAccumulator) Len() int { return a.n }

// FrameSize returns the frame length in samples.
func (a *FrameAccumulator) FrameSize() int { return a.frameSize }

// Overruns returns how many frames were discarded because the consumer did
// not keep up. Safe to call from any goroutine.
func (a *FrameAccumulator) Overruns() uint64 { return a.overruns.Load() }

// Reset drops all buffered samples.
func (a *FrameAccumulator) Reset() { a.n = 0 }

// discardOldest drops one whole frame from the front.
func (a *FrameAccumulator) discardOldest() {
	drop := min(a.frameSize, a.n)
	a.n = copy(a.buf, a.buf[drop:a.n])
	a.overruns.Add(1)
}
