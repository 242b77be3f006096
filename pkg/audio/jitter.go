package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultJitterCeiling is the default jitter buffer depth in frames (200 ms).
const DefaultJitterCeiling = 10

// JitterStats is a snapshot of a [JitterBuffer]'s counters.
type JitterStats struct {
	// Enqueued counts frames accepted by Enqueue.
	Enqueued uint64
	// Overflows counts frames discarded because the ceiling was exceeded.
	Overflows uint64
	// DequeuedSamples counts samples handed to the consumer.
	DequeuedSamples uint64
	// HighWater is the largest number of frames ever buffered at once.
	HighWater int64
}

// JitterBuffer is the bounded FIFO of decoded frames between the receive
// goroutine (sole producer) and the playback callback (sole consumer).
//
// Frames are stored in a ring of pre-allocated slots, one slot per frame,
// so neither Enqueue nor Dequeue allocates. Order is strictly FIFO: no
// reordering, no duplication. When a new frame arrives while the ring holds
// ceiling frames, the oldest frame is discarded and counted as an overflow.
// Dequeue may split a frame across calls but never a sample.
//
// All methods are safe for concurrent use. The internal mutex is held only
// for the duration of one copy.
type JitterBuffer struct {
	frameSize int

	mu      sync.Mutex
	slots   [][]float32
	lens    []int
	head    int // slot index of the oldest frame
	count   int // frames buffered
	offset  int // samples already consumed from the head frame
	samples int // samples buffered across all frames

	enqueued  atomic.Uint64
	overflows atomic.Uint64
	dequeued  atomic.Uint64
	highWater atomic.Int64
}

// NewJitterBuffer returns a jitter buffer for frames of frameSize samples
// holding at most ceiling frames.
func NewJitterBuffer(frameSize, ceiling int) *JitterBuffer {
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	if ceiling <= 0 {
		ceiling = DefaultJitterCeiling
	}
	jb := &JitterBuffer{frameSize: frameSize}
	jb.slots, jb.lens = makeSlots(frameSize, ceiling)
	return jb
}

// Enqueue appends a copy of frame at the tail. A frame longer than the slot
// size is split across consecutive slots.
func (jb *JitterBuffer) Enqueue(frame []float32) {
	for len(frame) > 0 {
		n := min(len(frame), jb.frameSize)
		jb.enqueueOne(frame[:n])
		frame = frame[n:]
	}
}

func (jb *JitterBuffer) enqueueOne(frame []float32) {
	jb.mu.Lock()
	dropped := 0
	if jb.count == len(jb.slots) {
		jb.dropHeadLocked()
		dropped = 1
	}
	tail := (jb.head + jb.count) % len(jb.slots)
	jb.lens[tail] = copy(jb.slots[tail], frame)
	jb.count++
	jb.samples += jb.lens[tail]
	depth := int64(jb.count)
	jb.mu.Unlock()

	jb.enqueued.Add(1)
	if depth > jb.highWater.Load() {
		jb.highWater.Store(depth)
	}
	if dropped > 0 {
		total := jb.overflows.Add(uint64(dropped))
		if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
			slog.Debug("jitter buffer overflow: discarded oldest frame", "overflows", total)
		}
	}
}

// Dequeue copies up to len(dst) samples from the head into dst and returns
// the number copied. It never blocks; a return value smaller than len(dst)
// means the buffer ran dry.
func (jb *JitterBuffer) Dequeue(dst []float32) int {
	jb.mu.Lock()
	total := 0
	for total < len(dst) && jb.count > 0 {
		slot := jb.slots[jb.head][jb.offset:jb.lens[jb.head]]
		n := copy(dst[total:], slot)
		total += n
		jb.offset += n
		jb.samples -= n
		if jb.offset == jb.lens[jb.head] {
			jb.head = (jb.head + 1) % len(jb.slots)
			jb.count--
			jb.offset = 0
		}
	}
	jb.mu.Unlock()

	jb.dequeued.Add(uint64(total))
	return total
}

// Buffered returns the number of samples available to Dequeue.
func (jb *JitterBuffer) Buffered() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.samples
}

// BufferedFrames returns the number of whole or partially consumed frames
// currently held.
func (jb *JitterBuffer) BufferedFrames() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.count
}

// Ceiling returns the maximum number of frames held.
func (jb *JitterBuffer) Ceiling() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.slots)
}

// SetCeiling changes the maximum depth. Shrinking below the current depth
// discards the oldest frames and counts them as overflows. This allocates
// and must not be called from a device callback.
func (jb *JitterBuffer) SetCeiling(ceiling int) {
	if ceiling <= 0 || ceiling == jb.Ceiling() {
		return
	}
	// Allocate before taking the lock.
	slots, lens := makeSlots(jb.frameSize, ceiling)

	jb.mu.Lock()
	if ceiling == len(jb.slots) {
		jb.mu.Unlock()
		return
	}
	dropped := 0
	for jb.count > ceiling {
		jb.dropHeadLocked()
		dropped++
	}
	for i := range jb.count {
		src := (jb.head + i) % len(jb.slots)
		copy(slots[i], jb.slots[src][:jb.lens[src]])
		lens[i] = jb.lens[src]
	}
	jb.slots, jb.lens, jb.head = slots, lens, 0
	jb.mu.Unlock()

	if dropped > 0 {
		jb.overflows.Add(uint64(dropped))
	}
	slog.Info("jitter buffer ceiling changed", "frames", ceiling, "discarded", dropped)
}

// Reset discards everything buffered without counting overflows.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	jb.head, jb.count, jb.offset, jb.samples = 0, 0, 0, 0
	jb.mu.Unlock()
}

// Stats returns a snapshot of the counters. It does not take the buffer lock.
func (jb *JitterBuffer) Stats() JitterStats {
	return JitterStats{
		Enqueued:        jb.enqueued.Load(),
		Overflows:       jb.overflows.Load(),
		DequeuedSamples: jb.dequeued.Load(),
		HighWater:       jb.highWater.Load(),
	}
}

// dropHeadLocked discards the oldest frame, including any part of it that
// was already consumed. jb.mu must be held.
func (jb *JitterBuffer) dropHeadLocked() {
	jb.samples -= jb.lens[jb.head] - jb.offset
	jb.head = (jb.head + 1) % len(jb.slots)
	jb.count--
	jb.offset = 0
}

func makeSlots(frameSize, n int) ([][]float32, []int) {
	backing := make([]float32, frameSize*n)
	slots := make([][]float32, n)
	for i := range slots {
		slots[i] = backing[i*frameSize : (i+1)*frameSize : (i+1)*frameSize]
	}
	return slots, make([]int, n)
}
