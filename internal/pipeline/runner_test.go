package pipeline

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
	"github.com/MrWong99/opuslink/pkg/audio/device/synth"
	"github.com/MrWong99/opuslink/pkg/transport"
	"github.com/MrWong99/opuslink/pkg/transport/memory"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// events records the order of device and transport shutdown calls.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.log)
}

// burstCapture delivers n 20 ms buffers as fast as possible, then finishes.
type burstCapture struct {
	n    int
	ev   *events
	done chan struct{}
	wg   sync.WaitGroup
}

var (
	_ device.Capture  = (*burstCapture)(nil)
	_ device.Finisher = (*burstCapture)(nil)
)

func newBurstCapture(n int, ev *events) *burstCapture {
	return &burstCapture{n: n, ev: ev, done: make(chan struct{})}
}

func (c *burstCapture) Format() audio.Format { return audio.PipelineFormat }

func (c *burstCapture) Start(cb device.CaptureFunc) error {
	tone, err := synth.NewTone(synth.ToneConfig{})
	if err != nil {
		return err
	}
	buf := make([]float32, audio.FrameSize)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.done)
		for range c.n {
			tone.Generate(buf)
			cb(buf)
		}
	}()
	return nil
}

func (c *burstCapture) Stop() error {
	c.wg.Wait()
	if c.ev != nil {
		c.ev.add("capture.stop")
	}
	return nil
}

func (c *burstCapture) Done() <-chan struct{} { return c.done }

// recordingSink wraps a synth sink and logs Stop.
type recordingSink struct {
	*synth.Sink
	ev *events
}

func (s *recordingSink) Stop() error {
	err := s.Sink.Stop()
	s.ev.add("playback.stop")
	return err
}

// recordingTransport logs Close.
type recordingTransport struct {
	transport.Transport
	name string
	ev   *events
}

func (t *recordingTransport) Close() error {
	t.ev.add(t.name + ".close")
	return t.Transport.Close()
}

func newSink(t *testing.T, keep int) *synth.Sink {
	t.Helper()
	s, err := synth.NewSink(audio.PipelineFormat, 480, keep)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	return s
}

func hasSignal(samples []float32) bool {
	for _, v := range samples {
		if v > 0.01 || v < -0.01 {
			return true
		}
	}
	return false
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNewRunner_Errors(t *testing.T) {
	t.Parallel()
	a, b := memory.NewPair()
	sink := newSink(t, 0)
	tests := []struct {
		name string
		cfg  RunnerConfig
		ends Endpoints
	}{
		{"unknown mode", RunnerConfig{Mode: "relay"}, Endpoints{}},
		{"send without capture", RunnerConfig{Mode: ModeSend}, Endpoints{SendTransport: a}},
		{"send without transport", RunnerConfig{Mode: ModeSend}, Endpoints{Capture: newBurstCapture(1, nil)}},
		{"receive without playback", RunnerConfig{Mode: ModeReceive}, Endpoints{ReceiveTransport: b}},
		{"receive without transport", RunnerConfig{Mode: ModeReceive}, Endpoints{Playback: sink}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRunner(tc.cfg, tc.ends); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode                       Mode
		sends, receives, inProcess bool
	}{
		{ModeSend, true, false, false},
		{ModeReceive, false, true, false},
		{ModeDuplex, true, true, false},
		{ModeLoopback, true, true, true},
		{ModeCodec, true, true, true},
	}
	for _, tc := range tests {
		if !tc.mode.IsValid() {
			t.Errorf("%s: IsValid = false", tc.mode)
		}
		if tc.mode.Sends() != tc.sends || tc.mode.Receives() != tc.receives || tc.mode.InProcess() != tc.inProcess {
			t.Errorf("%s: sends/receives/in-process = %v/%v/%v, want %v/%v/%v", tc.mode,
				tc.mode.Sends(), tc.mode.Receives(), tc.mode.InProcess(),
				tc.sends, tc.receives, tc.inProcess)
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRunner_CodecRoundTrip(t *testing.T) {
	t.Parallel()
	a, b := memory.NewPair()
	tone, err := synth.NewTone(synth.ToneConfig{Frequency: 440, Amplitude: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	sink := newSink(t, audio.SampleRate*audio.Channels)

	r, err := NewRunner(RunnerConfig{Mode: ModeCodec}, Endpoints{
		Capture:          tone,
		Playback:         sink,
		SendTransport:    a,
		ReceiveTransport: b,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if r.Ready() {
		t.Error("Ready before Run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, r.Ready)
	waitFor(t, func() bool { return r.Stats().Receive.Decoded >= 5 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if r.Ready() {
		t.Error("Ready after Run returned")
	}

	st := r.Stats()
	if st.Send == nil || st.Receive == nil {
		t.Fatalf("codec mode should report both directions: %+v", st)
	}
	if st.Send.PacketsSent == 0 {
		t.Error("no packets sent")
	}
	if st.Receive.Lost != 0 {
		t.Errorf("lost = %d on a lossless link", st.Receive.Lost)
	}
	if !hasSignal(sink.Samples()) {
		t.Error("playback heard only silence")
	}

	snap := r.Snapshot()
	if snap.PacketsSent != st.Send.PacketsSent || snap.FramesDecoded != st.Receive.Decoded {
		t.Errorf("snapshot %+v disagrees with stats", snap)
	}
	if snap.BreakerOpen {
		t.Error("breaker reported open")
	}
}

func TestRunner_FiniteCaptureDrainsEverything(t *testing.T) {
	t.Parallel()
	const frames = 20
	ev := &events{}
	a, b := memory.NewPair()
	capture := newBurstCapture(frames, ev)
	sink := &recordingSink{Sink: newSink(t, 0), ev: ev}

	r, err := NewRunner(RunnerConfig{
		Mode:         ModeLoopback,
		Send:         SendConfig{QueueFrames: 2 * frames},
		Receive:      ReceiveConfig{JitterFrames: 2 * frames},
		DrainTimeout: 3 * time.Second,
	}, Endpoints{
		Capture:          capture,
		Playback:         sink,
		SendTransport:    &recordingTransport{Transport: a, name: "send", ev: ev},
		ReceiveTransport: &recordingTransport{Transport: b, name: "receive", ev: ev},
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	// Run returns on its own once the capture source finishes.
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := r.Stats()
	if st.Send.PacketsSent != frames {
		t.Errorf("sent = %d, want %d", st.Send.PacketsSent, frames)
	}
	if st.Receive.Decoded != frames {
		t.Errorf("decoded = %d, want %d", st.Receive.Decoded, frames)
	}
	if st.Receive.JitterDepth != 0 {
		t.Errorf("jitter depth = %d after drain, want 0", st.Receive.JitterDepth)
	}

	want := []string{"capture.stop", "playback.stop", "send.close", "receive.close"}
	if got := ev.list(); !slices.Equal(got, want) {
		t.Errorf("shutdown order = %v, want %v", got, want)
	}
}

func TestRunner_DuplexClosesSharedTransportOnce(t *testing.T) {
	t.Parallel()
	ev := &events{}
	a, _ := memory.NewPair()
	shared := &recordingTransport{Transport: a, name: "link", ev: ev}
	tone, err := synth.NewTone(synth.ToneConfig{})
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewRunner(RunnerConfig{Mode: ModeDuplex, DrainTimeout: 200 * time.Millisecond}, Endpoints{
		Capture:          tone,
		Playback:         newSink(t, 0),
		SendTransport:    shared,
		ReceiveTransport: shared,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	waitFor(t, r.Ready)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	closes := 0
	for _, e := range ev.list() {
		if e == "link.close" {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("shared transport closed %d times, want 1", closes)
	}
}

func TestRunner_SetJitterCeilingSendOnly(t *testing.T) {
	t.Parallel()
	a, _ := memory.NewPair()
	r, err := NewRunner(RunnerConfig{Mode: ModeSend}, Endpoints{
		Capture:       newBurstCapture(1, nil),
		SendTransport: a,
	})
	if err != nil {
		t.Fatal(err)
	}
	r.SetJitterCeiling(4) // no receive direction; must not panic
	if st := r.Stats(); st.Receive != nil {
		t.Errorf("send mode reported a receive direction")
	}
}
