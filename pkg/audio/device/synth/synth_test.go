package synth_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
	"github.com/MrWong99/opuslink/pkg/audio/device/synth"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTone_Generate(t *testing.T) {
	tone, err := synth.NewTone(synth.ToneConfig{
		Format:    audio.Format{SampleRate: 48000, Channels: 2},
		Frequency: 1000,
		Amplitude: 0.25,
	})
	if err != nil {
		t.Fatalf("NewTone: %v", err)
	}
	buf := make([]float32, 96) // one full 1 kHz period
	tone.Generate(buf)

	var peak float32
	for i := 0; i < len(buf); i += 2 {
		if buf[i] != buf[i+1] {
			t.Fatalf("frame %d: channels differ (%v, %v)", i/2, buf[i], buf[i+1])
		}
		peak = max(peak, float32(math.Abs(float64(buf[i]))))
	}
	if peak < 0.24 || peak > 0.25 {
		t.Errorf("peak = %v, want about 0.25", peak)
	}
	if buf[0] != 0 {
		t.Errorf("first sample = %v, want 0", buf[0])
	}
}

func TestTone_StartDeliversBuffers(t *testing.T) {
	tone, err := synth.NewTone(synth.ToneConfig{FramesPerBuffer: 48})
	if err != nil {
		t.Fatalf("NewTone: %v", err)
	}
	var mu sync.Mutex
	var sizes []int
	if err := tone.Start(func(in []float32) {
		mu.Lock()
		sizes = append(sizes, len(in))
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tone.Start(func([]float32) {}); !errors.Is(err, device.ErrStarted) {
		t.Errorf("second Start = %v, want ErrStarted", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) >= 3
	})
	if err := tone.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, n := range sizes {
		if n != 96 {
			t.Errorf("callback size = %d, want 96", n)
		}
	}
}

func TestNewTone_Invalid(t *testing.T) {
	tests := []synth.ToneConfig{
		{Format: audio.Format{SampleRate: 0, Channels: 2}},
		{Format: audio.Format{SampleRate: 48000, Channels: 0}},
		{Amplitude: 2},
	}
	for _, cfg := range tests {
		_, err := synth.NewTone(cfg)
		var cfgErr *audio.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("NewTone(%+v) = %v, want *audio.ConfigError", cfg, err)
		}
	}
}

func TestSink_KeepsUpToLimit(t *testing.T) {
	sink, err := synth.NewSink(audio.PipelineFormat, 48, 250)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	if err := sink.Start(func(out []float32) {
		for i := range out {
			out[i] = 0.5
		}
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return sink.Pulls() >= 4 })
	if err := sink.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := sink.Samples()
	if len(got) != 250 {
		t.Fatalf("kept %d samples, want 250", len(got))
	}
	for i, v := range got {
		if v != 0.5 {
			t.Fatalf("sample %d = %v, want 0.5", i, v)
		}
	}
}
