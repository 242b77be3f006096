package device_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
)

func TestBufferSizing(t *testing.T) {
	f := audio.Format{SampleRate: 48000, Channels: 2}
	if got := device.BufferSamples(f, 480); got != 960 {
		t.Errorf("BufferSamples = %d, want 960", got)
	}
	if got := device.BufferPeriod(f, 480); got != 10*time.Millisecond {
		t.Errorf("BufferPeriod = %v, want 10ms", got)
	}
}

func TestClock_TicksUntilStopped(t *testing.T) {
	var ticks atomic.Int32
	c := device.StartClock(time.Millisecond, func() bool {
		ticks.Add(1)
		return true
	})
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Stop()
	c.Stop()

	after := ticks.Load()
	if after < 3 {
		t.Fatalf("ticks = %d, want >= 3", after)
	}
	time.Sleep(10 * time.Millisecond)
	if ticks.Load() != after {
		t.Error("clock kept ticking after Stop")
	}
}

func TestClock_TickCanEndRun(t *testing.T) {
	var ticks atomic.Int32
	c := device.StartClock(time.Millisecond, func() bool {
		return ticks.Add(1) < 2
	})
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("clock did not finish")
	}
	if got := ticks.Load(); got != 2 {
		t.Errorf("ticks = %d, want 2", got)
	}
	c.Stop()
}
