package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ─── State machine ───────────────────────────────────────────────────────────

func TestLifecycle_StartStop(t *testing.T) {
	t.Parallel()
	lc := NewLifecycle("test")
	if lc.State() != StateIdle {
		t.Fatalf("initial state = %v, want idle", lc.State())
	}
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !lc.Streaming() || !lc.Active() {
		t.Fatalf("state = %v, want streaming", lc.State())
	}

	var during State
	err := lc.Stop(context.Background(), func(context.Context) error {
		during = lc.State()
		return nil
	})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if during != StateDraining {
		t.Errorf("state during drain = %v, want draining", during)
	}
	if lc.State() != StateStopped {
		t.Errorf("state = %v, want stopped", lc.State())
	}
	select {
	case <-lc.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

func TestLifecycle_StartTwice(t *testing.T) {
	t.Parallel()
	lc := NewLifecycle("test")
	if err := lc.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := lc.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Fatalf("second Start = %v, want ErrNotIdle", err)
	}
}

func TestLifecycle_StopBeforeStart(t *testing.T) {
	t.Parallel()
	lc := NewLifecycle("test")
	drained := false
	if err := lc.Stop(context.Background(), func(context.Context) error {
		drained = true
		return nil
	}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if drained {
		t.Error("drain ran for a lifecycle that never streamed")
	}
	if lc.State() != StateStopped {
		t.Errorf("state = %v, want stopped", lc.State())
	}
	if err := lc.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("Start after Stop = %v, want ErrNotIdle", err)
	}
}

func TestLifecycle_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	lc := NewLifecycle("test")
	_ = lc.Start(context.Background())

	var drains atomic.Int32
	drain := func(context.Context) error {
		drains.Add(1)
		return nil
	}
	for range 3 {
		if err := lc.Stop(context.Background(), drain); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if n := drains.Load(); n != 1 {
		t.Errorf("drain ran %d times, want 1", n)
	}
}

func TestLifecycle_ConcurrentStop(t *testing.T) {
	t.Parallel()
	lc := NewLifecycle("test")
	_ = lc.Start(context.Background())

	var drains atomic.Int32
	release := make(chan struct{})
	drain := func(context.Context) error {
		drains.Add(1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lc.Stop(context.Background(), drain)
		}()
	}
	// Callers that lose the race return at once; the winner blocks in drain.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	<-lc.Done()

	if n := drains.Load(); n != 1 {
		t.Errorf("drain ran %d times, want 1", n)
	}
	if lc.State() != StateStopped {
		t.Errorf("state = %v, want stopped", lc.State())
	}
}

func TestLifecycle_DrainErrorStillStops(t *testing.T) {
	t.Parallel()
	lc := NewLifecycle("test")
	_ = lc.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := lc.Stop(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want DeadlineExceeded", err)
	}
	if lc.State() != StateStopped {
		t.Errorf("state = %v, want stopped", lc.State())
	}
}

func TestLifecycle_CallbacksDuringStop(t *testing.T) {
	t.Parallel()
	lc := NewLifecycle("test")
	_ = lc.Start(context.Background())

	stop := make(chan struct{})
	var processed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if lc.Streaming() {
				processed.Add(1)
			}
		}
	}()

	time.Sleep(2 * time.Millisecond)
	_ = lc.Stop(context.Background(), nil)
	after := processed.Load()
	time.Sleep(2 * time.Millisecond)
	close(stop)
	wg.Wait()

	// At most one in-flight iteration may have observed Streaming after Stop.
	if got := processed.Load(); got > after+1 {
		t.Errorf("callback processed %d more iterations after Stop", got-after)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateStreaming, "streaming"},
		{StateDraining, "draining"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// ─── Rate limiter ────────────────────────────────────────────────────────────

func TestLimiter(t *testing.T) {
	t.Parallel()
	l := newLimiter(time.Second)
	base := time.Unix(1_700_000_000, 0)

	if !l.allow(base) {
		t.Fatal("first event should pass")
	}
	if l.allow(base.Add(500 * time.Millisecond)) {
		t.Error("event inside the interval should be suppressed")
	}
	if !l.allow(base.Add(time.Second)) {
		t.Error("event after the interval should pass")
	}
	if l.allow(base.Add(time.Second + time.Millisecond)) {
		t.Error("interval should restart from the last emitted event")
	}
}

// ─── Drain helpers ───────────────────────────────────────────────────────────

func TestWaitEmpty(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	n.Store(3)
	go func() {
		for n.Load() > 0 {
			time.Sleep(time.Millisecond)
			n.Add(-1)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := waitEmpty(ctx, func() int { return int(n.Load()) }); err != nil {
		t.Fatalf("waitEmpty: %v", err)
	}
}

func TestWaitEmpty_Timeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := waitEmpty(ctx, func() int { return 1 })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waitEmpty = %v, want DeadlineExceeded", err)
	}
}
