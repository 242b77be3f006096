// Package pipeline wires the audio building blocks into the two streaming
// directions and runs them.
//
// A [SendDirection] turns capture callbacks into RTP packets on a transport;
// a [ReceiveDirection] turns packets from a transport into playback callback
// buffers. Each direction owns a [Lifecycle] that moves
// Idle → Streaming → Draining → Stopped. [Runner] starts the devices and
// goroutines for a configured mode and shuts them down in order.
//
// Callbacks never block, never allocate in steady state, and never return
// errors: failures are counted and logged at a bounded rate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/opuslink/internal/observe"
)

// ErrNotIdle is returned by [Lifecycle.Start] on a lifecycle that has
// already been started.
var ErrNotIdle = errors.New("pipeline: lifecycle is not idle")

// State is the position of a direction in its lifecycle.
type State int32

const (
	// StateIdle means no device stream is open.
	StateIdle State = iota
	// StateStreaming means callbacks are active and buffers flow.
	StateStreaming
	// StateDraining means stop was requested and in-flight audio is being
	// flushed.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DrainFunc flushes in-flight data. It returns when the flush is complete
// or ctx is done.
type DrainFunc func(ctx context.Context) error

// Lifecycle is the state machine of one direction. State reads are a single
// atomic load, so callbacks may consult it on every call.
//
// Lifecycle is safe for concurrent use.
type Lifecycle struct {
	name   string
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewLifecycle returns an idle lifecycle labelled name in logs and spans.
func NewLifecycle(name string) *Lifecycle {
	return &Lifecycle{
		name:   name,
		done:   make(chan struct{}),
		logger: slog.Default().With("direction", name),
	}
}

// State returns the current state.
func (l *Lifecycle) State() State { return State(l.state.Load()) }

// Streaming reports whether callbacks should process audio.
func (l *Lifecycle) Streaming() bool { return l.State() == StateStreaming }

// Active reports whether the direction is Streaming or Draining.
func (l *Lifecycle) Active() bool {
	s := l.State()
	return s == StateStreaming || s == StateDraining
}

// Done is closed when the lifecycle reaches [StateStopped].
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// Start moves Idle → Streaming.
func (l *Lifecycle) Start(ctx context.Context) error {
	_, span := l.span(ctx, "start")
	defer span.End()
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) {
		err := fmt.Errorf("%w: %s is %s", ErrNotIdle, l.name, l.State())
		observe.FailSpan(span, err, "not idle")
		return err
	}
	l.logger.Info("pipeline direction streaming")
	return nil
}

// Stop moves Streaming → Draining, runs drain, then moves to Stopped. A
// lifecycle that never started goes straight to Stopped. Calling Stop while
// Draining or Stopped is a no-op; wait on [Lifecycle.Done] to observe the
// end of a drain started elsewhere.
//
// The drain error, including ctx expiry, is returned but does not prevent
// the transition to Stopped.
func (l *Lifecycle) Stop(ctx context.Context, drain DrainFunc) error {
	if l.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
		l.finish()
		return nil
	}
	if !l.state.CompareAndSwap(int32(StateStreaming), int32(StateDraining)) {
		return nil
	}

	ctx, span := l.span(ctx, "stop")
	defer span.End()
	log := observe.Logger(ctx, "direction", l.name)
	log.Info("pipeline direction draining")

	var err error
	if drain != nil {
		if err = drain(ctx); err != nil {
			observe.FailSpan(span, err, "drain incomplete")
			log.Warn("drain incomplete", "err", err)
		}
	}
	l.state.Store(int32(StateStopped))
	l.finish()
	return err
}

func (l *Lifecycle) finish() {
	l.once.Do(func() {
		close(l.done)
		l.logger.Info("pipeline direction stopped")
	})
}

func (l *Lifecycle) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return observe.StartSpan(ctx, "pipeline."+op,
		trace.WithAttributes(
			attribute.String("direction", l.name),
			attribute.String("from_state", l.State().String()),
		),
	)
}
