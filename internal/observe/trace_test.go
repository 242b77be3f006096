package observe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "pipeline.start")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID %q has length %d, want 32", cid, len(cid))
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "pipeline.start" {
		t.Fatalf("spans = %v, want one named pipeline.start", spans.Snapshots())
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestFailSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	FailSpan(ok, nil, "ignored")
	ok.End()

	_, bad := StartSpan(context.Background(), "bad")
	FailSpan(bad, errors.New("drain timed out"), "drain incomplete")
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if got := spans[0].Status.Code; got != codes.Unset {
		t.Errorf("nil error set status %v", got)
	}
	if len(spans[0].Events) != 0 {
		t.Errorf("nil error recorded %d events", len(spans[0].Events))
	}
	if got := spans[1].Status; got.Code != codes.Error || got.Description != "drain incomplete" {
		t.Errorf("status = %+v, want error with description", got)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %v, want one exception event", spans[1].Events)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t, slog.LevelInfo)

	spanCtx, span := StartSpan(context.Background(), "log-test")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		args    []any
		want    []string
		notWant []string
	}{
		{"no span", context.Background(), nil, nil, []string{"trace_id", "span_id"}},
		{"span", spanCtx, nil, []string{"trace_id=" + CorrelationID(spanCtx), "span_id="}, nil},
		{"args", context.Background(), []any{"direction", "send"}, []string{"direction=send"}, []string{"trace_id"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf.Reset()
			Logger(tc.ctx, tc.args...).Info("test message")
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q, got: %s", w, out)
				}
			}
			for _, nw := range tc.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("log output should not contain %q, got: %s", nw, out)
				}
			}
		})
	}
}
