// Package observe provides application-wide observability primitives for
// opuslink: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Pipeline counters live as atomics inside the pipeline so that device
// callbacks never call into OTel. [Metrics.RegisterPipeline] exposes them
// through observable instruments read at collection time. A Prometheus
// exporter bridge is set up by [InitProvider] so the counters can be scraped
// from /metrics. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all opuslink metrics.
const meterName = "github.com/MrWong99/opuslink"

// PipelineSnapshot is a flat copy of the pipeline's counters at one instant.
// Counters are monotonic for the lifetime of a pipeline.
type PipelineSnapshot struct {
	// Send direction.
	CaptureCallbacks   uint64
	FramesEncoded      uint64
	EncodeErrors       uint64
	EncodedBytes       uint64
	CaptureOverruns    uint64
	SendQueueOverflows uint64
	PacketsSent        uint64
	SendErrors         uint64
	BreakerRejected    uint64
	BreakerOpen        bool

	// Receive direction.
	PacketsReceived    uint64
	PacketsMalformed   uint64
	PacketsLost        uint64
	PacketsLate        uint64
	Resyncs            uint64
	FramesDecoded      uint64
	DecodeErrors       uint64
	FramesConcealed    uint64
	JitterOverflows    uint64
	JitterDepth        int64
	PlaybackCallbacks  uint64
	PlaybackUnderflows uint64
}

// Metrics holds the OpenTelemetry instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// ConfigReloads counts hot reloads. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ConfigReloads metric.Int64Counter

	frames    metric.Int64ObservableCounter
	packets   metric.Int64ObservableCounter
	bytes     metric.Int64ObservableCounter
	errors    metric.Int64ObservableCounter
	drops     metric.Int64ObservableCounter
	callbacks metric.Int64ObservableCounter
	depth     metric.Int64ObservableGauge
	breaker   metric.Int64ObservableGauge
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.HTTPRequestDuration, err = m.Float64Histogram("opuslink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("opuslink.config.reloads",
		metric.WithDescription("Configuration hot reloads by status."),
	); err != nil {
		return nil, err
	}

	// Pipeline counters, observed from a snapshot callback.
	if met.frames, err = m.Int64ObservableCounter("opuslink.audio.frames",
		metric.WithDescription("Audio frames by stage: encoded, decoded, concealed."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.packets, err = m.Int64ObservableCounter("opuslink.network.packets",
		metric.WithDescription("RTP packets by outcome: sent, received, lost, late, malformed."),
		metric.WithUnit("{packet}"),
	); err != nil {
		return nil, err
	}
	if met.bytes, err = m.Int64ObservableCounter("opuslink.audio.encoded_bytes",
		metric.WithDescription("Opus payload bytes produced by the encoder."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.errors, err = m.Int64ObservableCounter("opuslink.pipeline.errors",
		metric.WithDescription("Pipeline errors by stage: encode, decode, send."),
	); err != nil {
		return nil, err
	}
	if met.drops, err = m.Int64ObservableCounter("opuslink.pipeline.drops",
		metric.WithDescription("Audio discarded by buffer: capture, send_queue, jitter, breaker."),
	); err != nil {
		return nil, err
	}
	if met.callbacks, err = m.Int64ObservableCounter("opuslink.device.callbacks",
		metric.WithDescription("Device callbacks by device and outcome."),
	); err != nil {
		return nil, err
	}
	if met.depth, err = m.Int64ObservableGauge("opuslink.jitter.depth",
		metric.WithDescription("Frames currently held in the jitter buffer."),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}
	if met.breaker, err = m.Int64ObservableGauge("opuslink.send.breaker_open",
		metric.WithDescription("1 while the send circuit breaker is open, else 0."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Attribute sets used by the pipeline callback. Built once.
var (
	attrEncoded    = metric.WithAttributes(attribute.String("stage", "encoded"))
	attrDecoded    = metric.WithAttributes(attribute.String("stage", "decoded"))
	attrConcealed  = metric.WithAttributes(attribute.String("stage", "concealed"))
	attrSent       = metric.WithAttributes(attribute.String("outcome", "sent"))
	attrReceived   = metric.WithAttributes(attribute.String("outcome", "received"))
	attrLost       = metric.WithAttributes(attribute.String("outcome", "lost"))
	attrLate       = metric.WithAttributes(attribute.String("outcome", "late"))
	attrMalformed  = metric.WithAttributes(attribute.String("outcome", "malformed"))
	attrEncodeErr  = metric.WithAttributes(attribute.String("stage", "encode"))
	attrDecodeErr  = metric.WithAttributes(attribute.String("stage", "decode"))
	attrSendErr    = metric.WithAttributes(attribute.String("stage", "send"))
	attrCapture    = metric.WithAttributes(attribute.String("buffer", "capture"))
	attrSendQueue  = metric.WithAttributes(attribute.String("buffer", "send_queue"))
	attrJitter     = metric.WithAttributes(attribute.String("buffer", "jitter"))
	attrBreaker    = metric.WithAttributes(attribute.String("buffer", "breaker"))
	attrCaptureCB  = metric.WithAttributes(attribute.String("device", "capture"), attribute.String("outcome", "ok"))
	attrPlaybackCB = metric.WithAttributes(attribute.String("device", "playback"), attribute.String("outcome", "ok"))
	attrUnderflow  = metric.WithAttributes(attribute.String("device", "playback"), attribute.String("outcome", "underflow"))
)

// RegisterPipeline exposes the counters returned by snapshot through the
// pipeline instruments. snapshot is called once per collection. Unregister
// the returned registration when the pipeline ends.
func (m *Metrics) RegisterPipeline(snapshot func() PipelineSnapshot) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()

		o.ObserveInt64(m.frames, int64(s.FramesEncoded), attrEncoded)
		o.ObserveInt64(m.frames, int64(s.FramesDecoded), attrDecoded)
		o.ObserveInt64(m.frames, int64(s.FramesConcealed), attrConcealed)

		o.ObserveInt64(m.packets, int64(s.PacketsSent), attrSent)
		o.ObserveInt64(m.packets, int64(s.PacketsReceived), attrReceived)
		o.ObserveInt64(m.packets, int64(s.PacketsLost), attrLost)
		o.ObserveInt64(m.packets, int64(s.PacketsLate), attrLate)
		o.ObserveInt64(m.packets, int64(s.PacketsMalformed), attrMalformed)

		o.ObserveInt64(m.bytes, int64(s.EncodedBytes))

		o.ObserveInt64(m.errors, int64(s.EncodeErrors), attrEncodeErr)
		o.ObserveInt64(m.errors, int64(s.DecodeErrors), attrDecodeErr)
		o.ObserveInt64(m.errors, int64(s.SendErrors), attrSendErr)

		o.ObserveInt64(m.drops, int64(s.CaptureOverruns), attrCapture)
		o.ObserveInt64(m.drops, int64(s.SendQueueOverflows), attrSendQueue)
		o.ObserveInt64(m.drops, int64(s.JitterOverflows), attrJitter)
		o.ObserveInt64(m.drops, int64(s.BreakerRejected), attrBreaker)

		o.ObserveInt64(m.callbacks, int64(s.CaptureCallbacks), attrCaptureCB)
		o.ObserveInt64(m.callbacks, int64(s.PlaybackCallbacks-s.PlaybackUnderflows), attrPlaybackCB)
		o.ObserveInt64(m.callbacks, int64(s.PlaybackUnderflows), attrUnderflow)

		o.ObserveInt64(m.depth, s.JitterDepth)
		var open int64
		if s.BreakerOpen {
			open = 1
		}
		o.ObserveInt64(m.breaker, open)
		return nil
	},
		m.frames, m.packets, m.bytes, m.errors, m.drops, m.callbacks, m.depth, m.breaker,
	)
}

// RecordConfigReload counts one hot reload attempt.
func (m *Metrics) RecordConfigReload(ctx context.Context, status string) {
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
