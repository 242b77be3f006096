// Package app wires all opuslink subsystems into a running process.
//
// The App struct owns the full lifecycle: New builds the devices and the
// HTTP surface, Run connects the transport and streams until the context
// ends or the capture source runs out, and Shutdown releases whatever Run
// did not.
//
// For testing, inject devices and transports via functional options
// (WithCapture, WithTransport, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/opuslink/internal/config"
	"github.com/MrWong99/opuslink/internal/health"
	"github.com/MrWong99/opuslink/internal/observe"
	"github.com/MrWong99/opuslink/internal/pipeline"
	"github.com/MrWong99/opuslink/internal/resilience"
	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
	"github.com/MrWong99/opuslink/pkg/audio/device/portaudio"
	"github.com/MrWong99/opuslink/pkg/audio/device/synth"
	"github.com/MrWong99/opuslink/pkg/audio/device/wavfile"
	"github.com/MrWong99/opuslink/pkg/audio/opus"
	"github.com/MrWong99/opuslink/pkg/transport"
	"github.com/MrWong99/opuslink/pkg/transport/memory"
	"github.com/MrWong99/opuslink/pkg/transport/udp"
	"github.com/MrWong99/opuslink/pkg/transport/webrtc"
)

// serverShutdownTimeout bounds the HTTP server's graceful stop.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes for one opuslink process.
type App struct {
	cfg     *config.Config
	level   *slog.LevelVar
	metrics *observe.Metrics

	// Devices: built in New, started and stopped by the runner.
	capture  device.Capture
	playback device.Playback

	// injected replaces the configured network transport.
	injected transport.Transport

	health    *health.Handler
	mux       *http.ServeMux
	signaling *webrtc.Server
	addr      atomic.Pointer[net.Addr]

	runner    atomic.Pointer[pipeline.Runner]
	connected atomic.Bool

	// closers are called in order during Shutdown.
	mu      sync.Mutex
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCapture injects a capture device instead of creating one from config.
func WithCapture(c device.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithPlayback injects a playback device instead of creating one from config.
func WithPlayback(p device.Playback) Option {
	return func(a *App) { a.playback = p }
}

// WithTransport injects the network transport used by send, receive, and
// duplex modes. Loopback and codec modes ignore it.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.injected = t }
}

// WithMetrics injects the metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.Reload] change the level of the caller's logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Devices are opened here so that a missing
// sound card or file fails fast; the transport is connected by [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(slogLevel(cfg.Server.LogLevel))

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		a.release()
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	slog.InfoContext(ctx, "application initialised",
		"mode", cfg.Pipeline.Mode,
		"capture", a.deviceName(cfg.Pipeline.Mode.Sends(), cfg.Device.Capture.Kind),
		"playback", a.deviceName(cfg.Pipeline.Mode.Receives(), cfg.Device.Playback.Kind),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevices() error {
	mode := a.cfg.Pipeline.Mode
	fpb := a.cfg.Device.FramesPerBuffer

	if mode.Sends() && a.capture == nil {
		c, err := newCapture(a.cfg.Device.Capture, fpb)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		a.capture = c
		a.addCloser(c.Stop)
	}
	if mode.Receives() && a.playback == nil {
		p, err := newPlayback(a.cfg.Device.Playback, fpb)
		if err != nil {
			return fmt.Errorf("playback: %w", err)
		}
		a.playback = p
		a.addCloser(p.Stop)
	}
	return nil
}

func newCapture(c config.CaptureConfig, fpb int) (device.Capture, error) {
	switch c.Kind {
	case config.DevicePortAudio:
		d, err := portaudio.NewCapture(fpb)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DeviceWAV:
		d, err := wavfile.NewCapture(c.Path, fpb, c.Loop)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		d, err := synth.NewTone(synth.ToneConfig{
			Format:          deviceFormat(c.SampleRate, c.Channels),
			Frequency:       c.Frequency,
			Amplitude:       c.Amplitude,
			FramesPerBuffer: fpb,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func newPlayback(p config.PlaybackConfig, fpb int) (device.Playback, error) {
	f := deviceFormat(p.SampleRate, p.Channels)
	switch p.Kind {
	case config.DevicePortAudio:
		d, err := portaudio.NewPlayback(fpb)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DeviceWAV:
		d, err := wavfile.NewPlayback(p.Path, f, fpb)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		d, err := synth.NewSink(f, fpb, 0)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// deviceFormat fills a zero rate or channel count from the pipeline format.
func deviceFormat(rate, channels int) audio.Format {
	f := audio.PipelineFormat
	if rate > 0 {
		f.SampleRate = rate
	}
	if channels > 0 {
		f.Channels = channels
	}
	return f
}

func (a *App) initHTTP() {
	a.health = health.New(
		health.Flag("transport", "transport not connected", a.connected.Load),
		health.Flag("pipeline", "pipeline not streaming", a.ready),
		health.Warn("send_breaker", "send circuit breaker open", a.breakerClosed),
	)
	a.mux = http.NewServeMux()
	a.health.Register(a.mux)
	a.mux.Handle("GET /metrics", promhttp.Handler())

	t := a.cfg.Transport
	if a.injected == nil && a.cfg.Pipeline.Mode.Networked() &&
		t.Kind == config.TransportWebRTC && t.WebRTC.Role == config.RoleAnswer {
		a.signaling = webrtc.NewServer(webrtcConfig(t.WebRTC))
		a.signaling.Register(a.mux)
	}
}

func webrtcConfig(c config.WebRTCConfig) webrtc.Config {
	return webrtc.Config{ICEServers: c.ICEServers, IncludeLoopback: c.IncludeLoopback}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, connects the transport, and streams until ctx is done or
// the pipeline ends on its own. The HTTP server is stopped before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	addr := ln.Addr()
	a.addr.Store(&addr)
	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics)(a.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("http server listening", "addr", addr.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		// A finite capture source ends the process.
		defer cancel()
		return a.runPipeline(gctx)
	})
	return g.Wait()
}

// runPipeline connects the transport, then builds and runs the runner.
func (a *App) runPipeline(ctx context.Context) error {
	send, recv, err := a.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	a.connected.Store(true)
	defer a.connected.Store(false)

	r, err := pipeline.NewRunner(a.runnerConfig(), pipeline.Endpoints{
		Capture:          a.capture,
		Playback:         a.playback,
		SendTransport:    send,
		ReceiveTransport: recv,
	})
	if err != nil {
		closeAll(send, recv)
		return fmt.Errorf("app: %w", err)
	}
	a.runner.Store(r)

	reg, err := a.metrics.RegisterPipeline(r.Snapshot)
	if err != nil {
		slog.Warn("pipeline metrics unavailable", "err", err)
	} else {
		defer func() { _ = reg.Unregister() }()
	}
	a.health.SetStatus(func() any { return r.Stats() })

	return r.Run(ctx)
}

// connect returns the send and receive transports for the configured mode.
// Networked modes share one transport between both directions.
func (a *App) connect(ctx context.Context) (send, recv transport.Transport, err error) {
	mode := a.cfg.Pipeline.Mode
	t := a.cfg.Transport

	ctx, span := observe.StartSpan(ctx, "app.connect",
		trace.WithAttributes(attribute.String("mode", string(mode))),
	)
	defer func() {
		observe.FailSpan(span, err, "connect failed")
		span.End()
	}()
	log := observe.Logger(ctx, "mode", mode)

	if !mode.Networked() {
		var opts []memory.Option
		if mode == config.ModeLoopback && t.Loopback.Loss > 0 {
			opts = append(opts, memory.WithLoss(t.Loopback.Loss, t.Loopback.Seed))
		}
		s, r := memory.NewPair(opts...)
		log.Info("in-process link ready", "loss", t.Loopback.Loss)
		return s, r, nil
	}
	if a.injected != nil {
		return a.injected, a.injected, nil
	}

	var tr transport.Transport
	switch t.Kind {
	case config.TransportWebRTC:
		tr, err = a.connectWebRTC(ctx)
	default:
		var c *udp.Conn
		c, err = udp.Listen(udp.Config{Listen: t.UDP.Listen, Remote: t.UDP.Remote, ReadBuffer: t.UDP.ReadBuffer})
		if err == nil {
			tr = c
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("app: connect %s transport: %w", t.Kind, err)
	}
	log.Info("transport connected", "kind", t.Kind)
	return tr, tr, nil
}

func (a *App) connectWebRTC(ctx context.Context) (transport.Transport, error) {
	w := a.cfg.Transport.WebRTC
	if w.Role == config.RoleOffer {
		dctx, cancel := context.WithTimeout(ctx, w.ConnectTimeout)
		defer cancel()
		observe.Logger(ctx).Info("dialing webrtc peer", "url", w.SignalURL)
		return webrtc.Dial(dctx, w.SignalURL, webrtcConfig(w))
	}
	observe.Logger(ctx).Info("waiting for webrtc peer", "path", webrtc.SignalPath)
	return a.signaling.Accept(ctx)
}

func (a *App) runnerConfig() pipeline.RunnerConfig {
	c := a.cfg
	return pipeline.RunnerConfig{
		Mode: pipeline.Mode(c.Pipeline.Mode),
		Send: pipeline.SendConfig{
			Encoder: opus.EncoderConfig{
				Application: opus.Application(c.Audio.Application),
				Bitrate:     c.Audio.Bitrate,
			},
			AccumulatorFrames: c.Audio.AccumulatorFrames,
			QueueFrames:       c.Transport.SendQueueFrames,
			Breaker: resilience.CircuitBreakerConfig{
				Name:         "transport-send",
				MaxFailures:  c.Transport.Breaker.MaxFailures,
				ResetTimeout: c.Transport.Breaker.ResetTimeout,
				HalfOpenMax:  c.Transport.Breaker.HalfOpenMax,
			},
		},
		Receive: pipeline.ReceiveConfig{
			JitterFrames:      c.Audio.JitterFrames,
			MaxConcealFrames:  c.Audio.MaxConcealFrames,
			ResyncThreshold:   c.Audio.ResyncThreshold,
			MaxCallbackFrames: c.Device.FramesPerBuffer,
		},
		DrainTimeout: c.Pipeline.DrainTimeout,
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next. It is the callback for a
// [config.Watcher]; changes that need a restart are logged and ignored.
func (a *App) Reload(old, next *config.Config) {
	d := config.Diff(old, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.JitterFramesChanged {
		if r := a.runner.Load(); r != nil {
			r.SetJitterCeiling(d.NewJitterFrames)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
	a.metrics.RecordConfigReload(context.Background(), "ok")
}

// ReloadFailed counts a rejected reload. It is the error handler for a
// [config.Watcher].
func (a *App) ReloadFailed(err error) {
	slog.Warn("config reload rejected", "err", err)
	a.metrics.RecordConfigReload(context.Background(), "error")
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Addr returns the HTTP listen address once Run has bound it, else nil.
func (a *App) Addr() net.Addr {
	if p := a.addr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns the pipeline counters, or false before the pipeline exists.
func (a *App) Stats() (pipeline.Stats, bool) {
	r := a.runner.Load()
	if r == nil {
		return pipeline.Stats{}, false
	}
	return r.Stats(), true
}

func (a *App) ready() bool {
	r := a.runner.Load()
	return r != nil && r.Ready()
}

func (a *App) breakerClosed() bool {
	r := a.runner.Load()
	return r == nil || !r.SendBreakerOpen()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases the devices opened by New. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned. Call it after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		closers := a.closers
		a.closers = nil
		a.mu.Unlock()
		slog.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) addCloser(fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// release runs the closers registered so far; used when New fails midway.
func (a *App) release() {
	_ = a.Shutdown(context.Background())
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) deviceName(used bool, kind config.DeviceKind) string {
	if !used {
		return "(unused)"
	}
	return string(kind)
}

func closeAll(trs ...transport.Transport) {
	seen := make(map[transport.Transport]bool, len(trs))
	for _, tr := range trs {
		if tr != nil && !seen[tr] {
			seen[tr] = true
			_ = tr.Close()
		}
	}
}

// slogLevel converts a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
