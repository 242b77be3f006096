package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/opuslink/pkg/audio"
	"github.com/MrWong99/opuslink/pkg/audio/device"
	"github.com/MrWong99/opuslink/pkg/audio/opus"
)

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr        = ":9090"
	DefaultMode              = ModeLoopback
	DefaultDrainTimeout      = 2 * time.Second
	DefaultBitrate           = 64000
	DefaultApplication       = "audio"
	DefaultAccumulatorFrames = 4
	DefaultMaxConcealFrames  = 5
	DefaultResyncThreshold   = 1000
	DefaultUDPListen         = ":5004"
	DefaultConnectTimeout    = 15 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the default config.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults. Explicit
// values, including -1 for max_conceal_frames, are left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = DefaultMode
	}
	if cfg.Pipeline.DrainTimeout == 0 {
		cfg.Pipeline.DrainTimeout = DefaultDrainTimeout
	}

	a := &cfg.Audio
	if a.Bitrate == 0 {
		a.Bitrate = DefaultBitrate
	}
	if a.Application == "" {
		a.Application = DefaultApplication
	}
	if a.JitterFrames == 0 {
		a.JitterFrames = audio.DefaultJitterCeiling
	}
	if a.AccumulatorFrames == 0 {
		a.AccumulatorFrames = DefaultAccumulatorFrames
	}
	if a.MaxConcealFrames == 0 {
		a.MaxConcealFrames = DefaultMaxConcealFrames
	}
	if a.ResyncThreshold == 0 {
		a.ResyncThreshold = DefaultResyncThreshold
	}

	d := &cfg.Device
	if d.Capture.Kind == "" {
		d.Capture.Kind = DeviceSynth
	}
	if d.Playback.Kind == "" {
		d.Playback.Kind = DeviceSynth
	}
	if d.FramesPerBuffer == 0 {
		d.FramesPerBuffer = device.DefaultFramesPerBuffer
	}

	t := &cfg.Transport
	if t.Kind == "" {
		t.Kind = TransportUDP
	}
	if t.SendQueueFrames == 0 {
		t.SendQueueFrames = audio.DefaultJitterCeiling
	}
	if t.UDP.Listen == "" {
		t.UDP.Listen = DefaultUDPListen
	}
	if t.WebRTC.Role == "" {
		t.WebRTC.Role = RoleAnswer
	}
	if t.WebRTC.ConnectTimeout == 0 {
		t.WebRTC.ConnectTimeout = DefaultConnectTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q: %w", cfg.Server.ListenAddr, err))
		}
	}

	// Pipeline
	mode := cfg.Pipeline.Mode
	if !mode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: send, receive, duplex, loopback, codec", mode))
	}
	if cfg.Pipeline.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.drain_timeout %v must not be negative", cfg.Pipeline.DrainTimeout))
	}

	// Audio
	enc := opus.EncoderConfig{Application: opus.Application(cfg.Audio.Application), Bitrate: cfg.Audio.Bitrate}
	if err := enc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.Audio.JitterFrames < 1 {
		errs = append(errs, fmt.Errorf("audio.jitter_frames %d must be at least 1", cfg.Audio.JitterFrames))
	}
	if cfg.Audio.AccumulatorFrames < 1 {
		errs = append(errs, fmt.Errorf("audio.accumulator_frames %d must be at least 1", cfg.Audio.AccumulatorFrames))
	}
	if cfg.Audio.MaxConcealFrames < -1 {
		errs = append(errs, fmt.Errorf("audio.max_conceal_frames %d is invalid; use -1 to disable concealment", cfg.Audio.MaxConcealFrames))
	}
	if cfg.Audio.ResyncThreshold < 1 {
		errs = append(errs, fmt.Errorf("audio.resync_threshold %d must be at least 1", cfg.Audio.ResyncThreshold))
	}

	// Devices
	if mode.Sends() {
		errs = append(errs, validateCapture(&cfg.Device.Capture)...)
	}
	if mode.Receives() {
		errs = append(errs, validatePlayback(&cfg.Device.Playback)...)
	}
	if cfg.Device.FramesPerBuffer < 1 {
		errs = append(errs, fmt.Errorf("device.frames_per_buffer %d must be at least 1", cfg.Device.FramesPerBuffer))
	}

	// Transport
	t := &cfg.Transport
	if t.SendQueueFrames < 1 {
		errs = append(errs, fmt.Errorf("transport.send_queue_frames %d must be at least 1", t.SendQueueFrames))
	}
	if t.Loopback.Loss < 0 || t.Loopback.Loss >= 1 {
		errs = append(errs, fmt.Errorf("transport.loopback.loss %.3f is out of range [0, 1)", t.Loopback.Loss))
	}
	if t.Loopback.Loss > 0 && mode != ModeLoopback {
		slog.Warn("transport.loopback.loss only applies to loopback mode", "mode", mode)
	}
	if t.Breaker.MaxFailures < 0 || t.Breaker.HalfOpenMax < 0 || t.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("transport.breaker values must not be negative"))
	}
	if mode.Networked() {
		errs = append(errs, validateNetwork(t)...)
	}

	return errors.Join(errs...)
}

func validateCapture(c *CaptureConfig) []error {
	var errs []error
	if !c.Kind.IsValid() {
		return append(errs, fmt.Errorf("device.capture.kind %q is invalid; valid values: portaudio, wav, synth", c.Kind))
	}
	switch c.Kind {
	case DeviceWAV:
		if c.Path == "" {
			errs = append(errs, errors.New("device.capture.path is required when kind is wav"))
		}
	case DeviceSynth:
		if c.Amplitude < 0 || c.Amplitude > 1 {
			errs = append(errs, fmt.Errorf("device.capture.amplitude %.2f is out of range [0, 1]", c.Amplitude))
		}
		if c.Frequency < 0 {
			errs = append(errs, fmt.Errorf("device.capture.frequency %.1f must not be negative", c.Frequency))
		}
		errs = append(errs, validateFormat("device.capture", c.SampleRate, c.Channels)...)
	}
	return errs
}

func validatePlayback(p *PlaybackConfig) []error {
	var errs []error
	if !p.Kind.IsValid() {
		return append(errs, fmt.Errorf("device.playback.kind %q is invalid; valid values: portaudio, wav, synth", p.Kind))
	}
	if p.Kind == DeviceWAV && p.Path == "" {
		errs = append(errs, errors.New("device.playback.path is required when kind is wav"))
	}
	if p.Kind != DevicePortAudio {
		errs = append(errs, validateFormat("device.playback", p.SampleRate, p.Channels)...)
	}
	return errs
}

func validateFormat(prefix string, rate, channels int) []error {
	var errs []error
	if rate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", prefix, rate))
	}
	if channels != 0 && channels != 1 && channels != 2 {
		errs = append(errs, fmt.Errorf("%s.channels %d is invalid; valid values: 1, 2", prefix, channels))
	}
	return errs
}

func validateNetwork(t *TransportConfig) []error {
	var errs []error
	if !t.Kind.IsValid() {
		return append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: udp, webrtc", t.Kind))
	}
	switch t.Kind {
	case TransportUDP:
		if _, err := net.ResolveUDPAddr("udp", t.UDP.Listen); err != nil {
			errs = append(errs, fmt.Errorf("transport.udp.listen %q: %w", t.UDP.Listen, err))
		}
		if t.UDP.Remote != "" {
			if _, _, err := net.SplitHostPort(t.UDP.Remote); err != nil {
				errs = append(errs, fmt.Errorf("transport.udp.remote %q: %w", t.UDP.Remote, err))
			}
		}
	case TransportWebRTC:
		if !t.WebRTC.Role.IsValid() {
			errs = append(errs, fmt.Errorf("transport.webrtc.role %q is invalid; valid values: offer, answer", t.WebRTC.Role))
		}
		if t.WebRTC.Role == RoleOffer {
			u, err := url.Parse(t.WebRTC.SignalURL)
			switch {
			case t.WebRTC.SignalURL == "":
				errs = append(errs, errors.New("transport.webrtc.signal_url is required when role is offer"))
			case err != nil:
				errs = append(errs, fmt.Errorf("transport.webrtc.signal_url: %w", err))
			case u.Scheme != "ws" && u.Scheme != "wss":
				errs = append(errs, fmt.Errorf("transport.webrtc.signal_url scheme %q must be ws or wss", u.Scheme))
			}
		}
		if t.WebRTC.ConnectTimeout < 0 {
			errs = append(errs, fmt.Errorf("transport.webrtc.connect_timeout %v must not be negative", t.WebRTC.ConnectTimeout))
		}
	}
	return errs
}
