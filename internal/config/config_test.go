package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/opuslink/internal/config"
	"github.com/MrWong99/opuslink/pkg/audio"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

pipeline:
  mode: duplex
  drain_timeout: 500ms

audio:
  bitrate: 32000
  application: voip
  jitter_frames: 6
  accumulator_frames: 3
  max_conceal_frames: -1
  resync_threshold: 500

device:
  frames_per_buffer: 240
  capture:
    kind: wav
    path: /tmp/in.wav
    loop: true
  playback:
    kind: synth
    sample_rate: 44100
    channels: 1

transport:
  kind: webrtc
  send_queue_frames: 8
  webrtc:
    role: offer
    signal_url: ws://peer.example:9090/signal
    ice_servers:
      - stun:stun.l.google.com:19302
    connect_timeout: 5s
  breaker:
    max_failures: 3
    reset_timeout: 250ms
    half_open_max: 2
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Pipeline.Mode != config.ModeDuplex {
		t.Errorf("mode = %q", cfg.Pipeline.Mode)
	}
	if cfg.Pipeline.DrainTimeout != 500*time.Millisecond {
		t.Errorf("drain_timeout = %v", cfg.Pipeline.DrainTimeout)
	}
	if cfg.Audio.Bitrate != 32000 || cfg.Audio.Application != "voip" {
		t.Errorf("audio codec = %d/%q", cfg.Audio.Bitrate, cfg.Audio.Application)
	}
	if cfg.Audio.JitterFrames != 6 || cfg.Audio.AccumulatorFrames != 3 {
		t.Errorf("audio buffers = %d/%d", cfg.Audio.JitterFrames, cfg.Audio.AccumulatorFrames)
	}
	if cfg.Audio.MaxConcealFrames != -1 {
		t.Errorf("max_conceal_frames = %d, want -1 kept", cfg.Audio.MaxConcealFrames)
	}
	if cfg.Device.Capture.Kind != config.DeviceWAV || !cfg.Device.Capture.Loop {
		t.Errorf("capture = %+v", cfg.Device.Capture)
	}
	if cfg.Device.Playback.SampleRate != 44100 || cfg.Device.Playback.Channels != 1 {
		t.Errorf("playback = %+v", cfg.Device.Playback)
	}
	if cfg.Transport.Kind != config.TransportWebRTC || cfg.Transport.WebRTC.Role != config.RoleOffer {
		t.Errorf("transport = %q/%q", cfg.Transport.Kind, cfg.Transport.WebRTC.Role)
	}
	if got := cfg.Transport.WebRTC.ICEServers; len(got) != 1 || got[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("ice_servers = %v", got)
	}
	if cfg.Transport.WebRTC.ConnectTimeout != 5*time.Second {
		t.Errorf("connect_timeout = %v", cfg.Transport.WebRTC.ConnectTimeout)
	}
	want := config.BreakerConfig{MaxFailures: 3, ResetTimeout: 250 * time.Millisecond, HalfOpenMax: 2}
	if cfg.Transport.Breaker != want {
		t.Errorf("breaker = %+v, want %+v", cfg.Transport.Breaker, want)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Pipeline.Mode != config.DefaultMode {
		t.Errorf("mode = %q, want %q", cfg.Pipeline.Mode, config.DefaultMode)
	}
	if cfg.Audio.JitterFrames != audio.DefaultJitterCeiling {
		t.Errorf("jitter_frames = %d, want %d", cfg.Audio.JitterFrames, audio.DefaultJitterCeiling)
	}
	if cfg.Audio.MaxConcealFrames != config.DefaultMaxConcealFrames {
		t.Errorf("max_conceal_frames = %d, want %d", cfg.Audio.MaxConcealFrames, config.DefaultMaxConcealFrames)
	}
	if cfg.Device.Capture.Kind != config.DeviceSynth || cfg.Device.Playback.Kind != config.DeviceSynth {
		t.Errorf("devices = %q/%q, want synth/synth", cfg.Device.Capture.Kind, cfg.Device.Playback.Kind)
	}
	if cfg.Transport.WebRTC.Role != config.RoleAnswer {
		t.Errorf("webrtc.role = %q, want answer", cfg.Transport.WebRTC.Role)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  bitrat: 64000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "bitrat") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "opuslink.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Mode != config.ModeDuplex {
		t.Errorf("mode = %q", cfg.Pipeline.Mode)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: open") {
		t.Errorf("error should be prefixed, got: %v", err)
	}
}

func TestMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode                        config.Mode
		valid, sends, recv, network bool
	}{
		{config.ModeSend, true, true, false, true},
		{config.ModeReceive, true, false, true, true},
		{config.ModeDuplex, true, true, true, true},
		{config.ModeLoopback, true, true, true, false},
		{config.ModeCodec, true, true, true, false},
		{config.Mode("relay"), false, true, true, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			if got := tc.mode.IsValid(); got != tc.valid {
				t.Errorf("IsValid = %v, want %v", got, tc.valid)
			}
			if got := tc.mode.Sends(); got != tc.sends {
				t.Errorf("Sends = %v, want %v", got, tc.sends)
			}
			if got := tc.mode.Receives(); got != tc.recv {
				t.Errorf("Receives = %v, want %v", got, tc.recv)
			}
			if got := tc.mode.Networked(); got != tc.network {
				t.Errorf("Networked = %v, want %v", got, tc.network)
			}
		})
	}
}
