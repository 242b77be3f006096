// Package config provides the configuration schema, loader, validation, and
// hot-reload watcher for opuslink.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects which pipeline directions run.
type Mode string

const (
	ModeSend     Mode = "send"
	ModeReceive  Mode = "receive"
	ModeDuplex   Mode = "duplex"
	ModeLoopback Mode = "loopback"
	ModeCodec    Mode = "codec"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSend, ModeReceive, ModeDuplex, ModeLoopback, ModeCodec:
		return true
	}
	return false
}

// Sends reports whether m has a send direction.
func (m Mode) Sends() bool { return m != ModeReceive }

// Receives reports whether m has a receive direction.
func (m Mode) Receives() bool { return m != ModeSend }

// Networked reports whether m talks to a remote peer.
func (m Mode) Networked() bool { return m == ModeSend || m == ModeReceive || m == ModeDuplex }

// DeviceKind selects a capture or playback implementation.
type DeviceKind string

const (
	DevicePortAudio DeviceKind = "portaudio"
	DeviceWAV       DeviceKind = "wav"
	DeviceSynth     DeviceKind = "synth"
)

// IsValid reports whether k is a recognised device kind.
func (k DeviceKind) IsValid() bool {
	switch k {
	case DevicePortAudio, DeviceWAV, DeviceSynth:
		return true
	}
	return false
}

// TransportKind selects the network transport for networked modes.
type TransportKind string

const (
	TransportUDP    TransportKind = "udp"
	TransportWebRTC TransportKind = "webrtc"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	return k == TransportUDP || k == TransportWebRTC
}

// WebRTCRole selects which side of the signaling exchange this process plays.
type WebRTCRole string

const (
	// RoleOffer dials the peer's signaling endpoint.
	RoleOffer WebRTCRole = "offer"
	// RoleAnswer serves the signaling endpoint and waits for a peer.
	RoleAnswer WebRTCRole = "answer"
)

// IsValid reports whether r is a recognised role.
func (r WebRTCRole) IsValid() bool { return r == RoleOffer || r == RoleAnswer }

// Config is the root configuration structure for opuslink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Audio     AudioConfig     `yaml:"audio"`
	Device    DeviceConfig    `yaml:"device"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig holds the HTTP and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, health, and WebRTC
	// signaling (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// PipelineConfig selects the directions and bounds shutdown.
type PipelineConfig struct {
	Mode Mode `yaml:"mode"`

	// DrainTimeout bounds the flush of in-flight audio on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// AudioConfig tunes the codec and the buffers around it.
type AudioConfig struct {
	// Bitrate in bits per second. Default 64000.
	Bitrate int `yaml:"bitrate"`

	// Application is the codec tuning: voip, audio, or lowdelay.
	Application string `yaml:"application"`

	// JitterFrames is the receive jitter buffer ceiling. Hot-reloadable.
	JitterFrames int `yaml:"jitter_frames"`

	// AccumulatorFrames bounds the capture backlog.
	AccumulatorFrames int `yaml:"accumulator_frames"`

	// MaxConcealFrames caps concealment per detected gap; -1 disables it.
	MaxConcealFrames int `yaml:"max_conceal_frames"`

	// ResyncThreshold is the sequence jump treated as a new stream.
	ResyncThreshold int `yaml:"resync_threshold"`
}

// DeviceConfig selects the capture and playback devices.
type DeviceConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`

	// FramesPerBuffer is the callback size in frames (per channel).
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// CaptureConfig describes the audio source.
type CaptureConfig struct {
	Kind DeviceKind `yaml:"kind"`

	// Path is the .wav file read when Kind is wav.
	Path string `yaml:"path"`

	// Loop restarts a wav file at its end instead of finishing.
	Loop bool `yaml:"loop"`

	// Frequency and Amplitude shape the synth tone.
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`

	// SampleRate and Channels set the synth source format; zero means
	// 48 kHz stereo.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// PlaybackConfig describes the audio sink.
type PlaybackConfig struct {
	Kind DeviceKind `yaml:"kind"`

	// Path is the .wav file written when Kind is wav.
	Path string `yaml:"path"`

	// SampleRate and Channels set the wav or synth sink format; zero means
	// 48 kHz stereo.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// TransportConfig describes the network side of networked modes and the
// in-process link of loopback mode.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind"`

	// SendQueueFrames bounds packets waiting for the sender goroutine.
	SendQueueFrames int `yaml:"send_queue_frames"`

	UDP      UDPConfig      `yaml:"udp"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	Loopback LoopbackConfig `yaml:"loopback"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	Listen     string `yaml:"listen"`
	Remote     string `yaml:"remote"`
	ReadBuffer int    `yaml:"read_buffer"`
}

// WebRTCConfig configures the WebRTC data channel transport.
type WebRTCConfig struct {
	Role WebRTCRole `yaml:"role"`

	// SignalURL is the peer's ws:// signaling endpoint, used by the offerer.
	SignalURL string `yaml:"signal_url"`

	// ICEServers lists STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string `yaml:"ice_servers"`

	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host tests.
	IncludeLoopback bool `yaml:"include_loopback"`

	// ConnectTimeout bounds signaling and channel setup.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoopbackConfig injects loss into the in-process link of loopback mode.
type LoopbackConfig struct {
	// Loss is the probability in [0, 1) that a packet is dropped.
	Loss float64 `yaml:"loss"`

	// Seed makes the loss pattern reproducible.
	Seed uint64 `yaml:"seed"`
}

// BreakerConfig tunes the circuit breaker around transport sends.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}
