// Package config provides the configuration schema, loader, and provider
// registry for the liveintake voice intake service.
package config

import (
	"time"

	"github.com/argushq/liveintake/internal/capture"
	"github.com/argushq/liveintake/pkg/transport"
)

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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for `liveintake serve`.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// AllowedOrigins lists the Origin headers accepted on the events
	// websocket. Empty accepts same-host requests only.
	AllowedOrigins []string `yaml:"allowed_origins" validate:"dive,url"`
}

// TransportConfig selects and configures the remote voice agent.
type TransportConfig struct {
	// Name selects the registered transport (e.g., "gemini-live").
	Name string `yaml:"name" validate:"required"`

	// APIKey authenticates against the remote endpoint. Use ${ENV} references
	// to keep it out of the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// FallbackURLs are tried in order when the primary endpoint fails its
	// handshake.
	FallbackURLs []string `yaml:"fallback_urls" validate:"dive,url"`

	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`

	// SendPolicy is "queue" (default) or "drop".
	SendPolicy string `yaml:"send_policy" validate:"omitempty,oneof=queue drop"`

	PendingLimit     int           `yaml:"pending_limit" validate:"gte=0,lte=4096"`
	OutboxSize       int           `yaml:"outbox_size" validate:"gte=0,lte=4096"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gte=0"`

	// InputTranscription and OutputTranscription default to true.
	InputTranscription  *bool `yaml:"input_transcription"`
	OutputTranscription *bool `yaml:"output_transcription"`

	// Vertex routes genai-live through Vertex AI instead of an API key.
	Vertex *VertexConfig `yaml:"vertex"`
}

// VertexConfig identifies a Google Cloud project for the Vertex AI backend.
type VertexConfig struct {
	Project  string `yaml:"project" validate:"required"`
	Location string `yaml:"location" validate:"required"`
}

// CaptureConfig configures the microphone side.
type CaptureConfig struct {
	// Backend selects the registered audio backend ("ffmpeg" or "mock").
	Backend string `yaml:"backend"`

	// Device is the backend-specific device identifier. Empty selects the
	// system default microphone.
	Device string `yaml:"device"`

	// InputFormat overrides the ffmpeg input demuxer (pulse, alsa, ...).
	InputFormat string `yaml:"input_format"`

	SampleRate     int `yaml:"sample_rate" validate:"omitempty,gte=8000,lte=192000"`
	WireSampleRate int `yaml:"wire_sample_rate" validate:"omitempty,gte=8000,lte=48000"`
	FrameSize      int `yaml:"frame_size" validate:"omitempty,gte=16,lte=65536"`
}

// PlaybackConfig configures the speaker side.
type PlaybackConfig struct {
	// Backend selects the registered audio backend. Empty uses the capture
	// backend.
	Backend    string `yaml:"backend"`
	SampleRate int    `yaml:"sample_rate" validate:"omitempty,gte=8000,lte=192000"`
}

// ArchiveConfig configures the optional PostgreSQL transcript archive.
type ArchiveConfig struct {
	// PostgresDSN is the connection string. Empty disables archiving.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of new traces that are sampled. Zero
	// samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio" validate:"gte=0,lte=1"`
}

// Defaults filled in by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultTransport       = "gemini-live"
	DefaultAudioBackend    = "ffmpeg"
	DefaultVoice           = "Zephyr"
	DefaultServiceName     = "liveintake"
	DefaultPlaybackRate    = 24000
	DefaultCaptureRate     = 16000
	DefaultCaptureFrameLen = 4096
)

// DefaultInstructions is the persona the agent is given when none is
// configured.
const DefaultInstructions = "You are Argus, a calm and attentive intake officer. " +
	"Greet the caller, ask what happened, and gather the who, what, where and when " +
	"with short follow-up questions. Do not give legal advice. Summarise the report " +
	"back to the caller before ending the conversation."

// ApplyDefaults fills zero-valued fields with their defaults. It is called by
// [LoadFromReader] before validation.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = DefaultTransport
	}
	if cfg.Transport.Voice == "" {
		cfg.Transport.Voice = DefaultVoice
	}
	if cfg.Transport.Instructions == "" {
		cfg.Transport.Instructions = DefaultInstructions
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = DefaultAudioBackend
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.FrameSize == 0 {
		cfg.Capture.FrameSize = DefaultCaptureFrameLen
	}
	if cfg.Playback.Backend == "" {
		cfg.Playback.Backend = cfg.Capture.Backend
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultPlaybackRate
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// SessionConfig converts the transport section into the per-session
// [transport.Config] handed to a provider.
func (c *Config) SessionConfig() (transport.Config, error) {
	policy, err := transport.ParseSendPolicy(c.Transport.SendPolicy)
	if err != nil {
		return transport.Config{}, err
	}
	wire := c.Capture.WireSampleRate
	if wire == 0 {
		wire = c.Capture.SampleRate
	}
	return transport.Config{
		Model:               c.Transport.Model,
		Voice:               c.Transport.Voice,
		Instructions:        c.Transport.Instructions,
		CaptureSampleRate:   wire,
		PlaybackSampleRate:  c.Playback.SampleRate,
		SendPolicy:          policy,
		PendingLimit:        c.Transport.PendingLimit,
		OutboxSize:          c.Transport.OutboxSize,
		HandshakeTimeout:    c.Transport.HandshakeTimeout,
		InputTranscription:  boolOr(c.Transport.InputTranscription, true),
		OutputTranscription: boolOr(c.Transport.OutputTranscription, true),
	}.WithDefaults(), nil
}

// PipelineConfig converts the capture section into a [capture.Config].
func (c *Config) PipelineConfig() capture.Config {
	return capture.Config{
		Device:           c.Capture.Device,
		DeviceSampleRate: c.Capture.SampleRate,
		WireSampleRate:   c.Capture.WireSampleRate,
		FrameSize:        c.Capture.FrameSize,
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
