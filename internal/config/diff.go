package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to the next session without a restart are
// tracked; everything else takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true if the instructions or voice changed.
	PersonaChanged bool

	// SessionChanged is true if any per-session transport or device setting
	// changed (model, send policy, queue sizes, sample rates, frame size).
	SessionChanged bool

	// RestartRequired is true if a field that is only read at startup
	// changed (listen address, transport name, endpoints, backends, archive).
	RestartRequired bool
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.SessionChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, next *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != next.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = next.Server.LogLevel
	}

	ot, nt := old.Transport, next.Transport
	if ot.Instructions != nt.Instructions || ot.Voice != nt.Voice {
		d.PersonaChanged = true
	}

	if ot.Model != nt.Model ||
		ot.SendPolicy != nt.SendPolicy ||
		ot.PendingLimit != nt.PendingLimit ||
		ot.OutboxSize != nt.OutboxSize ||
		ot.HandshakeTimeout != nt.HandshakeTimeout ||
		boolOr(ot.InputTranscription, true) != boolOr(nt.InputTranscription, true) ||
		boolOr(ot.OutputTranscription, true) != boolOr(nt.OutputTranscription, true) ||
		old.Capture.Device != next.Capture.Device ||
		old.Capture.SampleRate != next.Capture.SampleRate ||
		old.Capture.WireSampleRate != next.Capture.WireSampleRate ||
		old.Capture.FrameSize != next.Capture.FrameSize ||
		old.Playback.SampleRate != next.Playback.SampleRate {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != next.Server.ListenAddr ||
		ot.Name != nt.Name ||
		ot.APIKey != nt.APIKey ||
		ot.BaseURL != nt.BaseURL ||
		!slices.Equal(ot.FallbackURLs, nt.FallbackURLs) ||
		(ot.Vertex == nil) != (nt.Vertex == nil) ||
		(ot.Vertex != nil && nt.Vertex != nil && *ot.Vertex != *nt.Vertex) ||
		old.Capture.Backend != next.Capture.Backend ||
		old.Capture.InputFormat != next.Capture.InputFormat ||
		old.Playback.Backend != next.Playback.Backend ||
		old.Archive.PostgresDSN != next.Archive.PostgresDSN ||
		old.Telemetry.ServiceName != next.Telemetry.ServiceName ||
		old.Telemetry.TraceSampleRatio != next.Telemetry.TraceSampleRatio {
		d.RestartRequired = true
	}

	return d
}
