// Package observe provides the observability primitives of liveintake:
// OpenTelemetry metrics for every stage of the voice pipeline, tracing
// helpers, trace-aware structured logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// Prometheus scraping through the exporter bridge set up by [InitProvider].
// Components default to [DefaultMetrics]; tests should build their own with
// [NewMetrics] over a [metric.MeterProvider] backed by a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all liveintake metrics.
const meterName = "github.com/argushq/liveintake"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from dial to a completed session
	// handshake. Attributes: provider, status.
	ConnectDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the device clock each inbound
	// chunk was scheduled.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts wire frames produced by capture pipelines.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames written to a transport. Attribute: provider.
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames that were never written.
	// Attributes: provider, reason.
	FramesDropped metric.Int64Counter

	// InboundChunks counts audio chunks received from the remote agent.
	InboundChunks metric.Int64Counter

	// DecodeErrors counts inbound chunks dropped by the playback scheduler.
	DecodeErrors metric.Int64Counter

	// PlaybackScheduled sums the seconds of audio handed to output devices.
	PlaybackScheduled metric.Float64Counter

	// TranscriptSegments counts transcript fragments. Attribute: role.
	TranscriptSegments metric.Int64Counter

	// StateTransitions counts voice session state changes. Attribute: state.
	StateTransitions metric.Int64Counter

	// TransportErrors counts session-terminating transport failures.
	// Attributes: provider, kind.
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and playback queue depth.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("liveintake.transport.connect.duration",
		metric.WithDescription("Time from dial to completed session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("liveintake.playback.lead",
		metric.WithDescription("Queued playback ahead of the device clock when a chunk is scheduled."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("liveintake.capture.frames",
		metric.WithDescription("Wire frames produced by capture pipelines."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("liveintake.transport.frames.sent",
		metric.WithDescription("Outbound frames written to the transport by provider."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("liveintake.transport.frames.dropped",
		metric.WithDescription("Outbound frames dropped by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.InboundChunks, err = m.Int64Counter("liveintake.transport.chunks.received",
		metric.WithDescription("Audio chunks received from the remote agent."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("liveintake.playback.decode_errors",
		metric.WithDescription("Inbound audio chunks dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Float64Counter("liveintake.playback.scheduled",
		metric.WithDescription("Seconds of audio scheduled on output devices."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.TranscriptSegments, err = m.Int64Counter("liveintake.transcript.segments",
		metric.WithDescription("Transcript fragments by speaker role."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("liveintake.session.transitions",
		metric.WithDescription("Voice session state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("liveintake.transport.errors",
		metric.WithDescription("Session-terminating transport errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("liveintake.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("liveintake.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records the outcome and latency of one session handshake.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordFrameSent counts one frame written by provider.
func (m *Metrics) RecordFrameSent(ctx context.Context, provider string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFrameDropped counts one outbound frame dropped for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, provider, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", reason),
		),
	)
}

// RecordTransportError counts one session-terminating transport error.
func (m *Metrics) RecordTransportError(ctx context.Context, provider, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordStateTransition counts a voice session entering state.
func (m *Metrics) RecordStateTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTranscript counts a transcript fragment spoken by role.
func (m *Metrics) RecordTranscript(ctx context.Context, role string) {
	m.TranscriptSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordScheduled records a chunk of d seconds scheduled lead ahead of the
// device clock.
func (m *Metrics) RecordScheduled(ctx context.Context, d, lead time.Duration) {
	m.PlaybackScheduled.Add(ctx, d.Seconds())
	m.PlaybackLead.Record(ctx, lead.Seconds())
}
