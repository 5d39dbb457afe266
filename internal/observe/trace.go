package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for liveintake spans.
const tracerName = "github.com/argushq/liveintake"

// Tracer returns the liveintake tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type sessionKey struct{}

// StartSessionSpan starts the span covering one voice session and tags ctx
// with the session id so [Logger] includes it. The span is a new root: a
// session outlives the request that started it.
func StartSessionSpan(ctx context.Context, sessionID, provider string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, sessionKey{}, sessionID)
	link := trace.LinkFromContext(ctx)
	return StartSpan(ctx, "voice.session",
		trace.WithNewRoot(),
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("liveintake.session_id", sessionID),
			attribute.String("liveintake.provider", provider),
		),
	)
}

// SessionID returns the session id stored by [StartSessionSpan], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "". The HTTP API
// echoes it in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id, span_id and session_id
// attributes taken from ctx where present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	return l
}
