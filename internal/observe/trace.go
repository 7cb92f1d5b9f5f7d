package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/boardobserver"

// MeetingIDKey is the span attribute carrying the meeting identifier.
const MeetingIDKey = attribute.Key("meeting.id")

type meetingKey struct{}

// Tracer returns the instrumentation tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// WithMeeting stores meetingID in ctx for [Logger] and [StartMeetingSpan].
func WithMeeting(ctx context.Context, meetingID string) context.Context {
	if meetingID == "" {
		return ctx
	}
	return context.WithValue(ctx, meetingKey{}, meetingID)
}

// MeetingID returns the meeting stored by [WithMeeting], or "".
func MeetingID(ctx context.Context) string {
	id, _ := ctx.Value(meetingKey{}).(string)
	return id
}

// StartMeetingSpan starts a span tagged with meetingID and scopes ctx to the
// meeting, so loggers derived from it carry meeting_id.
func StartMeetingSpan(ctx context.Context, name, meetingID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx = WithMeeting(ctx, meetingID)
	attrs = append(attrs, MeetingIDKey.String(meetingID))
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with meeting_id, trace_id and
// span_id when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if id := MeetingID(ctx); id != "" {
		attrs = append(attrs, slog.String("meeting_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
