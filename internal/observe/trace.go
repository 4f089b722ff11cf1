package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope all kernel spans are created under.
const scopeName = "github.com/kotonelabs/kotone"

// StartSpan starts a span on the kernel's instrumentation scope using the
// globally registered tracer provider. The caller must End the returned span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// CorrelationID returns the active trace id, or "" outside a span. It is the
// identifier exposed to clients in the X-Correlation-ID header, so a reported
// request can be matched to its trace and logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger enriched with the active span's trace_id
// and span_id, or the plain default logger outside a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
