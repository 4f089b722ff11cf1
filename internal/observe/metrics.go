// Package observe provides application-wide observability primitives for
// Kotone: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kotone metrics.
const meterName = "github.com/kotonelabs/kotone"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per kernel stage ---

	// DialogueDuration tracks end-to-end chat request latency.
	DialogueDuration metric.Float64Histogram

	// ProviderDuration tracks LLM provider call latency.
	ProviderDuration metric.Float64Histogram

	// ToolExecutionDuration tracks capability scheduler execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// PluginExecuteDuration tracks plugin RPC round-trip latency.
	PluginExecuteDuration metric.Float64Histogram

	// EmotionAnalysisDuration tracks emotion pipeline analysis latency.
	EmotionAnalysisDuration metric.Float64Histogram

	// MemoryRecallDuration tracks memory recall latency.
	MemoryRecallDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// MemoryRecords counts ingested memory records. Use with attribute:
	//   attribute.String("role", ...)
	MemoryRecords metric.Int64Counter

	// EmotionAnalyses counts emotion analyses. Use with attribute:
	//   attribute.String("primary", ...)
	EmotionAnalyses metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live dialogue sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RunningPlugins tracks the number of plugins in the Running state.
	RunningPlugins metric.Int64UpDownCounter

	// BusQueueDepth tracks the number of events currently enqueued on the bus.
	BusQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// in-process work through multi-second LLM calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DialogueDuration, err = m.Float64Histogram("kotone.dialogue.duration",
		metric.WithDescription("End-to-end chat request latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("kotone.provider.duration",
		metric.WithDescription("Latency of LLM provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("kotone.tool_execution.duration",
		metric.WithDescription("Latency of capability scheduler executions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PluginExecuteDuration, err = m.Float64Histogram("kotone.plugin.execute.duration",
		metric.WithDescription("Latency of plugin RPC round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmotionAnalysisDuration, err = m.Float64Histogram("kotone.emotion.analysis.duration",
		metric.WithDescription("Latency of emotion pipeline analyses."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemoryRecallDuration, err = m.Float64Histogram("kotone.memory.recall.duration",
		metric.WithDescription("Latency of memory recall queries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("kotone.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("kotone.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.MemoryRecords, err = m.Int64Counter("kotone.memory.records",
		metric.WithDescription("Total ingested memory records by role."),
	); err != nil {
		return nil, err
	}
	if met.EmotionAnalyses, err = m.Int64Counter("kotone.emotion.analyses",
		metric.WithDescription("Total emotion analyses by primary emotion."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("kotone.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kotone.active_sessions",
		metric.WithDescription("Number of live dialogue sessions."),
	); err != nil {
		return nil, err
	}
	if met.RunningPlugins, err = m.Int64UpDownCounter("kotone.running_plugins",
		metric.WithDescription("Number of plugins in the Running state."),
	); err != nil {
		return nil, err
	}
	if met.BusQueueDepth, err = m.Int64UpDownCounter("kotone.bus.queue_depth",
		metric.WithDescription("Number of events currently enqueued on the event bus."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kotone.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordMemoryRecord is a convenience method that records a memory ingestion
// counter increment.
func (m *Metrics) RecordMemoryRecord(ctx context.Context, role string) {
	m.MemoryRecords.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordEmotionAnalysis is a convenience method that records an emotion
// analysis counter increment.
func (m *Metrics) RecordEmotionAnalysis(ctx context.Context, primary string) {
	m.EmotionAnalyses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("primary", primary)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
