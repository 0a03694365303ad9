// Package observe provides application-wide observability primitives for
// sonicbridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all sonicbridge
// metrics.
const meterName = "github.com/MrWong99/sonicbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolExecutionDuration tracks knowledge tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks user-turn length from first media frame to
	// turn close.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// PacedFrames counts outbound telephony media frames emitted by the
	// pacer.
	PacedFrames metric.Int64Counter

	// DroppedFrames counts outbound frames dropped before emission. Use
	// with attribute:
	//   attribute.String("reason", "overflow"|"write_failure"|"stop")
	DroppedFrames metric.Int64Counter

	// ModelEvents counts model stream events by direction and tag. Use
	// with attributes:
	//   attribute.String("direction", "request"|"response"), attribute.String("tag", ...)
	ModelEvents metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SessionFailures counts sessions terminated by a fatal error. Use
	// with attribute:
	//   attribute.String("kind", ...)
	SessionFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.ToolExecutionDuration, err = m.Float64Histogram("sonicbridge.tool_execution.duration",
		metric.WithDescription("Latency of knowledge tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("sonicbridge.turn.duration",
		metric.WithDescription("User turn length from first media frame to turn close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PacedFrames, err = m.Int64Counter("sonicbridge.pacer.frames",
		metric.WithDescription("Outbound telephony media frames emitted by the pacer."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("sonicbridge.pacer.dropped_frames",
		metric.WithDescription("Outbound frames dropped before emission, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ModelEvents, err = m.Int64Counter("sonicbridge.model.events",
		metric.WithDescription("Model stream events by direction and tag."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("sonicbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("sonicbridge.session.failures",
		metric.WithDescription("Sessions terminated by a fatal error, by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonicbridge.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonicbridge.http.request.duration",
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

// RecordDroppedFrames records n dropped outbound frames with the given
// reason.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, n int64, reason string) {
	m.DroppedFrames.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordModelEvent records one model stream event.
func (m *Metrics) RecordModelEvent(ctx context.Context, direction, tag string) {
	m.ModelEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("tag", tag),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordSessionFailure records a fatal session termination by error kind.
func (m *Metrics) RecordSessionFailure(ctx context.Context, kind string) {
	m.SessionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
