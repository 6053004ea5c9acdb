// Package observe provides application-wide observability primitives for
// Saem: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Saem metrics.
const meterName = "github.com/saem-app/saem"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TokenFetchDuration tracks ephemeral token fetch latency against the
	// backend broker, including retries.
	TokenFetchDuration metric.Float64Histogram

	// SessionSetupDuration tracks the time from an admitted start request to
	// the fully active session (token fetch plus WebRTC negotiation plus the
	// control channel opening).
	SessionSetupDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stay active.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts start attempts. Use with attribute:
	//   attribute.String("outcome", ...) — started, failed, rejected, debounced
	SessionStarts metric.Int64Counter

	// SessionStops counts completed teardowns.
	SessionStops metric.Int64Counter

	// TokenRequests counts broker token requests. Use with attribute:
	//   attribute.String("status", ...) — ok, rate_limited, error
	TokenRequests metric.Int64Counter

	// SessionErrors counts surfaced session errors by kind, matching the
	// error taxonomy emitted on the bus (token, connection, openai, ...).
	SessionErrors metric.Int64Counter

	// AudioOnlyFallbacks counts sessions that degraded to audio-only mode
	// because the control channel never opened.
	AudioOnlyFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// setupBuckets defines histogram bucket boundaries (in seconds) for the
// connection setup path, which spans a token round-trip and ICE negotiation.
var setupBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30,
}

// sessionBuckets covers conversation lifetimes from aborts to full lessons.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TokenFetchDuration, err = m.Float64Histogram("saem.token.fetch.duration",
		metric.WithDescription("Latency of ephemeral token fetches, retries included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(setupBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionSetupDuration, err = m.Float64Histogram("saem.session.setup.duration",
		metric.WithDescription("Time from admitted start request to active session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(setupBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("saem.session.duration",
		metric.WithDescription("Lifetime of conversation sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionStarts, err = m.Int64Counter("saem.session.starts",
		metric.WithDescription("Total session start attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SessionStops, err = m.Int64Counter("saem.session.stops",
		metric.WithDescription("Total completed session teardowns."),
	); err != nil {
		return nil, err
	}
	if met.TokenRequests, err = m.Int64Counter("saem.token.requests",
		metric.WithDescription("Total broker token requests by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("saem.session.errors",
		metric.WithDescription("Total surfaced session errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioOnlyFallbacks, err = m.Int64Counter("saem.session.audio_only_fallbacks",
		metric.WithDescription("Total sessions degraded to audio-only mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("saem.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("saem.http.request.duration",
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

// RecordSessionStart records a start attempt with its outcome.
func (m *Metrics) RecordSessionStart(ctx context.Context, outcome string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTokenRequest records a broker token request with its status.
func (m *Metrics) RecordTokenRequest(ctx context.Context, status string) {
	m.TokenRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSessionError records a surfaced session error by kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
