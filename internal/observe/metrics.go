// Package observe provides application-wide observability primitives for
// Moneta: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. [DefaultMetrics] returns a
// shared package-level [Metrics] instance; tests should use [NewMetrics]
// with their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Moneta metrics.
const meterName = "github.com/monetahq/moneta"

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// assistant-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds every metric instrument the application records. The
// underlying OTel types synchronise themselves, so all fields are safe for
// concurrent use.
type Metrics struct {
	// Latency histograms, one per pipeline stage.

	// TurnDuration tracks end-to-end turn handling latency.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding request latency.
	EmbeddingDuration metric.Float64Histogram

	// RetrievalDuration tracks knowledge retrieval latency (both search legs
	// plus fusion and re-ranking).
	RetrievalDuration metric.Float64Histogram

	// CondensationDuration tracks event-log condensation latency.
	CondensationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time, attributed by
	// method and path.
	HTTPRequestDuration metric.Float64Histogram

	// Counters.

	// ProviderRequests counts provider API calls, attributed by provider,
	// kind and status.
	ProviderRequests metric.Int64Counter

	// Condensations counts condensation runs, attributed by outcome
	// ("summarised" or "truncated").
	Condensations metric.Int64Counter

	// RetrievedChunks counts knowledge chunks returned to callers,
	// attributed by domain.
	RetrievedChunks metric.Int64Counter

	// ProviderErrors counts provider errors, attributed by provider and
	// kind.
	ProviderErrors metric.Int64Counter

	// Gauges.

	// ActiveSessions tracks the number of live assistant sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveEvents tracks active (non-archived) events across all session
	// logs.
	ActiveEvents metric.Int64UpDownCounter
}

// NewMetrics builds all instruments on a meter from mp. The first instrument
// creation failure aborts construction.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var firstErr error
	latency := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return c
	}
	gauge := func(name, desc string) metric.Int64UpDownCounter {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return g
	}

	met := &Metrics{
		TurnDuration:         latency("moneta.turn.duration", "End-to-end turn handling latency."),
		LLMDuration:          latency("moneta.llm.duration", "Latency of LLM inference."),
		EmbeddingDuration:    latency("moneta.embedding.duration", "Latency of embedding requests."),
		RetrievalDuration:    latency("moneta.retrieval.duration", "Latency of knowledge retrieval including fusion and re-ranking."),
		CondensationDuration: latency("moneta.condensation.duration", "Latency of event-log condensation."),

		ProviderRequests: counter("moneta.provider.requests", "Total provider API requests by provider, kind, and status."),
		Condensations:    counter("moneta.condensations", "Total condensation runs by outcome."),
		RetrievedChunks:  counter("moneta.retrieved.chunks", "Total knowledge chunks returned by domain."),
		ProviderErrors:   counter("moneta.provider.errors", "Total provider errors by provider and kind."),

		ActiveSessions: gauge("moneta.active_sessions", "Number of live assistant sessions."),
		ActiveEvents:   gauge("moneta.active_events", "Number of active events across all session logs."),
	}

	// The HTTP histogram keeps the SDK's default buckets; request latency is
	// dominated by the pipeline stages above.
	httpDuration, err := meter.Float64Histogram("moneta.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	met.HTTPRequestDuration = httpDuration

	if firstErr != nil {
		return nil, firstErr
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the shared [Metrics] instance, created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails, which
// the global provider does not do.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments the provider request counter with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordCondensation counts one condensation run with its outcome
// ("summarised" or "truncated").
func (m *Metrics) RecordCondensation(ctx context.Context, outcome string) {
	m.Condensations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRetrievedChunks counts knowledge chunks returned for a query.
func (m *Metrics) RecordRetrievedChunks(ctx context.Context, domain string, n int64) {
	m.RetrievedChunks.Add(ctx, n,
		metric.WithAttributes(attribute.String("domain", domain)),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
