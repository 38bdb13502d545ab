package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/analyses take
// - Traffic: Request/analysis throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent analyses/requests)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Analysis metrics (Latency, Traffic, Errors, Saturation)
	AnalysisDuration      metric.Float64Histogram
	AnalysesSubmitted     metric.Int64Counter
	AnalysesCompleted     metric.Int64Counter
	AnalysisCancellations metric.Int64Counter
	AnalysesActive        metric.Int64UpDownCounter

	// Collaborator metrics (Latency, Errors)
	CollaboratorDuration metric.Float64Histogram
	CollaboratorCalls    metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("security-analysis")
	m := &Metrics{meter: meter}

	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.AnalysisDuration = b.histogram("analysis_duration_seconds", "Analysis duration from pickup to terminal status in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600)
	m.AnalysesSubmitted = b.counter("analyses_submitted_total", "Total number of analyses submitted")
	m.AnalysesCompleted = b.counter("analyses_completed_total", "Total number of analyses reaching a terminal status")
	m.AnalysisCancellations = b.counter("analysis_cancellations_total", "Total number of handled stop requests by outcome")
	m.AnalysesActive = b.upDownCounter("analyses_active", "Number of analyses currently executing (saturation)")

	m.CollaboratorDuration = b.histogram("collaborator_request_duration_seconds", "Collaborator REST call latency in seconds",
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.CollaboratorCalls = b.counter("collaborator_requests_total", "Total number of collaborator REST calls by outcome")

	m.DispatcherDuration = b.histogram("dispatcher_duration_seconds", "Event delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.DispatcherDelivered = b.counter("dispatcher_delivered_total", "Total events successfully delivered")
	m.DispatcherFailed = b.counter("dispatcher_failed_total", "Total events failed after retries")
	m.DispatcherDropped = b.counter("dispatcher_dropped_total", "Total events dropped (buffer full or max requeues)")
	m.DispatcherRequeued = b.counter("dispatcher_requeued_total", "Total events requeued due to open circuit")
	m.DispatcherQueueSize = b.gauge("dispatcher_queue_size", "Current number of events in dispatcher queue (saturation)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.Handler(), nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordAnalysisSubmitted records an accepted run request.
func (m *Metrics) RecordAnalysisSubmitted(ctx context.Context, provider string) {
	m.AnalysesSubmitted.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
}

// RecordAnalysisStarted records a worker picking up an analysis.
func (m *Metrics) RecordAnalysisStarted(ctx context.Context, provider string) {
	m.AnalysesActive.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
}

// RecordAnalysisFinished records an analysis leaving the worker with the
// given terminal status (a domain status or "CANCELLED").
func (m *Metrics) RecordAnalysisFinished(ctx context.Context, provider, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(providerAttr(provider), analysisStatusAttr(status))
	m.AnalysesActive.Add(ctx, -1, metric.WithAttributes(providerAttr(provider)))
	m.AnalysesCompleted.Add(ctx, 1, attrs)
	m.AnalysisDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCancellation records the outcome of a stop request.
func (m *Metrics) RecordCancellation(ctx context.Context, outcome string) {
	m.AnalysisCancellations.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordCollaboratorCall records one REST call to a collaborating service.
func (m *Metrics) RecordCollaboratorCall(ctx context.Context, collaborator, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(collaboratorAttr(collaborator), outcomeAttr(outcome))
	m.CollaboratorCalls.Add(ctx, 1, attrs)
	m.CollaboratorDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
