package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages runtime metrics for the orchestration plane.
type MetricsCollector struct {
	meter metric.Meter

	// Completer metrics
	completerRequests metric.Int64Counter
	completerTokens   metric.Int64Counter
	completerLatency  metric.Float64Histogram

	// Orchestrator metrics
	runsTotal      metric.Int64Counter
	subtaskRetries metric.Int64Counter
	runDuration    metric.Float64Histogram

	// Pool metrics
	poolAssignments metric.Int64Counter
	poolTimeouts    metric.Int64Counter

	// Gateway metrics
	httpRequests     metric.Int64Counter
	filterDetections metric.Int64Counter
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewMetricsCollector creates a new metrics collector. When disabled every
// recording method is a no-op on nil instruments.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("tachikoma")

	mc := &MetricsCollector{meter: meter}

	if mc.completerRequests, err = meter.Int64Counter(
		"tachikoma.completer.requests.total",
		metric.WithDescription("Total completer requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if mc.completerTokens, err = meter.Int64Counter(
		"tachikoma.completer.tokens.total",
		metric.WithDescription("Total completer tokens, tagged by direction"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if mc.completerLatency, err = meter.Float64Histogram(
		"tachikoma.completer.latency",
		metric.WithDescription("Completer request latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if mc.runsTotal, err = meter.Int64Counter(
		"tachikoma.orchestrator.runs.total",
		metric.WithDescription("Orchestrator runs, tagged by terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if mc.subtaskRetries, err = meter.Int64Counter(
		"tachikoma.orchestrator.subtask.retries.total",
		metric.WithDescription("Subtask retry attempts"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if mc.runDuration, err = meter.Float64Histogram(
		"tachikoma.orchestrator.run.duration",
		metric.WithDescription("Wall-clock duration of orchestrator runs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if mc.poolAssignments, err = meter.Int64Counter(
		"tachikoma.pool.assignments.total",
		metric.WithDescription("Subtask to worker assignments"),
		metric.WithUnit("{assignment}"),
	); err != nil {
		return nil, err
	}
	if mc.poolTimeouts, err = meter.Int64Counter(
		"tachikoma.pool.timeouts.total",
		metric.WithDescription("Active task timeouts"),
		metric.WithUnit("{timeout}"),
	); err != nil {
		return nil, err
	}
	if mc.httpRequests, err = meter.Int64Counter(
		"tachikoma.http.requests.total",
		metric.WithDescription("Gateway HTTP requests, tagged by route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if mc.filterDetections, err = meter.Int64Counter(
		"tachikoma.filter.detections.total",
		metric.WithDescription("Input/output filter detections, tagged by kind"),
		metric.WithUnit("{detection}"),
	); err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordCompleterRequest records a completer call outcome.
func (mc *MetricsCollector) RecordCompleterRequest(ctx context.Context, model string, inputTokens, outputTokens int, seconds float64, err error) {
	if mc == nil || mc.completerRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("error", err != nil),
	)
	mc.completerRequests.Add(ctx, 1, attrs)
	mc.completerLatency.Record(ctx, seconds, attrs)
	mc.completerTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("direction", "input")))
	mc.completerTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("direction", "output")))
}

// RecordRun records an orchestrator run outcome.
func (mc *MetricsCollector) RecordRun(ctx context.Context, status string, seconds float64) {
	if mc == nil || mc.runsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	mc.runsTotal.Add(ctx, 1, attrs)
	mc.runDuration.Record(ctx, seconds, attrs)
}

// RecordSubtaskRetry records a retry attempt for a subtask.
func (mc *MetricsCollector) RecordSubtaskRetry(ctx context.Context) {
	if mc == nil || mc.subtaskRetries == nil {
		return
	}
	mc.subtaskRetries.Add(ctx, 1)
}

// RecordAssignment records a pool assignment.
func (mc *MetricsCollector) RecordAssignment(ctx context.Context, strategy string) {
	if mc == nil || mc.poolAssignments == nil {
		return
	}
	mc.poolAssignments.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordPoolTimeout records an active-task timeout.
func (mc *MetricsCollector) RecordPoolTimeout(ctx context.Context) {
	if mc == nil || mc.poolTimeouts == nil {
		return
	}
	mc.poolTimeouts.Add(ctx, 1)
}

// RecordHTTPRequest records a gateway request.
func (mc *MetricsCollector) RecordHTTPRequest(ctx context.Context, route string, status int) {
	if mc == nil || mc.httpRequests == nil {
		return
	}
	mc.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// RecordFilterDetection records an input or output filter hit.
func (mc *MetricsCollector) RecordFilterDetection(ctx context.Context, kind string) {
	if mc == nil || mc.filterDetections == nil {
		return
	}
	mc.filterDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
func (mc *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}
