package observability

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider. When tracing is disabled
// a noop tracer is returned so call sites never branch.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("tachikoma"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "tachikoma"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	endpoint := config.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("tachikoma"),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanOrchestratorRun = "tachikoma.orchestrator.run"
	SpanPlannerPlan     = "tachikoma.planner.plan"
	SpanCompleterCall   = "tachikoma.completer.complete"
	SpanSubtaskExecute  = "tachikoma.subtask.execute"
	SpanOutboundProxy   = "tachikoma.proxy.request"
)

// Common attribute keys
const (
	AttrSessionID    = "tachikoma.session_id"
	AttrTaskID       = "tachikoma.task_id"
	AttrSubtaskID    = "tachikoma.subtask_id"
	AttrWorkerID     = "tachikoma.worker_id"
	AttrModel        = "tachikoma.completer.model"
	AttrInputTokens  = "tachikoma.completer.input_tokens"
	AttrOutputTokens = "tachikoma.completer.output_tokens"
	AttrStatus       = "tachikoma.status"
	AttrError        = "tachikoma.error"
)

// TraceContext is the in-process (traceId, spanId) pair carried across
// component boundaries and the HTTP surface via the W3C traceparent header.
type TraceContext struct {
	TraceID string
	SpanID  string
}

// traceparent: version "00", 16-byte trace-id, 8-byte parent-id, flags.
var traceparentPattern = regexp.MustCompile(`^00-([0-9a-f]{32})-([0-9a-f]{16})-[0-9a-f]{2}$`)

// ParseTraceparent extracts the trace id from a W3C traceparent header value.
// Invalid headers (wrong version, malformed ids, all-zero ids) return false.
func ParseTraceparent(header string) (traceID string, ok bool) {
	m := traceparentPattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return "", false
	}
	traceID = m[1]
	if traceID == strings.Repeat("0", 32) || m[2] == strings.Repeat("0", 16) {
		return "", false
	}
	return traceID, true
}

// FormatTraceparent renders a sampled W3C traceparent header value.
func FormatTraceparent(tc TraceContext) string {
	return fmt.Sprintf("00-%s-%s-01", tc.TraceID, tc.SpanID)
}
