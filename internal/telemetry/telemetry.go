package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/keboola/docloop/pkg/config"
)

const instrumentationName = "github.com/keboola/docloop"

var (
	// Tracer is replaced by InitTelemetry; before that it is the global no-op
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Meter for custom metrics
	Meter metric.Meter = otel.Meter(instrumentationName)

	EventsIngested     metric.Int64Counter
	ReviewSteps        metric.Int64Counter
	ReviewChainsClosed metric.Int64Counter
	ReviewStepLatency  metric.Float64Histogram
	ImpactQueryLatency metric.Float64Histogram
)

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// FromConfig initializes telemetry when enabled. The returned shutdown
// function is always safe to call.
func FromConfig(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	return InitTelemetry(ctx, cfg.ServiceName, cfg.Endpoint)
}

func initMetrics() error {
	var err error

	EventsIngested, err = Meter.Int64Counter(
		"docloop.events.ingested",
		metric.WithDescription("Lifecycle events applied to the graph"),
	)
	if err != nil {
		return err
	}

	ReviewSteps, err = Meter.Int64Counter(
		"docloop.review.steps",
		metric.WithDescription("Review steps applied, by resulting state"),
	)
	if err != nil {
		return err
	}

	ReviewChainsClosed, err = Meter.Int64Counter(
		"docloop.review.chains_closed",
		metric.WithDescription("Review chains that reached MERGED or ESCALATED"),
	)
	if err != nil {
		return err
	}

	ReviewStepLatency, err = Meter.Float64Histogram(
		"docloop.review.step_latency",
		metric.WithDescription("Review step latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	ImpactQueryLatency, err = Meter.Float64Histogram(
		"docloop.impact.latency",
		metric.WithDescription("Impact query latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}

// StartSpan starts a span on the docloop tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordEventIngested counts one applied lifecycle event
func RecordEventIngested(ctx context.Context, entityType, action string) {
	if EventsIngested == nil {
		return
	}
	EventsIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("action", action),
	))
}

// RecordReviewStep counts one review step and its latency
func RecordReviewStep(ctx context.Context, to string, d time.Duration) {
	if ReviewSteps == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", to))
	ReviewSteps.Add(ctx, 1, attrs)
	ReviewStepLatency.Record(ctx, float64(d.Milliseconds()), attrs)
	if to == "MERGED" || to == "ESCALATED" {
		ReviewChainsClosed.Add(ctx, 1, attrs)
	}
}

// RecordImpactQuery records an impact query's latency
func RecordImpactQuery(ctx context.Context, d time.Duration) {
	if ImpactQueryLatency == nil {
		return
	}
	ImpactQueryLatency.Record(ctx, float64(d.Milliseconds()))
}
