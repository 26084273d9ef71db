package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openrobobrain/orb"

// Options configures the OTel pipeline.
type Options struct {
	Enabled     bool
	Endpoint    string // OTLP collector, e.g. "localhost:4317"
	Protocol    string // "grpc" (default) or "http"
	ServiceName string
	Version     string
	Insecure    bool
}

// Init sets up the global TracerProvider. Returns a shutdown func that
// flushes pending spans. When disabled (or the endpoint is empty) it
// installs nothing and returns a no-op shutdown.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled || opts.Endpoint == "" {
		return noop, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "orb"
	}

	var client otlptrace.Client
	switch opts.Protocol {
	case "", "grpc":
		gopts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			gopts = append(gopts, otlptracegrpc.WithInsecure())
		}
		client = otlptracegrpc.NewClient(gopts...)
	case "http":
		hopts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			hopts = append(hopts, otlptracehttp.WithInsecure())
		}
		client = otlptracehttp.NewClient(hopts...)
	default:
		return noop, fmt.Errorf("telemetry: unknown protocol %q", opts.Protocol)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return noop, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
		),
	)
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("telemetry enabled", "endpoint", opts.Endpoint, "protocol", opts.Protocol)
	return provider.Shutdown, nil
}

// StartSpan opens a span on the global tracer. Costs one map lookup when
// telemetry is disabled (the default no-op provider).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
