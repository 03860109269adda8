package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION

  sketch-server → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

When tracing is disabled nothing is registered and otel's global no-op
tracer provider swallows every span, so instrumented code never checks a flag.
*/

// InitJaeger installs a Jaeger-backed tracer provider and returns its
// shutdown function. ratio is the fraction of new root traces sampled.
func InitJaeger(serviceName, jaegerEndpoint string, ratio float64) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(ratio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.0f%%)", jaegerEndpoint, ratio*100)

	// Always flush traces on shutdown
	return tp.Shutdown, nil
}

// Sampler follows the parent's decision and samples ratio of new traces.
// Websocket frames hang off a long-lived connection span, so they inherit it.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
