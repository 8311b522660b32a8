package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
Tracing export.

Spans from the HTTP middleware, the tab layer and the replication provider
are batched and sent to a Jaeger collector:

  service -> OpenTelemetry SDK -> Jaeger exporter -> collector -> Jaeger UI
*/

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// sampleRatio is the fraction of root traces kept; child spans follow their
// parent. W3C trace context is installed as the global propagator so
// outgoing clients can continue traces. The returned function flushes and
// stops the exporter.
func InitJaeger(serviceName, jaegerEndpoint string, sampleRatio float64) (func(context.Context) error, error) {
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
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %.0f%%)", jaegerEndpoint, sampleRatio*100)

	return tp.Shutdown, nil
}
