// Package telemetry wires OpenTelemetry tracing for the hub process: a
// stdout exporter suitable for a local developer tool, not a collector
// endpoint.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// hubVersion is reported on every span's resource attributes. There is no
// build-time version stamping yet, so this tracks the module by hand.
const hubVersion = "0.1.0"

// InitTracer installs a stdout-exporting tracer provider as the global
// tracer, used by otelhttp's handler wrapping in httpapi. Every
// span is sampled: a local dev-tool invocation runs for minutes at most and
// callers care more about seeing everything than about volume.
func InitTracer(serviceName string, logger *slog.Logger) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(hubVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	logger.Debug("opentelemetry initialized", slog.String("service", serviceName), slog.String("version", hubVersion))
	return tp.Shutdown, nil
}
