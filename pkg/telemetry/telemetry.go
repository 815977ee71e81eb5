// Package telemetry wires OpenTelemetry tracing for the eksboot CLI.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the tracer and resource name used across the module.
const ServiceName = "eks-bootstrap"

const defaultOTLPEndpoint = "localhost:4317"

// Setup initializes OpenTelemetry from the environment.
//
//	OTEL_EXPORTER: "none" (default), "console", "otlp" or "both"
//	OTEL_ENDPOINT: OTLP gRPC endpoint (default "localhost:4317")
//	OTEL_INSECURE: "false" enables TLS for the OTLP exporter
func Setup(ctx context.Context, version string) (trace.Tracer, func(context.Context) error, error) {
	exporterType := os.Getenv("OTEL_EXPORTER")
	if exporterType == "" {
		exporterType = "none"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporters, err := newExporters(ctx, exporterType)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	for _, exporter := range exporters {
		tp.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
	}

	otel.SetTracerProvider(tp)

	return tp.Tracer(ServiceName), tp.Shutdown, nil
}

func newExporters(ctx context.Context, exporterType string) ([]sdktrace.SpanExporter, error) {
	var exporters []sdktrace.SpanExporter

	wantConsole := exporterType == "console" || exporterType == "both"
	wantOTLP := exporterType == "otlp" || exporterType == "both"

	switch exporterType {
	case "none", "console", "otlp", "both":
	default:
		return nil, fmt.Errorf("unknown OTEL_EXPORTER %q (want none, console, otlp or both)", exporterType)
	}

	if wantConsole {
		consoleExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		exporters = append(exporters, consoleExporter)
	}

	if wantOTLP {
		endpoint := os.Getenv("OTEL_ENDPOINT")
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}

		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if os.Getenv("OTEL_INSECURE") != "false" {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		otlpExporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporters = append(exporters, otlpExporter)
	}

	return exporters, nil
}
