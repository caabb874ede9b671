// Package telemetry wires up OpenTelemetry tracing and metrics for the
// host process, gated on OTEL_EXPORTER_OTLP_ENDPOINT the same way the
// teacher gateway gates its own observability setup.
package telemetry

import (
	"context"
	"errors"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "golem-mcp"
	serviceVersion = "0.1.0"
)

// ShutdownFunc flushes and tears down a provider.
type ShutdownFunc func(context.Context) error

// ErrEndpointNotConfigured is returned by Setup when
// OTEL_EXPORTER_OTLP_ENDPOINT is unset; callers should treat this as
// "observability disabled" rather than a fatal error.
var ErrEndpointNotConfigured = errors.New("telemetry: OTEL_EXPORTER_OTLP_ENDPOINT is not set")

// Setup constructs an OTLP/gRPC trace and metric pipeline and registers
// them globally. It returns noop tracer/meter and no-op shutdown funcs
// when the endpoint env var is unset, so callers can unconditionally wire
// telemetry through every component without branching on whether it's
// enabled.
func Setup(ctx context.Context) (trace.Tracer, metric.Meter, ShutdownFunc, ShutdownFunc, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		noop := func(context.Context) error { return nil }
		return otel.Tracer(serviceName), otel.Meter(serviceName), noop, noop, ErrEndpointNotConfigured
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(traceProvider)

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	metricReader := sdkmetric.NewPeriodicReader(metricExporter)
	metricProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(metricReader),
	)
	otel.SetMeterProvider(metricProvider)

	tracer := otel.Tracer(serviceName)
	meter := otel.Meter(serviceName)

	return tracer, meter, traceProvider.Shutdown, metricProvider.Shutdown, nil
}

// Metrics is the instrument set this layer records against, the
// equivalent of the teacher's GatewayMetrics retargeted from HTTP
// gateway counters to MCP lifecycle/invocation counters.
type Metrics struct {
	Invocations  metric.Int64Counter
	Latency      metric.Int64Histogram
	Restarts     metric.Int64Counter
	PermDenials  metric.Int64Counter
	StartFailure metric.Int64Counter
}

// NewMetrics constructs the full instrument set from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	invocations, err := meter.Int64Counter(
		"golem.mcp.invocations",
		metric.WithDescription("Total tool invocations routed through the gateway"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Int64Histogram(
		"golem.mcp.invocation.latency",
		metric.WithDescription("Tool invocation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter(
		"golem.mcp.server.restarts",
		metric.WithDescription("Managed server restarts"),
	)
	if err != nil {
		return nil, err
	}
	permDenials, err := meter.Int64Counter(
		"golem.mcp.permission.denials",
		metric.WithDescription("Tool invocations denied by the permission guard"),
	)
	if err != nil {
		return nil, err
	}
	startFailure, err := meter.Int64Counter(
		"golem.mcp.server.start_failures",
		metric.WithDescription("Managed server start failures"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Invocations:  invocations,
		Latency:      latency,
		Restarts:     restarts,
		PermDenials:  permDenials,
		StartFailure: startFailure,
	}, nil
}
