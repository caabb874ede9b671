package telemetry

import (
	"context"
	"os"
	"testing"
)

func TestSetupWithoutEndpointReturnsNoopPipeline(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	tracer, meter, shutdownTrace, shutdownMet, err := Setup(context.Background())
	if err != ErrEndpointNotConfigured {
		t.Fatalf("expected ErrEndpointNotConfigured, got %v", err)
	}
	if tracer == nil || meter == nil {
		t.Fatal("expected non-nil noop tracer/meter")
	}
	if err := shutdownTrace(context.Background()); err != nil {
		t.Fatalf("noop shutdownTrace: %v", err)
	}
	if err := shutdownMet(context.Background()); err != nil {
		t.Fatalf("noop shutdownMet: %v", err)
	}
}

func TestNewMetricsBuildsFullInstrumentSet(t *testing.T) {
	_, meter, _, _, _ := Setup(context.Background())
	m, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.Invocations == nil || m.Latency == nil || m.Restarts == nil || m.PermDenials == nil || m.StartFailure == nil {
		t.Fatal("expected every instrument to be constructed")
	}
}
