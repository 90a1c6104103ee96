package telemetry_test

import (
	"context"
	"testing"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/telemetry"
	"go.opentelemetry.io/otel"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := telemetry.Setup(context.Background(), "capture-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("no provider should be registered without an endpoint")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetupCreatesProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	// Non-routable address so nothing is exported.
	shutdown, err := telemetry.Setup(context.Background(), "capture-test", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if otel.GetTracerProvider() == before {
		t.Fatal("expected a provider to be registered")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
