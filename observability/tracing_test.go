package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracing(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return provider, exporter
}

func TestTraceContextRoundTripThroughPayload(t *testing.T) {
	provider, _ := setupTestTracing(t)
	defer provider.Shutdown(context.Background())

	ctx, span := Tracer("test").Start(context.Background(), "gateway.dispatch")
	defer span.End()

	payload := InjectTraceContext(ctx, map[string]interface{}{"url": "https://example.com"})
	if _, ok := payload[TraceContextField]; !ok {
		t.Fatalf("Expected %s in payload, got %v", TraceContextField, payload)
	}
	if payload["url"] != "https://example.com" {
		t.Errorf("Payload fields were not preserved: %v", payload)
	}

	// Simulate the JSON hop: nested maps arrive as map[string]interface{}.
	restored := ExtractTraceContext(context.Background(), payload)
	_, child := Tracer("test").Start(restored, "executor.handle")
	defer child.End()

	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Errorf("Expected trace id %s, got %s",
			span.SpanContext().TraceID(), child.SpanContext().TraceID())
	}
}

func TestInjectWithoutSpanLeavesPayloadAlone(t *testing.T) {
	provider, _ := setupTestTracing(t)
	defer provider.Shutdown(context.Background())

	payload := InjectTraceContext(context.Background(), nil)
	if len(payload) != 0 {
		t.Errorf("Expected empty payload, got %v", payload)
	}
}

func TestExtractWithoutTraceContext(t *testing.T) {
	ctx := context.Background()
	if got := ExtractTraceContext(ctx, map[string]interface{}{"url": "x"}); got != ctx {
		t.Error("Expected context to be returned unchanged")
	}
}

func TestInitTracingWithConsoleExport(t *testing.T) {
	_, err := InitTracing(TracingConfig{ServiceName: "browsergate-test", Instance: "gw-1", Console: true, SampleRatio: 1})
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}

	_, span := Tracer("test").Start(context.Background(), "span")
	if !span.SpanContext().IsSampled() {
		t.Error("Expected root span to be sampled at ratio 1")
	}
	span.End()

	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitTracingSampleRatioZeroDropsRootSpans(t *testing.T) {
	_, err := InitTracing(TracingConfig{ServiceName: "browsergate-test", SampleRatio: 0})
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	defer Shutdown(context.Background())

	_, span := Tracer("test").Start(context.Background(), "span")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Error("Expected root span to be dropped at ratio 0")
	}
}
