package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics sets up a test meter provider with in-memory reader
func setupTestMetrics(t *testing.T) (*metric.MeterProvider, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	return provider, reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordDispatch(t *testing.T) {
	provider, reader := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	m, err := NewGatewayMetrics()
	if err != nil {
		t.Fatalf("NewGatewayMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.RecordDispatch(ctx, "capture", OutcomeSuccess, 12*time.Millisecond)
	m.RecordDispatch(ctx, "capture", OutcomeSuccess, 8*time.Millisecond)
	m.RecordDispatch(ctx, "extract", OutcomeUnavailable, 0)

	metrics := collect(t, reader)

	requests, ok := metrics["browsergate.dispatch.requests"]
	if !ok {
		t.Fatal("Dispatch counter not found")
	}
	sum, ok := requests.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("Expected Sum[int64], got %T", requests.Data)
	}

	counts := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		verb, _ := dp.Attributes.Value(attribute.Key("verb"))
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		counts[verb.AsString()+"/"+outcome.AsString()] = dp.Value
	}
	if counts["capture/success"] != 2 {
		t.Errorf("Expected 2 successful captures, got %d", counts["capture/success"])
	}
	if counts["extract/unavailable"] != 1 {
		t.Errorf("Expected 1 unavailable extract, got %d", counts["extract/unavailable"])
	}

	latency, ok := metrics["browsergate.dispatch.latency"]
	if !ok {
		t.Fatal("Latency histogram not found")
	}
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("Expected Histogram[float64], got %T", latency.Data)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("Expected 3 latency samples, got %d", total)
	}
}

func TestObservePending(t *testing.T) {
	provider, reader := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	m, err := NewGatewayMetrics()
	if err != nil {
		t.Fatalf("NewGatewayMetrics failed: %v", err)
	}
	if err := m.ObservePending(func() int { return 7 }); err != nil {
		t.Fatalf("ObservePending failed: %v", err)
	}

	metrics := collect(t, reader)

	pending, ok := metrics["browsergate.dispatch.pending"].Data.(metricdata.Gauge[int64])
	if !ok || len(pending.DataPoints) != 1 || pending.DataPoints[0].Value != 7 {
		t.Errorf("Unexpected pending gauge: %+v", metrics["browsergate.dispatch.pending"])
	}
}

func TestConnectionsAndEvictions(t *testing.T) {
	provider, reader := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	m, err := NewGatewayMetrics()
	if err != nil {
		t.Fatalf("NewGatewayMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.RecordConnection(ctx, 1)
	m.RecordConnection(ctx, 1)
	m.RecordConnection(ctx, -1)
	m.RecordEviction(ctx, "heartbeat_timeout")
	m.RecordEviction(ctx, "connection_closed")
	m.RecordEviction(ctx, "connection_closed")

	metrics := collect(t, reader)

	conns, ok := metrics["browsergate.executor.connections"].Data.(metricdata.Sum[int64])
	if !ok || len(conns.DataPoints) != 1 || conns.DataPoints[0].Value != 1 {
		t.Errorf("Unexpected connections counter: %+v", metrics["browsergate.executor.connections"])
	}
	if ok && conns.IsMonotonic {
		t.Error("Expected connections counter to be non-monotonic")
	}

	evictions, ok := metrics["browsergate.executor.evictions"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("Unexpected evictions counter: %+v", metrics["browsergate.executor.evictions"])
	}
	byReason := make(map[string]int64)
	for _, dp := range evictions.DataPoints {
		reason, _ := dp.Attributes.Value("reason")
		byReason[reason.AsString()] = dp.Value
	}
	if byReason["heartbeat_timeout"] != 1 || byReason["connection_closed"] != 2 {
		t.Errorf("Unexpected evictions by reason: %v", byReason)
	}
}

func TestCountersByAttribute(t *testing.T) {
	provider, reader := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	m, err := NewGatewayMetrics()
	if err != nil {
		t.Fatalf("NewGatewayMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.RecordFrame(ctx, "response")
	m.RecordFrame(ctx, "malformed")
	m.RecordHandshake(ctx, "accepted")
	m.RecordStateChange(ctx, "degraded")
	m.RecordReconnect(ctx, "retry")

	metrics := collect(t, reader)
	for _, name := range []string{
		"browsergate.frames.received",
		"browsergate.handshakes",
		"browsergate.executor.transitions",
		"browsergate.executor.reconnects",
	} {
		if _, ok := metrics[name]; !ok {
			t.Errorf("Metric %s not found", name)
		}
	}

	frames := metrics["browsergate.frames.received"].Data.(metricdata.Sum[int64])
	if len(frames.DataPoints) != 2 {
		t.Errorf("Expected 2 frame kinds, got %d", len(frames.DataPoints))
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *GatewayMetrics
	ctx := context.Background()

	m.RecordDispatch(ctx, "capture", OutcomeSuccess, time.Millisecond)
	m.RecordFrame(ctx, "ping")
	m.RecordHandshake(ctx, "accepted")
	m.RecordStateChange(ctx, "connected")
	m.RecordReconnect(ctx, "retry")
	m.RecordConnection(ctx, 1)
	m.RecordEviction(ctx, "shutdown")
	if err := m.ObservePending(func() int { return 0 }); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestInitMetrics(t *testing.T) {
	provider, err := InitMetrics("browsergate-test")
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer provider.Shutdown(context.Background())

	if MetricsHandler() == nil {
		t.Error("Expected a metrics handler")
	}
}
