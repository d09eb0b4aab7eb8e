package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const meterName = "browsergate"

// Dispatch outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "executor_error"
	OutcomeUnavailable = "unavailable"
	OutcomeSendFailed  = "send_failed"
	OutcomeTimeout     = "timeout"
	OutcomeLost        = "connection_lost"
	OutcomeCancelled   = "cancelled"
)

// InitMetrics initializes OpenTelemetry metrics with Prometheus export.
func InitMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	// Always resolved from the global provider so tests can inject their own.
	return otel.Meter(name)
}

// GatewayMetrics holds the gateway instruments. A nil *GatewayMetrics records nothing.
type GatewayMetrics struct {
	dispatches metric.Int64Counter
	latency    metric.Float64Histogram
	frames     metric.Int64Counter
	handshakes metric.Int64Counter
	states     metric.Int64Counter
	reconnects metric.Int64Counter
	evictions  metric.Int64Counter
	conns      metric.Int64UpDownCounter
}

// NewGatewayMetrics creates the gateway instruments on the global meter provider.
func NewGatewayMetrics() (*GatewayMetrics, error) {
	meter := GetMeter(meterName)

	dispatches, err := meter.Int64Counter(
		"browsergate.dispatch.requests",
		metric.WithDescription("Commands dispatched to executors, by verb and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"browsergate.dispatch.latency",
		metric.WithDescription("Time from dispatch to resolution"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	frames, err := meter.Int64Counter(
		"browsergate.frames.received",
		metric.WithDescription("Inbound frames by classified kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame counter: %w", err)
	}

	handshakes, err := meter.Int64Counter(
		"browsergate.handshakes",
		metric.WithDescription("Executor handshakes by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake counter: %w", err)
	}

	states, err := meter.Int64Counter(
		"browsergate.executor.transitions",
		metric.WithDescription("Executor connection state changes by target state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state counter: %w", err)
	}

	reconnects, err := meter.Int64Counter(
		"browsergate.executor.reconnects",
		metric.WithDescription("Executor reconnect decisions by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnect counter: %w", err)
	}

	evictions, err := meter.Int64Counter(
		"browsergate.executor.evictions",
		metric.WithDescription("Executor connections evicted, by reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eviction counter: %w", err)
	}

	conns, err := meter.Int64UpDownCounter(
		"browsergate.executor.connections",
		metric.WithDescription("Live executor connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	return &GatewayMetrics{
		dispatches: dispatches,
		latency:    latency,
		frames:     frames,
		handshakes: handshakes,
		states:     states,
		reconnects: reconnects,
		evictions:  evictions,
		conns:      conns,
	}, nil
}

// ObservePending registers a callback reporting requests awaiting a response.
func (m *GatewayMetrics) ObservePending(pending func() int) error {
	if m == nil {
		return nil
	}
	meter := GetMeter(meterName)

	pendingGauge, err := meter.Int64ObservableGauge(
		"browsergate.dispatch.pending",
		metric.WithDescription("Requests awaiting a response"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(pendingGauge, int64(pending()))
		return nil
	}, pendingGauge)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}
	return nil
}

// RecordDispatch records one resolved dispatch.
func (m *GatewayMetrics) RecordDispatch(ctx context.Context, verb, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.String("outcome", outcome),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}

// RecordFrame records one inbound frame.
func (m *GatewayMetrics) RecordFrame(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordHandshake records one handshake result.
func (m *GatewayMetrics) RecordHandshake(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.handshakes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordStateChange records an executor entering state.
func (m *GatewayMetrics) RecordStateChange(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.states.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordReconnect records one reconnect decision ("retry" or "terminal").
func (m *GatewayMetrics) RecordReconnect(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordConnection adjusts the live connection count by delta.
func (m *GatewayMetrics) RecordConnection(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.conns.Add(ctx, delta)
}

// RecordEviction records one evicted connection.
func (m *GatewayMetrics) RecordEviction(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
