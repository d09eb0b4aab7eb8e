// Package observability provides logging, metrics and tracing for the gateway.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextField is the command payload field carrying W3C trace context.
const TraceContextField = "trace_context"

// instrumentationPrefix names every tracer handed out by Tracer.
const instrumentationPrefix = "browsergate/"

// TracingConfig selects the span exporters and the sampling rate.
type TracingConfig struct {
	ServiceName string
	// Instance is recorded as service.instance.id when set.
	Instance     string
	OTLPEndpoint string
	Console      bool
	// SampleRatio is the fraction of root spans kept. Values >= 1 keep everything.
	SampleRatio float64
}

var globalTracerProvider *sdktrace.TracerProvider

// InitTracing installs a global tracer provider and the W3C propagators. Spans go to the
// OTLP collector when OTLPEndpoint is set and to stdout when Console is true; with
// neither, spans are recorded but dropped.
func InitTracing(cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Instance))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	if cfg.Console {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracerProvider = tp
	return tp, nil
}

// Tracer returns the tracer for one gateway component, e.g. Tracer("dispatcher").
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}

// InjectTraceContext stores the trace context of ctx under TraceContextField. The
// payload is modified in place; a nil payload is allocated.
func InjectTraceContext(ctx context.Context, payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		payload = make(map[string]interface{})
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return payload
	}

	fields := make(map[string]interface{}, len(carrier))
	for k, v := range carrier {
		fields[k] = v
	}
	payload[TraceContextField] = fields
	return payload
}

// ExtractTraceContext returns ctx joined to the trace carried by a decoded command
// payload. Payloads without trace context return ctx unchanged.
func ExtractTraceContext(ctx context.Context, payload map[string]interface{}) context.Context {
	fields, ok := payload[TraceContextField].(map[string]interface{})
	if !ok {
		return ctx
	}

	carrier := propagation.MapCarrier{}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Shutdown flushes and stops the tracer provider created by InitTracing.
func Shutdown(ctx context.Context) error {
	if globalTracerProvider == nil {
		return nil
	}
	return globalTracerProvider.Shutdown(ctx)
}
