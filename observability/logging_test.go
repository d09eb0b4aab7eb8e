package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceContextHandlerAddsTraceContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background())

	var buf bytes.Buffer
	baseHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(NewTraceContextHandler(baseHandler))

	tracer := otel.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test-span")
	spanContext := span.SpanContext()

	logger.InfoContext(ctx, "executor connected")
	span.End()

	output := buf.String()
	if !strings.Contains(output, "executor connected") {
		t.Errorf("Output missing message: %s", output)
	}
	if !strings.Contains(output, spanContext.TraceID().String()) {
		t.Errorf("Output missing trace_id: %s", output)
	}
	if !strings.Contains(output, spanContext.SpanID().String()) {
		t.Errorf("Output missing span_id: %s", output)
	}
}

func TestTraceContextHandlerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	baseHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(NewTraceContextHandler(baseHandler))

	logger.InfoContext(context.Background(), "no span here")

	output := buf.String()
	if !strings.Contains(output, "no span here") {
		t.Errorf("Output missing message: %s", output)
	}
	if strings.Contains(output, "trace_id") {
		t.Errorf("Unexpected trace_id without span: %s", output)
	}
}

func TestStructuredHandlerProducesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewStructuredHandler(&buf, slog.LevelInfo)).
		With("component", "registry").
		WithGroup("conn")

	logger.Info("executor evicted",
		slog.String("executor_id", "E1"),
		slog.Duration("silence", 3*time.Second),
		slog.Any("reason", errors.New("heartbeat timeout")),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not JSON: %v (%s)", err, buf.String())
	}

	if entry["message"] != "executor evicted" {
		t.Errorf("Expected message 'executor evicted', got %v", entry["message"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("Expected level INFO, got %v", entry["level"])
	}
	if entry["component"] != "registry" {
		t.Errorf("Expected component attr, got %v", entry["component"])
	}
	if entry["conn.executor_id"] != "E1" {
		t.Errorf("Expected grouped executor_id, got %v", entry["conn.executor_id"])
	}
	if entry["conn.silence"] != "3s" {
		t.Errorf("Expected silence '3s', got %v", entry["conn.silence"])
	}
	if entry["conn.reason"] != "heartbeat timeout" {
		t.Errorf("Expected error rendered as string, got %v", entry["conn.reason"])
	}
}

func TestStructuredHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewStructuredHandler(&buf, slog.LevelWarn))

	logger.Info("dropped")
	logger.Debug("dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below level, got %s", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("Expected warn output, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestConfigureLogging(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	logger := ConfigureLogging(slog.LevelDebug, true, true)
	if logger != slog.Default() {
		t.Error("Expected ConfigureLogging to install the default logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug to be enabled")
	}

	logger = ConfigureLogging(slog.LevelError, false, false)
	if logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Expected warn to be disabled at error level")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("browser-tools"); got != "brow****" {
		t.Errorf("Expected 'brow****', got %q", got)
	}
	if got := Redact("abc"); got != "****" {
		t.Errorf("Expected '****', got %q", got)
	}
}
