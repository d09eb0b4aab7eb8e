package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuthAttempt        AuditEventType = "auth_attempt"
	AuthSuccess        AuditEventType = "auth_success"
	AuthFailure        AuditEventType = "auth_failure"
	ConnectionRejected AuditEventType = "connection_rejected"
	RateLimitExceeded  AuditEventType = "rate_limit_exceeded"
	ValidationFailure  AuditEventType = "validation_failure"
)

// AuditSeverity represents the severity level of an audit event.
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// Handshake outcomes recorded on audit events.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// AuditEvent is one security-relevant event at the executor endpoint. ConnID is
// redacted before the event reaches an adapter.
type AuditEvent struct {
	EventType  AuditEventType         `json:"event_type"`
	Severity   AuditSeverity          `json:"severity"`
	Message    string                 `json:"message"`
	Timestamp  time.Time              `json:"timestamp"`
	ConnID     string                 `json:"conn_id,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	Path       string                 `json:"path,omitempty"`
	Outcome    string                 `json:"outcome,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	SpanID     string                 `json:"span_id,omitempty"`
}

// NewAuditEvent creates an audit event carrying the trace context of ctx.
func NewAuditEvent(ctx context.Context, eventType AuditEventType, severity AuditSeverity, message string) *AuditEvent {
	event := &AuditEvent{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}

	return event
}

// AuditAdapter is the interface for audit log adapters.
type AuditAdapter interface {
	LogEvent(event *AuditEvent) error
}

// StructuredAuditAdapter writes audit events as JSON lines.
type StructuredAuditAdapter struct {
	Writer io.Writer
	mu     sync.Mutex
}

// NewStructuredAuditAdapter creates a new structured adapter.
func NewStructuredAuditAdapter(writer io.Writer) *StructuredAuditAdapter {
	if writer == nil {
		writer = os.Stdout
	}
	return &StructuredAuditAdapter{
		Writer: writer,
	}
}

// LogEvent logs an event as JSON.
func (a *StructuredAuditAdapter) LogEvent(event *AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	_, err = fmt.Fprintln(a.Writer, string(data))
	return err
}

// SlogAuditAdapter forwards audit events to a slog logger.
type SlogAuditAdapter struct {
	Logger *slog.Logger
}

// LogEvent logs an event through slog at a level matching its severity.
func (a *SlogAuditAdapter) LogEvent(event *AuditEvent) error {
	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}

	attrs := []any{"audit", string(event.EventType)}
	for _, kv := range [][2]string{
		{"conn_id", event.ConnID},
		{"remote_addr", event.RemoteAddr},
		{"path", event.Path},
		{"outcome", event.Outcome},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}
	a.Logger.Log(context.Background(), level, event.Message, attrs...)
	return nil
}

// AuditLogger fans audit events out to its adapters.
type AuditLogger struct {
	adapters []AuditAdapter
	mu       sync.RWMutex
}

// NewAuditLogger creates a new audit logger. With no adapters, events go to slog.Default().
func NewAuditLogger(adapters ...AuditAdapter) *AuditLogger {
	if len(adapters) == 0 {
		adapters = []AuditAdapter{&SlogAuditAdapter{Logger: slog.Default()}}
	}
	return &AuditLogger{
		adapters: adapters,
	}
}

// AddAdapter registers another adapter.
func (l *AuditLogger) AddAdapter(adapter AuditAdapter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adapters = append(l.adapters, adapter)
}

// LogEvent redacts the connection id and hands the event to every adapter. Adapter
// failures are reported on stderr and never reach the caller.
func (l *AuditLogger) LogEvent(event *AuditEvent) {
	if l == nil || event == nil {
		return
	}
	if event.ConnID != "" {
		event.ConnID = Redact(event.ConnID)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, adapter := range l.adapters {
		if err := adapter.LogEvent(event); err != nil {
			fmt.Fprintf(os.Stderr, "audit adapter %T: %v\n", adapter, err)
		}
	}
}
