package frontdoor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/codec"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/dispatcher"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// Version is reported by /health.
const Version = "0.1.0"

// maxInvokeBody bounds a /invoke request body.
const maxInvokeBody = 1 << 20

// InvokeRequest is the body of POST /invoke.
type InvokeRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// InvokeResponse is the body of a /invoke answer. Exactly one field is set.
type InvokeResponse struct {
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail describes a failed call.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                `json:"status"`
	Version   string                `json:"version"`
	Uptime    float64               `json:"uptime"`
	Server    *gateway.ServerStatus `json:"server_status,omitempty"`
	Executors []registry.Info       `json:"executors"`
}

// Server serves the front door over HTTP.
type Server struct {
	invoker  *Invoker
	registry *registry.Registry
	disp     *dispatcher.Dispatcher
	status   func() *gateway.ServerStatus
	server   *http.Server
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	wsOpts   transport.WebSocketOptions
	timeout  time.Duration
	logger   *slog.Logger
	started  time.Time
	mu       sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStatus sets the gateway status source reported by /health.
func WithStatus(fn func() *gateway.ServerStatus) ServerOption {
	return func(s *Server) { s.status = fn }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithChannelTimeout sets the per-command deadline on the /ws_command channel.
func WithChannelTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a front door server.
//
// Args:
//   - invoker: Tool dispatch for /invoke
//   - reg: Registry reported by /health
//   - disp: Dispatcher used by /ws_command
//   - addr: HTTP server address (e.g., "localhost:8000")
func NewServer(invoker *Invoker, reg *registry.Registry, disp *dispatcher.Dispatcher, addr string, opts ...ServerOption) *Server {
	mux := http.NewServeMux()
	s := &Server{
		invoker:  invoker,
		registry: reg,
		disp:     disp,
		mux:      mux,
		wsOpts:   transport.DefaultWebSocketOptions(),
		timeout:  dispatcher.DefaultTimeout,
		logger:   slog.Default(),
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/invoke", s.handleInvoke)
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/ws_command", s.handleCommandChannel)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle mounts an extra handler, such as the executor endpoint or /metrics.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.mux, "frontdoor",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start starts the HTTP server in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("front door listening", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("front door server error", "error", err)
		}
	}()
	return nil
}

// ListenAndServe serves until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("front door listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("front door stopped")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodHead && r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Uptime:    time.Since(s.started).Seconds(),
		Executors: s.registry.List(),
	}
	if s.status != nil {
		resp.Server = s.status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.invoker.Tools()})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody))
	if err != nil {
		s.sendError(w, errors.NewMalformedError("failed to read request body", err))
		return
	}

	var req InvokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, errors.NewMalformedError("failed to decode request", err))
		return
	}
	if req.Tool == "" {
		s.sendError(w, errors.NewMalformedError("tool is required", nil))
		return
	}

	result, err := s.invoker.Invoke(r.Context(), req.Tool, req.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", req.Tool, "error", err)
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Result: result})
}

// handleCommandChannel serves the command WebSocket: each inbound frame names a command
// and a url, is dispatched to executor conn_id, and is answered with the executor's
// response frame.
func (s *Server) handleCommandChannel(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("conn_id")

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("command channel upgrade failed", "error", err)
		return
	}
	tr := transport.NewWebSocketTransport(wsConn, s.wsOpts)

	if connID == "" {
		_ = tr.CloseWithReason(transport.CloseInvalidConnID, "Invalid connect_id")
		return
	}

	logger := s.logger.With("conn_id", connID)
	logger.Info("command channel opened")
	defer func() {
		_ = tr.Close()
		logger.Info("command channel closed")
	}()

	ctx := r.Context()
	for {
		data, err := tr.ReceiveFramed(ctx)
		if err != nil {
			return
		}
		reply := s.runChannelCommand(ctx, connID, data)
		if err := tr.SendFramed(ctx, reply); err != nil {
			logger.Debug("failed to answer command channel", "error", err)
			return
		}
	}
}

func (s *Server) runChannelCommand(ctx context.Context, executorID string, data []byte) []byte {
	var req map[string]interface{}
	if err := json.Unmarshal(data, &req); err != nil {
		return channelError("", "invalid JSON format")
	}

	messageID, _ := req["message_id"].(string)
	command, _ := req["command"].(string)
	url, _ := req["url"].(string)
	if command == "" || url == "" {
		return channelError(messageID, "invalid command: 'command' and 'url' are required")
	}

	verb := command
	if v, ok := VerbFor(command); ok {
		verb = v
	}

	payload := make(map[string]interface{}, len(req))
	for k, v := range req {
		switch k {
		case "type", "command", "message_id":
			continue
		}
		payload[k] = v
	}

	resp, err := s.disp.Call(ctx, executorID, verb, payload, s.timeout)
	if resp == nil {
		return channelError(messageID, err.Error())
	}
	if messageID != "" {
		resp.RequestID = messageID
	}
	out, encErr := codec.EncodeResponse(resp)
	if encErr != nil {
		return channelError(messageID, encErr.Error())
	}
	return out
}

func channelError(messageID, message string) []byte {
	out, _ := json.Marshal(map[string]string{
		"status":     "error",
		"error":      message,
		"message_id": messageID,
	})
	return out
}

// sendError writes err with a status code matching its kind.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	detail := &ErrorDetail{Kind: string(kind), Message: err.Error()}
	if kind == "" {
		detail.Kind = "internal"
	}
	writeJSON(w, StatusFor(err), InvokeResponse{Error: detail})
}

// StatusFor maps a call error to an HTTP status code.
func StatusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindMalformed:
		return http.StatusBadRequest
	case errors.KindExecutorUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindConnectionLost, errors.KindSendFailed, errors.KindExecutorError:
		return http.StatusBadGateway
	case errors.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
