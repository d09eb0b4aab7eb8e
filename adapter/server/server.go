// Package server provides the gateway's executor endpoint: the WebSocket upgrade, the
// conn_id check, the auth handshake and the per-connection read loop.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/codec"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/dispatcher"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/liveness"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
	"github.com/scttfrdmn/browsergate/browsergate-go/observability"
)

// DefaultPath is the executor endpoint path.
const DefaultPath = "/ws_browser"

// Handshake results recorded in metrics.
const (
	handshakeAccepted      = "accepted"
	handshakeRateLimited   = "rate_limited"
	handshakeInvalidConnID = "invalid_conn_id"
	handshakeAuthTimeout   = "auth_timeout"
	handshakeProtocol      = "protocol_error"
	handshakeAuthFailed    = "auth_failed"
	handshakeDuplicate     = "duplicate"
)

const maxTrackedHosts = 1024

// Config holds the endpoint settings.
type Config struct {
	// AllowedExecutors lists the accepted conn_id values. Empty accepts any non-empty id.
	AllowedExecutors []string
	// AuthTimeout bounds the wait for the auth frame.
	AuthTimeout time.Duration
	// HeartbeatInterval is the liveness ping interval.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the silence after which a connection is evicted.
	HeartbeatTimeout time.Duration
	// HandshakeRate limits upgrades per remote host; zero disables limiting.
	HandshakeRate  rate.Limit
	HandshakeBurst int
	// Transport configures the accepted sockets.
	Transport transport.WebSocketOptions
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the default endpoint settings.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:       30 * time.Second,
		HeartbeatInterval: liveness.DefaultInterval,
		HeartbeatTimeout:  liveness.DefaultMissedThreshold * liveness.DefaultInterval,
		HandshakeRate:     rate.Limit(1),
		HandshakeBurst:    5,
		Transport:         transport.DefaultWebSocketOptions(),
	}
}

// Server accepts executor connections and feeds them into the registry.
type Server struct {
	cfg        Config
	allowed    map[string]struct{}
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	auth       Authenticator
	audit      *observability.AuditLogger
	metrics    *observability.GatewayMetrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	started    time.Time

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator sets the credential check. The default accepts any key.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithAuditLogger sets the audit sink for handshake decisions.
func WithAuditLogger(a *observability.AuditLogger) Option {
	return func(s *Server) { s.audit = a }
}

// WithMetrics records frames and handshakes on m.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates an executor endpoint.
func New(cfg Config, reg *registry.Registry, disp *dispatcher.Dispatcher, opts ...Option) *Server {
	defaults := DefaultConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaults.AuthTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = liveness.DefaultMissedThreshold * cfg.HeartbeatInterval
	}
	if cfg.HandshakeRate > 0 && cfg.HandshakeBurst <= 0 {
		cfg.HandshakeBurst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		allowed:    make(map[string]struct{}, len(cfg.AllowedExecutors)),
		registry:   reg,
		dispatcher: disp,
		auth:       StaticKeys(),
		logger:     slog.Default(),
		started:    time.Now(),
		limiters:   make(map[string]*rate.Limiter),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, id := range cfg.AllowedExecutors {
		s.allowed[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      checkOrigin,
	}
	return s
}

// Status returns the gateway status snapshot sent in pong frames.
func (s *Server) Status() *gateway.ServerStatus {
	select {
	case <-s.ctx.Done():
		return &gateway.ServerStatus{Running: false}
	default:
	}
	return &gateway.ServerStatus{
		Running:     true,
		Connections: s.registry.Len(),
		Pending:     s.dispatcher.Pending(),
		Uptime:      time.Since(s.started).Seconds(),
	}
}

// Close stops accepting executors, evicts every connection and waits for the read
// loops to exit.
func (s *Server) Close() {
	s.cancel()
	s.registry.Close()
	s.wg.Wait()
}

// ServeHTTP upgrades an executor connection and serves it until it is evicted.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ctx.Done():
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	host := remoteHost(r)
	if !s.allowHandshake(host) {
		s.metrics.RecordHandshake(r.Context(), handshakeRateLimited)
		s.auditEvent(r.Context(), observability.RateLimitExceeded, observability.SeverityWarning,
			"executor handshake rate limited", host, "", observability.OutcomeRejected)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	connID := r.URL.Query().Get("conn_id")

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.Serve(connID, transport.NewWebSocketTransport(wsConn, s.cfg.Transport))
}

// Serve runs the handshake and read loop for an accepted transport. It returns once
// the connection is gone.
func (s *Server) Serve(connID string, tr transport.Transport) {
	s.wg.Add(1)
	defer s.wg.Done()
	ctx := s.ctx

	if !s.validConnID(connID) {
		s.metrics.RecordHandshake(ctx, handshakeInvalidConnID)
		s.auditEvent(ctx, observability.ConnectionRejected, observability.SeverityWarning,
			"invalid connect_id", tr.RemoteAddr(), connID, observability.OutcomeRejected)
		s.logger.Warn("rejecting connection with invalid conn_id",
			"conn_id", observability.Redact(connID),
			"remote_addr", tr.RemoteAddr(),
		)
		_ = tr.CloseWithReason(transport.CloseInvalidConnID, "Invalid connect_id")
		return
	}

	conn, err := s.handshake(ctx, connID, tr)
	if err != nil {
		s.logger.Info("executor handshake failed",
			"executor_id", connID,
			"remote_addr", tr.RemoteAddr(),
			"error", err,
		)
		return
	}

	s.readLoop(ctx, conn)
}

// handshake waits for the auth frame, checks it and registers the connection. On
// failure the transport has been closed with the matching close code.
func (s *Server) handshake(ctx context.Context, connID string, tr transport.Transport) (*registry.Connection, error) {
	s.auditEvent(ctx, observability.AuthAttempt, observability.SeverityInfo,
		"executor auth attempt", tr.RemoteAddr(), connID, "")

	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	data, err := tr.ReceiveFramed(authCtx)
	if err != nil {
		if authCtx.Err() != nil && ctx.Err() == nil {
			s.metrics.RecordHandshake(ctx, handshakeAuthTimeout)
			s.sendError(tr, "auth timeout", "")
			_ = tr.CloseWithReason(websocket.CloseTryAgainLater, "auth timeout")
			return nil, errors.NewHandshakeRejectedError(connID, "auth timeout", err)
		}
		_ = tr.Close()
		return nil, errors.NewConnectionLostError(connID, fmt.Sprintf("closed during auth: %v", err))
	}

	frame := codec.Decode(data)
	if frame.Kind != codec.KindAuth {
		s.metrics.RecordHandshake(ctx, handshakeProtocol)
		s.auditEvent(ctx, observability.ValidationFailure, observability.SeverityWarning,
			"first frame was not auth", tr.RemoteAddr(), connID, observability.OutcomeRejected)
		s.sendError(tr, "expected auth frame", "")
		_ = tr.CloseWithReason(websocket.ClosePolicyViolation, "expected auth")
		return nil, errors.NewHandshakeRejectedError(connID, "first frame was "+frame.Kind.String(), frame.Err)
	}

	if err := s.authenticate(authCtx, connID, frame.Auth.APIKey); err != nil {
		s.metrics.RecordHandshake(ctx, handshakeAuthFailed)
		s.auditEvent(ctx, observability.AuthFailure, observability.SeverityWarning,
			"executor authentication failed", tr.RemoteAddr(), connID, observability.OutcomeRejected)
		s.sendAuthResponse(tr, false, "", "authentication failed")
		_ = tr.CloseWithReason(transport.CloseForbidden, "forbidden")
		return nil, errors.NewAuthFailedError(connID, err.Error())
	}

	// Reject a known duplicate before promising success; Register re-checks under lock.
	if existing, ok := s.registry.Lookup(connID); ok && existing.State().Live() {
		return nil, s.rejectDuplicate(ctx, connID, tr)
	}

	// auth_response goes out before the entry is visible to the dispatcher, so the
	// executor never sees a command ahead of it.
	if err := s.sendAuthResponse(tr, true, connID, ""); err != nil {
		_ = tr.Close()
		return nil, errors.NewConnectionLostError(connID, fmt.Sprintf("failed to send auth response: %v", err))
	}

	conn, err := s.registry.Register(connID, tr)
	if err != nil {
		return nil, s.rejectDuplicate(ctx, connID, tr)
	}
	conn.SetReconnectAttempt(frame.Auth.Attempt)

	s.metrics.RecordHandshake(ctx, handshakeAccepted)
	s.auditEvent(ctx, observability.AuthSuccess, observability.SeverityInfo,
		"executor authenticated", tr.RemoteAddr(), connID, observability.OutcomeAccepted)
	return conn, nil
}

func (s *Server) rejectDuplicate(ctx context.Context, connID string, tr transport.Transport) error {
	s.metrics.RecordHandshake(ctx, handshakeDuplicate)
	s.auditEvent(ctx, observability.ConnectionRejected, observability.SeverityWarning,
		"duplicate connection", tr.RemoteAddr(), connID, observability.OutcomeRejected)
	s.sendAuthResponse(tr, false, "", "duplicate connection")
	_ = tr.CloseWithReason(transport.CloseDuplicate, "duplicate connection")
	return errors.NewDuplicateConnectionError(connID)
}

func (s *Server) authenticate(ctx context.Context, connID, apiKey string) error {
	if apiKey != connID {
		return fmt.Errorf("apiKey does not match conn_id")
	}
	return s.auth.Authenticate(ctx, connID, apiKey)
}

// readLoop classifies every inbound frame once and routes it. It evicts the connection
// when the socket fails.
func (s *Server) readLoop(ctx context.Context, conn *registry.Connection) {
	executorID := conn.ExecutorID
	tr := conn.Transport

	monitor := liveness.New(
		func(pingCtx context.Context) error {
			return tr.SendFramed(pingCtx, codec.EncodePing())
		},
		func(silence time.Duration, cause error) {
			reason := fmt.Sprintf("heartbeat timeout after %s", silence.Round(time.Millisecond))
			if cause != nil {
				reason = fmt.Sprintf("heartbeat send failed: %v", cause)
			}
			s.registry.EvictConn(conn, registry.CausedBy(registry.CauseHeartbeatTimeout,
				errors.NewConnectionLostError(executorID, reason)))
		},
		liveness.WithInterval(s.cfg.HeartbeatInterval),
		liveness.WithTimeout(s.cfg.HeartbeatTimeout),
		liveness.WithDegradedFunc(func(time.Duration) {
			s.registry.MarkDegraded(executorID)
		}),
		liveness.WithLogger(s.logger.With("executor_id", executorID)),
	)
	monitor.Start(ctx)
	defer monitor.Stop()

	var reason error
	for {
		data, err := tr.ReceiveFramed(ctx)
		if err != nil {
			reason = err
			break
		}
		monitor.Touch()
		s.registry.Touch(executorID)

		frame := codec.Decode(data)
		s.metrics.RecordFrame(ctx, frame.Kind.String())
		s.route(ctx, conn, frame)
	}

	msg := "connection closed"
	if code := transport.CloseCode(reason); code >= 0 {
		msg = fmt.Sprintf("connection closed with code %d", code)
	} else if reason != nil {
		msg = reason.Error()
	}
	s.registry.EvictConn(conn, registry.CausedBy(registry.CauseConnectionClosed,
		errors.NewConnectionLostError(executorID, msg)))
}

func (s *Server) route(ctx context.Context, conn *registry.Connection, frame codec.Frame) {
	executorID := conn.ExecutorID

	switch frame.Kind {
	case codec.KindResponse:
		if !s.dispatcher.HandleResponse(executorID, frame.Response) {
			s.logger.Warn("dropping unmatched response",
				"executor_id", executorID,
				"request_id", frame.Response.RequestID,
			)
		}

	case codec.KindPing:
		pong, err := codec.EncodePong(s.Status())
		if err != nil {
			s.logger.Error("failed to encode pong", "error", err)
			return
		}
		if err := conn.Transport.SendFramed(ctx, pong); err != nil {
			s.logger.Debug("failed to send pong", "executor_id", executorID, "error", err)
		}

	case codec.KindPong:
		// Traffic already recorded.

	case codec.KindMalformed:
		s.logger.Warn("malformed frame from executor", "executor_id", executorID, "error", frame.Err)
		s.sendError(conn.Transport, "invalid JSON format", "")

	case codec.KindError:
		s.logger.Warn("executor reported error", "executor_id", executorID, "message", frame.Error.Message)

	default:
		s.logger.Debug("dropping unexpected frame", "executor_id", executorID, "type", frame.Type)
	}
}

func (s *Server) sendAuthResponse(tr transport.Transport, success bool, connID, errMsg string) error {
	data, err := codec.EncodeAuthResponse(success, connID, errMsg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Transport.WriteTimeout+time.Second)
	defer cancel()
	return tr.SendFramed(ctx, data)
}

func (s *Server) sendError(tr transport.Transport, message, requestID string) {
	data, err := codec.EncodeError(message, requestID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Transport.WriteTimeout+time.Second)
	defer cancel()
	if err := tr.SendFramed(ctx, data); err != nil && !stderrors.Is(err, context.Canceled) {
		s.logger.Debug("failed to send error frame", "error", err)
	}
}

func (s *Server) validConnID(connID string) bool {
	if connID == "" {
		return false
	}
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[connID]
	return ok
}

func (s *Server) allowHandshake(host string) bool {
	if s.cfg.HandshakeRate <= 0 {
		return true
	}

	s.limitMu.Lock()
	defer s.limitMu.Unlock()

	lim, ok := s.limiters[host]
	if !ok {
		if len(s.limiters) >= maxTrackedHosts {
			s.pruneLimitersLocked()
		}
		lim = rate.NewLimiter(s.cfg.HandshakeRate, s.cfg.HandshakeBurst)
		s.limiters[host] = lim
	}
	return lim.Allow()
}

// pruneLimitersLocked drops limiters that have refilled, since a fresh one is equivalent.
func (s *Server) pruneLimitersLocked() {
	for host, lim := range s.limiters {
		if lim.Tokens() >= float64(s.cfg.HandshakeBurst) {
			delete(s.limiters, host)
		}
	}
}

func (s *Server) auditEvent(ctx context.Context, eventType observability.AuditEventType, severity observability.AuditSeverity, message, remoteAddr, connID, outcome string) {
	if s.audit == nil {
		return
	}
	event := observability.NewAuditEvent(ctx, eventType, severity, message)
	event.ConnID = connID
	event.RemoteAddr = remoteAddr
	event.Path = DefaultPath
	event.Outcome = outcome
	s.audit.LogEvent(event)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
