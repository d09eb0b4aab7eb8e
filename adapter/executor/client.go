// Package executor provides the executor side of the gateway protocol: a self-healing
// WebSocket client that authenticates, answers heartbeats and runs commands.
package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/codec"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/liveness"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/reconnect"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
	"github.com/scttfrdmn/browsergate/browsergate-go/observability"
)

// BusyMessage is the error text of a command refused in exclusive mode.
const BusyMessage = "Busy"

// ErrConnectInProgress is returned by Connect while another attempt is running.
var ErrConnectInProgress = stderrors.New("connect already in progress")

// Config holds the client settings.
type Config struct {
	// URL is the gateway executor endpoint, e.g. ws://localhost:8000/ws_browser.
	URL string
	// ExecutorID is sent as the conn_id query parameter.
	ExecutorID string
	// APIKey is sent in the auth frame. Defaults to ExecutorID.
	APIKey string
	// ConnectTimeout bounds dial plus auth.
	ConnectTimeout time.Duration
	// AuthTimeout bounds the wait for auth_response.
	AuthTimeout time.Duration
	// HeartbeatInterval is the liveness ping interval.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the silence after which the socket is force-closed.
	HeartbeatTimeout time.Duration
	// CommandTimeout bounds each handler call; zero means no bound.
	CommandTimeout time.Duration
	// Exclusive answers Busy while a command is running.
	Exclusive bool
	// Backoff configures reconnection.
	Backoff reconnect.Backoff
	// Transport configures the socket.
	Transport transport.WebSocketOptions
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    30 * time.Second,
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: liveness.DefaultInterval,
		HeartbeatTimeout:  liveness.DefaultMissedThreshold * liveness.DefaultInterval,
		Backoff:           reconnect.DefaultBackoff(),
		Transport:         transport.DefaultWebSocketOptions(),
	}
}

// DialFunc opens a transport to rawURL.
type DialFunc func(ctx context.Context, rawURL string, opts transport.WebSocketOptions) (transport.Transport, error)

func dialWebSocket(ctx context.Context, rawURL string, opts transport.WebSocketOptions) (transport.Transport, error) {
	tr, err := transport.Dial(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Client is one executor's connection to the gateway.
type Client struct {
	cfg     Config
	handler gateway.CommandHandler
	machine *reconnect.Machine
	dial    DialFunc
	metrics *observability.GatewayMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
	onState func(reconnect.Transition)

	mu     sync.Mutex
	sess   *session
	status *gateway.ServerStatus

	busy     atomic.Bool
	handlers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// session is one authenticated connection.
type session struct {
	tr      transport.Transport
	monitor *liveness.Monitor
	done    chan struct{}
	cause   error
	delay   time.Duration
	retry   bool
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithMetrics records state changes and reconnects on m.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStateObserver is called after every connection state transition.
func WithStateObserver(fn func(reconnect.Transition)) Option {
	return func(c *Client) { c.onState = fn }
}

// New creates a disconnected client.
func New(cfg Config, handler gateway.CommandHandler, opts ...Option) (*Client, error) {
	if cfg.ExecutorID == "" {
		return nil, fmt.Errorf("executor id must be provided")
	}
	if handler == nil {
		return nil, fmt.Errorf("command handler must be provided")
	}

	defaults := DefaultConfig()
	if cfg.APIKey == "" {
		cfg.APIKey = cfg.ExecutorID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaults.AuthTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = liveness.DefaultMissedThreshold * cfg.HeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		handler: handler,
		dial:    dialWebSocket,
		tracer:  observability.Tracer("executor"),
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("executor_id", cfg.ExecutorID)
	c.machine = reconnect.NewMachine(cfg.Backoff, c.transitioned)
	return c, nil
}

// State returns the connection state.
func (c *Client) State() gateway.State {
	return c.machine.State()
}

// Attempt returns the number of consecutive failed attempts.
func (c *Client) Attempt() int {
	return c.machine.Attempt()
}

// LastError returns the most recent connection failure.
func (c *Client) LastError() error {
	return c.machine.LastError()
}

// ServerStatus returns the gateway status from the most recent pong, if any.
func (c *Client) ServerStatus() *gateway.ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect makes one connection attempt: dial, auth and start serving. It is a no-op
// when already connected. A failed attempt is recorded before Connect returns.
func (c *Client) Connect(ctx context.Context) error {
	_, _, _, err := c.connect(ctx)
	return err
}

// Run connects and reconnects until ctx ends, Close is called, or the connection fails
// terminally. It returns the terminal error, or nil when stopped.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || c.ctx.Err() != nil {
			return nil
		}

		sess, delay, retry, err := c.connect(ctx)
		if stderrors.Is(err, ErrConnectInProgress) {
			return err
		}
		if err == nil {
			select {
			case <-sess.done:
				delay, retry = sess.delay, sess.retry
			case <-ctx.Done():
				c.Close()
				return nil
			case <-c.ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil || c.ctx.Err() != nil {
			return nil
		}

		if !retry {
			c.metrics.RecordReconnect(context.Background(), "terminal")
			c.logger.Error("executor connection failed terminally", "error", c.machine.LastError())
			return c.machine.LastError()
		}

		c.metrics.RecordReconnect(context.Background(), "retry")
		c.logger.Info("reconnecting", "attempt", c.machine.Attempt(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.Close()
			return nil
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// Close closes the connection and stops Run.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess != nil {
		_ = sess.tr.CloseWithReason(websocket.CloseNormalClosure, "executor shutting down")
		<-sess.done
	}
	c.handlers.Wait()
	return nil
}

// connect runs one attempt. On failure it returns the backoff delay and whether a
// retry is allowed.
func (c *Client) connect(ctx context.Context) (*session, time.Duration, bool, error) {
	if !c.machine.BeginConnect() {
		switch c.machine.State() {
		case gateway.StateConnected, gateway.StateDegraded:
			c.mu.Lock()
			sess := c.sess
			c.mu.Unlock()
			if sess != nil {
				return sess, 0, true, nil
			}
			return nil, 0, true, ErrConnectInProgress
		case gateway.StateFailedTerminal:
			return nil, 0, false, c.machine.LastError()
		default:
			return nil, 0, true, ErrConnectInProgress
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	tr, err := c.open(connectCtx)
	if err != nil {
		delay, retry := c.machine.Fail(err)
		c.logger.Warn("connect attempt failed", "error", err, "class", reconnect.Classify(err).String(), "retry", retry)
		return nil, delay, retry, err
	}

	sess := &session{tr: tr, done: make(chan struct{})}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	if !c.machine.Connected() {
		_ = tr.Close()
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		return nil, 0, true, fmt.Errorf("connect interrupted in state %s", c.machine.State())
	}
	c.logger.Info("executor connected", "url", c.cfg.URL)

	go c.serve(sess)
	return sess, 0, true, nil
}

// open dials and authenticates.
func (c *Client) open(ctx context.Context) (transport.Transport, error) {
	target, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	tr, err := c.dial(ctx, target, c.cfg.Transport)
	if err != nil {
		return nil, err
	}

	if err := c.authenticate(ctx, tr); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return tr, nil
}

func (c *Client) endpoint() (string, error) {
	u, err := transport.ValidateURL(c.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("conn_id", c.cfg.ExecutorID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) authenticate(ctx context.Context, tr transport.Transport) error {
	data, err := codec.EncodeAuth(c.cfg.APIKey, c.machine.Attempt())
	if err != nil {
		return err
	}
	if err := tr.SendFramed(ctx, data); err != nil {
		if closeErr := awaitClose(ctx, tr); transport.CloseCode(closeErr) >= 0 {
			return closeErr
		}
		return err
	}

	authCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()

	for {
		data, err := tr.ReceiveFramed(authCtx)
		if err != nil {
			return err
		}

		frame := codec.Decode(data)
		switch frame.Kind {
		case codec.KindAuthResponse:
			if frame.AuthResponse.Success {
				return nil
			}
			return c.rejection(authCtx, tr, frame.AuthResponse.Error)
		case codec.KindError:
			c.logger.Warn("gateway reported error during auth", "message", frame.Error.Message)
		default:
			c.logger.Debug("ignoring frame before auth_response", "type", frame.Type)
		}
	}
}

// rejection turns a refused auth into an error. A duplicate connection is transient; the
// gateway signals it with close code 4009.
func (c *Client) rejection(ctx context.Context, tr transport.Transport, msg string) error {
	if msg == "duplicate connection" || transport.CloseCode(awaitClose(ctx, tr)) == transport.CloseDuplicate {
		return errors.NewDuplicateConnectionError(c.cfg.ExecutorID)
	}
	return errors.NewAuthFailedError(c.cfg.ExecutorID, msg)
}

// awaitClose reads until the peer closes and returns the read error, which carries the
// close code if the peer sent one.
func awaitClose(ctx context.Context, tr transport.Transport) error {
	graceCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for {
		if _, err := tr.ReceiveFramed(graceCtx); err != nil {
			return err
		}
	}
}

// serve runs the read loop and heartbeat of one session and records its end.
func (c *Client) serve(sess *session) {
	tr := sess.tr

	var stalled atomic.Value
	sess.monitor = liveness.New(
		func(ctx context.Context) error {
			return tr.SendFramed(ctx, codec.EncodePing())
		},
		func(silence time.Duration, cause error) {
			reason := fmt.Sprintf("no traffic for %s", silence.Round(time.Millisecond))
			if cause != nil {
				reason = fmt.Sprintf("heartbeat send failed: %v", cause)
			}
			stalled.Store(errors.NewConnectionLostError(c.cfg.ExecutorID, reason))
			_ = tr.Close()
		},
		liveness.WithInterval(c.cfg.HeartbeatInterval),
		liveness.WithTimeout(c.cfg.HeartbeatTimeout),
		liveness.WithDegradedFunc(func(time.Duration) { c.machine.Degraded() }),
		liveness.WithLogger(c.logger),
	)
	sess.monitor.Start(c.ctx)

	var cause error
	for {
		data, err := tr.ReceiveFramed(c.ctx)
		if err != nil {
			cause = err
			break
		}
		sess.monitor.Touch()
		c.machine.Recovered()
		c.route(tr, codec.Decode(data))
	}
	sess.monitor.Stop()
	_ = tr.Close()

	if v := stalled.Load(); v != nil {
		cause = v.(error)
	}
	if c.ctx.Err() != nil {
		cause = errors.NewCancelledError(c.cfg.ExecutorID, "client closed", c.ctx.Err())
	}

	c.logger.Info("executor connection lost", "error", cause)
	sess.cause = cause
	sess.delay, sess.retry = c.machine.Fail(cause)

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	close(sess.done)
}

func (c *Client) route(tr transport.Transport, frame codec.Frame) {
	switch frame.Kind {
	case codec.KindCommand:
		c.dispatch(tr, frame.Command)

	case codec.KindPing:
		pong, err := codec.EncodePong(nil)
		if err == nil {
			if err := tr.SendFramed(c.ctx, pong); err != nil {
				c.logger.Debug("failed to send pong", "error", err)
			}
		}

	case codec.KindPong:
		if frame.Pong.ServerStatus != nil {
			c.mu.Lock()
			c.status = frame.Pong.ServerStatus
			c.mu.Unlock()
		}

	case codec.KindError:
		c.logger.Warn("gateway reported error", "message", frame.Error.Message)

	case codec.KindMalformed:
		c.logger.Warn("malformed frame from gateway", "error", frame.Err)

	default:
		c.logger.Debug("dropping unexpected frame", "type", frame.Type)
	}
}

// dispatch runs cmd in its own goroutine. In exclusive mode a second command is
// refused with Busy before it starts.
func (c *Client) dispatch(tr transport.Transport, cmd *gateway.Command) {
	if c.cfg.Exclusive && !c.busy.CompareAndSwap(false, true) {
		c.logger.Info("refusing command while busy", "request_id", cmd.RequestID, "verb", cmd.Verb)
		c.reply(tr, &gateway.Response{RequestID: cmd.RequestID, Success: false, Error: BusyMessage})
		return
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		if c.cfg.Exclusive {
			defer c.busy.Store(false)
		}
		c.reply(tr, c.execute(cmd))
	}()
}

func (c *Client) execute(cmd *gateway.Command) *gateway.Response {
	ctx := observability.ExtractTraceContext(c.ctx, cmd.Payload)
	delete(cmd.Payload, observability.TraceContextField)

	ctx, span := c.tracer.Start(ctx, "executor.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("command.verb", cmd.Verb),
			attribute.String("request.id", cmd.RequestID),
		),
	)
	defer span.End()

	if c.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}

	cmd.ExecutorID = c.cfg.ExecutorID
	result, execErr := c.handler.HandleCommand(ctx, cmd)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		c.logger.Warn("command failed", "request_id", cmd.RequestID, "verb", cmd.Verb, "error", execErr)
	}

	resp, err := codec.NewResponse(cmd.RequestID, result, execErr)
	if err != nil {
		resp, _ = codec.NewResponse(cmd.RequestID, nil, err)
	}
	return resp
}

func (c *Client) reply(tr transport.Transport, resp *gateway.Response) {
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		c.logger.Error("failed to encode response", "request_id", resp.RequestID, "error", err)
		return
	}
	if err := tr.SendFramed(c.ctx, data); err != nil {
		c.logger.Warn("failed to send response", "request_id", resp.RequestID, "error", err)
	}
}

func (c *Client) transitioned(t reconnect.Transition) {
	c.metrics.RecordStateChange(context.Background(), t.To.String())
	c.logger.Debug("connection state changed", "from", t.From.String(), "to", t.To.String(), "attempt", t.Attempt)
	if c.onState != nil {
		c.onState(t)
	}
}

// URL returns the endpoint with the conn_id query parameter applied.
func (c *Client) URL() string {
	target, err := c.endpoint()
	if err != nil {
		return c.cfg.URL
	}
	return target
}
