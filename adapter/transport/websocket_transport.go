package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
)

// WebSocketTransport implements Transport over a single gorilla/websocket connection.
type WebSocketTransport struct {
	conn           *websocket.Conn
	writeMu        sync.Mutex
	mu             sync.Mutex
	connected      bool
	closeOnce      sync.Once
	maxMessageSize int64
	writeTimeout   time.Duration
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultMaxMessageSize   = 10 * 1024 * 1024 // 10 MB
	closeGracePeriod        = time.Second
)

// WebSocketOptions configures WebSocket transport behavior.
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	TLSConfig        *tls.Config
	Header           http.Header
}

// DefaultWebSocketOptions returns the default options.
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		HandshakeTimeout: defaultHandshakeTimeout,
		WriteTimeout:     defaultWriteTimeout,
		MaxMessageSize:   defaultMaxMessageSize,
	}
}

func (o *WebSocketOptions) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
}

// NewWebSocketTransport wraps an already established connection.
func NewWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *WebSocketTransport {
	opts.applyDefaults()
	conn.SetReadLimit(opts.MaxMessageSize)

	return &WebSocketTransport{
		conn:           conn,
		connected:      true,
		maxMessageSize: opts.MaxMessageSize,
		writeTimeout:   opts.WriteTimeout,
	}
}

// ValidateURL checks that rawURL is an absolute ws:// or wss:// URL.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrBadURL)
	}
	return u, nil
}

// Dial opens a WebSocket connection to rawURL.
//
// An upgrade refused with HTTP 401 or 403 is reported as a HandshakeRejected error;
// every other failure is a ConnectionError.
func Dial(ctx context.Context, rawURL string, opts WebSocketOptions) (*WebSocketTransport, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	opts.applyDefaults()

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		TLSClientConfig:  opts.TLSConfig,
	}
	if u.Scheme == "wss" && dialer.TLSClientConfig == nil {
		dialer.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.NewHandshakeRejectedError("",
				fmt.Sprintf("upgrade refused with HTTP %d", resp.StatusCode), err)
		}
		if resp != nil {
			return nil, errors.NewConnectionError(
				fmt.Sprintf("upgrade to %s failed with HTTP %d", u.Host, resp.StatusCode), err)
		}
		return nil, errors.NewConnectionError(fmt.Sprintf("failed to connect to %s", u.Host), err)
	}

	return NewWebSocketTransport(conn, opts), nil
}

// SendFramed writes data as a single text message.
func (t *WebSocketTransport) SendFramed(ctx context.Context, data []byte) error {
	if !t.IsConnected() {
		return errors.NewConnectionError("not connected", nil)
	}

	if int64(len(data)) > t.maxMessageSize {
		return errors.NewInvalidMessageError(
			fmt.Sprintf("message size %d exceeds maximum %d", len(data), t.maxMessageSize),
			nil,
		)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.writeTimeout)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return errors.NewConnectionError("failed to set write deadline", err)
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.markDisconnected()
		return errors.NewConnectionError("failed to send message", err)
	}

	return nil
}

// ReceiveFramed reads the next data message. Control frames are handled internally.
//
// The context deadline, if any, bounds the read. Cancellation without a deadline does
// not interrupt a blocked read; close the transport instead.
func (t *WebSocketTransport) ReceiveFramed(ctx context.Context) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, errors.NewConnectionError("failed to set read deadline", err)
		}
	} else if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, errors.NewConnectionError("failed to set read deadline", err)
	}

	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		t.markDisconnected()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errors.NewConnectionError("connection closed", err)
		}
		return nil, errors.NewConnectionError("failed to receive message", err)
	}

	switch messageType {
	case websocket.TextMessage, websocket.BinaryMessage:
		return data, nil
	default:
		return nil, errors.NewInvalidMessageError(
			fmt.Sprintf("unexpected message type: %d", messageType),
			nil,
		)
	}
}

// CloseWithReason sends a close frame and closes the connection. Only the first close acts.
func (t *WebSocketTransport) CloseWithReason(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.markDisconnected()

		msg := websocket.FormatCloseMessage(code, reason)
		writeErr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		closeErr := t.conn.Close()

		if writeErr != nil && writeErr != websocket.ErrCloseSent {
			err = writeErr
			return
		}
		err = closeErr
	})
	return err
}

// Close closes the connection without waiting for the peer.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.markDisconnected()
		err = t.conn.Close()
	})
	return err
}

// IsConnected returns whether the transport is connected.
func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// RemoteAddr returns the peer address.
func (t *WebSocketTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *WebSocketTransport) markDisconnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}
