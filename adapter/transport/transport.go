// Package transport provides the duplex message transport between the gateway and its executors.
package transport

import (
	"context"
	stderrors "errors"

	"github.com/gorilla/websocket"
)

// Transport is a connected, message-oriented duplex channel.
//
// SendFramed may be called from any goroutine; writes are serialized by the
// implementation. ReceiveFramed must only be called from a single read loop.
type Transport interface {
	// SendFramed writes one message.
	SendFramed(ctx context.Context, data []byte) error

	// ReceiveFramed blocks until one message arrives or the channel closes.
	ReceiveFramed(ctx context.Context) ([]byte, error)

	// CloseWithReason sends a close frame with the given code and reason, then closes.
	CloseWithReason(code int, reason string) error

	// Close closes the channel without a close handshake.
	Close() error

	// IsConnected returns whether the transport is currently usable.
	IsConnected() bool

	// RemoteAddr returns the peer address, if known.
	RemoteAddr() string
}

// Application close codes used by the gateway.
const (
	// CloseInvalidConnID rejects a connection whose conn_id is missing or unknown.
	CloseInvalidConnID = 4001
	// CloseForbidden rejects a connection that failed authentication.
	CloseForbidden = 4003
	// CloseDuplicate rejects a second live connection for the same executor.
	CloseDuplicate = 4009
)

// ErrBadURL reports an endpoint URL that can never be dialed.
var ErrBadURL = stderrors.New("invalid websocket url")

// CloseCode returns the close code carried by err, or -1 if err is not a close error.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

// CloseText returns the close reason carried by err, if any.
func CloseText(err error) string {
	var ce *websocket.CloseError
	if stderrors.As(err, &ce) {
		return ce.Text
	}
	return ""
}
