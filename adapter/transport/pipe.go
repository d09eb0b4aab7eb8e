package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
)

const pipeBuffer = 64

// PipeTransport is an in-memory Transport. Closing either end closes both, and the
// peer observes the close code the same way it would on a WebSocket.
type PipeTransport struct {
	inbox  chan []byte
	peer   *PipeTransport
	shared *pipeState
	name   string

	mu      sync.Mutex
	sendErr error
}

type pipeState struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	code int
	text string
}

// Pipe returns two connected in-memory transports.
func Pipe() (*PipeTransport, *PipeTransport) {
	shared := &pipeState{done: make(chan struct{})}
	a := &PipeTransport{inbox: make(chan []byte, pipeBuffer), shared: shared, name: "pipe-a"}
	b := &PipeTransport{inbox: make(chan []byte, pipeBuffer), shared: shared, name: "pipe-b"}
	a.peer = b
	b.peer = a
	return a, b
}

// FailSends makes every subsequent SendFramed return err. A nil err restores normal sends.
func (p *PipeTransport) FailSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

// SendFramed delivers data to the peer.
func (p *PipeTransport) SendFramed(ctx context.Context, data []byte) error {
	p.mu.Lock()
	sendErr := p.sendErr
	p.mu.Unlock()
	if sendErr != nil {
		return errors.NewConnectionError("failed to send message", sendErr)
	}

	if !p.IsConnected() {
		return errors.NewConnectionError("not connected", nil)
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case p.peer.inbox <- msg:
		return nil
	case <-p.shared.done:
		return errors.NewConnectionError("not connected", nil)
	case <-ctx.Done():
		return errors.NewConnectionError("send cancelled", ctx.Err())
	}
}

// ReceiveFramed returns the next message sent by the peer. Messages queued before a
// close are still delivered.
func (p *PipeTransport) ReceiveFramed(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.inbox:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.inbox:
		return msg, nil
	case <-p.shared.done:
		select {
		case msg := <-p.inbox:
			return msg, nil
		default:
		}
		return nil, errors.NewConnectionError("failed to receive message", p.closeError())
	case <-ctx.Done():
		return nil, errors.NewConnectionError("receive cancelled", ctx.Err())
	}
}

// CloseWithReason closes both ends; the peer's reads fail with the given close code.
func (p *PipeTransport) CloseWithReason(code int, reason string) error {
	p.shared.close(code, reason)
	return nil
}

// Close closes both ends abruptly; the peer's reads fail with an abnormal closure.
func (p *PipeTransport) Close() error {
	p.shared.close(websocket.CloseAbnormalClosure, "unexpected EOF")
	return nil
}

// IsConnected returns false once either end has closed.
func (p *PipeTransport) IsConnected() bool {
	select {
	case <-p.shared.done:
		return false
	default:
		return true
	}
}

// RemoteAddr returns the peer's name.
func (p *PipeTransport) RemoteAddr() string {
	return p.peer.name
}

func (p *PipeTransport) closeError() error {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	return &websocket.CloseError{Code: p.shared.code, Text: p.shared.text}
}

func (s *pipeState) close(code int, text string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.code = code
		s.text = text
		s.mu.Unlock()
		close(s.done)
	})
}
