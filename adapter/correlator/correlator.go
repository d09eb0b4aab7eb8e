// Package correlator matches asynchronous executor responses to the requests that caused them.
package correlator

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// Future is the caller's handle on one pending request. It resolves exactly once.
type Future struct {
	requestID  string
	executorID string
	done       chan struct{}
	once       sync.Once
	resp       *gateway.Response
	err        error
}

func newFuture(requestID, executorID string) *Future {
	return &Future{requestID: requestID, executorID: executorID, done: make(chan struct{})}
}

// RequestID returns the correlation id of the request.
func (f *Future) RequestID() string { return f.requestID }

// ExecutorID returns the executor the request was bound to.
func (f *Future) ExecutorID() string { return f.executorID }

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Result() (*gateway.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	default:
		return nil, nil
	}
}

// Wait blocks until the future resolves or ctx ends. Ending ctx does not resolve the future.
func (f *Future) Wait(ctx context.Context) (*gateway.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) complete(resp *gateway.Response, err error) bool {
	completed := false
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

type pending struct {
	future   *Future
	deadline time.Time
	timer    *time.Timer
}

// Correlator tracks pending requests. It is safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger used for dropped responses.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithIDGenerator replaces the uuid request id generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Correlator) { c.newID = gen }
}

// New creates an empty correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending: make(map[string]*pending),
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create registers a pending request bound to executorID and arms its deadline.
// The returned id is unique among pending requests.
func (c *Correlator) Create(executorID string, deadline time.Time) (string, *Future) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.newID()
	for {
		if _, exists := c.pending[id]; !exists {
			break
		}
		id = c.newID()
	}

	p := &pending{future: newFuture(id, executorID), deadline: deadline}
	p.timer = time.AfterFunc(deadline.Sub(c.now()), func() { c.Expire(id) })
	c.pending[id] = p
	return id, p.future
}

// Resolve completes the pending request named by resp.RequestID on behalf of
// executorID. It returns false, and drops the response, when no such request is
// pending or when the request is bound to a different executor; in the latter case
// the request stays pending.
func (c *Correlator) Resolve(executorID string, resp *gateway.Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.RequestID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("dropping response for unknown request", "request_id", resp.RequestID)
		return false
	}
	if p.future.executorID != executorID {
		c.mu.Unlock()
		c.logger.Warn("dropping response from wrong executor",
			"request_id", resp.RequestID,
			"executor_id", executorID,
			"bound_executor_id", p.future.executorID,
		)
		return false
	}
	p.timer.Stop()
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()

	return p.future.complete(resp, nil)
}

// Expire resolves the request with a Timeout error if its deadline has passed. A timer
// that fires early is re-armed for the remainder.
func (c *Correlator) Expire(requestID string) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if remaining := p.deadline.Sub(c.now()); remaining > 0 {
		p.timer.Reset(remaining)
		c.mu.Unlock()
		return false
	}
	delete(c.pending, requestID)
	c.mu.Unlock()

	return p.future.complete(nil, errors.NewTimeoutError(p.future.executorID, requestID))
}

// Cancel resolves the request with err.
func (c *Correlator) Cancel(requestID string, err error) bool {
	p := c.take(requestID)
	if p == nil {
		return false
	}
	return p.future.complete(nil, withRequest(err, requestID))
}

// CancelExecutor resolves every request bound to executorID with err and returns how many
// were resolved.
func (c *Correlator) CancelExecutor(executorID string, err error) int {
	c.mu.Lock()
	var matched []*pending
	for id, p := range c.pending {
		if p.future.executorID == executorID {
			p.timer.Stop()
			delete(c.pending, id)
			matched = append(matched, p)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, p := range matched {
		if p.future.complete(nil, withRequest(err, p.future.requestID)) {
			n++
		}
	}
	return n
}

// Pending returns the number of unresolved requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels every pending request.
func (c *Correlator) Close() {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for id, p := range all {
		p.timer.Stop()
		p.future.complete(nil, withRequest(errors.New(errors.KindCancelled, p.future.executorID, "correlator closed", nil), id))
	}
}

func (c *Correlator) take(requestID string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(c.pending, requestID)
	return p
}

// withRequest stamps requestID onto a copy of a GatewayError so callers sharing one
// eviction error each see their own request id.
func withRequest(err error, requestID string) error {
	var ge *errors.GatewayError
	if !stderrors.As(err, &ge) {
		return err
	}
	clone := *ge
	clone.RequestID = requestID
	return &clone
}
