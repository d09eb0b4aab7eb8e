// Package registry tracks the live connection of every executor and owns its eviction.
package registry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// Connection is the registry entry for one executor socket. The transport is owned
// exclusively by the entry and closed on eviction.
type Connection struct {
	ExecutorID  string
	Transport   transport.Transport
	ConnectedAt time.Time
	RemoteAddr  string

	mu               sync.Mutex
	state            gateway.State
	lastHeartbeat    time.Time
	lastError        error
	reconnectAttempt int
	evicted          chan struct{}
}

// Info is a point-in-time snapshot of a Connection.
type Info struct {
	ExecutorID       string        `json:"executor_id"`
	State            gateway.State `json:"-"`
	StateName        string        `json:"state"`
	LastHeartbeatAt  time.Time     `json:"last_heartbeat_at"`
	ConnectedAt      time.Time     `json:"connected_at"`
	RemoteAddr       string        `json:"remote_addr,omitempty"`
	ReconnectAttempt int           `json:"reconnect_attempt"`
	LastError        string        `json:"last_error,omitempty"`
}

// State returns the current state.
func (c *Connection) State() gateway.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHeartbeat returns when traffic was last seen on the connection.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// LastError returns the eviction reason, if any.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// SetReconnectAttempt records the attempt number reported by the executor.
func (c *Connection) SetReconnectAttempt(n int) {
	c.mu.Lock()
	c.reconnectAttempt = n
	c.mu.Unlock()
}

// Done is closed once the connection has been evicted.
func (c *Connection) Done() <-chan struct{} {
	return c.evicted
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		ExecutorID:       c.ExecutorID,
		State:            c.state,
		StateName:        c.state.String(),
		LastHeartbeatAt:  c.lastHeartbeat,
		ConnectedAt:      c.ConnectedAt,
		RemoteAddr:       c.RemoteAddr,
		ReconnectAttempt: c.reconnectAttempt,
	}
	if c.lastError != nil {
		info.LastError = c.lastError.Error()
	}
	return info
}

// PendingCanceler resolves the pending requests bound to an executor.
type PendingCanceler interface {
	CancelExecutor(executorID string, err error) int
}

// Observer is notified after every state change of the live entry for an executor.
// Notifications are delivered one at a time in the order the changes happened; a
// change to a connection that has since been replaced is not delivered. Observers
// must not call Register or Evict.
type Observer interface {
	ConnectionChanged(info Info)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(info Info)

// ConnectionChanged calls f(info).
func (f ObserverFunc) ConnectionChanged(info Info) { f(info) }

// Metrics records connection counts and evictions.
type Metrics interface {
	RecordConnection(ctx context.Context, delta int64)
	RecordEviction(ctx context.Context, reason string)
}

// Eviction causes, reported as the reason of an eviction.
const (
	CauseEvicted          = "evicted"
	CauseHeartbeatTimeout = "heartbeat_timeout"
	CauseConnectionClosed = "connection_closed"
	CauseShutdown         = "shutdown"
)

// CausedBy tags reason with one of the Cause constants. Untagged reasons count as
// CauseEvicted.
func CausedBy(cause string, reason error) error {
	return &causeError{cause: cause, err: reason}
}

type causeError struct {
	cause string
	err   error
}

func (e *causeError) Error() string { return e.err.Error() }
func (e *causeError) Unwrap() error { return e.err }

func causeOf(err error) string {
	var ce *causeError
	if stderrors.As(err, &ce) {
		return ce.cause
	}
	return CauseEvicted
}

// Registry maps executor ids to their single live connection.
type Registry struct {
	conns map[string]*Connection
	mu    sync.RWMutex

	canceler         PendingCanceler
	observers        []Observer
	metrics          Metrics
	logger           *slog.Logger
	now              func() time.Time
	heartbeatTimeout time.Duration

	// notifyMu orders observer deliveries.
	notifyMu sync.Mutex

	loopMu    sync.Mutex
	pruneTask context.CancelFunc
	pruneDone chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithCanceler sets the component whose pending requests are failed on eviction.
func WithCanceler(c PendingCanceler) Option {
	return func(r *Registry) { r.canceler = c }
}

// WithObserver adds a state change observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithMetrics records connection counts and evictions on m.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithHeartbeatTimeout sets the staleness bound used by PruneStale.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*Connection),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddObserver adds a state change observer after construction.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Register records tr as the live connection for executorID.
//
// Returns:
//   - *Connection: the new entry, in state Connected
//   - error: DuplicateConnection if a live entry already exists
func (r *Registry) Register(executorID string, tr transport.Transport) (*Connection, error) {
	if executorID == "" {
		return nil, errors.NewExecutorUnavailableError("", "executor id cannot be empty")
	}

	now := r.now()
	conn := &Connection{
		ExecutorID:    executorID,
		Transport:     tr,
		ConnectedAt:   now,
		RemoteAddr:    tr.RemoteAddr(),
		state:         gateway.StateConnected,
		lastHeartbeat: now,
		evicted:       make(chan struct{}),
	}

	r.mu.Lock()
	if existing, ok := r.conns[executorID]; ok && existing.State().Live() {
		r.mu.Unlock()
		r.logger.Warn("rejecting duplicate connection", "executor_id", executorID, "remote_addr", conn.RemoteAddr)
		return nil, errors.NewDuplicateConnectionError(executorID)
	}
	r.conns[executorID] = conn
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordConnection(context.Background(), 1)
	}
	r.logger.Info("executor connected", "executor_id", executorID, "remote_addr", conn.RemoteAddr)
	r.notify(conn)
	return conn, nil
}

// Lookup returns the live connection for executorID.
func (r *Registry) Lookup(executorID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[executorID]
	return conn, ok
}

// Evict removes the live connection for executorID. Only the first evictor acts; later
// calls return false.
func (r *Registry) Evict(executorID string, reason error) bool {
	return r.evict(executorID, nil, reason)
}

// EvictConn evicts conn only if it is still the live entry for its executor.
func (r *Registry) EvictConn(conn *Connection, reason error) bool {
	return r.evict(conn.ExecutorID, conn, reason)
}

func (r *Registry) evict(executorID string, expect *Connection, reason error) bool {
	r.mu.Lock()
	conn, ok := r.conns[executorID]
	if !ok || (expect != nil && conn != expect) {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, executorID)
	r.mu.Unlock()

	if reason == nil {
		reason = errors.NewConnectionLostError(executorID, "evicted")
	}
	cause := causeOf(reason)
	if r.metrics != nil {
		r.metrics.RecordConnection(context.Background(), -1)
		r.metrics.RecordEviction(context.Background(), cause)
	}

	conn.mu.Lock()
	conn.state = gateway.StateDisconnected
	conn.lastError = reason
	close(conn.evicted)
	conn.mu.Unlock()

	cancelled := 0
	if r.canceler != nil {
		cancelled = r.canceler.CancelExecutor(executorID,
			errors.NewConnectionLostError(executorID, reason.Error()))
	}

	if err := conn.Transport.CloseWithReason(websocket.CloseGoingAway, "evicted"); err != nil {
		r.logger.Debug("close after eviction failed", "executor_id", executorID, "error", err)
	}

	r.logger.Info("executor evicted",
		"executor_id", executorID,
		"reason", reason.Error(),
		"cause", cause,
		"cancelled_requests", cancelled,
	)
	r.notify(conn)
	return true
}

// MarkDegraded moves a Connected entry to Degraded.
func (r *Registry) MarkDegraded(executorID string) bool {
	conn, ok := r.Lookup(executorID)
	if !ok {
		return false
	}

	conn.mu.Lock()
	if conn.state != gateway.StateConnected {
		conn.mu.Unlock()
		return false
	}
	conn.state = gateway.StateDegraded
	since := r.now().Sub(conn.lastHeartbeat)
	conn.mu.Unlock()

	r.logger.Warn("executor degraded", "executor_id", executorID, "silent_for", since)
	r.notify(conn)
	return true
}

// Touch records traffic from executorID. A Degraded entry returns to Connected.
func (r *Registry) Touch(executorID string) {
	conn, ok := r.Lookup(executorID)
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.lastHeartbeat = r.now()
	recovered := conn.state == gateway.StateDegraded
	if recovered {
		conn.state = gateway.StateConnected
	}
	conn.mu.Unlock()

	if recovered {
		r.logger.Info("executor recovered", "executor_id", executorID)
		r.notify(conn)
	}
}

// List returns a snapshot of every live connection, sorted by executor id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ExecutorID < infos[j].ExecutorID })
	return infos
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// PruneStale evicts connections silent for longer than the heartbeat timeout. It is a
// backstop for the per-connection liveness monitor.
//
// Returns:
//   - int: number of connections evicted
func (r *Registry) PruneStale() int {
	if r.heartbeatTimeout <= 0 {
		return 0
	}
	now := r.now()

	var stale []*Connection
	r.mu.RLock()
	for _, conn := range r.conns {
		if now.Sub(conn.LastHeartbeat()) > r.heartbeatTimeout {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	pruned := 0
	for _, conn := range stale {
		if r.EvictConn(conn, CausedBy(CauseHeartbeatTimeout,
			errors.NewConnectionLostError(conn.ExecutorID, "heartbeat timeout"))) {
			pruned++
		}
	}
	return pruned
}

// Start starts the background prune loop.
func (r *Registry) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.pruneTask != nil || r.heartbeatTimeout <= 0 {
		return
	}

	pruneCtx, cancel := context.WithCancel(ctx)
	r.pruneTask = cancel
	r.pruneDone = make(chan struct{})

	go r.pruneLoop(pruneCtx)
	r.logger.Debug("registry prune loop started", "heartbeat_timeout", r.heartbeatTimeout)
}

// Stop stops the background prune loop.
func (r *Registry) Stop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.pruneTask != nil {
		r.pruneTask()
		<-r.pruneDone
		r.pruneTask = nil
	}
}

// Close stops the prune loop and evicts every connection.
func (r *Registry) Close() {
	r.Stop()

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		r.EvictConn(conn, CausedBy(CauseShutdown,
			errors.NewConnectionLostError(conn.ExecutorID, "gateway shutting down")))
	}
}

func (r *Registry) pruneLoop(ctx context.Context) {
	defer close(r.pruneDone)

	ticker := time.NewTicker(r.heartbeatTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := r.PruneStale(); pruned > 0 {
				r.logger.Warn("pruned stale executors", "count", pruned)
			}
		}
	}
}

// notify delivers conn's current state to the observers. A connection that is no
// longer the live entry only reports its disconnect, and only while no newer
// connection for the same executor has registered.
func (r *Registry) notify(conn *Connection) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.RLock()
	observers := r.observers
	live, ok := r.conns[conn.ExecutorID]
	r.mu.RUnlock()

	info := conn.Info()
	if ok && live != conn {
		r.logger.Debug("skipping stale connection notification",
			"executor_id", conn.ExecutorID, "state", info.StateName)
		return
	}
	if !ok && info.State.Live() {
		return
	}
	for _, o := range observers {
		o.ConnectionChanged(info)
	}
}
