// Package liveness detects stalled connections with application-level heartbeats.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval is the default time between pings.
	DefaultInterval = 10 * time.Second
	// DefaultMissedThreshold is the number of silent intervals tolerated before a stall.
	DefaultMissedThreshold = 3
)

// PingFunc sends one heartbeat frame.
type PingFunc func(ctx context.Context) error

// StallFunc is called once when the connection is declared stalled.
type StallFunc func(silence time.Duration, cause error)

// DegradedFunc is called when one interval passes with no traffic.
type DegradedFunc func(silence time.Duration)

// Monitor pings a connection on a fixed interval and watches inbound traffic.
//
// Any inbound frame counts as proof of life; callers report it with Touch. Silence
// longer than the interval marks the connection degraded, silence longer than the
// timeout stalls it. A failed ping also stalls it.
type Monitor struct {
	send       PingFunc
	onStall    StallFunc
	onDegraded DegradedFunc
	interval   time.Duration
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu          sync.Mutex
	lastTraffic time.Time
	degraded    bool
	stalled     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the ping interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithTimeout sets how long the connection may stay silent before it is stalled.
// Defaults to three intervals.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithDegradedFunc sets the callback for a missed interval.
func WithDegradedFunc(fn DegradedFunc) Option {
	return func(m *Monitor) { m.onDegraded = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// New creates a stopped monitor.
func New(send PingFunc, onStall StallFunc, opts ...Option) *Monitor {
	m := &Monitor{
		send:     send,
		onStall:  onStall,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultMissedThreshold * m.interval
	}
	m.lastTraffic = m.now()
	return m
}

// Interval returns the ping interval.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Timeout returns the stall timeout.
func (m *Monitor) Timeout() time.Duration { return m.timeout }

// Touch records inbound traffic.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastTraffic = m.now()
	m.degraded = false
	m.mu.Unlock()
}

// Stalled reports whether the stall callback has fired.
func (m *Monitor) Stalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalled
}

// Check evaluates the silence since the last traffic and fires callbacks. It returns
// true once the connection is stalled.
func (m *Monitor) Check() bool {
	m.mu.Lock()
	if m.stalled {
		m.mu.Unlock()
		return true
	}
	silence := m.now().Sub(m.lastTraffic)

	if silence > m.timeout {
		m.stalled = true
		m.mu.Unlock()
		m.logger.Warn("heartbeat timeout", "silence", silence, "timeout", m.timeout)
		m.onStall(silence, nil)
		return true
	}

	fireDegraded := silence > m.interval && !m.degraded
	if fireDegraded {
		m.degraded = true
	}
	m.mu.Unlock()

	if fireDegraded && m.onDegraded != nil {
		m.onDegraded(silence)
	}
	return false
}

// Beat runs one monitor cycle: check silence, then ping. It returns true when monitoring
// should end, either because the connection stalled or ctx ended.
func (m *Monitor) Beat(ctx context.Context) bool {
	if m.Check() {
		return true
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.send(pingCtx); err != nil {
		if ctx.Err() != nil {
			return true
		}
		m.stall(err)
		return true
	}
	return false
}

func (m *Monitor) stall(cause error) {
	m.mu.Lock()
	if m.stalled {
		m.mu.Unlock()
		return
	}
	m.stalled = true
	silence := m.now().Sub(m.lastTraffic)
	m.mu.Unlock()

	m.logger.Warn("heartbeat send failed", "error", cause)
	m.onStall(silence, cause)
}

// Start runs the monitor in the background until ctx ends, Stop is called, or the
// connection stalls.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.lastTraffic = m.now()
	m.mu.Unlock()

	go m.loop(loopCtx)
}

// Stop stops the background loop. It does not wait, so it is safe to call from the
// stall callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done is closed when the background loop has exited. It is nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Beat(ctx) {
				return
			}
		}
	}
}
