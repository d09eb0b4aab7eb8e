package reconnect

import (
	"fmt"
	"sync"
	"time"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// Transition describes one state change.
type Transition struct {
	From    gateway.State
	To      gateway.State
	Attempt int
	Err     error
}

// Machine is the lifecycle state machine of one executor connection.
//
// State transitions:
//   - Disconnected -> Connecting: BeginConnect
//   - Connecting -> Connected: Connected
//   - Connecting -> Disconnected: Fail with a transient error
//   - Connecting -> FailedTerminal: Fail with a terminal error, or attempts exhausted
//   - Connected/Degraded -> Disconnected: Fail (close, error, stall)
//   - Connected <-> Degraded: Degraded, Recovered
//   - FailedTerminal -> Disconnected: Reset
type Machine struct {
	mu       sync.Mutex
	state    gateway.State
	attempt  int
	lastErr  error
	backoff  Backoff
	onChange func(Transition)

	transitions map[string]int64
}

// NewMachine creates a machine in state Disconnected. onChange, if not nil, is called
// after every transition without the machine lock held.
func NewMachine(backoff Backoff, onChange func(Transition)) *Machine {
	return &Machine{
		state:       gateway.StateDisconnected,
		backoff:     backoff.withDefaults(),
		onChange:    onChange,
		transitions: make(map[string]int64),
	}
}

// State returns the current state.
func (m *Machine) State() gateway.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of consecutive failures since the last successful connect.
func (m *Machine) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastError returns the most recent failure.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Transitions returns how often each "from->to" transition has happened.
func (m *Machine) Transitions() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.transitions))
	for k, v := range m.transitions {
		out[k] = v
	}
	return out
}

// BeginConnect moves Disconnected to Connecting. It returns false, and does nothing,
// in any other state, so concurrent connect requests collapse into one attempt.
func (m *Machine) BeginConnect() bool {
	m.mu.Lock()
	if m.state != gateway.StateDisconnected {
		m.mu.Unlock()
		return false
	}
	t := m.changeState(gateway.StateConnecting, nil)
	m.mu.Unlock()

	m.emit(t)
	return true
}

// Connected completes a connect attempt and resets the attempt counter.
func (m *Machine) Connected() bool {
	m.mu.Lock()
	if m.state != gateway.StateConnecting {
		m.mu.Unlock()
		return false
	}
	m.attempt = 0
	m.lastErr = nil
	t := m.changeState(gateway.StateConnected, nil)
	m.mu.Unlock()

	m.emit(t)
	return true
}

// Degraded marks a Connected machine as Degraded.
func (m *Machine) Degraded() bool {
	return m.swap(gateway.StateConnected, gateway.StateDegraded)
}

// Recovered returns a Degraded machine to Connected.
func (m *Machine) Recovered() bool {
	return m.swap(gateway.StateDegraded, gateway.StateConnected)
}

// Fail records a failed attempt or a lost connection.
//
// Returns:
//   - time.Duration: delay before the next attempt
//   - bool: false when the machine entered FailedTerminal and must not retry
func (m *Machine) Fail(err error) (time.Duration, bool) {
	m.mu.Lock()
	if m.state == gateway.StateFailedTerminal {
		m.mu.Unlock()
		return 0, false
	}
	if m.state == gateway.StateDisconnected {
		// Already recorded; a second report of the same loss is ignored.
		m.mu.Unlock()
		return m.backoff.Delay(m.attempt), true
	}

	if Classify(err) == Terminal {
		t := m.changeState(gateway.StateFailedTerminal, err)
		m.mu.Unlock()
		m.emit(t)
		return 0, false
	}

	m.attempt++
	if m.backoff.Exhausted(m.attempt) {
		exhausted := errors.New(errors.KindRetriesExhausted, "",
			fmt.Sprintf("gave up after %d attempts", m.attempt-1), err)
		t := m.changeState(gateway.StateFailedTerminal, exhausted)
		m.mu.Unlock()
		m.emit(t)
		return 0, false
	}

	delay := m.backoff.jittered(m.backoff.Delay(m.attempt))
	t := m.changeState(gateway.StateDisconnected, err)
	m.mu.Unlock()

	m.emit(t)
	return delay, true
}

// Reset clears FailedTerminal so connecting may be retried.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	if m.state != gateway.StateFailedTerminal {
		m.mu.Unlock()
		return false
	}
	m.attempt = 0
	t := m.changeState(gateway.StateDisconnected, nil)
	m.mu.Unlock()

	m.emit(t)
	return true
}

func (m *Machine) swap(from, to gateway.State) bool {
	m.mu.Lock()
	if m.state != from {
		m.mu.Unlock()
		return false
	}
	t := m.changeState(to, nil)
	m.mu.Unlock()

	m.emit(t)
	return true
}

// changeState must be called with mu held.
func (m *Machine) changeState(to gateway.State, err error) Transition {
	t := Transition{From: m.state, To: to, Attempt: m.attempt, Err: err}
	m.state = to
	if err != nil {
		m.lastErr = err
	}
	m.transitions[fmt.Sprintf("%s->%s", t.From, t.To)]++
	return t
}

func (m *Machine) emit(t Transition) {
	if m.onChange != nil {
		m.onChange(t)
	}
}
