// Package antenna implements the four-state connection machine behind the
// antenna station. Each transition is a cancellable timed attempt confirmed
// by the backend.
package antenna

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/bridge-crew/internal/attempt"
	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/replica"
)

var ErrInvalidTransition = errors.New("invalid antenna transition")

// State is the replicated connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState is the inverse of String.
func ParseState(v string) (State, error) {
	switch v {
	case "disconnected":
		return Disconnected, nil
	case "connecting":
		return Connecting, nil
	case "connected":
		return Connected, nil
	case "disconnecting":
		return Disconnecting, nil
	}
	return Disconnected, fmt.Errorf("unknown antenna state %q", v)
}

// Backend issues the extend/retract requests. The callback runs at most once,
// and never when the request failed at the transport level.
type Backend interface {
	ExtendAntenna(ctx context.Context, done func(success bool))
	RetractAntenna(ctx context.Context, done func(success bool))
}

// Timing bounds each attempt: Buffer before the request goes out, Timeout
// for the confirmation to arrive.
type Timing struct {
	Buffer  time.Duration
	Timeout time.Duration
}

// DefaultTiming is used when no timing is configured.
var DefaultTiming = Timing{Buffer: 500 * time.Millisecond, Timeout: 10 * time.Second}

// Machine is the connection state machine for one antenna.
type Machine struct {
	backend Backend
	timing  Timing
	powered func() bool
	log     logging.Logger

	mu     sync.Mutex
	runner attempt.Runner
	state  *replica.Field[State]
	// waiting is set while the newest attempt can still settle the state.
	waiting bool
}

// New builds a machine in Disconnected. powered reports whether the owning
// station currently has power.
func New(backend Backend, timing Timing, powered func() bool, log logging.Logger) *Machine {
	if log == nil {
		log = logging.Noop()
	}
	if powered == nil {
		powered = func() bool { return true }
	}
	return &Machine{
		backend: backend,
		timing:  timing,
		powered: powered,
		log:     log.With(logging.String("component", "antenna")),
		state:   replica.NewField("antenna.state", Disconnected),
	}
}

func (m *Machine) State() State                      { return m.state.Get() }
func (m *Machine) StateField() *replica.Field[State] { return m.state }

// TrySet requests a transition towards target, which must be Connecting or
// Disconnected. A new request cancels the attempt in flight; the last command
// wins. Repeating the pending target is a no-op only while its attempt is
// still waiting; after a refusal or timeout it starts a fresh attempt.
func (m *Machine) TrySet(ctx context.Context, target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.state.Get()
	switch target {
	case Connecting:
		if current == Connected || (current == Connecting && m.waiting) {
			return nil
		}
		if !m.powered() {
			return fmt.Errorf("connect: station unpowered: %w", ErrInvalidTransition)
		}
		m.state.Set(Connecting)
		m.waiting = true
		m.runner.Start(context.WithoutCancel(ctx), m.connectAttempt)
	case Disconnected:
		if current == Disconnected || (current == Disconnecting && m.waiting) {
			return nil
		}
		m.state.Set(Disconnecting)
		m.waiting = true
		m.runner.Start(context.WithoutCancel(ctx), m.disconnectAttempt)
	default:
		return fmt.Errorf("%s -> %s: %w", current, target, ErrInvalidTransition)
	}
	m.log.Debug(ctx, "antenna attempt started", logging.String("from", current.String()),
		logging.String("target", target.String()))
	return nil
}

func (m *Machine) connectAttempt(ctx context.Context, gen uint64) {
	m.runAttempt(ctx, gen, Connecting, Connected, m.backend.ExtendAntenna)
}

func (m *Machine) disconnectAttempt(ctx context.Context, gen uint64) {
	m.runAttempt(ctx, gen, Disconnecting, Disconnected, m.backend.RetractAntenna)
}

func (m *Machine) runAttempt(ctx context.Context, gen uint64, pending, settled State,
	send func(context.Context, func(bool))) {
	defer func() {
		m.mu.Lock()
		if m.runner.Current(gen) {
			m.waiting = false
		}
		m.mu.Unlock()
	}()
	if !attempt.Sleep(ctx, m.timing.Buffer) {
		return
	}

	m.mu.Lock()
	proceed := ctx.Err() == nil && m.state.Get() == pending
	if pending == Connecting {
		proceed = proceed && m.powered()
	}
	m.mu.Unlock()
	if !proceed {
		return
	}

	send(ctx, func(success bool) { m.confirm(gen, pending, settled, success) })

	// On timeout the attempt just ends; a late confirmation may still land.
	if !attempt.WaitUntil(ctx, m.timing.Timeout, func() bool { return m.state.Get() == settled }) && ctx.Err() == nil {
		m.log.Debug(ctx, "antenna attempt expired", logging.String("waiting_for", settled.String()),
			logging.Duration("timeout", m.timing.Timeout))
	}
}

// confirm applies a backend confirmation if it still belongs to the newest
// attempt. A stale confirmation never clobbers a newer command.
func (m *Machine) confirm(gen uint64, pending, settled State, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.runner.Current(gen) || m.state.Get() != pending {
		m.log.Debug(context.Background(), "stale antenna confirmation dropped",
			logging.String("settled", settled.String()))
		return
	}
	if !success {
		m.log.Warn(context.Background(), "backend refused antenna transition",
			logging.String("target", settled.String()))
		m.waiting = false
		m.runner.Cancel()
		return
	}
	m.state.Set(settled)
}

// ForceDisconnect drops straight to Disconnected, cancelling any attempt.
// Used when the antenna station loses power.
func (m *Machine) ForceDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner.Cancel()
	m.waiting = false
	if m.state.Set(Disconnected) {
		m.log.Info(context.Background(), "antenna forced to disconnected")
	}
}

// Reconcile aligns the state with what the backend reports when no attempt
// is waiting for a confirmation. A refused or expired attempt no longer
// counts as waiting.
func (m *Machine) Reconcile(extended bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting {
		return
	}
	target := Disconnected
	if extended {
		if !m.powered() {
			return
		}
		target = Connected
	}
	if m.state.Set(target) {
		m.log.Info(context.Background(), "antenna state reconciled with backend", logging.String("state", target.String()))
	}
}

// Wait blocks until attempts in flight have ended.
func (m *Machine) Wait() { m.runner.Wait() }

// Live reports how many attempt goroutines are still running.
func (m *Machine) Live() int { return m.runner.Live() }
