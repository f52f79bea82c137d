// Package station holds the interactive stations aboard the vessel, the
// registry that resolves them, and the authority rules that let exactly one
// crew member occupy a station at a time.
package station

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

var (
	ErrNotFound         = errors.New("station not found")
	ErrAlreadyOccupied  = errors.New("station already occupied")
	ErrNotOccupant      = errors.New("client does not hold station authority")
	ErrInvalidState     = errors.New("station is not in a state that allows this")
	ErrDuplicateStation = errors.New("station already registered")
)

// ID is the stable identifier of a station.
type ID string

const (
	PowerRouting   ID = "power_routing"
	FlightEngineer ID = "flight_engineer"
	Navigation     ID = "navigation"
	Antenna        ID = "antenna"
	Scanner        ID = "scanner"
	Codex          ID = "codex"
)

// ClientID identifies a connected crew client. The empty value means nobody.
type ClientID string

// State is the authority/transition state of a station.
type State int

const (
	Idle State = iota
	Entering
	Active
	Exiting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Entering:
		return "entering"
	case Active:
		return "active"
	case Exiting:
		return "exiting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Entering, Active, Exiting} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown station state %q", b)
}

// Behavior is the station-specific logic a station hands control to. Enter
// and Exit alternate strictly; neither may block. They run while the station
// is locked and must not call back into the station's transition methods.
type Behavior interface {
	Enter()
	Exit()
	Reset()
}

// NopBehavior is used by stations without specific logic.
type NopBehavior struct{}

func (NopBehavior) Enter() {}
func (NopBehavior) Exit()  {}
func (NopBehavior) Reset() {}

// Config is the static description of a station.
type Config struct {
	ID            ID       `yaml:"id" json:"id"`
	AlwaysPowered bool     `yaml:"always_powered" json:"alwaysPowered"`
	Launch        bool     `yaml:"launch" json:"launch"`
	Exploration   bool     `yaml:"exploration" json:"exploration"`
	AccessPoints  []string `yaml:"access_points" json:"accessPoints,omitempty"`
}

// Timing holds the fixed durations of the entry and exit transitions.
type Timing struct {
	Enter time.Duration
	Exit  time.Duration
}

// Station is one occupiable unit of the vessel.
type Station struct {
	cfg    Config
	timing Timing
	log    logging.Logger

	mu        sync.Mutex
	behavior  Behavior
	runner    attempt.Runner
	entered   bool
	destroyed bool
	owners    *replica.Map[ID, ClientID]

	state    *replica.Field[State]
	occupant *replica.Field[ClientID]
	powered  *replica.Field[bool]
}

// New builds an unregistered station. Always-powered stations start powered.
func New(cfg Config, timing Timing, behavior Behavior, log logging.Logger) *Station {
	if behavior == nil {
		behavior = NopBehavior{}
	}
	if log == nil {
		log = logging.Noop()
	}
	prefix := "station." + string(cfg.ID) + "."
	return &Station{
		cfg:      cfg,
		timing:   timing,
		log:      log.With(logging.String("station", string(cfg.ID))),
		behavior: behavior,
		state:    replica.NewField(prefix+"state", Idle),
		occupant: replica.NewField(prefix+"occupant", ClientID("")),
		powered:  replica.NewField(prefix+"powered", cfg.AlwaysPowered),
	}
}

func (s *Station) ID() ID             { return s.cfg.ID }
func (s *Station) Config() Config     { return s.cfg }
func (s *Station) State() State       { return s.state.Get() }
func (s *Station) Occupant() ClientID { return s.occupant.Get() }
func (s *Station) Powered() bool      { return s.powered.Get() }

// Operational reports whether powered-only behaviour is available.
func (s *Station) Operational() bool { return s.cfg.AlwaysPowered || s.powered.Get() }

// StateField, OccupantField and PoweredField expose the replicated values
// for observers.
func (s *Station) StateField() *replica.Field[State]       { return s.state }
func (s *Station) OccupantField() *replica.Field[ClientID] { return s.occupant }
func (s *Station) PoweredField() *replica.Field[bool]      { return s.powered }

// SetBehavior swaps the station-specific logic. It is meant for wiring
// before the station is used.
func (s *Station) SetBehavior(b Behavior) {
	if b == nil {
		b = NopBehavior{}
	}
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

// OnPower registers fn for power on/off events.
func (s *Station) OnPower(fn func(on bool)) func() {
	return s.powered.Observe(func(_, on bool) { fn(on) })
}

// ChangePower writes the station's powered flag and notifies observers. It
// does not decide whether power is available.
func (s *Station) ChangePower(on bool) bool {
	changed := s.powered.Set(on)
	if changed {
		s.log.Debug(context.Background(), "station power changed", logging.Bool("powered", on))
	}
	return changed
}

// grant gives client exclusive authority and moves Idle to Entering. The
// occupant asking again is a no-op, except while its exit is pending.
func (s *Station) grant(client ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrNotFound
	}
	if current := s.occupant.Get(); current != "" {
		if current == client {
			if s.state.Get() == Exiting {
				return ErrInvalidState
			}
			return nil
		}
		return ErrAlreadyOccupied
	}
	if s.owners != nil {
		s.owners.Set(s.cfg.ID, client)
	}
	s.occupant.Set(client)
	s.state.Set(Entering)
	return nil
}

// Activate begins the timed transition into the station's interactive view.
func (s *Station) Activate() error {
	return s.activate("")
}

func (s *Station) activate(client ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(client); err != nil {
		return err
	}
	if s.state.Get() != Entering {
		return ErrInvalidState
	}
	s.runner.Start(context.Background(), func(ctx context.Context, _ uint64) {
		if !attempt.Sleep(ctx, s.timing.Enter) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if ctx.Err() != nil || s.destroyed {
			return
		}
		s.state.Set(Active)
		if !s.entered {
			s.entered = true
			s.behavior.Enter()
		}
	})
	return nil
}

// Deactivate begins the timed transition out. On completion the occupant is
// cleared and authority released; with reset the station defaults are
// restored in the same step.
func (s *Station) Deactivate(reset bool) error {
	return s.deactivate("", reset)
}

func (s *Station) deactivate(client ClientID, reset bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrNotFound
	}
	if s.occupant.Get() == "" {
		if reset {
			s.behavior.Reset()
		}
		return nil
	}
	if err := s.checkLocked(client); err != nil {
		return err
	}
	s.state.Set(Exiting)
	s.runner.Start(context.Background(), func(ctx context.Context, _ uint64) {
		if !attempt.Sleep(ctx, s.timing.Exit) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if ctx.Err() != nil || s.destroyed {
			return
		}
		s.releaseLocked(reset)
	})
	return nil
}

// ResetStation restores defaults, going through Deactivate when occupied.
func (s *Station) ResetStation() error {
	s.mu.Lock()
	occupied := s.occupant.Get() != ""
	if !occupied {
		defer s.mu.Unlock()
		if s.destroyed {
			return ErrNotFound
		}
		s.behavior.Reset()
		return nil
	}
	s.mu.Unlock()
	return s.Deactivate(true)
}

// Wait blocks until any transition in flight has finished.
func (s *Station) Wait() { s.runner.Wait() }

func (s *Station) checkLocked(client ClientID) error {
	if s.destroyed {
		return ErrNotFound
	}
	if client != "" && s.occupant.Get() != client {
		return ErrNotOccupant
	}
	return nil
}

func (s *Station) releaseLocked(reset bool) {
	if s.entered {
		s.entered = false
		s.behavior.Exit()
	}
	if reset {
		s.behavior.Reset()
	}
	if s.owners != nil {
		s.owners.Remove(s.cfg.ID)
	}
	s.occupant.Set("")
	s.state.Set(Idle)
}

// destroy tears the station down. Pending transitions are cancelled and any
// authority is released immediately.
func (s *Station) destroy() {
	s.runner.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.releaseLocked(false)
	s.destroyed = true
}
