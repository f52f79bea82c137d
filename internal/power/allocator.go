// Package power enforces the ship-wide power budget and derives the
// operating mode from which stations are powered.
package power

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/replica"
	"github.com/example/bridge-crew/internal/station"
)

var (
	// ErrPowerUnavailable is the user-facing rejection when the budget is spent.
	ErrPowerUnavailable = errors.New("no power available")
	ErrAlwaysPowered    = errors.New("station is always powered")
	ErrUnknownStation   = errors.New("station is not on the power ledger")
	// ErrModeConflict means a layout satisfied both mode predicates at once.
	ErrModeConflict = errors.New("launch and exploration predicates both hold")
)

// Mode is the ship-wide operating state.
type Mode string

const (
	Standby     Mode = "standby"
	Launch      Mode = "launch"
	Exploration Mode = "exploration"
)

// ModeNotifier receives the recomputed mode after every toggle. Delivery is
// best effort; the local ledger stays authoritative.
type ModeNotifier interface {
	SetPowerMode(ctx context.Context, mode Mode)
}

// Report is the outcome of a mode computation.
type Report struct {
	Mode                  Mode `json:"mode"`
	AllLaunchPowered      bool `json:"allLaunchPowered"`
	AllExplorationPowered bool `json:"allExplorationPowered"`
	Conflict              bool `json:"conflict,omitempty"`
}

// Allocator owns the power ledger.
type Allocator struct {
	log      logging.Logger
	notifier ModeNotifier
	budget   int

	// toggleMu serialises whole toggles, observers included, so a station's
	// powered flag never disagrees with its ledger entry.
	toggleMu sync.Mutex

	mu       sync.Mutex
	stations map[station.ID]*station.Station
	always   map[station.ID]*station.Station
	launch   []*station.Station
	explore  []*station.Station

	ledger  *replica.Map[station.ID, bool]
	count   *replica.Field[int]
	mode    *replica.Field[Mode]
	onStats func(remaining int)
}

// NewAllocator builds the ledger from the given stations. Always-powered
// stations take part in mode computation but never appear on the ledger.
func NewAllocator(budget int, stations []*station.Station, notifier ModeNotifier, log logging.Logger) (*Allocator, error) {
	if budget < 0 {
		return nil, fmt.Errorf("power: negative budget %d", budget)
	}
	if log == nil {
		log = logging.Noop()
	}
	a := &Allocator{
		log:      log.With(logging.String("component", "power")),
		notifier: notifier,
		budget:   budget,
		stations: make(map[station.ID]*station.Station),
		always:   make(map[station.ID]*station.Station),
		ledger:   replica.NewMap[station.ID, bool]("power.ledger"),
		count:    replica.NewField("power.count", 0),
		mode:     replica.NewField("power.mode", Standby),
	}
	powered := 0
	for _, st := range stations {
		cfg := st.Config()
		if cfg.Launch {
			a.launch = append(a.launch, st)
		}
		if cfg.Exploration {
			a.explore = append(a.explore, st)
		}
		if _, dup := a.stations[cfg.ID]; dup {
			return nil, fmt.Errorf("power: %w: %s", station.ErrDuplicateStation, cfg.ID)
		}
		if cfg.AlwaysPowered {
			a.always[cfg.ID] = st
			st.ChangePower(true)
			continue
		}
		if _, dup := a.always[cfg.ID]; dup {
			return nil, fmt.Errorf("power: %w: %s", station.ErrDuplicateStation, cfg.ID)
		}
		a.stations[cfg.ID] = st
		on := st.Powered()
		if on {
			powered++
		}
		a.ledger.Set(cfg.ID, on)
	}
	if powered > budget {
		return nil, fmt.Errorf("power: %d stations start powered but budget is %d", powered, budget)
	}
	a.count.Set(powered)
	report, _ := a.computeLocked()
	a.mode.Set(report.Mode)
	return a, nil
}

// OnRemainingChanged registers a hook called with the remaining budget after
// each committed toggle. Used for metrics.
func (a *Allocator) OnRemainingChanged(fn func(remaining int)) {
	a.mu.Lock()
	a.onStats = fn
	a.mu.Unlock()
	if fn != nil {
		fn(a.Remaining())
	}
}

func (a *Allocator) Budget() int { return a.budget }

// Remaining is budget minus the number of powered ledger stations.
func (a *Allocator) Remaining() int { return a.budget - a.count.Get() }

// Ledger, Count and ModeField expose the replicated values.
func (a *Allocator) Ledger() *replica.Map[station.ID, bool] { return a.ledger }
func (a *Allocator) Count() *replica.Field[int]             { return a.count }
func (a *Allocator) ModeField() *replica.Field[Mode]        { return a.mode }

// Mode is the last committed mode.
func (a *Allocator) Mode() Mode { return a.mode.Get() }

// ToggleStation flips the power of id. Powering off always succeeds; powering
// on needs remaining budget. The new mode is computed from the committed
// ledger and pushed to the notifier.
func (a *Allocator) ToggleStation(ctx context.Context, id station.ID) (bool, error) {
	a.toggleMu.Lock()
	defer a.toggleMu.Unlock()

	a.mu.Lock()
	st, ok := a.stations[id]
	if !ok {
		_, always := a.always[id]
		a.mu.Unlock()
		if always {
			return true, ErrAlwaysPowered
		}
		return false, fmt.Errorf("toggle %s: %w", id, ErrUnknownStation)
	}
	on, _ := a.ledger.Get(id)
	target := !on
	if target && a.budget-a.count.Get() <= 0 {
		a.mu.Unlock()
		a.log.Debug(ctx, "power toggle rejected", logging.String("station", string(id)),
			logging.Int("budget", a.budget))
		return on, ErrPowerUnavailable
	}

	a.ledger.Set(id, target)
	if target {
		a.count.Set(a.count.Get() + 1)
	} else {
		a.count.Set(a.count.Get() - 1)
	}
	report, err := a.computeLocked()
	if err != nil {
		a.log.Error(ctx, "power layout satisfies both modes; falling back to standby",
			logging.Bool("allLaunchPowered", report.AllLaunchPowered),
			logging.Bool("allExplorationPowered", report.AllExplorationPowered))
	}
	a.mode.Set(report.Mode)
	remaining := a.budget - a.count.Get()
	statsHook := a.onStats
	a.mu.Unlock()

	// Station observers (antenna shutdown, codex push) run outside mu but
	// inside toggleMu; they must not toggle power themselves.
	st.ChangePower(target)
	if statsHook != nil {
		statsHook(remaining)
	}
	if a.notifier != nil {
		a.notifier.SetPowerMode(ctx, report.Mode)
	}
	a.log.Info(ctx, "station power toggled", logging.String("station", string(id)),
		logging.Bool("powered", target), logging.Int("remaining", remaining), logging.String("mode", string(report.Mode)))
	return target, nil
}

// ComputeMode evaluates both mode predicates against the ledger. When both
// hold the layout is misconfigured: the result is Standby and ErrModeConflict.
func (a *Allocator) ComputeMode() (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.computeLocked()
}

func (a *Allocator) computeLocked() (Report, error) {
	r := Report{
		AllLaunchPowered:      a.allPoweredLocked(a.launch),
		AllExplorationPowered: a.allPoweredLocked(a.explore),
	}
	switch {
	case r.AllLaunchPowered && r.AllExplorationPowered:
		r.Mode = Standby
		r.Conflict = true
		return r, ErrModeConflict
	case r.AllLaunchPowered:
		r.Mode = Launch
	case r.AllExplorationPowered:
		r.Mode = Exploration
	default:
		r.Mode = Standby
	}
	return r, nil
}

// allPoweredLocked is false for an empty set: a mode with no stations can
// never be satisfied.
func (a *Allocator) allPoweredLocked(set []*station.Station) bool {
	if len(set) == 0 {
		return false
	}
	for _, st := range set {
		if st.Config().AlwaysPowered {
			continue
		}
		if on, _ := a.ledger.Get(st.ID()); !on {
			return false
		}
	}
	return true
}

// IsPowered reads the ledger, treating always-powered stations as powered.
func (a *Allocator) IsPowered(id station.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on, ok := a.ledger.Get(id); ok {
		return on
	}
	_, always := a.always[id]
	return always
}

// Reset powers every ledger station off.
func (a *Allocator) Reset(ctx context.Context) {
	for _, id := range a.ledger.Keys() {
		if on, _ := a.ledger.Get(id); on {
			if _, err := a.ToggleStation(ctx, id); err != nil {
				a.log.Warn(ctx, "power reset toggle failed", logging.String("station", string(id)), logging.Err(err))
			}
		}
	}
}
