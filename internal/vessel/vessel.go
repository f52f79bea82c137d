// Package vessel assembles the ship: it builds the stations from a layout and
// wires power, antenna, flight and backend together.
package vessel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/bridge-crew/internal/antenna"
	"github.com/example/bridge-crew/internal/backend"
	"github.com/example/bridge-crew/internal/flight"
	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/power"
	"github.com/example/bridge-crew/internal/station"
)

var (
	ErrNotAtStation     = errors.New("client is not operating the station")
	ErrStationUnpowered = errors.New("station has no power")
	ErrUnknownLocation  = errors.New("location is not unlocked")
	ErrNotLaunchable    = errors.New("ship is not ready to launch")
	ErrNoDestination    = errors.New("no destination selected")
	ErrNoLink           = errors.New("antenna is not connected")
)

// Options configures New.
type Options struct {
	Layout    station.Layout
	Timing    station.Timing
	Antenna   antenna.Timing
	Dials     []flight.DialID
	Thrusters []string
}

// Vessel owns every server-side component of one crew session.
type Vessel struct {
	log logging.Logger

	Registry  *station.Registry
	Authority *station.Authority
	Power     *power.Allocator
	Antenna   *antenna.Machine
	Flight    *flight.Controller
	Poller    *backend.Poller

	unsubs []func()
}

// behavior adapts plain funcs to station.Behavior.
type behavior struct {
	enter, exit, reset func()
}

func (b behavior) Enter() { call(b.enter) }
func (b behavior) Exit()  { call(b.exit) }
func (b behavior) Reset() { call(b.reset) }

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// New builds the vessel. poller is both the mode notifier and the antenna
// backend; its poll events drive antenna reconciliation.
func New(opts Options, poller *backend.Poller, log logging.Logger) (*Vessel, error) {
	if poller == nil {
		return nil, errors.New("vessel: poller required")
	}
	if log == nil {
		log = logging.Noop()
	}
	layout := opts.Layout
	if len(layout.Stations) == 0 {
		layout = station.DefaultLayout()
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("vessel: %w", err)
	}
	if overlap := layout.Overlapping(); len(overlap) > 0 {
		ids := make([]string, len(overlap))
		for i, id := range overlap {
			ids[i] = string(id)
		}
		log.Error(context.Background(), "stations counted in both launch and exploration mode",
			logging.String("stations", strings.Join(ids, ",")))
	}
	if opts.Antenna == (antenna.Timing{}) {
		opts.Antenna = antenna.DefaultTiming
	}
	if opts.Dials == nil {
		opts.Dials = flight.DefaultDials
	}
	if opts.Thrusters == nil {
		opts.Thrusters = flight.DefaultThrusters
	}

	v := &Vessel{
		log:      log.With(logging.String("component", "vessel")),
		Registry: station.NewRegistry(log),
		Flight:   flight.New(opts.Dials, opts.Thrusters, log),
		Poller:   poller,
	}
	v.Authority = station.NewAuthority(v.Registry, log)

	stations := make([]*station.Station, 0, len(layout.Stations))
	for _, cfg := range layout.Stations {
		st := station.New(cfg, opts.Timing, nil, log)
		if err := v.Registry.Register(st); err != nil {
			return nil, fmt.Errorf("vessel: %w", err)
		}
		stations = append(stations, st)
	}

	alloc, err := power.NewAllocator(layout.Budget, stations, poller, log)
	if err != nil {
		return nil, fmt.Errorf("vessel: %w", err)
	}
	v.Power = alloc

	antennaStation, hasAntenna := v.Registry.Station(station.Antenna)
	powered := func() bool { return hasAntenna && antennaStation.Operational() }
	v.Antenna = antenna.New(poller, opts.Antenna, powered, log)

	v.wireBehaviors()
	v.wirePower()
	v.unsubs = append(v.unsubs, poller.OnPoll(v.onPoll))
	return v, nil
}

func (v *Vessel) wireBehaviors() {
	if st, ok := v.Registry.Station(station.FlightEngineer); ok {
		st.SetBehavior(behavior{reset: v.Flight.Reset})
	}
	if st, ok := v.Registry.Station(station.Navigation); ok {
		st.SetBehavior(behavior{reset: func() {
			if !v.Flight.Locked().Get() {
				v.Flight.ClearDestination()
			}
		}})
	}
	if st, ok := v.Registry.Station(station.Antenna); ok {
		st.SetBehavior(behavior{reset: func() {
			if err := v.Antenna.TrySet(context.Background(), antenna.Disconnected); err != nil {
				v.log.Warn(context.Background(), "antenna reset failed", logging.Err(err))
			}
		}})
	}
	if st, ok := v.Registry.Station(station.PowerRouting); ok {
		st.SetBehavior(behavior{reset: func() { v.Power.Reset(context.Background()) }})
	}
}

func (v *Vessel) wirePower() {
	if st, ok := v.Registry.Station(station.Antenna); ok {
		v.unsubs = append(v.unsubs, st.OnPower(func(on bool) {
			if !on {
				v.Antenna.ForceDisconnect()
			}
		}))
	}
	if st, ok := v.Registry.Station(station.Codex); ok {
		v.unsubs = append(v.unsubs, st.OnPower(func(on bool) {
			v.Poller.SetCodexPower(context.Background(), on, nil)
		}))
	}
}

func (v *Vessel) onPoll(changed bool, snap *backend.GameData) {
	if !changed || snap == nil {
		return
	}
	v.Antenna.Reconcile(snap.CurrentStatus.AntennaExtended)
}

// Operate checks that client occupies id and has finished entering it.
func (v *Vessel) Operate(client station.ClientID, id station.ID) error {
	st, ok := v.Registry.Station(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, station.ErrNotFound)
	}
	if st.Occupant() != client || st.State() != station.Active {
		return fmt.Errorf("%s: %w", id, ErrNotAtStation)
	}
	return nil
}

func (v *Vessel) requirePower(id station.ID) error {
	st, ok := v.Registry.Station(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, station.ErrNotFound)
	}
	if !st.Operational() {
		return fmt.Errorf("%s: %w", id, ErrStationUnpowered)
	}
	return nil
}

// SelectDestination aims the dials at an unlocked location from the latest
// snapshot.
func (v *Vessel) SelectDestination(locationID string) error {
	loc, ok := v.Poller.Snapshot().Location(locationID)
	if !ok {
		return fmt.Errorf("%s: %w", locationID, ErrUnknownLocation)
	}
	return v.Flight.SelectDestination(loc.ID, loc.Trajectories[:])
}

// Jump sends the ship to the selected destination. The ship must be
// launchable and in launch mode. On success the trajectories are released
// for the next leg.
func (v *Vessel) Jump(ctx context.Context, done func(backend.Jump)) error {
	dest := v.Flight.Destination().Get()
	if dest == "" {
		return ErrNoDestination
	}
	if v.Power.Mode() != power.Launch || !v.Flight.IsLaunchable() {
		return ErrNotLaunchable
	}
	v.Poller.Jump(ctx, dest, func(res backend.Jump) {
		if res.Success {
			v.Flight.UnlockTrajectories()
			v.Flight.ClearDestination()
		}
		if done != nil {
			done(res)
		}
	})
	return nil
}

// Scan needs a powered scanner.
func (v *Vessel) Scan(ctx context.Context, done func(backend.Scan)) error {
	if err := v.requirePower(station.Scanner); err != nil {
		return err
	}
	v.Poller.Scan(ctx, done)
	return nil
}

func (v *Vessel) UnlockLocation(ctx context.Context, coords string, done func(backend.Unlock)) error {
	coords = strings.TrimSpace(coords)
	if coords == "" {
		return backend.ErrUnlockInvalid
	}
	v.Poller.UnlockLocation(ctx, coords, done)
	return nil
}

// CompleteCommEvent acknowledges the pending transmission. It needs the
// antenna link up.
func (v *Vessel) CompleteCommEvent(ctx context.Context, done func(backend.Ack)) error {
	if v.Antenna.State() != antenna.Connected {
		return ErrNoLink
	}
	v.Poller.CompleteCommEvent(ctx, done)
	return nil
}

// Close detaches the vessel's observers and waits for timed work to end.
func (v *Vessel) Close() {
	for _, unsub := range v.unsubs {
		unsub()
	}
	v.unsubs = nil
	v.Antenna.ForceDisconnect()
	v.Antenna.Wait()
	for _, st := range v.Registry.Stations() {
		st.Wait()
	}
	v.Poller.Wait()
}
