package vessel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/bridge-crew/internal/antenna"
	"github.com/example/bridge-crew/internal/backend"
	"github.com/example/bridge-crew/internal/flight"
	"github.com/example/bridge-crew/internal/power"
	"github.com/example/bridge-crew/internal/station"
)

// recordingClient is the fixture client plus a log of pushed values.
type recordingClient struct {
	*backend.StaticClient

	mu    sync.Mutex
	codex []bool
	modes []string
}

func (c *recordingClient) SetCodexPower(ctx context.Context, team string, on bool) (backend.Ack, error) {
	c.mu.Lock()
	c.codex = append(c.codex, on)
	c.mu.Unlock()
	return c.StaticClient.SetCodexPower(ctx, team, on)
}

func (c *recordingClient) SetPowerMode(ctx context.Context, team, mode string) (backend.Ack, error) {
	c.mu.Lock()
	c.modes = append(c.modes, mode)
	c.mu.Unlock()
	return c.StaticClient.SetPowerMode(ctx, team, mode)
}

func fixture() *backend.GameData {
	return &backend.GameData{
		Session: backend.Session{ID: "s-1", TeamID: "team-7"},
		UnlockedLocations: []backend.Location{
			{ID: "earth", Name: "Earth", Visited: true},
			{ID: "kepler-22", Name: "Kepler 22", UnlockCode: "4-8-15", Trajectories: [3]int{10, 20, 30}},
		},
		CurrentStatus: backend.Status{CurrentLocation: "earth", PowerStatus: "standby"},
	}
}

var fastAntenna = antenna.Timing{Buffer: time.Millisecond, Timeout: 200 * time.Millisecond}

func newTestVessel(t *testing.T, data *backend.GameData) (*Vessel, *recordingClient) {
	t.Helper()
	client := &recordingClient{StaticClient: backend.NewStaticClient(data)}
	poller := backend.NewPoller(client, backend.Options{TeamID: "team-7"}, nil)
	v, err := New(Options{
		Timing:  station.Timing{Enter: time.Millisecond, Exit: time.Millisecond},
		Antenna: fastAntenna,
	}, poller, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	poller.Tick(context.Background())
	return v, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func enter(t *testing.T, v *Vessel, client station.ClientID, id station.ID) {
	t.Helper()
	if err := v.Authority.RequestAuthority(client, id); err != nil {
		t.Fatalf("request %s: %v", id, err)
	}
	if err := v.Authority.Activate(client, id); err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
	waitFor(t, string(id)+" active", func() bool { return v.Operate(client, id) == nil })
}

func TestPowerLossDisconnectsAntenna(t *testing.T) {
	v, _ := newTestVessel(t, fixture())
	ctx := context.Background()

	if err := v.Antenna.TrySet(ctx, antenna.Connecting); !errors.Is(err, antenna.ErrInvalidTransition) {
		t.Fatalf("unpowered antenna should refuse to connect, got %v", err)
	}
	if _, err := v.Power.ToggleStation(ctx, station.Antenna); err != nil {
		t.Fatalf("power antenna: %v", err)
	}
	if err := v.Antenna.TrySet(ctx, antenna.Connecting); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "antenna connected", func() bool { return v.Antenna.State() == antenna.Connected })

	if _, err := v.Power.ToggleStation(ctx, station.Antenna); err != nil {
		t.Fatalf("unpower antenna: %v", err)
	}
	if v.Antenna.State() != antenna.Disconnected {
		t.Fatalf("antenna state after power loss = %s", v.Antenna.State())
	}
}

func TestCodexAndModePushedUpstream(t *testing.T) {
	v, client := newTestVessel(t, fixture())
	ctx := context.Background()

	v.Power.ToggleStation(ctx, station.Codex)
	v.Power.ToggleStation(ctx, station.Codex)
	v.Power.ToggleStation(ctx, station.FlightEngineer)
	v.Power.ToggleStation(ctx, station.Navigation)
	v.Poller.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.codex) != 2 || !client.codex[0] || client.codex[1] {
		t.Fatalf("codex pushes = %v", client.codex)
	}
	if len(client.modes) != 4 || client.modes[3] != string(power.Launch) {
		t.Fatalf("mode pushes = %v", client.modes)
	}
}

func TestLaunchAndJump(t *testing.T) {
	v, _ := newTestVessel(t, fixture())
	ctx := context.Background()

	if err := v.Jump(ctx, nil); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("jump without destination: %v", err)
	}
	if err := v.SelectDestination("andromeda"); !errors.Is(err, ErrUnknownLocation) {
		t.Fatalf("expected ErrUnknownLocation, got %v", err)
	}
	if err := v.SelectDestination("kepler-22"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := v.Jump(ctx, nil); !errors.Is(err, ErrNotLaunchable) {
		t.Fatalf("jump before ready: %v", err)
	}

	for id, value := range map[flight.DialID]int{flight.DialAlpha: 10, flight.DialBeta: 20, flight.DialGamma: 30} {
		if err := v.Flight.TurnDial(id, value); err != nil {
			t.Fatalf("turn %s: %v", id, err)
		}
	}
	for _, id := range flight.DefaultThrusters {
		v.Flight.SetThruster(id, true)
	}
	v.Flight.LockTrajectories()
	if !v.Flight.IsLaunchable() {
		t.Fatalf("flight controller should be launchable")
	}
	if err := v.Jump(ctx, nil); !errors.Is(err, ErrNotLaunchable) {
		t.Fatalf("jump outside launch mode: %v", err)
	}

	v.Power.ToggleStation(ctx, station.FlightEngineer)
	v.Power.ToggleStation(ctx, station.Navigation)
	if v.Power.Mode() != power.Launch {
		t.Fatalf("mode = %s", v.Power.Mode())
	}

	jumped := make(chan backend.Jump, 1)
	if err := v.Jump(ctx, func(j backend.Jump) { jumped <- j }); err != nil {
		t.Fatalf("jump: %v", err)
	}
	select {
	case j := <-jumped:
		if !j.Success {
			t.Fatalf("jump failed: %+v", j)
		}
	case <-time.After(time.Second):
		t.Fatalf("jump callback never ran")
	}
	if v.Flight.Destination().Get() != "" || v.Flight.Locked().Get() {
		t.Fatalf("trajectories not released after jump")
	}

	v.Poller.Tick(ctx)
	if got := v.Poller.Snapshot().CurrentStatus.CurrentLocation; got != "kepler-22" {
		t.Fatalf("current location = %q", got)
	}
}

func TestOperateRequiresActiveOccupant(t *testing.T) {
	v, _ := newTestVessel(t, fixture())
	if err := v.Operate("alice", station.Navigation); !errors.Is(err, ErrNotAtStation) {
		t.Fatalf("expected ErrNotAtStation, got %v", err)
	}
	v.Authority.RequestAuthority("alice", station.Navigation)
	if err := v.Operate("alice", station.Navigation); !errors.Is(err, ErrNotAtStation) {
		t.Fatalf("entering is not operating, got %v", err)
	}
	enter(t, v, "alice", station.Navigation)
	if err := v.Operate("bob", station.Navigation); !errors.Is(err, ErrNotAtStation) {
		t.Fatalf("bob is not at the station, got %v", err)
	}
	if err := v.Operate("alice", "galley"); !errors.Is(err, station.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetFlightStationRestoresDials(t *testing.T) {
	v, _ := newTestVessel(t, fixture())
	enter(t, v, "alice", station.FlightEngineer)
	v.SelectDestination("kepler-22")
	v.Flight.TurnDial(flight.DialAlpha, 7)

	st, _ := v.Registry.Station(station.FlightEngineer)
	if err := st.ResetStation(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	waitFor(t, "station idle", func() bool { return st.State() == station.Idle })

	d, _ := v.Flight.Dials().Get(flight.DialAlpha)
	if d.Current != 0 || d.Target != flight.Unset {
		t.Fatalf("dial after reset = %+v", d)
	}
	if _, held := v.Authority.Holder(station.FlightEngineer); held {
		t.Fatalf("authority not released by reset")
	}
}

func TestPollReconcilesAntenna(t *testing.T) {
	data := fixture()
	data.CurrentStatus.AntennaExtended = true
	v, _ := newTestVessel(t, data)
	if v.Antenna.State() != antenna.Disconnected {
		t.Fatalf("unpowered antenna must not reconcile to connected")
	}

	ctx := context.Background()
	v.Power.ToggleStation(ctx, station.Antenna)
	v.Poller.Tick(ctx)
	if v.Antenna.State() != antenna.Disconnected {
		t.Fatalf("unchanged poll should not reconcile")
	}
	v.Poller.RetractAntenna(ctx, nil)
	v.Poller.Wait()
	v.Poller.Tick(ctx)
	v.Poller.ExtendAntenna(ctx, nil)
	v.Poller.Wait()
	v.Poller.Tick(ctx)
	if v.Antenna.State() != antenna.Connected {
		t.Fatalf("antenna state = %s, want connected", v.Antenna.State())
	}
}

func TestScanAndCommNeedTheirStations(t *testing.T) {
	v, _ := newTestVessel(t, fixture())
	ctx := context.Background()

	if err := v.Scan(ctx, nil); !errors.Is(err, ErrStationUnpowered) {
		t.Fatalf("scan without power: %v", err)
	}
	v.Power.ToggleStation(ctx, station.Scanner)
	scanned := make(chan backend.Scan, 1)
	if err := v.Scan(ctx, func(s backend.Scan) { scanned <- s }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	select {
	case s := <-scanned:
		if !s.Success {
			t.Fatalf("scan = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("scan callback never ran")
	}

	if err := v.CompleteCommEvent(ctx, nil); !errors.Is(err, ErrNoLink) {
		t.Fatalf("comm without link: %v", err)
	}
	if err := v.UnlockLocation(ctx, "  ", nil); !errors.Is(err, backend.ErrUnlockInvalid) {
		t.Fatalf("blank unlock code: %v", err)
	}
}

func TestNewRejectsBadLayout(t *testing.T) {
	poller := backend.NewPoller(backend.NewStaticClient(nil), backend.Options{}, nil)
	_, err := New(Options{Layout: station.Layout{Budget: 1, Stations: []station.Config{
		{ID: station.Scanner}, {ID: station.Scanner},
	}}}, poller, nil)
	if err == nil {
		t.Fatalf("expected duplicate station error")
	}
	if _, err := New(Options{}, nil, nil); err == nil {
		t.Fatalf("expected error without poller")
	}
}

func TestZeroBudgetLayout(t *testing.T) {
	poller := backend.NewPoller(backend.NewStaticClient(nil), backend.Options{}, nil)
	v, err := New(Options{Layout: station.Layout{Budget: 0, Stations: station.DefaultLayout().Stations}}, poller, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer v.Close()

	if v.Power.Budget() != 0 || v.Power.Remaining() != 0 {
		t.Fatalf("budget=%d remaining=%d", v.Power.Budget(), v.Power.Remaining())
	}
	if _, err := v.Power.ToggleStation(context.Background(), station.Navigation); !errors.Is(err, power.ErrPowerUnavailable) {
		t.Fatalf("toggle with zero budget: %v", err)
	}
}
