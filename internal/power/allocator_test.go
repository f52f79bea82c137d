package power

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/example/bridge-crew/internal/station"
)

type recordingNotifier struct {
	mu    sync.Mutex
	modes []Mode
}

func (n *recordingNotifier) SetPowerMode(_ context.Context, mode Mode) {
	n.mu.Lock()
	n.modes = append(n.modes, mode)
	n.mu.Unlock()
}

func (n *recordingNotifier) Modes() []Mode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Mode(nil), n.modes...)
}

func buildStations(cfgs ...station.Config) []*station.Station {
	out := make([]*station.Station, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, station.New(cfg, station.Timing{}, nil, nil))
	}
	return out
}

func defaultStations() []*station.Station {
	return buildStations(station.DefaultLayout().Stations...)
}

func checkLedgerInvariant(t *testing.T, a *Allocator) {
	t.Helper()
	powered := 0
	for _, on := range a.Ledger().Snapshot() {
		if on {
			powered++
		}
	}
	if got := a.Count().Get(); got != powered {
		t.Fatalf("count=%d but ledger has %d powered entries", got, powered)
	}
	if a.Count().Get() > a.Budget() {
		t.Fatalf("count %d exceeds budget %d", a.Count().Get(), a.Budget())
	}
}

func TestBudgetInvariantOverRandomToggles(t *testing.T) {
	stations := defaultStations()
	a, err := NewAllocator(3, stations, nil, nil)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	ids := a.Ledger().Keys()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		id := ids[rng.Intn(len(ids))]
		_, err := a.ToggleStation(context.Background(), id)
		if err != nil && !errors.Is(err, ErrPowerUnavailable) {
			t.Fatalf("toggle %s: %v", id, err)
		}
		checkLedgerInvariant(t, a)
		for _, st := range stations {
			if st.Config().AlwaysPowered {
				continue
			}
			on, _ := a.Ledger().Get(st.ID())
			if st.Powered() != on {
				t.Fatalf("station %s powered=%v, ledger=%v", st.ID(), st.Powered(), on)
			}
		}
	}
}

func TestConcurrentTogglesKeepInvariant(t *testing.T) {
	a, _ := NewAllocator(2, defaultStations(), nil, nil)
	ids := a.Ledger().Keys()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				a.ToggleStation(context.Background(), ids[rng.Intn(len(ids))])
			}
		}(int64(w))
	}
	wg.Wait()
	checkLedgerInvariant(t, a)
}

func TestToggleRejectedWhenBudgetSpent(t *testing.T) {
	a, _ := NewAllocator(1, buildStations(
		station.Config{ID: station.Navigation},
		station.Config{ID: station.Scanner},
	), nil, nil)

	if on, err := a.ToggleStation(context.Background(), station.Navigation); err != nil || !on {
		t.Fatalf("first toggle on=%v err=%v", on, err)
	}
	before := a.Ledger().Snapshot()

	on, err := a.ToggleStation(context.Background(), station.Scanner)
	if !errors.Is(err, ErrPowerUnavailable) {
		t.Fatalf("expected ErrPowerUnavailable, got %v", err)
	}
	if on {
		t.Fatalf("rejected toggle reported powered")
	}
	after := a.Ledger().Snapshot()
	for id, v := range before {
		if after[id] != v {
			t.Fatalf("ledger changed for %s: %v -> %v", id, v, after[id])
		}
	}
	if a.Remaining() != 0 {
		t.Fatalf("remaining = %d", a.Remaining())
	}

	if on, err := a.ToggleStation(context.Background(), station.Navigation); err != nil || on {
		t.Fatalf("powering off must always be allowed: on=%v err=%v", on, err)
	}
	if a.Remaining() != 1 {
		t.Fatalf("remaining after power off = %d", a.Remaining())
	}
}

func TestAlwaysPoweredExcludedFromLedger(t *testing.T) {
	stations := buildStations(
		station.Config{ID: station.PowerRouting, AlwaysPowered: true},
		station.Config{ID: station.Scanner},
	)
	a, _ := NewAllocator(1, stations, nil, nil)
	if _, ok := a.Ledger().Get(station.PowerRouting); ok {
		t.Fatalf("always powered station should not be on the ledger")
	}
	if !stations[0].Powered() {
		t.Fatalf("always powered station should be powered")
	}
	if _, err := a.ToggleStation(context.Background(), station.PowerRouting); !errors.Is(err, ErrAlwaysPowered) {
		t.Fatalf("expected ErrAlwaysPowered, got %v", err)
	}
	if a.Remaining() != 1 {
		t.Fatalf("always powered station should not consume budget, remaining=%d", a.Remaining())
	}
	if !a.IsPowered(station.PowerRouting) {
		t.Fatalf("IsPowered should report always powered stations")
	}
	if _, err := a.ToggleStation(context.Background(), "galley"); !errors.Is(err, ErrUnknownStation) {
		t.Fatalf("expected ErrUnknownStation, got %v", err)
	}
}

func TestModeComputationAndNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	a, _ := NewAllocator(3, defaultStations(), notifier, nil)
	ctx := context.Background()

	if a.Mode() != Standby {
		t.Fatalf("initial mode = %s", a.Mode())
	}
	a.ToggleStation(ctx, station.FlightEngineer)
	if a.Mode() != Standby {
		t.Fatalf("one launch station should not be enough, mode=%s", a.Mode())
	}
	a.ToggleStation(ctx, station.Navigation)
	if a.Mode() != Launch {
		t.Fatalf("mode = %s, want launch", a.Mode())
	}
	a.ToggleStation(ctx, station.Navigation)
	a.ToggleStation(ctx, station.FlightEngineer)
	a.ToggleStation(ctx, station.Antenna)
	a.ToggleStation(ctx, station.Scanner)
	if a.Mode() != Exploration {
		t.Fatalf("mode = %s, want exploration", a.Mode())
	}

	modes := notifier.Modes()
	want := []Mode{Standby, Launch, Standby, Standby, Standby, Exploration}
	if len(modes) != len(want) {
		t.Fatalf("notified %v, want %v", modes, want)
	}
	for i := range want {
		if modes[i] != want[i] {
			t.Fatalf("notified %v, want %v", modes, want)
		}
	}
}

func TestOverlappingStationPredicatesAreIndependent(t *testing.T) {
	a, _ := NewAllocator(3, buildStations(
		station.Config{ID: station.Navigation, Launch: true, Exploration: true},
		station.Config{ID: station.FlightEngineer, Launch: true},
		station.Config{ID: station.Scanner, Exploration: true},
	), nil, nil)
	ctx := context.Background()
	a.ToggleStation(ctx, station.Navigation)
	a.ToggleStation(ctx, station.FlightEngineer)

	report, err := a.ComputeMode()
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if report.AllExplorationPowered {
		t.Fatalf("exploration-only station is unpowered, predicate must be false")
	}
	if !report.AllLaunchPowered || report.Mode != Launch {
		t.Fatalf("report = %+v", report)
	}
}

func TestModeConflictFallsBackToStandby(t *testing.T) {
	a, _ := NewAllocator(2, buildStations(
		station.Config{ID: station.Navigation, Launch: true, Exploration: true},
	), nil, nil)
	a.ToggleStation(context.Background(), station.Navigation)

	report, err := a.ComputeMode()
	if !errors.Is(err, ErrModeConflict) {
		t.Fatalf("expected ErrModeConflict, got %v", err)
	}
	if report.Mode != Standby || !report.Conflict {
		t.Fatalf("report = %+v", report)
	}
	if a.Mode() != Standby {
		t.Fatalf("committed mode = %s", a.Mode())
	}
}

func TestNewAllocatorRejectsOverBudgetStart(t *testing.T) {
	stations := buildStations(station.Config{ID: station.Navigation}, station.Config{ID: station.Scanner})
	stations[0].ChangePower(true)
	stations[1].ChangePower(true)
	if _, err := NewAllocator(1, stations, nil, nil); err == nil {
		t.Fatalf("expected error for over-budget start")
	}
}

func TestResetPowersEverythingOff(t *testing.T) {
	a, _ := NewAllocator(3, defaultStations(), nil, nil)
	ctx := context.Background()
	a.ToggleStation(ctx, station.Antenna)
	a.ToggleStation(ctx, station.Codex)
	var remaining int
	a.OnRemainingChanged(func(r int) { remaining = r })
	a.Reset(ctx)
	if a.Remaining() != 3 || remaining != 3 {
		t.Fatalf("remaining = %d (hook %d)", a.Remaining(), remaining)
	}
	checkLedgerInvariant(t, a)
}
