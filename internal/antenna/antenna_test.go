package antenna

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend confirms after delay with the configured outcome.
type fakeBackend struct {
	delay   time.Duration
	success bool
	silent  atomic.Bool

	mu       sync.Mutex
	extends  int
	retracts int
}

func (b *fakeBackend) ExtendAntenna(_ context.Context, done func(bool)) {
	b.mu.Lock()
	b.extends++
	b.mu.Unlock()
	b.reply(done)
}

func (b *fakeBackend) RetractAntenna(_ context.Context, done func(bool)) {
	b.mu.Lock()
	b.retracts++
	b.mu.Unlock()
	b.reply(done)
}

func (b *fakeBackend) reply(done func(bool)) {
	if b.silent.Load() {
		return
	}
	b.mu.Lock()
	success := b.success
	b.mu.Unlock()
	go func() {
		time.Sleep(b.delay)
		done(success)
	}()
}

func silentBackend() *fakeBackend {
	b := &fakeBackend{}
	b.silent.Store(true)
	return b
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.extends, b.retracts
}

var fast = Timing{Buffer: 5 * time.Millisecond, Timeout: 100 * time.Millisecond}

func waitForState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestConnectThenDisconnect(t *testing.T) {
	backend := &fakeBackend{delay: 5 * time.Millisecond, success: true}
	m := New(backend, fast, nil, nil)

	if err := m.TrySet(context.Background(), Connecting); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != Connecting {
		t.Fatalf("state = %s", m.State())
	}
	waitForState(t, m, Connected)

	if err := m.TrySet(context.Background(), Disconnected); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if m.State() != Disconnecting {
		t.Fatalf("state = %s", m.State())
	}
	waitForState(t, m, Disconnected)
	m.Wait()

	extends, retracts := backend.counts()
	if extends != 1 || retracts != 1 {
		t.Fatalf("extends=%d retracts=%d", extends, retracts)
	}
}

func TestSupersededAttemptLeavesNoResidue(t *testing.T) {
	backend := &fakeBackend{delay: 20 * time.Millisecond, success: true}
	m := New(backend, fast, nil, nil)

	var transitions atomic.Int32
	var sawConnected atomic.Bool
	m.StateField().Observe(func(_, next State) {
		transitions.Add(1)
		if next == Connected {
			sawConnected.Store(true)
		}
	})

	m.TrySet(context.Background(), Connecting)
	m.TrySet(context.Background(), Disconnected)

	time.Sleep(2*fast.Timeout + fast.Buffer)
	m.Wait()

	if m.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
	if sawConnected.Load() {
		t.Fatalf("superseded connect attempt reached Connected")
	}
	if m.Live() != 0 {
		t.Fatalf("%d attempts still live", m.Live())
	}
	extends, _ := backend.counts()
	if extends != 0 {
		t.Fatalf("superseded attempt still sent %d extend requests", extends)
	}
	// connecting, disconnecting, disconnected
	if got := transitions.Load(); got != 3 {
		t.Fatalf("saw %d transitions", got)
	}
}

func TestStaleConfirmationDropped(t *testing.T) {
	backend := &fakeBackend{delay: 40 * time.Millisecond, success: true}
	m := New(backend, Timing{Buffer: time.Millisecond, Timeout: 200 * time.Millisecond}, nil, nil)

	m.TrySet(context.Background(), Connecting)
	// let the extend request go out, then change our mind before it confirms
	time.Sleep(10 * time.Millisecond)
	backend.silent.Store(true)
	m.TrySet(context.Background(), Disconnected)

	time.Sleep(80 * time.Millisecond)
	if m.State() != Disconnecting {
		t.Fatalf("stale extend confirmation changed state to %s", m.State())
	}
	m.ForceDisconnect()
	m.Wait()
}

func TestTimeoutDoesNotForceState(t *testing.T) {
	backend := silentBackend()
	m := New(backend, Timing{Buffer: time.Millisecond, Timeout: 20 * time.Millisecond}, nil, nil)

	m.TrySet(context.Background(), Connecting)
	m.Wait()
	if m.State() != Connecting {
		t.Fatalf("timeout should leave state alone, got %s", m.State())
	}
}

func TestBackendFailureLeavesState(t *testing.T) {
	backend := &fakeBackend{delay: time.Millisecond, success: false}
	m := New(backend, fast, nil, nil)

	m.TrySet(context.Background(), Connecting)
	m.Wait()
	if m.State() != Connecting {
		t.Fatalf("failed confirmation should leave state unchanged, got %s", m.State())
	}
}

func TestRetryAfterRefusalSendsNewRequest(t *testing.T) {
	backend := &fakeBackend{delay: time.Millisecond, success: false}
	m := New(backend, fast, nil, nil)

	m.TrySet(context.Background(), Connecting)
	m.Wait()
	if m.State() != Connecting {
		t.Fatalf("state = %s", m.State())
	}

	backend.mu.Lock()
	backend.success = true
	backend.mu.Unlock()
	if err := m.TrySet(context.Background(), Connecting); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitForState(t, m, Connected)
	m.Wait()

	if extends, _ := backend.counts(); extends != 2 {
		t.Fatalf("extends = %d, want 2", extends)
	}
}

func TestRetryAfterTimeout(t *testing.T) {
	backend := silentBackend()
	m := New(backend, Timing{Buffer: time.Millisecond, Timeout: 20 * time.Millisecond}, nil, nil)

	m.TrySet(context.Background(), Connecting)
	m.Wait()
	m.TrySet(context.Background(), Disconnected)
	m.Wait()
	if m.State() != Disconnecting {
		t.Fatalf("state = %s", m.State())
	}

	backend.silent.Store(false)
	backend.mu.Lock()
	backend.success = true
	backend.mu.Unlock()
	m.TrySet(context.Background(), Disconnected)
	waitForState(t, m, Disconnected)
	m.Wait()

	if extends, retracts := backend.counts(); extends != 1 || retracts != 2 {
		t.Fatalf("extends=%d retracts=%d", extends, retracts)
	}
}

func TestRepeatWhileWaitingIsNoop(t *testing.T) {
	backend := silentBackend()
	m := New(backend, Timing{Buffer: time.Millisecond, Timeout: 100 * time.Millisecond}, nil, nil)

	m.TrySet(context.Background(), Connecting)
	time.Sleep(10 * time.Millisecond)
	m.TrySet(context.Background(), Connecting)
	m.Wait()

	if extends, _ := backend.counts(); extends != 1 {
		t.Fatalf("extends = %d, want 1", extends)
	}
}

func TestReconcileAfterRefusal(t *testing.T) {
	m := New(&fakeBackend{delay: time.Millisecond, success: false}, fast, nil, nil)
	m.TrySet(context.Background(), Connecting)
	m.Wait()

	m.Reconcile(true)
	if m.State() != Connected {
		t.Fatalf("state = %s, want connected", m.State())
	}
}

func TestPowerLossForcesDisconnect(t *testing.T) {
	var powered atomic.Bool
	powered.Store(true)
	backend := &fakeBackend{delay: time.Millisecond, success: true}
	m := New(backend, fast, powered.Load, nil)

	m.TrySet(context.Background(), Connecting)
	waitForState(t, m, Connected)

	powered.Store(false)
	m.ForceDisconnect()
	if m.State() != Disconnected {
		t.Fatalf("state = %s", m.State())
	}

	err := m.TrySet(context.Background(), Connecting)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("connecting while unpowered should be rejected, got %v", err)
	}
	m.Wait()
}

func TestUnpoweredDuringBufferSkipsRequest(t *testing.T) {
	var powered atomic.Bool
	powered.Store(true)
	backend := &fakeBackend{delay: time.Millisecond, success: true}
	m := New(backend, Timing{Buffer: 20 * time.Millisecond, Timeout: 50 * time.Millisecond}, powered.Load, nil)

	m.TrySet(context.Background(), Connecting)
	powered.Store(false)
	m.Wait()

	if extends, _ := backend.counts(); extends != 0 {
		t.Fatalf("request sent for unpowered antenna")
	}
}

func TestInvalidTargets(t *testing.T) {
	m := New(&fakeBackend{}, fast, nil, nil)
	for _, target := range []State{Connected, Disconnecting} {
		if err := m.TrySet(context.Background(), target); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("TrySet(%s) = %v", target, err)
		}
	}
	if err := m.TrySet(context.Background(), Disconnected); err != nil {
		t.Fatalf("disconnecting while disconnected should be a no-op: %v", err)
	}
	if m.Live() != 0 {
		t.Fatalf("no attempt should have started")
	}
}

func TestReconcile(t *testing.T) {
	m := New(silentBackend(), fast, nil, nil)
	m.Reconcile(true)
	if m.State() != Connected {
		t.Fatalf("state = %s", m.State())
	}
	m.TrySet(context.Background(), Disconnected)
	m.Reconcile(true)
	if m.State() != Disconnecting {
		t.Fatalf("reconcile must not interrupt an attempt, state = %s", m.State())
	}
	m.ForceDisconnect()
	m.Wait()
}

func TestParseState(t *testing.T) {
	for _, s := range []State{Disconnected, Connecting, Connected, Disconnecting} {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseState("sideways"); err == nil {
		t.Fatalf("expected error")
	}
}
