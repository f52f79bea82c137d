package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/bridge-crew/internal/logging"
	"github.com/example/bridge-crew/internal/power"
)

const (
	// MinInterval is the floor for the poll delay.
	MinInterval     = time.Second
	DefaultInterval = 5 * time.Second
)

// Outcome labels for RequestObserver.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
)

// RequestObserver receives request and poll statistics. The observability
// collector implements it.
type RequestObserver interface {
	ObserveBackendRequest(action, outcome string, elapsed time.Duration)
	ObservePoll(changed bool)
}

// PollFunc receives every successful poll, changed or not.
type PollFunc func(changed bool, snap *GameData)

// Options configures a Poller.
type Options struct {
	TeamID    string
	Interval  time.Duration
	// Terminate is called once when the backend reports the team inactive.
	Terminate func(reason string)
	Metrics   RequestObserver
}

// Poller owns the backend snapshot. It polls on an interval and exposes the
// one-shot actions; every action runs on its own goroutine and invokes its
// callback at most once.
type Poller struct {
	client    Client
	teamID    string
	interval  time.Duration
	terminate func(reason string)
	metrics   RequestObserver
	log       logging.Logger

	pollMu   sync.Mutex
	mu       sync.RWMutex
	last     *GameData
	lastHash string
	subs     map[int]PollFunc
	nextSub  int

	refetch  chan struct{}
	termOnce sync.Once
	wg       sync.WaitGroup

	// modeMu guards the latest unsent power mode. One sender drains it so
	// the backend always ends on the newest mode.
	modeMu      sync.Mutex
	nextMode    power.Mode
	modePending bool
	modeSending bool
}

// NewPoller builds a poller. Intervals below MinInterval are raised to it.
func NewPoller(client Client, opts Options, log logging.Logger) *Poller {
	if log == nil {
		log = logging.Noop()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		log.Warn(context.Background(), "poll interval below floor, raising",
			logging.Duration("requested", interval), logging.Duration("floor", MinInterval))
		interval = MinInterval
	}
	terminate := opts.Terminate
	if terminate == nil {
		terminate = func(string) {}
	}
	return &Poller{
		client:    client,
		teamID:    opts.TeamID,
		interval:  interval,
		terminate: terminate,
		metrics:   opts.Metrics,
		log:       log.With(logging.String("component", "poller")),
		subs:      make(map[int]PollFunc),
		refetch:   make(chan struct{}, 1),
	}
}

func (p *Poller) Interval() time.Duration { return p.interval }
func (p *Poller) TeamID() string          { return p.teamID }

// OnPoll subscribes fn to poll events and returns an unsubscribe func.
// Subscribers run on the poll goroutine in subscription order.
func (p *Poller) OnPoll(fn PollFunc) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Snapshot returns the last known good snapshot, or nil before the first
// successful poll. The result must not be modified.
func (p *Poller) Snapshot() *GameData {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info(ctx, "poller started", logging.Duration("interval", p.interval), logging.String("team", p.teamID))
	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.Tick(ctx)
		case <-p.refetch:
			p.fetch(ctx)
		}
	}
}

// Tick runs one poll cycle: a liveness check when a team is set, then a
// snapshot fetch. The fetch runs even when the team was reported inactive.
func (p *Poller) Tick(ctx context.Context) {
	if p.teamID != "" {
		p.checkLiveness(ctx)
	}
	p.fetch(ctx)
}

// Refetch asks the run loop for an out-of-band fetch.
func (p *Poller) Refetch() {
	select {
	case p.refetch <- struct{}{}:
	default:
	}
}

func (p *Poller) checkLiveness(ctx context.Context) bool {
	start := time.Now()
	res, err := p.client.GetTeamActive(ctx, p.teamID)
	if err != nil {
		p.failed(ctx, "team_active", start, err)
		return true
	}
	if res.Success {
		p.observe("team_active", OutcomeOK, start)
		return true
	}
	p.observe("team_active", OutcomeRejected, start)
	p.termOnce.Do(func() {
		p.log.Error(ctx, "team reported inactive, terminating session",
			logging.String("team", p.teamID), logging.String("message", res.Message))
		p.terminate(res.Message)
	})
	return false
}

func (p *Poller) fetch(ctx context.Context) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	start := time.Now()
	snap, err := p.client.GetSnapshot(ctx, p.teamID)
	if err != nil {
		p.failed(ctx, "snapshot", start, err)
		return
	}
	hash, err := snap.Hash()
	if err != nil {
		p.failed(ctx, "snapshot", start, err)
		return
	}
	p.observe("snapshot", OutcomeOK, start)

	p.mu.Lock()
	changed := hash != p.lastHash
	p.last = snap
	p.lastHash = hash
	subs := p.subscribersLocked()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ObservePoll(changed)
	}
	if changed {
		p.log.Debug(ctx, "snapshot changed", logging.String("hash", hash))
	}
	for _, fn := range subs {
		fn(changed, snap)
	}
}

func (p *Poller) subscribersLocked() []PollFunc {
	out := make([]PollFunc, 0, len(p.subs))
	for id := 0; id < p.nextSub; id++ {
		if fn, ok := p.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (p *Poller) failed(ctx context.Context, action string, start time.Time, err error) {
	outcome := OutcomeError
	msg := "backend request failed"
	if errors.Is(err, ErrMalformedResponse) {
		outcome = OutcomeMalformed
		msg = "backend response discarded"
	}
	p.observe(action, outcome, start)
	p.log.Warn(ctx, msg, logging.String("action", action), logging.Err(err))
}

func (p *Poller) observe(action, outcome string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveBackendRequest(action, outcome, time.Since(start))
	}
}

// async runs one action off the caller's goroutine.
func (p *Poller) async(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every in-flight action has finished.
func (p *Poller) Wait() { p.wg.Wait() }

func ackOutcome(ok bool) string {
	if ok {
		return OutcomeOK
	}
	return OutcomeRejected
}

// Jump asks the backend to move the ship. A successful jump forces a refetch.
func (p *Poller) Jump(ctx context.Context, locationID string, done func(Jump)) {
	p.async(ctx, func(ctx context.Context) {
		start := time.Now()
		res, err := p.client.Jump(ctx, p.teamID, locationID)
		if err != nil {
			p.failed(ctx, "jump", start, err)
			return
		}
		p.observe("jump", ackOutcome(res.Success), start)
		if res.Success {
			p.Refetch()
		}
		if done != nil {
			done(res)
		}
	})
}

func (p *Poller) Scan(ctx context.Context, done func(Scan)) {
	p.async(ctx, func(ctx context.Context) {
		start := time.Now()
		res, err := p.client.ScanLocation(ctx, p.teamID)
		if err != nil {
			p.failed(ctx, "scan", start, err)
			return
		}
		p.observe("scan", ackOutcome(res.Success), start)
		if done != nil {
			done(res)
		}
	})
}

func (p *Poller) UnlockLocation(ctx context.Context, coords string, done func(Unlock)) {
	p.async(ctx, func(ctx context.Context) {
		start := time.Now()
		res, err := p.client.UnlockLocation(ctx, p.teamID, coords)
		if err != nil {
			p.failed(ctx, "unlock", start, err)
			return
		}
		p.observe("unlock", ackOutcome(res.Result != UnlockInvalid), start)
		if done != nil {
			done(res)
		}
	})
}

func (p *Poller) CompleteCommEvent(ctx context.Context, done func(Ack)) {
	p.ack(ctx, "complete_comm", func(ctx context.Context) (Ack, error) {
		return p.client.CompleteCommEvent(ctx, p.teamID)
	}, done)
}

// SetCodexPower tells the backend whether the codex station is powered.
func (p *Poller) SetCodexPower(ctx context.Context, on bool, done func(Ack)) {
	p.ack(ctx, "codex_power", func(ctx context.Context) (Ack, error) {
		return p.client.SetCodexPower(ctx, p.teamID, on)
	}, done)
}

// SetPowerMode pushes the ship mode upstream. The push is informational; a
// failure is only logged. Pushes are sent one at a time and a mode that is
// superseded before it goes out is skipped.
func (p *Poller) SetPowerMode(ctx context.Context, mode power.Mode) {
	p.modeMu.Lock()
	p.nextMode, p.modePending = mode, true
	if p.modeSending {
		p.modeMu.Unlock()
		return
	}
	p.modeSending = true
	p.modeMu.Unlock()
	p.async(ctx, p.drainPowerMode)
}

func (p *Poller) drainPowerMode(ctx context.Context) {
	for {
		p.modeMu.Lock()
		if !p.modePending {
			p.modeSending = false
			p.modeMu.Unlock()
			return
		}
		mode := p.nextMode
		p.modePending = false
		p.modeMu.Unlock()

		p.request(ctx, "power_mode", func(ctx context.Context) (Ack, error) {
			return p.client.SetPowerMode(ctx, p.teamID, string(mode))
		}, nil)
	}
}

// ExtendAntenna and RetractAntenna satisfy antenna.Backend.
func (p *Poller) ExtendAntenna(ctx context.Context, done func(bool)) {
	p.ack(ctx, "extend_antenna", func(ctx context.Context) (Ack, error) {
		return p.client.ExtendAntenna(ctx, p.teamID)
	}, ackDone(done))
}

func (p *Poller) RetractAntenna(ctx context.Context, done func(bool)) {
	p.ack(ctx, "retract_antenna", func(ctx context.Context) (Ack, error) {
		return p.client.RetractAntenna(ctx, p.teamID)
	}, ackDone(done))
}

func ackDone(done func(bool)) func(Ack) {
	if done == nil {
		return nil
	}
	return func(a Ack) { done(a.Success) }
}

func (p *Poller) ack(ctx context.Context, action string, call func(context.Context) (Ack, error), done func(Ack)) {
	p.async(ctx, func(ctx context.Context) { p.request(ctx, action, call, done) })
}

// request performs one acknowledged action on the calling goroutine.
func (p *Poller) request(ctx context.Context, action string, call func(context.Context) (Ack, error), done func(Ack)) {
	start := time.Now()
	res, err := call(ctx)
	if err != nil {
		p.failed(ctx, action, start, err)
		return
	}
	p.observe(action, ackOutcome(res.Success), start)
	if !res.Success {
		p.log.Debug(ctx, "backend rejected action", logging.String("action", action))
	}
	if done != nil {
		done(res)
	}
}
