// Package attempt runs cancellable timed transitions. A Runner owns at most
// one live attempt; starting another cancels the previous one first.
package attempt

import (
	"context"
	"sync"
	"time"
)

// Runner holds the cancellation handle of the attempt in flight.
type Runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	live   int
	wg     sync.WaitGroup
}

// Start cancels any attempt in flight and runs fn in a new goroutine. fn
// receives a context that is cancelled when the attempt is superseded and the
// generation number identifying this attempt.
func (r *Runner) Start(parent context.Context, fn func(ctx context.Context, gen uint64)) uint64 {
	if parent == nil {
		parent = context.Background()
	}
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.gen++
	gen := r.gen
	r.live++
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			r.live--
			r.mu.Unlock()
			r.wg.Done()
		}()
		fn(ctx, gen)
	}()
	return gen
}

// Cancel stops the attempt in flight, if any.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.gen++
}

// Current reports whether gen is still the newest attempt.
func (r *Runner) Current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

// Live counts attempt goroutines that have not returned yet. A superseded
// attempt stays live until it observes its cancellation.
func (r *Runner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Wait blocks until every started attempt has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Sleep is a suspension point. It reports false when ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// DefaultPollStep is how often WaitUntil re-evaluates its predicate.
const DefaultPollStep = 20 * time.Millisecond

// WaitUntil suspends until pred holds, the timeout expires or ctx ends. It
// reports whether pred held.
func WaitUntil(ctx context.Context, timeout time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	step := time.NewTicker(DefaultPollStep)
	defer step.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return pred()
		case <-step.C:
			if pred() {
				return true
			}
		}
	}
}
