// Package gateway serializes outbound calls to a single upstream provider
// under a sliding-window burst limit. Callers may schedule concurrently; tasks
// run strictly in submission order, and a task that would exceed the burst
// limit is delayed until the trailing window has capacity again.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// dispatchBuffer is added to every computed wait so that a dispatch never
// lands exactly on the edge of the window.
const dispatchBuffer = 50 * time.Millisecond

// Gateway is a single-lane FIFO dispatcher with a sliding-window rate limit.
// The zero value is not usable; construct with New.
type Gateway struct {
	name   string
	window time.Duration
	burst  int

	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64 // next ticket to hand out
	serving uint64 // ticket currently allowed to dispatch

	// timestamps of recent dispatches, oldest first; at most burst entries
	// fall within any trailing window
	timestamps []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates a gateway enforcing at most burst dispatches within any
// trailing window.
func New(name string, window time.Duration, burst int) *Gateway {
	g := &Gateway{
		name:   name,
		window: window,
		burst:  burst,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Do runs task after acquiring the gateway's single lane and a slot in the
// rate-limit window. Tasks run one at a time in submission order; a failing
// task returns its error only to its own caller and never blocks the queue.
// The gateway does not retry.
func (g *Gateway) Do(ctx context.Context, task func(context.Context) error) error {
	g.mu.Lock()
	ticket := g.next
	g.next++
	for g.serving != ticket {
		g.cond.Wait()
	}

	// Head of the lane. Wait for window capacity, then record the dispatch
	// timestamp only once capacity is confirmed.
	err := g.waitForSlotLocked(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		g.timestamps = append(g.timestamps, g.now())
	}
	g.mu.Unlock()

	if err == nil {
		err = task(ctx)
	}

	g.mu.Lock()
	g.serving++
	g.cond.Broadcast()
	g.mu.Unlock()
	return err
}

// waitForSlotLocked blocks until the trailing window has capacity. Called
// with g.mu held; releases it while sleeping.
func (g *Gateway) waitForSlotLocked(ctx context.Context) error {
	for {
		now := g.now()
		g.pruneLocked(now)
		if len(g.timestamps) < g.burst {
			return nil
		}
		wait := g.window - now.Sub(g.timestamps[0]) + dispatchBuffer
		logrus.WithFields(logrus.Fields{
			"gateway": g.name,
			"wait":    wait,
		}).Debug("Rate limit reached, delaying dispatch")

		g.mu.Unlock()
		err := g.sleep(ctx, wait)
		g.mu.Lock()
		if err != nil {
			return err
		}
	}
}

// pruneLocked drops timestamps older than the window.
func (g *Gateway) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.timestamps) && !g.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.timestamps = append(g.timestamps[:0], g.timestamps[i:]...)
	}
}

// Pending returns the number of dispatch timestamps currently inside the
// trailing window. Used by tests and diagnostics.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	return len(g.timestamps)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
