package gateway

import (
	"context"
	"sync"

	"github.com/haasonsaas/agentgate/internal/observability"
)

// slotGate is an N-slot admission gate with FIFO waiters. A buffered-channel
// semaphore would not give arrival-order grants or let cancellation reject
// every queued waiter while leaving holders untouched, so the queue is
// explicit: an integer in-use counter plus a FIFO list of waiter channels,
// both under one mutex.
type slotGate struct {
	mu       sync.Mutex
	cap      int
	inUse    int
	waiters  []chan error
	canceled bool
	metrics  *observability.Metrics
}

// newSlotGate builds a gate with the effective cap: 1 when parallel execution
// is disabled, otherwise max(1, configured).
func newSlotGate(configured int, parallelDisabled bool, metrics *observability.Metrics) *slotGate {
	cap := configured
	if cap < 1 {
		cap = 1
	}
	if parallelDisabled {
		cap = 1
	}
	return &slotGate{cap: cap, metrics: metrics}
}

// acquire obtains a slot, suspending in FIFO order when all slots are held.
// Returns ErrCanceled if the gate is canceled before or while waiting, or
// ctx.Err() if the caller's context ends first.
func (g *slotGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.canceled {
		g.mu.Unlock()
		return ErrCanceled
	}
	if g.inUse < g.cap {
		g.inUse++
		g.mu.Unlock()
		g.gaugeInUse()
		return nil
	}
	ch := make(chan error, 1)
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()
	g.gaugeWaiters()

	select {
	case err := <-ch:
		g.gaugeWaiters()
		g.gaugeInUse()
		return err
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				g.gaugeWaiters()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// Grant raced the cancellation; the slot was already handed over.
		if err := <-ch; err != nil {
			return err
		}
		g.release()
		return ctx.Err()
	}
}

// release frees a slot, waking the oldest waiter if any. The slot is handed
// directly to the waiter so the in-use count never dips below the true value.
func (g *slotGate) release() {
	g.mu.Lock()
	if len(g.waiters) > 0 {
		ch := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		ch <- nil
		return
	}
	g.inUse--
	g.mu.Unlock()
	g.gaugeInUse()
}

// cancel rejects every queued waiter and marks the gate closed. Holders are
// unaffected; their releases after cancellation are still counted.
func (g *slotGate) cancel() {
	g.mu.Lock()
	if g.canceled {
		g.mu.Unlock()
		return
	}
	g.canceled = true
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- ErrCanceled
	}
	g.gaugeWaiters()
}

func (g *slotGate) gaugeInUse() {
	if g.metrics == nil {
		return
	}
	g.mu.Lock()
	n := g.inUse
	g.mu.Unlock()
	g.metrics.SlotsInUse.Set(float64(n))
}

func (g *slotGate) gaugeWaiters() {
	if g.metrics == nil {
		return
	}
	g.mu.Lock()
	n := len(g.waiters)
	g.mu.Unlock()
	g.metrics.SlotWaiters.Set(float64(n))
}
