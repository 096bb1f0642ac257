package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// errPoolClosed is returned when a step is submitted after Shutdown.
var errPoolClosed = errors.New("step pool is closed")

// poolMetrics is a point-in-time snapshot of pool activity.
type poolMetrics struct {
	Active    int64
	Completed int64
	Failed    int64
	Panics    int64
}

// stepPool caps how many steps run at once within one plan level. A wide level
// queues behind the slot channel instead of spawning a goroutine per step.
type stepPool struct {
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

func newStepPool(size int) *stepPool {
	if size <= 0 {
		size = 1
	}
	return &stepPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit blocks until a slot frees up, then runs fn on its own goroutine. The
// context only governs the wait for a slot; fn receives it unchanged.
func (p *stepPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errPoolClosed
	}

	// Shutdown may have won the race for the slot. wg.Add has to happen
	// under the same lock that marks closed, or Shutdown's Wait can miss
	// this goroutine.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return errPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *stepPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Shutdown rejects further submissions and waits for running steps to finish.
// Safe to call more than once.
func (p *stepPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics snapshots the pool counters.
func (p *stepPool) Metrics() poolMetrics {
	return poolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
