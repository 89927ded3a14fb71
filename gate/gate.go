// Package gate implements a shared/exclusive counting gate.
//
// Any number of shared Leases may be held concurrently. An exclusive
// acquisition waits until the count of shared Leases reaches zero and,
// from the moment it's requested until it's released, no new shared Lease
// is granted. Waiters are served in FIFO order, so a steady stream of
// shared acquisitions cannot starve a pending exclusive one.
package gate

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.layerstore.dev/core/metrics"
	"golang.org/x/sync/semaphore"
)

// capacity is the total weight of the Gate. A shared Lease takes one unit,
// and an exclusive Lease takes all of them.
const capacity = math.MaxInt32

// Gate is a shared/exclusive counting gate. The zero value is not usable;
// use New.
type Gate struct {
	sem    *semaphore.Weighted
	shared int64 // Number of held shared Leases.
}

// Lease is held by one shared or exclusive acquisition of a Gate.
type Lease struct {
	once    sync.Once
	release func()
}

// Release the Lease. Release is idempotent, and may be called on a nil Lease.
func (l *Lease) Release() {
	if l != nil {
		l.once.Do(l.release)
	}
}

// New returns a new, open Gate.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(capacity)}
}

// Share acquires a shared Lease, blocking while an exclusive acquisition is
// pending or held. Share fails only if |ctx| is cancelled while waiting.
func (g *Gate) Share(ctx context.Context) (*Lease, error) {
	var started = time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.GateWaitSecondsTotal.WithLabelValues(metrics.Shared).Add(time.Since(started).Seconds())
	atomic.AddInt64(&g.shared, 1)

	return &Lease{release: func() {
		atomic.AddInt64(&g.shared, -1)
		g.sem.Release(1)
	}}, nil
}

// Exclusive acquires the exclusive Lease, blocking until all shared Leases
// have been released.
func (g *Gate) Exclusive(ctx context.Context) (*Lease, error) {
	var started = time.Now()
	if err := g.sem.Acquire(ctx, capacity); err != nil {
		return nil, err
	}
	metrics.GateWaitSecondsTotal.WithLabelValues(metrics.Exclusive).Add(time.Since(started).Seconds())

	return &Lease{release: func() { g.sem.Release(capacity) }}, nil
}

// Drain blocks until all shared Leases outstanding at the time of the call
// (and any acquired ahead of the drain) have been released.
func (g *Gate) Drain(ctx context.Context) error {
	var lease, err = g.Exclusive(ctx)
	if err != nil {
		return err
	}
	lease.Release()
	return nil
}

// Outstanding returns the number of currently held shared Leases.
func (g *Gate) Outstanding() int64 { return atomic.LoadInt64(&g.shared) }
