// Package task runs the long-lived loops of a layerstore process as a
// group which fails, and is torn down, as a unit.
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group of concurrent tasks. The first task to return a non-nil error
// cancels the Context of the Group, and every task is expected to return
// promptly upon that cancellation. Tasks may be queued before Start, or
// started directly with Go.
type Group struct {
	ctx      context.Context
	cancelFn context.CancelFunc
	eg       *errgroup.Group

	mu      sync.Mutex
	queued  []task
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns an empty Group deriving from |ctx|.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, cancelFn: cancel, eg: eg}
}

// Context of the Group, cancelled upon a task failure, an explicit Cancel,
// or cancellation of the parent Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue |fn| to run when the Group is started. If the Group has already
// started, |fn| runs immediately.
func (g *Group) Queue(desc string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		g.run(task{desc: desc, fn: fn})
	} else {
		g.queued = append(g.queued, task{desc: desc, fn: fn})
	}
}

// Start running all queued tasks. Start panics if called more than once.
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		panic("Start already called")
	}
	g.started = true

	for _, t := range g.queued {
		g.run(t)
	}
	g.queued = nil
}

// Wait for all started tasks, returning the first error encountered.
// Wait panics if the Group was never started.
func (g *Group) Wait() error {
	g.mu.Lock()
	var started = g.started
	g.mu.Unlock()

	if !started {
		panic("Wait called before Start")
	}
	defer g.cancelFn()
	return g.eg.Wait()
}

func (g *Group) run(t task) {
	g.eg.Go(func() error {
		var err = t.fn()
		if err != nil && g.ctx.Err() == nil {
			log.WithFields(log.Fields{"task": t.desc, "err": err}).Error("task failed")
		} else {
			log.WithField("task", t.desc).Debug("task exited")
		}
		return errors.WithMessage(err, t.desc)
	})
}
