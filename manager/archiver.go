package manager

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.layerstore.dev/core/async"
	"go.layerstore.dev/core/errdefs"
	"go.layerstore.dev/core/layer"
	"go.layerstore.dev/core/metrics"
	"golang.org/x/sync/semaphore"
)

// ArchiveError reports the failure of a background archive job. The layer
// remains Closed, and must be resubmitted with Manager.Archive.
type ArchiveError struct {
	LayerID int64
	Err     error
}

func (e ArchiveError) Error() string {
	return errors.WithMessagef(e.Err, "archiving layer %d", e.LayerID).Error()
}

func (e ArchiveError) Unwrap() error { return e.Err }

type archiveJob struct {
	layer *layer.Layer
	op    *async.Operation
}

// archiver runs archive jobs of closed layers in the background, with
// bounded concurrency. Jobs are not retried.
type archiver struct {
	queue   []archiveJob
	mu      sync.Mutex
	exiting bool
	wakeCh  chan struct{}
	doneCh  chan struct{}
	sem     *semaphore.Weighted
	running sync.WaitGroup
	errCh   chan ArchiveError

	archiveFn func(*layer.Layer) error
	offloadFn func(context.Context, *layer.Layer) error
}

func newArchiver(concurrency, errorBuffer int) *archiver {
	return &archiver{
		wakeCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		sem:       semaphore.NewWeighted(int64(concurrency)),
		errCh:     make(chan ArchiveError, errorBuffer),
		archiveFn: (*layer.Layer).Archive,
	}
}

// submit queues an archive job of |l|, returning an Operation which
// resolves upon the job's completion.
func (a *archiver) submit(l *layer.Layer) *async.Operation {
	var op = async.NewOperation()

	a.mu.Lock()
	if a.exiting {
		a.mu.Unlock()
		op.Resolve(errors.WithMessagef(errdefs.ErrTransientUnavailable,
			"archiver is stopping (layer %d)", l.ID()))
		return op
	}
	a.queue = append(a.queue, archiveJob{layer: l, op: op})
	a.mu.Unlock()

	select {
	case a.wakeCh <- struct{}{}:
	default: // Already signaled.
	}
	return op
}

// serve dispatches queued jobs until finish is called, and then returns
// only once every queued and running job has completed.
func (a *archiver) serve() {
	for done := false; !done; {
		select {
		case <-a.wakeCh:
		case <-a.doneCh:
			a.mu.Lock()
			a.exiting = true
			a.mu.Unlock()
			done = true
		}

		a.mu.Lock()
		var jobs = a.queue
		a.queue = nil
		a.mu.Unlock()

		for _, job := range jobs {
			_ = a.sem.Acquire(context.Background(), 1) // Never fails without cancellation.
			a.running.Add(1)

			go func(job archiveJob) {
				defer func() { a.sem.Release(1); a.running.Done() }()
				job.op.Resolve(a.run(job.layer))
			}(job)
		}
	}
	a.running.Wait()
	close(a.doneCh)
}

// finish signals serve to drain and exit, and blocks until it has.
func (a *archiver) finish() {
	a.doneCh <- struct{}{}
	<-a.doneCh
}

func (a *archiver) run(l *layer.Layer) error {
	var started = time.Now()
	var err = a.archiveFn(l)
	metrics.ArchiveDurationSeconds.Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.ArchiveJobsTotal.WithLabelValues(metrics.Fail).Inc()
		log.WithFields(log.Fields{
			"layer": l.ID(),
			"err":   err,
		}).Warn("failed to archive layer (it remains closed until resubmitted)")

		select {
		case a.errCh <- ArchiveError{LayerID: l.ID(), Err: err}:
		default:
			log.WithField("layer", l.ID()).Error("dropping archive error report (channel is full)")
		}
		return err
	}
	metrics.ArchiveJobsTotal.WithLabelValues(metrics.Ok).Inc()

	log.WithFields(log.Fields{
		"layer":    l.ID(),
		"duration": time.Since(started),
	}).Info("archived layer")

	if a.offloadFn != nil {
		// Offload failures are logged, and don't fail the job. The
		// container remains available locally.
		if err := a.offloadFn(context.Background(), l); err != nil {
			log.WithFields(log.Fields{"layer": l.ID(), "err": err}).Warn("failed to offload container")
		}
	}
	return nil
}
