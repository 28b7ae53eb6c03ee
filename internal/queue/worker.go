package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ragwell/ragwell/internal/indexing"
)

// RunnerFactory builds the Runner that will drive one job, wiring a
// fresh per-job ProgressReporter into otherwise-shared dependencies
// (metadata store, vector store, embedder, config).
type RunnerFactory func(reporter indexing.ProgressReporter) (*indexing.Runner, error)

// Worker is the queue's single long-lived cooperative task: it waits on
// the Queue's signal channel, claims the oldest pending job, drives the
// indexing pipeline inside a per-job timeout, and transitions the job to
// a terminal state. Cancellation is cooperative — observed at the
// pipeline's own batch boundaries via context cancellation triggered by a
// lightweight poll of the job's cancel-requested flag.
type Worker struct {
	queue      *Queue
	newRunner  RunnerFactory
	jobTimeout time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker creates a Worker bound to q. jobTimeout bounds a single job's
// run (spec default: 2 hours); newRunner builds the Runner for each job.
func NewWorker(q *Queue, jobTimeout time.Duration, newRunner RunnerFactory) *Worker {
	return &Worker{
		queue:      q,
		newRunner:  newRunner,
		jobTimeout: jobTimeout,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the worker loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop signals the worker to finish its current job's current batch and
// re-park, then blocks until it has exited. Any job still running when
// the process restarts is recovered to pending by Store.Load.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.queue.Signal():
		}

		for {
			job := w.queue.dequeuePending()
			if job == nil {
				break
			}
			w.runJob(ctx, job)

			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			default:
			}
		}
	}
}

func (w *Worker) runJob(parent context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(parent, w.jobTimeout)
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-watchDone:
				return
			case <-jobCtx.Done():
				return
			case <-w.stopCh:
				cancel()
				return
			case <-ticker.C:
				if w.queue.cancelRequested(job.ID) {
					cancel()
					return
				}
			}
		}
	}()
	defer close(watchDone)

	reporter := newQueueReporter(w.queue, job.ID)
	defer reporter.Close()

	runner, err := w.newRunner(reporter)
	if err != nil {
		w.queue.finish(job.ID, StateFailed, Result{}, err.Error())
		return
	}
	defer runner.Close()

	cfg := indexing.RunnerConfig{
		RootDir: job.Request.Path,
	}

	result, runErr := runner.Run(jobCtx, cfg)
	if runErr != nil {
		select {
		case <-w.stopCh:
			// Stopped mid-run: the job stays running in the store, and
			// Store.Load recovers it to pending on the next start.
			return
		default:
		}
	}
	switch {
	case runErr == nil:
		w.queue.finish(job.ID, StateDone, Result{
			TotalDocuments: result.Files,
			TotalChunks:    result.Chunks,
		}, "")

	case jobCtx.Err() == context.DeadlineExceeded:
		w.queue.finish(job.ID, StateFailed, Result{}, "job timed out")

	case w.queue.cancelRequested(job.ID):
		w.queue.finish(job.ID, StateCancelled, Result{}, "")

	default:
		w.queue.finish(job.ID, StateFailed, Result{}, runErr.Error())
	}
}

// queueReporter adapts indexing.ProgressReporter onto a Job's progress
// counters via a bounded (size-1), non-blocking, keep-latest channel, so
// a burst of progress events never stalls the indexing pipeline waiting
// on the queue's mutex.
type queueReporter struct {
	queue   *Queue
	jobID   string
	ch      chan Progress
	done    chan struct{}
	stopped chan struct{}
}

func newQueueReporter(q *Queue, jobID string) *queueReporter {
	r := &queueReporter{
		queue:   q,
		jobID:   jobID,
		ch:      make(chan Progress, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *queueReporter) drain() {
	defer close(r.stopped)
	for {
		select {
		case p, ok := <-r.ch:
			if !ok {
				return
			}
			r.queue.updateProgress(r.jobID, p)
		case <-r.done:
			for {
				select {
				case p := <-r.ch:
					r.queue.updateProgress(r.jobID, p)
				default:
					return
				}
			}
		}
	}
}

func (r *queueReporter) push(p Progress) {
	select {
	case r.ch <- p:
		return
	default:
	}
	// Channel full: drop the stale value and replace it with the latest.
	select {
	case <-r.ch:
	default:
	}
	select {
	case r.ch <- p:
	default:
	}
}

func (r *queueReporter) UpdateProgress(e indexing.ProgressEvent) {
	p := Progress{
		FilesProcessed: e.Current,
		CurrentFile:    e.CurrentFile,
	}
	if e.Stage == indexing.StageEmbedding || e.Stage == indexing.StageIndexing {
		p.ChunksCreated = e.Current
	} else {
		p.FilesTotal = e.Total
	}
	r.push(p)
}

func (r *queueReporter) AddError(e indexing.ErrorEvent) {
	level := slog.LevelWarn
	if !e.IsWarn {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "indexing job error",
		slog.String("job_id", r.jobID), slog.String("file", e.File), slog.Any("error", e.Err))
}

func (r *queueReporter) Complete(stats indexing.CompletionStats) {
	r.push(Progress{
		FilesProcessed: stats.Files,
		FilesTotal:     stats.Files,
		ChunksCreated:  stats.Chunks,
	})
}

// Close stops the reporter's drain goroutine after flushing any
// remaining buffered progress.
func (r *queueReporter) Close() {
	close(r.done)
	<-r.stopped
}
