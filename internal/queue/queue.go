package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned when a submission would exceed the queue's
// configured max size.
var ErrQueueFull = errors.New("queue: at capacity")

// ErrNotFound is returned when a job id has no matching record.
var ErrNotFound = errors.New("queue: job not found")

// ErrTerminalCancel is returned cancelling a job already in a terminal
// state — not treated as an error by callers, surfaced as a 409 Conflict
// at the HTTP layer.
var ErrTerminalCancel = errors.New("queue: job already terminal")

// SubmitResult reports the outcome of Queue.Submit.
type SubmitResult struct {
	Job           *Job
	DedupeHit     bool
	QueuePosition int
	QueueLength   int
}

// Queue is the in-memory, lock-protected FIFO of Jobs, kept consistent
// with a backing Store on every mutation. Reads never touch disk.
type Queue struct {
	mu      sync.Mutex
	store   *Store
	maxSize int

	order []string        // job ids, oldest enqueued first
	jobs  map[string]*Job // id -> job

	signal chan struct{} // non-blocking wake for the worker
}

// Open loads (and crash-recovers) a Queue backed by the store at dataDir.
func Open(dataDir string, maxSize int, compactionAge time.Duration) (*Queue, error) {
	if maxSize <= 0 {
		maxSize = 100
	}
	store, err := NewStore(dataDir)
	if err != nil {
		return nil, err
	}

	jobs, err := store.Load(compactionAge)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		store:   store,
		maxSize: maxSize,
		jobs:    make(map[string]*Job, len(jobs)),
		signal:  make(chan struct{}, 1),
	}
	for _, j := range jobs {
		q.order = append(q.order, j.ID)
		q.jobs[j.ID] = j
	}
	if err := q.flushLocked(); err != nil {
		return nil, err
	}
	if q.hasPendingLocked() {
		q.wake()
	}
	return q, nil
}

// Signal returns the channel the worker selects on; a value is sent
// (non-blocking) whenever a pending job becomes available.
func (q *Queue) Signal() <-chan struct{} {
	return q.signal
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Submit enqueues req, or — if its dedupe key matches a non-terminal job
// already queued — returns that job with DedupeHit set instead of
// growing the queue.
func (q *Queue) Submit(req Request) (SubmitResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupeKey(req)
	for _, id := range q.order {
		j := q.jobs[id]
		if j.DedupeKey == key && !j.State.Terminal() {
			return SubmitResult{
				Job:           j.Clone(),
				DedupeHit:     true,
				QueuePosition: q.positionLocked(id),
				QueueLength:   len(q.order),
			}, nil
		}
	}

	active := 0
	for _, id := range q.order {
		if !q.jobs[id].State.Terminal() {
			active++
		}
	}
	if active >= q.maxSize {
		return SubmitResult{}, ErrQueueFull
	}

	job := &Job{
		ID:         uuid.NewString(),
		DedupeKey:  key,
		Request:    req,
		State:      StatePending,
		EnqueuedAt: time.Now(),
	}
	q.order = append(q.order, job.ID)
	q.jobs[job.ID] = job

	if err := q.flushLocked(); err != nil {
		// Roll back the in-memory addition so the cache and store never
		// diverge.
		q.order = q.order[:len(q.order)-1]
		delete(q.jobs, job.ID)
		return SubmitResult{}, err
	}

	q.wake()

	return SubmitResult{
		Job:           job.Clone(),
		QueuePosition: q.positionLocked(job.ID),
		QueueLength:   len(q.order),
	}, nil
}

// positionLocked returns id's 1-indexed position among still-pending
// jobs, or 0 if it is not pending (e.g. already running).
func (q *Queue) positionLocked(id string) int {
	pos := 0
	for _, oid := range q.order {
		j := q.jobs[oid]
		if j.State != StatePending {
			continue
		}
		pos++
		if oid == id {
			return pos
		}
	}
	return 0
}

func (q *Queue) hasPendingLocked() bool {
	for _, id := range q.order {
		if q.jobs[id].State == StatePending {
			return true
		}
	}
	return false
}

// Get returns a copy of the job with the given id.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// List returns copies of every job currently tracked, oldest first.
func (q *Queue) List() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.jobs[id].Clone())
	}
	return out
}

// Lengths returns the number of jobs currently in each state.
func (q *Queue) Lengths() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[State]int, 5)
	for _, id := range q.order {
		counts[q.jobs[id].State]++
	}
	return counts
}

// Cancel requests cancellation of job id. A pending job is cancelled
// immediately; a running job has its CancelReq flag set for the worker to
// observe at the next batch boundary. Cancelling an already-terminal job
// returns ErrTerminalCancel.
func (q *Queue) Cancel(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State.Terminal() {
		return j.Clone(), ErrTerminalCancel
	}
	if j.State == StatePending {
		j.State = StateCancelled
		j.FinishedAt = time.Now()
	} else {
		j.CancelReq = true
	}
	if err := q.flushLocked(); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// dequeuePending claims the oldest pending job for the worker, marking it
// running. Returns nil if none is pending.
func (q *Queue) dequeuePending() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		j := q.jobs[id]
		if j.State == StatePending {
			j.State = StateRunning
			j.StartedAt = time.Now()
			_ = q.flushLocked()
			return j
		}
	}
	return nil
}

// updateProgress overwrites a running job's progress counters. Called
// frequently from the worker's progress channel, so it intentionally
// skips a Store flush — progress is best-effort and reconstructible;
// only state transitions are durably persisted immediately.
func (q *Queue) updateProgress(id string, p Progress) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		j.Progress = p
	}
}

// finish transitions a running job to a terminal state and flushes.
func (q *Queue) finish(id string, state State, result Result, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return
	}
	j.State = state
	j.FinishedAt = time.Now()
	j.Result = result
	j.Error = errMsg
	_ = q.flushLocked()
}

// cancelRequested reports whether a running job has been asked to cancel.
func (q *Queue) cancelRequested(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	return ok && j.CancelReq
}

func (q *Queue) flushLocked() error {
	jobs := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		jobs = append(jobs, q.jobs[id])
	}
	return q.store.Flush(jobs)
}
