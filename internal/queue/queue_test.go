package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest(path string) Request {
	return Request{Path: path, Op: OperationFullIndex}
}

func TestQueue_Submit_EnqueuesNewJob(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	res, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)
	assert.False(t, res.DedupeHit)
	assert.Equal(t, StatePending, res.Job.State)
	assert.Equal(t, 1, res.QueuePosition)
	assert.Equal(t, 1, res.QueueLength)
}

func TestQueue_Submit_DedupeHitReturnsExistingJob(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	first, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)

	second, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)

	assert.True(t, second.DedupeHit)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 1, second.QueueLength)
}

func TestQueue_Submit_DedupeIgnoresPatternOrder(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	a, err := q.Submit(Request{Path: "/p", Op: OperationFullIndex, Patterns: []string{"*.go", "*.md"}})
	require.NoError(t, err)

	b, err := q.Submit(Request{Path: "/p", Op: OperationFullIndex, Patterns: []string{"*.md", "*.go"}})
	require.NoError(t, err)

	assert.True(t, b.DedupeHit)
	assert.Equal(t, a.Job.ID, b.Job.ID)
}

func TestQueue_Submit_QueueFullWhenAtCapacity(t *testing.T) {
	q, err := Open(t.TempDir(), 1, 24*time.Hour)
	require.NoError(t, err)

	_, err = q.Submit(testRequest("/p1"))
	require.NoError(t, err)

	_, err = q.Submit(testRequest("/p2"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueue_Submit_SucceedsOnceASlotTerminates(t *testing.T) {
	q, err := Open(t.TempDir(), 1, 24*time.Hour)
	require.NoError(t, err)

	first, err := q.Submit(testRequest("/p1"))
	require.NoError(t, err)

	q.finish(first.Job.ID, StateDone, Result{}, "")

	_, err = q.Submit(testRequest("/p2"))
	assert.NoError(t, err)
}

func TestQueue_Cancel_PendingJobTransitionsImmediately(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	res, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)

	job, err := q.Cancel(res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State)
}

func TestQueue_Cancel_RunningJobSetsCancelRequestedFlag(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	res, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)
	q.dequeuePending()

	job, err := q.Cancel(res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, job.State)
	assert.True(t, q.cancelRequested(res.Job.ID))
}

func TestQueue_Cancel_TerminalJobReturnsConflict(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	res, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)
	q.finish(res.Job.ID, StateDone, Result{}, "")

	_, err = q.Cancel(res.Job.ID)
	assert.ErrorIs(t, err, ErrTerminalCancel)
}

func TestQueue_Cancel_UnknownJobReturnsNotFound(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	_, err = q.Cancel("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_DequeuePending_FIFOOrder(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	first, err := q.Submit(testRequest("/p1"))
	require.NoError(t, err)
	second, err := q.Submit(testRequest("/p2"))
	require.NoError(t, err)

	got := q.dequeuePending()
	require.NotNil(t, got)
	assert.Equal(t, first.Job.ID, got.ID)
	assert.Equal(t, StateRunning, got.State)

	q.finish(first.Job.ID, StateDone, Result{}, "")

	got = q.dequeuePending()
	require.NotNil(t, got)
	assert.Equal(t, second.Job.ID, got.ID)
}

func TestQueue_Lengths_CountsByState(t *testing.T) {
	q, err := Open(t.TempDir(), 10, 24*time.Hour)
	require.NoError(t, err)

	a, err := q.Submit(testRequest("/p1"))
	require.NoError(t, err)
	_, err = q.Submit(testRequest("/p2"))
	require.NoError(t, err)

	q.finish(a.Job.ID, StateDone, Result{}, "")

	lengths := q.Lengths()
	assert.Equal(t, 1, lengths[StatePending])
	assert.Equal(t, 1, lengths[StateDone])
}

func TestQueue_Open_RecoversRunningJobsToPending(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir, 10, 24*time.Hour)
	require.NoError(t, err)
	res, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)
	q.dequeuePending()
	require.Equal(t, StateRunning, q.jobs[res.Job.ID].State)

	reopened, err := Open(dir, 10, 24*time.Hour)
	require.NoError(t, err)

	job, err := reopened.Get(res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
}

func TestQueue_Open_DropsStaleTerminalJobs(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir, 10, 24*time.Hour)
	require.NoError(t, err)
	res, err := q.Submit(testRequest("/p"))
	require.NoError(t, err)
	q.finish(res.Job.ID, StateDone, Result{}, "")
	q.jobs[res.Job.ID].FinishedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, q.flushLocked())

	reopened, err := Open(dir, 10, 24*time.Hour)
	require.NoError(t, err)

	_, err = reopened.Get(res.Job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
