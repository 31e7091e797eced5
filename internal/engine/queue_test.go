package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand/deckhand/pkg/notifier"
)

// fakeRunnable blocks in Perform until released
type fakeRunnable struct {
	id        string
	release   chan struct{}
	started   chan struct{}
	performed atomic.Int32
	closed    atomic.Bool
	panicWith interface{}
	onPerform func(id string)
}

func newFake(id string) *fakeRunnable {
	return &fakeRunnable{
		id:      id,
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
}

func (f *fakeRunnable) ID() string { return f.id }
func (f *fakeRunnable) Close()     { f.closed.Store(true) }

func (f *fakeRunnable) Perform(context.Context) error {
	f.performed.Add(1)
	if f.onPerform != nil {
		f.onPerform(f.id)
	}
	f.started <- struct{}{}
	<-f.release
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return nil
}

func waitStarted(t *testing.T, f *fakeRunnable) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never started", f.id)
	}
}

func waitIdle(t *testing.T, q *JobQueue) {
	t.Helper()
	require.Eventually(t, func() bool {
		executing, pending := q.Debug()
		return len(executing) == 0 && len(pending) == 0
	}, 5*time.Second, time.Millisecond)
}

// withQueuedJob starts active on queueName and queues queued behind it
func withQueuedJob(t *testing.T, q *JobQueue) (active, queued *fakeRunnable) {
	t.Helper()
	active, queued = newFake("active"), newFake("queued")
	q.Add(active, "my_queue")
	q.Add(queued, "my_queue")
	waitStarted(t, active)
	return active, queued
}

func TestJobQueue_ImmediatelyPerformsWhenKeyIsFree(t *testing.T) {
	q := NewJobQueue()
	active := newFake("active")

	q.Add(active, "")
	waitStarted(t, active)

	assert.True(t, q.IsExecuting("active"))
	assert.False(t, q.IsQueued("active"))
	assert.Same(t, active, q.FindByID("active"))

	close(active.release)
	require.NoError(t, q.Wait())
	waitIdle(t, q)
}

func TestJobQueue_DistinctKeysRunInParallel(t *testing.T) {
	q := NewJobQueue()
	a, b := newFake("a"), newFake("b")

	q.Add(a, "")
	q.Add(b, "")
	waitStarted(t, a)
	waitStarted(t, b)

	assert.True(t, q.IsExecuting("a"))
	assert.True(t, q.IsExecuting("b"))
	assert.Len(t, q.Executing(), 2)

	close(a.release)
	close(b.release)
	require.NoError(t, q.Wait())
}

func TestJobQueue_DisabledDispatchDoesNotPerform(t *testing.T) {
	dispatch := NewDispatchSwitch()
	q := NewJobQueue(WithDispatchSwitch(dispatch))
	dispatch.Disable()
	active := newFake("active")

	q.Add(active, "")

	assert.False(t, q.IsExecuting("active"))
	assert.False(t, q.IsQueued("active"))
	assert.Nil(t, q.FindByID("active"))
	require.NoError(t, q.Wait())
	assert.Zero(t, active.performed.Load())
}

func TestJobQueue_DisabledDispatchDoesNotQueue(t *testing.T) {
	q := NewJobQueue()
	active := newFake("active")
	q.Add(active, "my_queue")
	waitStarted(t, active)

	q.Dispatch().Disable()
	queued := newFake("queued")
	q.Add(queued, "my_queue")

	assert.False(t, q.IsExecuting("queued"))
	assert.False(t, q.IsQueued("queued"))
	assert.Nil(t, q.FindByID("queued"))

	close(active.release)
	require.NoError(t, q.Wait())
	waitIdle(t, q)
}

func TestJobQueue_UnexpectedExecutingJobPanics(t *testing.T) {
	q := NewJobQueue()
	active, queued := newFake("active"), newFake("queued")
	q.executing["my_queue"] = active

	assert.PanicsWithError(t,
		"unexpected executing job found in queue my_queue: expected queued got active",
		func() { q.complete(queued, "my_queue") })
}

func TestJobQueue_ReportsQueueLength(t *testing.T) {
	recorder := &notifier.Recorder{}
	q := NewJobQueue(WithQueueInstrumenter(recorder))

	active, queued := withQueuedJob(t, q)
	close(active.release)
	waitStarted(t, queued)
	close(queued.release)
	require.NoError(t, q.Wait())

	var got [][2]int
	for _, e := range recorder.Events(notifier.EventJobQueue) {
		got = append(got, [2]int{e.Payload["threads"].(int), e.Payload["queued"].(int)})
	}
	assert.Equal(t, [][2]int{{1, 0}, {1, 1}, {1, 0}, {0, 0}}, got)
}

func TestJobQueue_QueuedJob(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)

	assert.False(t, q.IsExecuting("queued"))
	assert.True(t, q.IsQueued("queued"))
	assert.Same(t, queued, q.FindByID("queued"))

	close(active.release)
	close(queued.release)
	require.NoError(t, q.Wait())
}

func TestJobQueue_PromotesNextJobOnCompletion(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)

	close(active.release)
	waitStarted(t, queued)

	assert.Nil(t, q.FindByID("active"))
	assert.True(t, q.IsExecuting("queued"))
	assert.False(t, q.IsQueued("queued"))
	_, pending := q.Debug()
	assert.NotContains(t, pending, "my_queue")

	close(queued.release)
	require.NoError(t, q.Wait())
	waitIdle(t, q)
}

func TestJobQueue_DoesNotPromoteWhenDispatchDisabled(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)

	q.Dispatch().Disable()
	close(active.release)
	require.NoError(t, q.Wait())

	assert.Nil(t, q.FindByID("active"))
	assert.False(t, q.IsExecuting("queued"))
	assert.True(t, q.IsQueued("queued"))
	assert.Zero(t, queued.performed.Load())

	assert.True(t, q.Dequeue("queued"))
	waitIdle(t, q)
}

func TestJobQueue_CleansUpWhenQueueEmpties(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)

	close(active.release)
	close(queued.release)
	waitIdle(t, q)
	require.NoError(t, q.Wait())

	assert.Nil(t, q.FindByID("active"))
	assert.Nil(t, q.FindByID("queued"))
	executing, pending := q.Debug()
	assert.Empty(t, executing)
	assert.Empty(t, pending)
}

func TestJobQueue_Dequeue(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)

	assert.False(t, q.Dequeue("active"), "executing jobs are not dequeued")
	assert.False(t, q.Dequeue("unknown"))
	assert.True(t, q.Dequeue("queued"))
	assert.False(t, q.IsQueued("queued"))
	_, pending := q.Debug()
	assert.Empty(t, pending)

	close(active.release)
	require.NoError(t, q.Wait())
	assert.Zero(t, queued.performed.Load())
}

func TestJobQueue_DebugStartsEmpty(t *testing.T) {
	executing, pending := NewJobQueue().Debug()
	assert.Empty(t, executing)
	assert.Empty(t, pending)
}

func TestJobQueue_SameKeyRunsSeriallyInOrder(t *testing.T) {
	q := NewJobQueue()

	var (
		mu      sync.Mutex
		order   []string
		running atomic.Int32
		maxSeen atomic.Int32
	)
	onPerform := func(id string) {
		n := running.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
	}

	var want []string
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		f := newFake(id)
		f.onPerform = onPerform
		close(f.release)
		q.Add(f, "q1")
		want = append(want, id)
	}

	waitIdle(t, q)
	require.NoError(t, q.Wait())
	assert.Equal(t, want, order)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestJobQueue_PanickingJobFreesKey(t *testing.T) {
	q := NewJobQueue()
	boom := newFake("boom")
	boom.panicWith = "boom"
	next := newFake("next")
	close(next.release)

	q.Add(boom, "q1")
	q.Add(next, "q1")
	waitStarted(t, boom)
	close(boom.release)

	waitIdle(t, q)
	assert.ErrorContains(t, q.Wait(), "goroutine panic: boom")
	assert.Equal(t, int32(1), next.performed.Load())
}

func TestJobQueue_ShutdownClosesPendingAndWaits(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(active.release)
	}()
	require.NoError(t, q.Shutdown(context.Background()))

	assert.True(t, queued.closed.Load())
	assert.Zero(t, queued.performed.Load())
	assert.False(t, q.Dispatch().Enabled())
	waitIdle(t, q)
}

func TestJobQueue_ShutdownHonoursContext(t *testing.T) {
	q := NewJobQueue()
	active := newFake("active")
	q.Add(active, "")
	waitStarted(t, active)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)

	close(active.release)
	require.NoError(t, q.Wait())
}

type cancelableFake struct {
	*fakeRunnable
	once sync.Once
}

func (c *cancelableFake) Cancel() {
	c.once.Do(func() { close(c.release) })
}

func TestJobQueue_CancelExecuting(t *testing.T) {
	q := NewJobQueue()
	a := &cancelableFake{fakeRunnable: newFake("a")}
	plain := newFake("plain")

	q.Add(a, "")
	q.Add(plain, "")
	waitStarted(t, a.fakeRunnable)
	waitStarted(t, plain)

	assert.Equal(t, 1, q.CancelExecuting())
	require.Eventually(t, func() bool { return !q.IsExecuting("a") }, 5*time.Second, time.Millisecond)
	assert.True(t, q.IsExecuting("plain"))

	close(plain.release)
	require.NoError(t, q.Wait())
}

// strandedQueue leaves queued waiting on a free key: active completes while
// dispatch is disabled, then dispatch comes back
func strandedQueue(t *testing.T, q *JobQueue) (queued *fakeRunnable) {
	t.Helper()
	active, queued := withQueuedJob(t, q)
	q.Dispatch().Disable()
	close(active.release)
	require.Eventually(t, func() bool { return !q.IsExecuting("active") }, 5*time.Second, time.Millisecond)
	require.True(t, q.IsQueued("queued"))
	return queued
}

func TestJobQueue_AddAfterReenableKeepsFIFO(t *testing.T) {
	q := NewJobQueue()
	queued := strandedQueue(t, q)
	q.Dispatch().Enable()

	later := newFake("later")
	q.Add(later, "my_queue")

	waitStarted(t, queued)
	assert.True(t, q.IsExecuting("queued"))
	assert.True(t, q.IsQueued("later"))
	assert.Zero(t, later.performed.Load())

	close(queued.release)
	waitStarted(t, later)
	close(later.release)
	require.NoError(t, q.Wait())
	waitIdle(t, q)
}

func TestJobQueue_ResumeStartsWaitingJobs(t *testing.T) {
	q := NewJobQueue()
	queued := strandedQueue(t, q)

	q.Resume()
	assert.True(t, q.Dispatch().Enabled())
	waitStarted(t, queued)
	assert.True(t, q.IsExecuting("queued"))

	later := newFake("later")
	q.Add(later, "my_queue")
	assert.True(t, q.IsQueued("later"), "the resumed job keeps its slot")

	close(queued.release)
	waitStarted(t, later)
	close(later.release)
	require.NoError(t, q.Wait())
	waitIdle(t, q)
}

func TestJobQueue_ResumeLeavesBusyKeysAlone(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)
	q.Dispatch().Disable()

	q.Resume()
	assert.True(t, q.IsExecuting("active"))
	assert.True(t, q.IsQueued("queued"))

	close(active.release)
	waitStarted(t, queued)
	close(queued.release)
	require.NoError(t, q.Wait())
}

func TestJobQueue_ClosePendingDoesNotWait(t *testing.T) {
	q := NewJobQueue()
	active, queued := withQueuedJob(t, q)

	assert.Equal(t, 1, q.ClosePending())
	assert.False(t, q.Dispatch().Enabled())
	assert.True(t, queued.closed.Load())
	assert.False(t, q.IsQueued("queued"))
	assert.True(t, q.IsExecuting("active"), "running jobs are left alone")

	close(active.release)
	require.NoError(t, q.Wait())
	assert.Zero(t, queued.performed.Load())
}
