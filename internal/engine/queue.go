package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	dctx "github.com/deckhand/deckhand/pkg/context"
	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/notifier"
)

// ErrUnexpectedExecutingJob means the executing slot of a key held a
// different job than the one that just finished. It is never recovered.
var ErrUnexpectedExecutingJob = errors.New("unexpected executing job")

// DispatchSwitch gates the start of new jobs process-wide. Jobs already
// running are not affected.
type DispatchSwitch struct {
	disabled atomic.Bool
}

// NewDispatchSwitch returns an enabled switch
func NewDispatchSwitch() *DispatchSwitch {
	return &DispatchSwitch{}
}

// Enabled reports whether new jobs may start
func (s *DispatchSwitch) Enabled() bool { return !s.disabled.Load() }

// Enable allows new jobs to start
func (s *DispatchSwitch) Enable() { s.disabled.Store(false) }

// Disable stops new jobs from starting
func (s *DispatchSwitch) Disable() { s.disabled.Store(true) }

// Set enables or disables dispatch
func (s *DispatchSwitch) Set(enabled bool) { s.disabled.Store(!enabled) }

// JobQueue runs at most one job per key and holds the rest in FIFO order.
// Jobs on distinct keys run in parallel, one goroutine each.
type JobQueue struct {
	mu        sync.Mutex
	executing map[string]Runnable
	pending   map[string][]Runnable

	dispatch     *DispatchSwitch
	instrumenter notifier.Instrumenter
	logger       logger.Logger
	baseCtx      context.Context
	workers      *SafeGroup
}

// QueueOption configures a JobQueue
type QueueOption func(*JobQueue)

// WithDispatchSwitch shares a dispatch switch owned by the caller
func WithDispatchSwitch(s *DispatchSwitch) QueueOption {
	return func(q *JobQueue) { q.dispatch = s }
}

// WithQueueInstrumenter sets the sink for job_queue events
func WithQueueInstrumenter(i notifier.Instrumenter) QueueOption {
	return func(q *JobQueue) { q.instrumenter = i }
}

// WithQueueLogger sets the queue logger
func WithQueueLogger(log logger.Logger) QueueOption {
	return func(q *JobQueue) { q.logger = log }
}

// WithBaseContext sets the parent context of every worker
func WithBaseContext(ctx context.Context) QueueOption {
	return func(q *JobQueue) { q.baseCtx = ctx }
}

// NewJobQueue creates an empty queue
func NewJobQueue(opts ...QueueOption) *JobQueue {
	q := &JobQueue{
		executing:    make(map[string]Runnable),
		pending:      make(map[string][]Runnable),
		dispatch:     NewDispatchSwitch(),
		instrumenter: notifier.Nop{},
		logger:       logger.NewNopLogger(),
		baseCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.workers = NewSafeGroup(q.logger)
	return q
}

// Dispatch returns the switch gating new jobs
func (q *JobQueue) Dispatch() *DispatchSwitch {
	return q.dispatch
}

// Add starts r right away when its key is free and queues it otherwise.
// A free key with older waiting jobs starts the oldest one instead. An
// empty key means r.ID(), so unkeyed jobs run in parallel. While dispatch
// is disabled Add does nothing.
func (q *JobQueue) Add(r Runnable, key string) {
	if key == "" {
		key = r.ID()
	}

	var start Runnable
	q.mu.Lock()
	if q.dispatch.Enabled() {
		q.pending[key] = append(q.pending[key], r)
		if _, busy := q.executing[key]; !busy {
			// jobs left waiting while dispatch was off go first
			start = q.promoteLocked(key)
		}
	} else {
		q.logger.Debug("Dispatch disabled, dropping job",
			logger.WithField("job", r.ID()), logger.WithField("queue", key))
	}
	threads, queued := q.countsLocked()
	q.mu.Unlock()

	q.instrument(threads, queued)
	if start != nil {
		q.spawn(start, key)
	}
}

// Resume enables dispatch and starts the head of every key that has
// waiting jobs but nothing running
func (q *JobQueue) Resume() {
	q.dispatch.Enable()

	started := make(map[string]Runnable)
	q.mu.Lock()
	for key := range q.pending {
		if _, busy := q.executing[key]; busy {
			continue
		}
		if next := q.promoteLocked(key); next != nil {
			started[key] = next
		}
	}
	threads, queued := q.countsLocked()
	q.mu.Unlock()

	if len(started) == 0 {
		return
	}
	q.logger.Info("Resuming queued jobs", logger.WithField("count", len(started)))
	q.instrument(threads, queued)
	for key, r := range started {
		q.spawn(r, key)
	}
}

// Dequeue removes a pending job. Executing jobs are never removed.
func (q *JobQueue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, list := range q.pending {
		for i, r := range list {
			if r.ID() != id {
				continue
			}
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(q.pending, key)
			} else {
				q.pending[key] = list
			}
			return true
		}
	}
	return false
}

// FindByID returns the executing job with id, else the pending one, else nil
func (q *JobQueue) FindByID(id string) Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r := q.executingLocked(id); r != nil {
		return r
	}
	return q.queuedLocked(id)
}

// IsExecuting reports whether the job with id is running
func (q *JobQueue) IsExecuting(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executingLocked(id) != nil
}

// IsQueued reports whether the job with id is waiting for its key
func (q *JobQueue) IsQueued(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedLocked(id) != nil
}

// Executing returns the running jobs
func (q *JobQueue) Executing() []Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Runnable, 0, len(q.executing))
	for _, r := range q.executing {
		out = append(out, r)
	}
	return out
}

// Debug returns copies of the executing and pending maps
func (q *JobQueue) Debug() (map[string]Runnable, map[string][]Runnable) {
	q.mu.Lock()
	defer q.mu.Unlock()

	executing := make(map[string]Runnable, len(q.executing))
	for k, r := range q.executing {
		executing[k] = r
	}
	pending := make(map[string][]Runnable, len(q.pending))
	for k, list := range q.pending {
		pending[k] = append([]Runnable(nil), list...)
	}
	return executing, pending
}

// Wait blocks until every worker spawned so far has returned. It returns
// the first worker error, including recovered panics.
func (q *JobQueue) Wait() error {
	return q.workers.Wait()
}

// ClosePending disables dispatch and closes every pending job without
// waiting for the running ones. It returns how many jobs it closed.
func (q *JobQueue) ClosePending() int {
	q.dispatch.Disable()

	q.mu.Lock()
	var closing []Runnable
	for _, list := range q.pending {
		closing = append(closing, list...)
	}
	q.pending = make(map[string][]Runnable)
	threads, queued := q.countsLocked()
	q.mu.Unlock()

	q.instrument(threads, queued)
	for _, r := range closing {
		r.Close()
	}
	return len(closing)
}

// Shutdown disables dispatch, closes every pending job and waits for the
// running ones to finish or for ctx to be done
func (q *JobQueue) Shutdown(ctx context.Context) error {
	closed := q.ClosePending()
	q.logger.Info("Shutting down job queue",
		logger.WithField("executing", len(q.Executing())),
		logger.WithField("closed", closed))

	done := make(chan error, 1)
	go func() { done <- q.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelExecuting cancels every running job that supports it, in parallel,
// and returns once each Cancel has returned
func (q *JobQueue) CancelExecuting() int {
	var wg sync.WaitGroup
	n := 0
	for _, r := range q.Executing() {
		c, ok := r.(canceler)
		if !ok {
			continue
		}
		n++
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel()
		}()
	}
	wg.Wait()
	return n
}

type canceler interface {
	Cancel()
}

func (q *JobQueue) spawn(r Runnable, key string) {
	ctx := dctx.ForJob(q.baseCtx, r.ID(), key)
	q.workers.Go(
		func() error { return r.Perform(ctx) },
		func() { q.complete(r, key) },
	)
}

// complete frees key after r has returned and starts the next pending job
func (q *JobQueue) complete(r Runnable, key string) {
	var next Runnable

	q.mu.Lock()
	previous := q.executing[key]
	delete(q.executing, key)
	if previous != r {
		q.mu.Unlock()
		panic(fmt.Errorf("%w found in queue %s: expected %s got %s",
			ErrUnexpectedExecutingJob, key, runnableID(r), runnableID(previous)))
	}

	if q.dispatch.Enabled() {
		next = q.promoteLocked(key)
	}
	if len(q.pending[key]) == 0 {
		delete(q.pending, key)
	}
	threads, queued := q.countsLocked()
	q.mu.Unlock()

	q.instrument(threads, queued)
	if next != nil {
		q.spawn(next, key)
	}
}

// promoteLocked moves the head of pending[key] into the executing slot
func (q *JobQueue) promoteLocked(key string) Runnable {
	list := q.pending[key]
	if len(list) == 0 {
		return nil
	}
	next := list[0]
	q.executing[key] = next
	if len(list) == 1 {
		delete(q.pending, key)
	} else {
		q.pending[key] = list[1:]
	}
	return next
}

func (q *JobQueue) executingLocked(id string) Runnable {
	for _, r := range q.executing {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

func (q *JobQueue) queuedLocked(id string) Runnable {
	for _, list := range q.pending {
		for _, r := range list {
			if r.ID() == id {
				return r
			}
		}
	}
	return nil
}

func (q *JobQueue) countsLocked() (threads, queued int) {
	for _, list := range q.pending {
		queued += len(list)
	}
	return len(q.executing), queued
}

func (q *JobQueue) instrument(threads, queued int) {
	q.instrumenter.Instrument(notifier.EventJobQueue, map[string]interface{}{
		"threads": threads,
		"queued":  queued,
	})
}

func runnableID(r Runnable) string {
	if r == nil {
		return ""
	}
	return r.ID()
}
