package engine

import (
	"context"

	"github.com/deckhand/deckhand/pkg/jobs"
)

// Runnable is a unit of work the queue can schedule
type Runnable interface {
	ID() string
	// Perform runs the work on the calling goroutine. The queue calls it
	// exactly once, on a goroutine of its own.
	Perform(ctx context.Context) error
	// Close tells viewers of a never-started job that it will not run here
	Close()
}

// Lookup answers whether a job is known to the scheduler
type Lookup interface {
	IsExecuting(id string) bool
	IsQueued(id string) bool
}

// SessionProvider hands out the execution-scoped resource held for the
// duration of Perform
type SessionProvider interface {
	Session(ctx context.Context) (*jobs.Session, error)
}

// ExecutionBlock replaces the standard execution path. It runs inside the
// job's temp dir after the reference has been resolved.
type ExecutionBlock func(ctx context.Context, e *JobExecution, dir string) (bool, error)

var (
	_ Runnable        = (*JobExecution)(nil)
	_ Lookup          = (*JobQueue)(nil)
	_ SessionProvider = (*jobs.Store)(nil)
)
