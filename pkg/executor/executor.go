// Package executor runs a job's command list and lets it be interrupted
package executor

import (
	"context"
	"syscall"
)

//go:generate mockgen -destination=../mocks/mock_executor.go -package=mocks github.com/deckhand/deckhand/pkg/executor Executor,ClusterExecutor

// Canceller is the part of an executor a job execution needs to stop it
type Canceller interface {
	// Cancel signals the running process group. Calling it again, or before
	// anything started, is harmless.
	Cancel(sig syscall.Signal)
}

// Executor runs shell commands and streams their output
type Executor interface {
	Canceller
	Execute(ctx context.Context, commands ...string) (bool, error)
	// PID and PGID are 0 until a process has been started
	PID() int
	PGID() int
}

// ClusterExecutor runs a job on an orchestrated cluster; the commands come
// from the job itself
type ClusterExecutor interface {
	Canceller
	Execute(ctx context.Context) (bool, error)
}
