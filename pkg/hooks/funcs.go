package hooks

import (
	"context"

	"github.com/deckhand/deckhand/pkg/types"
)

// SetupFunc adapts a function to an AfterDeploySetup extension
func SetupFunc(name string, fn func(ctx context.Context, ev SetupEvent) error) Extension {
	return setupFunc{name: name, fn: fn}
}

// ExecutionFunc adapts a function to an AfterJobExecution extension
func ExecutionFunc(name string, fn func(ctx context.Context, ev ExecutionEvent) error) Extension {
	return executionFunc{name: name, fn: fn}
}

// VarsFunc adapts a function to a JobAdditionalVars extension
func VarsFunc(name string, fn func(ctx context.Context, job types.Job) (map[string]string, error)) Extension {
	return varsFunc{name: name, fn: fn}
}

type setupFunc struct {
	name string
	fn   func(ctx context.Context, ev SetupEvent) error
}

func (f setupFunc) Name() string { return f.name }
func (f setupFunc) AfterDeploySetup(ctx context.Context, ev SetupEvent) error {
	return f.fn(ctx, ev)
}

type executionFunc struct {
	name string
	fn   func(ctx context.Context, ev ExecutionEvent) error
}

func (f executionFunc) Name() string { return f.name }
func (f executionFunc) AfterJobExecution(ctx context.Context, ev ExecutionEvent) error {
	return f.fn(ctx, ev)
}

type varsFunc struct {
	name string
	fn   func(ctx context.Context, job types.Job) (map[string]string, error)
}

func (f varsFunc) Name() string { return f.name }
func (f varsFunc) JobAdditionalVars(ctx context.Context, job types.Job) (map[string]string, error) {
	return f.fn(ctx, job)
}
