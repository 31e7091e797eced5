// Package hooks defines the extension points fired around a job execution.
//
// Each point is a separate interface so an extension opts in only to the
// points it cares about. Points nobody registered for are no-ops.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/deckhand/deckhand/pkg/output"
	"github.com/deckhand/deckhand/pkg/types"
)

// Point names an extension point
type Point string

const (
	PointAfterDeploySetup  Point = "after_deploy_setup"
	PointAfterJobExecution Point = "after_job_execution"
	PointJobAdditionalVars Point = "job_additional_vars"
)

// Extension is the base interface all extensions implement
type Extension interface {
	Name() string
}

// SetupEvent is passed to AfterDeploySetup once the workspace is ready
type SetupEvent struct {
	Dir       string
	Job       types.Job
	Output    *output.Buffer
	Reference string
}

// ExecutionEvent is passed to AfterJobExecution with the executor's result
type ExecutionEvent struct {
	Job     types.Job
	Success bool
	Output  *output.Buffer
}

// AfterDeploySetup runs before the command executor is invoked
type AfterDeploySetup interface {
	AfterDeploySetup(ctx context.Context, ev SetupEvent) error
}

// AfterJobExecution runs after the command executor returned
type AfterJobExecution interface {
	AfterJobExecution(ctx context.Context, ev ExecutionEvent) error
}

// JobAdditionalVars contributes environment variables to the command env
type JobAdditionalVars interface {
	JobAdditionalVars(ctx context.Context, job types.Job) (map[string]string, error)
}

type setupEntry struct {
	name string
	hook AfterDeploySetup
}

type executionEntry struct {
	name string
	hook AfterJobExecution
}

type varsEntry struct {
	name string
	hook JobAdditionalVars
}

// Registry holds extensions and fires points in registration order
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
	setup      []setupEntry
	execution  []executionEntry
	vars       []varsEntry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register type-asserts the extension into every point it implements
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(AfterDeploySetup); ok {
		r.setup = append(r.setup, setupEntry{name, h})
	}
	if h, ok := e.(AfterJobExecution); ok {
		r.execution = append(r.execution, executionEntry{name, h})
	}
	if h, ok := e.(JobAdditionalVars); ok {
		r.vars = append(r.vars, varsEntry{name, h})
	}
}

// Extensions returns the registered extensions
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extension(nil), r.extensions...)
}

// Registered reports which extensions listen on a point
func (r *Registry) Registered(p Point) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	switch p {
	case PointAfterDeploySetup:
		for _, e := range r.setup {
			names = append(names, e.name)
		}
	case PointAfterJobExecution:
		for _, e := range r.execution {
			names = append(names, e.name)
		}
	case PointJobAdditionalVars:
		for _, e := range r.vars {
			names = append(names, e.name)
		}
	}
	return names
}

// FireAfterDeploySetup stops at the first failing extension
func (r *Registry) FireAfterDeploySetup(ctx context.Context, ev SetupEvent) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	entries := r.setup
	r.mu.RUnlock()

	for _, e := range entries {
		if err := e.hook.AfterDeploySetup(ctx, ev); err != nil {
			return fmt.Errorf("%s %s: %w", PointAfterDeploySetup, e.name, err)
		}
	}
	return nil
}

// FireAfterJobExecution stops at the first failing extension
func (r *Registry) FireAfterJobExecution(ctx context.Context, ev ExecutionEvent) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	entries := r.execution
	r.mu.RUnlock()

	for _, e := range entries {
		if err := e.hook.AfterJobExecution(ctx, ev); err != nil {
			return fmt.Errorf("%s %s: %w", PointAfterJobExecution, e.name, err)
		}
	}
	return nil
}

// FireJobAdditionalVars merges every extension's variables; later
// registrations win on conflicting keys
func (r *Registry) FireJobAdditionalVars(ctx context.Context, job types.Job) (map[string]string, error) {
	vars := map[string]string{}
	if r == nil {
		return vars, nil
	}
	r.mu.RLock()
	entries := r.vars
	r.mu.RUnlock()

	for _, e := range entries {
		extra, err := e.hook.JobAdditionalVars(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", PointJobAdditionalVars, e.name, err)
		}
		for k, v := range extra {
			vars[k] = v
		}
	}
	return vars, nil
}
