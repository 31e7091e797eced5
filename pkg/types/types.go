// Package types provides core types and collaborator contracts for deckhand
package types

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCancelling JobStatus = "cancelling"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusErrored    JobStatus = "errored"
)

// Active reports whether a job in this state still holds a queue slot
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCancelling:
		return true
	}
	return false
}

// Finished reports whether the state is terminal
func (s JobStatus) Finished() bool {
	return !s.Active() && s != ""
}

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// User is the person who triggered a job
type User interface {
	GetName() string
	GetEmail() string
}

// Project owns the repository a job runs against
type Project interface {
	GetName() string
	GetPermalink() string
	GetRepositoryURL() string
}

// Stage is the deploy target environment
type Stage interface {
	GetName() string
	IsProduction() bool
	IsKubernetes() bool
}

// Deploy links a job to a stage
type Deploy interface {
	GetURL() string
	GetStage() Stage
	// CommitRange derives the "previous...current" range being deployed
	CommitRange() string
}

// Job is the persisted record driven by a job execution.
// Transition methods return an error when the record refuses the move.
type Job interface {
	GetID() string
	GetStatus() JobStatus
	IsActive() bool

	GetURL() string
	GetCommands() []string
	GetUser() User
	GetProject() Project
	// GetDeploy returns nil for plain jobs
	GetDeploy() Deploy
	GetCommit() string
	GetTag() string

	Running() error
	Cancelling() error
	Cancelled() error
	Succeeded() error
	Failed() error
	Errored() error

	UpdateGitReferences(commit, tag string) error
	UpdateOutput(output string) error
}
