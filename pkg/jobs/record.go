// Package jobs provides the job record deckhand executions drive, plus a
// file-backed store for it
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deckhand/deckhand/pkg/types"
)

// ErrInvalidTransition is returned when a record refuses a state change
var ErrInvalidTransition = errors.New("invalid job state transition")

// User identifies who triggered the job
type User struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
}

func (u User) GetName() string  { return u.Name }
func (u User) GetEmail() string { return u.Email }

// Project is the repository owner of a job
type Project struct {
	Name          string `json:"name" yaml:"name"`
	Permalink     string `json:"permalink" yaml:"permalink"`
	RepositoryURL string `json:"repositoryUrl" yaml:"repository"`
}

func (p Project) GetName() string          { return p.Name }
func (p Project) GetPermalink() string     { return p.Permalink }
func (p Project) GetRepositoryURL() string { return p.RepositoryURL }

// Stage is a deploy target
type Stage struct {
	Name       string `json:"name" yaml:"name"`
	Production bool   `json:"production" yaml:"production"`
	Kubernetes bool   `json:"kubernetes" yaml:"kubernetes"`
}

func (s *Stage) GetName() string    { return s.Name }
func (s *Stage) IsProduction() bool { return s.Production }
func (s *Stage) IsKubernetes() bool { return s.Kubernetes }

// Deploy ties a job to a stage
type Deploy struct {
	URL            string `json:"url" yaml:"url"`
	Stage          *Stage `json:"stage,omitempty" yaml:"stage,omitempty"`
	PreviousCommit string `json:"previousCommit,omitempty" yaml:"previousCommit,omitempty"`
}

// Snapshot is the persisted form of a record
type Snapshot struct {
	ID        string          `json:"id"`
	Status    types.JobStatus `json:"status"`
	URL       string          `json:"url"`
	Commands  []string        `json:"commands"`
	User      User            `json:"user"`
	Project   Project         `json:"project"`
	Deploy    *Deploy         `json:"deploy,omitempty"`
	Commit    string          `json:"commit,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	Output    string          `json:"output,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Record is an in-memory types.Job. Each method call is serialized; a
// persist hook, when set, receives a snapshot after every change.
type Record struct {
	mu      sync.Mutex
	data    Snapshot
	persist func(Snapshot) error
}

var _ types.Job = (*Record)(nil)

// NewRecord creates a pending record. An empty id gets a generated one.
func NewRecord(id string, project Project, user User, commands []string, deploy *Deploy) *Record {
	if id == "" {
		id = uuid.New().String()
	}
	return &Record{data: Snapshot{
		ID:        id,
		Status:    types.JobStatusPending,
		Commands:  commands,
		User:      user,
		Project:   project,
		Deploy:    deploy,
		UpdatedAt: time.Now(),
	}}
}

// FromSnapshot restores a record
func FromSnapshot(s Snapshot) *Record {
	return &Record{data: s}
}

// SetURL sets the job's web URL
func (r *Record) SetURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.URL = url
}

// Snapshot returns a copy of the record's data
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Snapshot {
	s := r.data
	s.Commands = append([]string(nil), r.data.Commands...)
	return s
}

func (r *Record) GetID() string { return r.data.ID }

func (r *Record) GetStatus() types.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Status
}

func (r *Record) IsActive() bool { return r.GetStatus().Active() }

func (r *Record) GetURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.URL
}

func (r *Record) GetCommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data.Commands...)
}

func (r *Record) GetUser() types.User       { return r.data.User }
func (r *Record) GetProject() types.Project { return r.data.Project }

// GetDeploy returns nil when the job is not part of a deploy
func (r *Record) GetDeploy() types.Deploy {
	if r.data.Deploy == nil {
		return nil
	}
	return &boundDeploy{deploy: r.data.Deploy, record: r}
}

func (r *Record) GetCommit() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Commit
}

func (r *Record) GetTag() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Tag
}

// GetOutput returns the persisted output
func (r *Record) GetOutput() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Output
}

func (r *Record) Running() error {
	return r.transition(types.JobStatusRunning, types.JobStatusPending)
}

func (r *Record) Cancelling() error {
	return r.transition(types.JobStatusCancelling, types.JobStatusPending, types.JobStatusRunning)
}

// Cancelled is always accepted: a cancel overrides whatever outcome raced it
func (r *Record) Cancelled() error {
	return r.transition(types.JobStatusCancelled)
}

func (r *Record) Succeeded() error {
	return r.transition(types.JobStatusSucceeded, types.JobStatusRunning)
}

func (r *Record) Failed() error {
	return r.transition(types.JobStatusFailed,
		types.JobStatusPending, types.JobStatusRunning, types.JobStatusCancelling)
}

func (r *Record) Errored() error {
	return r.transition(types.JobStatusErrored,
		types.JobStatusPending, types.JobStatusRunning, types.JobStatusCancelling)
}

func (r *Record) UpdateGitReferences(commit, tag string) error {
	return r.update(func(s *Snapshot) error {
		s.Commit = commit
		s.Tag = tag
		return nil
	})
}

func (r *Record) UpdateOutput(out string) error {
	return r.update(func(s *Snapshot) error {
		s.Output = out
		return nil
	})
}

// transition moves to `to` when the current state is one of `from`; an
// empty from list accepts any state
func (r *Record) transition(to types.JobStatus, from ...types.JobStatus) error {
	return r.update(func(s *Snapshot) error {
		if len(from) == 0 {
			s.Status = to
			return nil
		}
		for _, f := range from {
			if s.Status == f {
				s.Status = to
				return nil
			}
		}
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, s.Status, to, s.ID)
	})
}

func (r *Record) update(fn func(*Snapshot) error) error {
	r.mu.Lock()
	if err := fn(&r.data); err != nil {
		r.mu.Unlock()
		return err
	}
	r.data.UpdatedAt = time.Now()
	snap := r.snapshotLocked()
	persist := r.persist
	r.mu.Unlock()

	if persist == nil {
		return nil
	}
	return persist(snap)
}

type boundDeploy struct {
	deploy *Deploy
	record *Record
}

func (d *boundDeploy) GetURL() string { return d.deploy.URL }

func (d *boundDeploy) GetStage() types.Stage {
	if d.deploy.Stage == nil {
		return nil
	}
	return d.deploy.Stage
}

// CommitRange is "<previous>...<current>", or just the current commit on a
// first deploy
func (d *boundDeploy) CommitRange() string {
	current := d.record.GetCommit()
	if d.deploy.PreviousCommit == "" {
		return current
	}
	return d.deploy.PreviousCommit + "..." + current
}
