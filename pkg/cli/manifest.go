package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/deckhand/deckhand/pkg/jobs"
)

// Manifest lists the jobs a run submits
type Manifest struct {
	Jobs []ManifestJob `yaml:"jobs"`
}

// ManifestJob describes one job. Queue serializes jobs sharing it; an
// empty queue runs the job on its own.
type ManifestJob struct {
	ID        string            `yaml:"id"`
	Project   jobs.Project      `yaml:"project"`
	User      jobs.User         `yaml:"user"`
	Reference string            `yaml:"reference"`
	Queue     string            `yaml:"queue"`
	Commands  []string          `yaml:"commands"`
	Env       map[string]string `yaml:"env"`
	Deploy    *jobs.Deploy      `yaml:"deploy"`
}

// LoadManifest reads and validates a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest, rejecting unknown keys
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every job can be run
func (m *Manifest) Validate() error {
	if len(m.Jobs) == 0 {
		return fmt.Errorf("manifest has no jobs")
	}
	ids := make(map[string]bool, len(m.Jobs))
	for i, j := range m.Jobs {
		switch {
		case j.Project.Permalink == "":
			return fmt.Errorf("job %d: project.permalink is required", i)
		case j.Reference == "":
			return fmt.Errorf("job %d: reference is required", i)
		case len(j.Commands) == 0 && (j.Deploy == nil || j.Deploy.Stage == nil || !j.Deploy.Stage.Kubernetes):
			return fmt.Errorf("job %d: commands are required", i)
		}
		if j.ID != "" {
			if ids[j.ID] {
				return fmt.Errorf("job %d: duplicate id %q", i, j.ID)
			}
			ids[j.ID] = true
		}
	}
	return nil
}

// Record builds the job record for j
func (j ManifestJob) Record() *jobs.Record {
	project := j.Project
	if project.Name == "" {
		project.Name = project.Permalink
	}
	return jobs.NewRecord(j.ID, project, j.User, j.Commands, j.Deploy)
}
