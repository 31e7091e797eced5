package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand/deckhand/internal/engine"
	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/jobs"
	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/mocks"
	"github.com/deckhand/deckhand/pkg/notifier"
	"github.com/deckhand/deckhand/pkg/types"
)

type fixture struct {
	dir      string
	config   string
	stateDir string
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	events   *notifier.Recorder
	cli      *CLI
}

func newFixture(t *testing.T, extraConfig string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		config:   filepath.Join(dir, "deckhand.yaml"),
		stateDir: filepath.Join(dir, "state"),
		stdout:   &bytes.Buffer{},
		stderr:   &bytes.Buffer{},
		events:   &notifier.Recorder{},
	}
	settings := fmt.Sprintf(`log_level: debug
cancel_timeout: 100ms
tmp_dir: %s
cache_dir: %s
state_dir: %s
%s`, t.TempDir(), filepath.Join(dir, "cache"), f.stateDir, extraConfig)
	require.NoError(t, os.WriteFile(f.config, []byte(settings), 0o644))

	cfg := NewConfig()
	cfg.Version = "1.2.3"
	f.cli = NewCLIWithOutput(cfg, f.stdout, f.stderr)
	f.cli.overrides.Instrumenter = f.events
	f.cli.executionOptions = []engine.ExecutionOption{
		engine.WithRepository(mocks.NewMockRepository("deadbeef", "v1.0.0")),
	}
	return f
}

func (f *fixture) manifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) run(t *testing.T, manifest string) error {
	t.Helper()
	return f.cli.Execute([]string{"--config", f.config, "run", "-f", manifest})
}

func (f *fixture) status(t *testing.T, id string) types.JobStatus {
	t.Helper()
	store, err := jobs.NewStore(f.stateDir, nil, 0)
	require.NoError(t, err)
	rec, err := store.Load(id)
	require.NoError(t, err)
	return rec.GetStatus()
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cfg := NewConfig()
	cfg.Version = "1.2.3"
	c := NewCLIWithOutput(cfg, &out, &bytes.Buffer{})

	require.NoError(t, c.Execute([]string{"version", "--config", "/does/not/exist.yaml"}))
	assert.Contains(t, out.String(), "v1.2.3")
}

func TestRunCommand_Succeeds(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("sh not available")
	}
	f := newFixture(t, "")
	path := f.manifest(t, `jobs:
  - id: "1"
    project: {name: Shop, permalink: shop}
    reference: master
    queue: shop
    env: {GREETING: hello}
    commands:
      - echo "$GREETING from $PROJECT_PERMALINK"
  - id: "2"
    project: {name: Shop, permalink: shop}
    reference: master
    queue: shop
    commands:
      - echo second
`)

	require.NoError(t, f.run(t, path))

	out := f.stdout.String()
	assert.Contains(t, out, "hello from shop")
	assert.Contains(t, out, "[shop 1]")
	assert.Contains(t, out, "[shop 2]")

	assert.Equal(t, types.JobStatusSucceeded, f.status(t, "1"))
	assert.Equal(t, types.JobStatusSucceeded, f.status(t, "2"))
	assert.Len(t, f.events.Events(notifier.EventExecuteJob), 2)
}

func TestRunCommand_FailingJob(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("sh not available")
	}
	f := newFixture(t, "")
	path := f.manifest(t, `jobs:
  - id: ok
    project: {permalink: shop}
    reference: master
    commands: ["true"]
  - id: broken
    project: {permalink: shop}
    reference: master
    commands: ["exit 3"]
`)

	err := f.run(t, path)
	require.ErrorIs(t, err, ErrJobsFailed)
	assert.Contains(t, err.Error(), "1 of 2")

	assert.Equal(t, types.JobStatusSucceeded, f.status(t, "ok"))
	assert.Equal(t, types.JobStatusFailed, f.status(t, "broken"))
}

func TestRunCommand_Paused(t *testing.T) {
	f := newFixture(t, "paused: true\n")
	path := f.manifest(t, `jobs:
  - project: {permalink: shop}
    reference: master
    commands: ["true"]
`)

	assert.ErrorContains(t, f.run(t, path), "paused")
}

func TestRunCommand_InvalidManifest(t *testing.T) {
	f := newFixture(t, "")
	path := f.manifest(t, "jobs: []\n")

	assert.ErrorContains(t, f.run(t, path), "no jobs")
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, os.WriteFile(f.config, []byte("cancel_timeout: -1s\n"), 0o644))

	assert.ErrorContains(t, f.run(t, f.manifest(t, "jobs: []\n")), "cancel_timeout")
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name: "valid",
			data: `jobs:
  - project: {permalink: shop, repository: "git@example.com:shop.git"}
    user: {name: Ada}
    reference: v1.0
    commands: [make deploy]
    deploy:
      url: https://example.com/deploys/1
      stage: {name: production, production: true}
`,
		},
		{name: "empty", data: "", wantErr: "no jobs"},
		{name: "unknown key", data: "jobs:\n  - projekt: {}\n", wantErr: "failed to parse manifest"},
		{
			name:    "missing permalink",
			data:    "jobs:\n  - reference: master\n    commands: [make]\n",
			wantErr: "project.permalink is required",
		},
		{
			name:    "missing reference",
			data:    "jobs:\n  - project: {permalink: shop}\n    commands: [make]\n",
			wantErr: "reference is required",
		},
		{
			name:    "missing commands",
			data:    "jobs:\n  - project: {permalink: shop}\n    reference: master\n",
			wantErr: "commands are required",
		},
		{
			name: "cluster stage without commands",
			data: `jobs:
  - project: {permalink: shop}
    reference: master
    deploy:
      stage: {name: staging, kubernetes: true}
`,
		},
		{
			name: "duplicate id",
			data: `jobs:
  - {id: a, project: {permalink: shop}, reference: master, commands: [make]}
  - {id: a, project: {permalink: shop}, reference: master, commands: [make]}
`,
			wantErr: `duplicate id "a"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.data))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, m.Jobs)
		})
	}
}

func TestManifestJob_Record(t *testing.T) {
	m, err := ParseManifest([]byte(`jobs:
  - project: {permalink: shop}
    user: {name: Ada, email: ada@example.com}
    reference: master
    commands: [make deploy]
    deploy:
      stage: {name: production, production: true}
`))
	require.NoError(t, err)

	rec := m.Jobs[0].Record()
	assert.NotEmpty(t, rec.GetID(), "missing ids are generated")
	assert.Equal(t, "shop", rec.GetProject().GetName(), "name defaults to the permalink")
	assert.Equal(t, "Ada", rec.GetUser().GetName())
	assert.Equal(t, []string{"make deploy"}, rec.GetCommands())
	assert.True(t, rec.GetDeploy().GetStage().IsProduction())
	assert.Equal(t, types.JobStatusPending, rec.GetStatus())
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "01234567", shortID("0123456789"))
}

// heldJob blocks in Perform until released
type heldJob struct {
	id      string
	release chan struct{}
	started chan struct{}
	closed  atomic.Bool
}

func newHeldJob(id string) *heldJob {
	return &heldJob{id: id, release: make(chan struct{}), started: make(chan struct{}, 1)}
}

func (h *heldJob) ID() string { return h.id }
func (h *heldJob) Close()     { h.closed.Store(true) }

func (h *heldJob) Perform(context.Context) error {
	h.started <- struct{}{}
	<-h.release
	return nil
}

func waitHeld(t *testing.T, h *heldJob) {
	t.Helper()
	select {
	case <-h.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not start", h.id)
	}
}

func TestApplySettings_PauseDoesNotBlock(t *testing.T) {
	c := NewCLIWithOutput(NewConfig(), &bytes.Buffer{}, &bytes.Buffer{})
	q := engine.NewJobQueue()
	running, waiting := newHeldJob("running"), newHeldJob("waiting")
	q.Add(running, "shop")
	q.Add(waiting, "shop")
	waitHeld(t, running)
	defer close(running.release)

	apply := c.applySettings(q, nil, logger.NewNopLogger())
	done := make(chan struct{})
	go func() {
		apply(&config.Config{Paused: true}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload callback waited for the running job")
	}
	assert.False(t, q.Dispatch().Enabled())
	assert.True(t, waiting.closed.Load())
	assert.True(t, q.IsExecuting("running"))
}

func TestApplySettings_UnpauseResumesQueue(t *testing.T) {
	c := NewCLIWithOutput(NewConfig(), &bytes.Buffer{}, &bytes.Buffer{})
	q := engine.NewJobQueue()
	first, second := newHeldJob("first"), newHeldJob("second")
	q.Add(first, "shop")
	q.Add(second, "shop")
	waitHeld(t, first)

	q.Dispatch().Disable()
	close(first.release)
	require.Eventually(t, func() bool { return !q.IsExecuting("first") }, 5*time.Second, time.Millisecond)
	require.True(t, q.IsQueued("second"))

	c.applySettings(q, nil, logger.NewNopLogger())(&config.Config{}, nil)

	assert.True(t, q.Dispatch().Enabled())
	waitHeld(t, second)
	close(second.release)
	require.NoError(t, q.Wait())
}

func TestApplySettings_IgnoresInvalidConfig(t *testing.T) {
	c := NewCLIWithOutput(NewConfig(), &bytes.Buffer{}, &bytes.Buffer{})
	q := engine.NewJobQueue()

	c.applySettings(q, nil, logger.NewNopLogger())(&config.Config{Paused: true}, fmt.Errorf("bad yaml"))
	assert.True(t, q.Dispatch().Enabled())
}

func (f *fixture) seed(t *testing.T, id string, finish func(*jobs.Record) error) {
	t.Helper()
	store, err := jobs.NewStore(f.stateDir, nil, 0)
	require.NoError(t, err)
	r := jobs.NewRecord(id, jobs.Project{Name: "Shop", Permalink: "shop"}, jobs.User{}, []string{"make"}, nil)
	require.NoError(t, store.Track(r))
	if finish != nil {
		require.NoError(t, r.Running())
		require.NoError(t, finish(r))
	}
}

func TestJobsCommands(t *testing.T) {
	f := newFixture(t, "")
	f.seed(t, "a-done", (*jobs.Record).Succeeded)
	f.seed(t, "b-broken", (*jobs.Record).Failed)
	f.seed(t, "c-waiting", nil)

	require.NoError(t, f.cli.Execute([]string{"--config", f.config, "jobs", "list"}))
	out := f.stdout.String()
	assert.Contains(t, out, "a-done")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "b-broken")
	assert.Contains(t, out, "pending")

	f.stdout.Reset()
	require.NoError(t, f.cli.Execute([]string{"--config", f.config, "jobs", "prune"}))
	assert.Contains(t, f.stdout.String(), "Removed 2 of 3 jobs")

	store, err := jobs.NewStore(f.stateDir, nil, 0)
	require.NoError(t, err)
	left, err := store.List()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c-waiting", left[0].GetID())
}

func TestJobsList_Empty(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.cli.Execute([]string{"--config", f.config, "jobs", "list"}))
	assert.Contains(t, f.stdout.String(), "No jobs")
}
