package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/mocks"
	"github.com/deckhand/deckhand/pkg/notifier"
	"github.com/deckhand/deckhand/pkg/types"
)

func TestDependencyFactory_CreateDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateDir = filepath.Join(t.TempDir(), "jobs")
	cfg.Paused = true

	deps, err := NewDependencyFactory(cfg, logger.NewNopLogger()).CreateDefaults()
	require.NoError(t, err)

	assert.NotNil(t, deps.Store)
	assert.NotNil(t, deps.Hooks)
	assert.NotNil(t, deps.Reporter)
	assert.Nil(t, deps.Cluster)
	assert.False(t, deps.Queue.Dispatch().Enabled(), "paused config starts with dispatch disabled")
	assert.DirExists(t, cfg.StateDir)
}

func TestDependencyFactory_BadKubeconfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateDir = t.TempDir()
	cfg.Kubernetes.Kubeconfig = filepath.Join(t.TempDir(), "missing")

	_, err := NewDependencyFactory(cfg, logger.NewNopLogger()).CreateDefaults()
	assert.ErrorContains(t, err, "kubeconfig")
}

func TestDependencyFactory_CreateWithOverrides(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateDir = t.TempDir()
	recorder := &notifier.Recorder{}
	cluster := fake.NewSimpleClientset()

	deps, err := NewDependencyFactory(cfg, logger.NewNopLogger()).CreateWithOverrides(Dependencies{
		Instrumenter: recorder,
		Cluster:      cluster,
	})
	require.NoError(t, err)

	assert.Same(t, recorder, deps.Instrumenter)
	assert.Same(t, cluster, deps.Cluster)
	assert.NotNil(t, deps.Queue)
}

func TestDependencyFactory_NewExecution(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateDir = t.TempDir()
	factory := NewDependencyFactory(cfg, logger.NewNopLogger())
	recorder := &notifier.Recorder{}
	deps, err := factory.CreateWithOverrides(Dependencies{Instrumenter: recorder})
	require.NoError(t, err)

	job := newJob(nil)
	e := factory.NewExecution(deps, "master", job,
		WithRepository(mocks.NewMockRepository("deadbeef", "")),
		returning(true, nil))

	assert.Equal(t, cfg.CancelTimeout, e.cancelTimeout)
	assert.Same(t, deps.Queue, e.lookup)

	deps.Queue.Add(e, "")
	e.Wait()
	require.NoError(t, deps.Queue.Wait())
	assert.Equal(t, types.JobStatusSucceeded, job.GetStatus())

	// the store session was given back
	s, err := deps.Store.Session(context.Background())
	require.NoError(t, err)
	s.Release()
}
