package engine

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/errtrack"
	"github.com/deckhand/deckhand/pkg/executor"
	"github.com/deckhand/deckhand/pkg/hooks"
	"github.com/deckhand/deckhand/pkg/jobs"
	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/notifier"
	"github.com/deckhand/deckhand/pkg/types"
)

// Dependencies are the collaborators shared by every execution of a process
type Dependencies struct {
	Queue        *JobQueue
	Store        *jobs.Store
	Hooks        *hooks.Registry
	Reporter     errtrack.Reporter
	Instrumenter notifier.Instrumenter
	Cluster      kubernetes.Interface
}

// DependencyFactory creates default implementations of dependencies from
// configuration, so constructors carry no hidden fallbacks
type DependencyFactory struct {
	config *config.Config
	logger logger.Logger
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(cfg *config.Config, log logger.Logger) *DependencyFactory {
	return &DependencyFactory{config: cfg, logger: log}
}

// CreateDefaults creates all default dependencies
func (f *DependencyFactory) CreateDefaults() (*Dependencies, error) {
	store, err := jobs.NewStore(f.config.StateDir, f.logger, 0)
	if err != nil {
		return nil, err
	}
	cluster, err := f.createClusterClient()
	if err != nil {
		return nil, err
	}

	instrumenter := f.createNotifier()
	dispatch := NewDispatchSwitch()
	dispatch.Set(!f.config.Paused)

	return &Dependencies{
		Queue: NewJobQueue(
			WithDispatchSwitch(dispatch),
			WithQueueInstrumenter(instrumenter),
			WithQueueLogger(f.logger),
		),
		Store:        store,
		Hooks:        hooks.NewRegistry(),
		Reporter:     errtrack.NewLogReporter(f.logger, ""),
		Instrumenter: instrumenter,
		Cluster:      cluster,
	}, nil
}

// CreateWithOverrides creates dependencies with specific overrides.
// Non-nil fields of overrides replace the defaults.
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) (*Dependencies, error) {
	deps, err := f.CreateDefaults()
	if err != nil {
		return nil, err
	}

	if overrides.Queue != nil {
		deps.Queue = overrides.Queue
	}
	if overrides.Store != nil {
		deps.Store = overrides.Store
	}
	if overrides.Hooks != nil {
		deps.Hooks = overrides.Hooks
	}
	if overrides.Reporter != nil {
		deps.Reporter = overrides.Reporter
	}
	if overrides.Instrumenter != nil {
		deps.Instrumenter = overrides.Instrumenter
	}
	if overrides.Cluster != nil {
		deps.Cluster = overrides.Cluster
	}
	return deps, nil
}

// NewExecution builds an execution wired to the shared dependencies. opts
// are applied last and win.
func (f *DependencyFactory) NewExecution(deps *Dependencies, reference string, job types.Job, opts ...ExecutionOption) *JobExecution {
	base := []ExecutionOption{
		WithConfig(f.config),
		WithLogger(f.logger),
		WithHooks(deps.Hooks),
		WithReporter(deps.Reporter),
		WithInstrumenter(deps.Instrumenter),
	}
	if deps.Queue != nil {
		base = append(base, WithLookup(deps.Queue))
	}
	if deps.Store != nil {
		base = append(base, WithSessions(deps.Store))
	}
	if deps.Cluster != nil {
		base = append(base, WithCluster(deps.Cluster, executor.KubernetesConfig{
			Namespace:    f.config.Kubernetes.Namespace,
			Image:        f.config.Kubernetes.Image,
			PollInterval: f.config.Kubernetes.PollInterval,
		}))
	}
	return NewJobExecution(reference, job, append(base, opts...)...)
}

func (f *DependencyFactory) createNotifier() notifier.Instrumenter {
	return notifier.New(notifier.Config{
		Enabled:        f.config.Notifications.Enabled,
		QueueThreshold: f.config.Notifications.QueueThreshold,
	}, f.logger)
}

// createClusterClient returns nil when no kubeconfig is configured
func (f *DependencyFactory) createClusterClient() (kubernetes.Interface, error) {
	if f.config.Kubernetes.Kubeconfig == "" {
		return nil, nil
	}
	restConfig, err := clientcmd.BuildConfigFromFlags("", f.config.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}
	return client, nil
}
