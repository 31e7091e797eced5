package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"k8s.io/client-go/kubernetes"

	"github.com/deckhand/deckhand/pkg/config"
	dctx "github.com/deckhand/deckhand/pkg/context"
	"github.com/deckhand/deckhand/pkg/errtrack"
	"github.com/deckhand/deckhand/pkg/executor"
	"github.com/deckhand/deckhand/pkg/hooks"
	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/notifier"
	"github.com/deckhand/deckhand/pkg/output"
	"github.com/deckhand/deckhand/pkg/repository"
	"github.com/deckhand/deckhand/pkg/types"
)

const (
	defaultCancelTimeout = 15 * time.Second
	traceLines           = 10
	activeNotRunning     = "Active but not running job found"
)

// ErrAlreadyStarted is returned by Perform on a second call
var ErrAlreadyStarted = errors.New("job execution already started")

// removeAll is swapped in tests to simulate teardown races
var removeAll = os.RemoveAll

// JobExecution runs one attempt of a job against a reference. It is single
// use: Perform runs it once, Cancel stops it, and the finish callbacks run
// exactly once whichever of the two concludes the job.
type JobExecution struct {
	reference string
	job       types.Job
	env       map[string]string
	out       *output.Buffer
	executor  executor.Executor
	block     ExecutionBlock

	repo          repository.Repository
	hooks         *hooks.Registry
	reporter      errtrack.Reporter
	instrumenter  notifier.Instrumenter
	lookup        Lookup
	sessions      SessionProvider
	logger        logger.Logger
	cancelTimeout time.Duration
	verbose       bool
	tmpDir        string
	cacheDir      string
	kubeClient    kubernetes.Interface
	kubeConfig    executor.KubernetesConfig

	mu              sync.Mutex
	startCallbacks  []func()
	finishCallbacks []func()
	started         bool
	running         bool
	cluster         executor.ClusterExecutor
	workerCancel    context.CancelFunc
	done            chan struct{}

	// stateMu orders job transitions against the cancelled flag so a
	// cancel always has the last word
	stateMu   sync.Mutex
	cancelled bool

	finishOnce sync.Once
}

// ExecutionOption configures a JobExecution
type ExecutionOption func(*JobExecution)

// WithEnv sets environment overrides; they take precedence over everything
func WithEnv(env map[string]string) ExecutionOption {
	return func(e *JobExecution) { e.env = env }
}

// WithOutput sets the output buffer
func WithOutput(out *output.Buffer) ExecutionOption {
	return func(e *JobExecution) { e.out = out }
}

// WithExecutionBlock replaces the standard execution path
func WithExecutionBlock(block ExecutionBlock) ExecutionOption {
	return func(e *JobExecution) { e.block = block }
}

// WithExecutor replaces the terminal executor
func WithExecutor(ex executor.Executor) ExecutionOption {
	return func(e *JobExecution) { e.executor = ex }
}

// WithRepository replaces the git repository derived from the project
func WithRepository(repo repository.Repository) ExecutionOption {
	return func(e *JobExecution) { e.repo = repo }
}

// WithHooks sets the extension registry
func WithHooks(r *hooks.Registry) ExecutionOption {
	return func(e *JobExecution) { e.hooks = r }
}

// WithReporter sets the error reporter
func WithReporter(r errtrack.Reporter) ExecutionOption {
	return func(e *JobExecution) { e.reporter = r }
}

// WithInstrumenter sets the sink for execute_job events
func WithInstrumenter(i notifier.Instrumenter) ExecutionOption {
	return func(e *JobExecution) { e.instrumenter = i }
}

// WithLookup lets finish detect jobs the scheduler has lost track of
func WithLookup(l Lookup) ExecutionOption {
	return func(e *JobExecution) { e.lookup = l }
}

// WithSessions sets where Perform takes its session from
func WithSessions(s SessionProvider) ExecutionOption {
	return func(e *JobExecution) { e.sessions = s }
}

// WithLogger sets the logger; it is scoped to the job id
func WithLogger(log logger.Logger) ExecutionOption {
	return func(e *JobExecution) { e.logger = log }
}

// WithCancelTimeout sets how long each cancel escalation step waits
func WithCancelTimeout(d time.Duration) ExecutionOption {
	return func(e *JobExecution) { e.cancelTimeout = d }
}

// WithConfig applies timeouts, directories and cluster settings
func WithConfig(cfg *config.Config) ExecutionOption {
	return func(e *JobExecution) {
		e.cancelTimeout = cfg.CancelTimeout
		e.verbose = cfg.VerboseErrors
		e.tmpDir = cfg.TmpDir
		e.cacheDir = cfg.CacheDir
		e.kubeConfig = executor.KubernetesConfig{
			Namespace:    cfg.Kubernetes.Namespace,
			Image:        cfg.Kubernetes.Image,
			PollInterval: cfg.Kubernetes.PollInterval,
		}
	}
}

// WithCluster sets the client used for cluster-managed stages
func WithCluster(client kubernetes.Interface, cfg executor.KubernetesConfig) ExecutionOption {
	return func(e *JobExecution) {
		e.kubeClient = client
		e.kubeConfig = cfg
	}
}

// NewJobExecution prepares an attempt of job against reference
func NewJobExecution(reference string, job types.Job, opts ...ExecutionOption) *JobExecution {
	e := &JobExecution{
		reference:     reference,
		job:           job,
		env:           map[string]string{},
		instrumenter:  notifier.Nop{},
		logger:        logger.NewNopLogger(),
		cancelTimeout: defaultCancelTimeout,
		tmpDir:        os.TempDir(),
		cacheDir:      filepath.Join(os.TempDir(), "deckhand"),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.WithJob(job.GetID())
	if e.out == nil {
		e.out = output.NewBuffer()
	}
	project := job.GetProject()
	if e.executor == nil {
		e.executor = executor.NewTerminalExecutor(e.out,
			executor.WithVerbose(true),
			executor.WithContext(project, job.GetDeploy()),
			executor.WithLogger(e.logger))
	}
	if e.repo == nil {
		e.repo = repository.NewGit(project.GetRepositoryURL(),
			filepath.Join(e.cacheDir, "mirrors", project.GetPermalink()), e.logger)
	}

	e.OnFinish(e.conclude)
	return e
}

// OnStart registers fn to run at the start of Perform, before any state
// transition
func (e *JobExecution) OnStart(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCallbacks = append(e.startCallbacks, fn)
}

// OnFinish registers fn to run once the job has concluded, whatever the
// outcome
func (e *JobExecution) OnFinish(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishCallbacks = append(e.finishCallbacks, fn)
}

// ID returns the job id
func (e *JobExecution) ID() string { return e.job.GetID() }

// Job returns the job being run
func (e *JobExecution) Job() types.Job { return e.job }

// Reference returns the branch, tag or commit being run
func (e *JobExecution) Reference() string { return e.reference }

// Output returns the output buffer viewers subscribe to
func (e *JobExecution) Output() *output.Buffer { return e.out }

// PID returns the pid of the running command, 0 before start
func (e *JobExecution) PID() int { return e.executor.PID() }

// PGID returns the process group of the running command, 0 before start
func (e *JobExecution) PGID() int { return e.executor.PGID() }

// Descriptor formats the execution for listings
func (e *JobExecution) Descriptor() string {
	return fmt.Sprintf("%s - %s", e.job.GetProject().GetName(), e.reference)
}

// Perform runs the job on the calling goroutine. It holds a session from
// the configured provider for its whole duration.
func (e *JobExecution) Perform(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	ctx, cancel := context.WithCancel(ctx)
	e.workerCancel = cancel
	e.mu.Unlock()

	defer close(e.done)
	defer cancel()

	if e.isCancelled() {
		return nil
	}

	ctx = dctx.WithJobID(ctx, e.ID())
	ctx = dctx.WithStartTime(ctx, time.Now())
	if e.sessions != nil {
		session, err := e.sessions.Session(ctx)
		if err != nil {
			if e.isCancelled() {
				return nil
			}
			e.handleError(ctx, err)
			e.finish()
			return nil
		}
		defer session.Release()
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	if e.isCancelled() {
		return nil
	}

	e.run(ctx)
	return nil
}

// Wait blocks until Perform has returned
func (e *JobExecution) Wait() {
	<-e.done
}

// Close tells viewers of a job that never started that it will resume
// elsewhere. The job state is left alone.
func (e *JobExecution) Close() {
	e.out.Write("", output.MarkerReloaded)
	e.out.Close()
}

// Cancel interrupts the job, escalates to a kill after the cancel timeout,
// and gives up on the worker after a second timeout. It returns once the
// job is cancelled and the finish callbacks have run. A worker that ignored
// both signals is left running with its context cancelled.
func (e *JobExecution) Cancel() {
	e.stateMu.Lock()
	e.cancelled = true
	if err := e.job.Cancelling(); err != nil {
		e.logger.Debug("Could not mark job cancelling", logger.WithField("error", err))
	}
	e.stateMu.Unlock()

	e.mu.Lock()
	started := e.started
	running := e.running
	workerCancel := e.workerCancel
	timeout := e.cancelTimeout
	e.mu.Unlock()

	// a worker still waiting for its session has nothing to signal
	if started && !running {
		workerCancel()
	}
	e.signal(syscall.SIGINT)
	if started && !e.waitFor(timeout) {
		e.logger.Warn("Job ignored interrupt, killing it",
			logger.WithField("timeout", timeout))
		e.signal(syscall.SIGKILL)
		if !e.waitFor(timeout) {
			e.logger.Error("Job ignored kill, abandoning its worker",
				logger.WithField("pid", e.PID()))
			workerCancel()
		}
	}

	e.stateMu.Lock()
	if err := e.job.Cancelled(); err != nil {
		e.logger.Warn("Could not mark job cancelled", logger.WithField("error", err))
	}
	e.stateMu.Unlock()

	e.finish()
}

// SetCancelTimeout changes how long Cancel waits at each escalation step.
// It affects cancels that have not started yet.
func (e *JobExecution) SetCancelTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimeout = d
}

// BaseCommands changes into dir and exports the project variables merged
// with env. Keys are exported in sorted order.
func (e *JobExecution) BaseCommands(dir string, env map[string]string) ([]string, error) {
	project := e.job.GetProject()
	artifacts := filepath.Join(e.cacheDir, project.GetPermalink(), "artifacts")
	if err := os.MkdirAll(artifacts, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact cache dir: %w", err)
	}

	vars := map[string]string{
		"PROJECT_NAME":       project.GetName(),
		"PROJECT_PERMALINK":  project.GetPermalink(),
		"PROJECT_REPOSITORY": project.GetRepositoryURL(),
		"CACHE_DIR":          artifacts,
	}
	for k, v := range env {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	commands := make([]string, 0, len(keys)+1)
	commands = append(commands, "cd "+shellescape.Quote(dir))
	for _, k := range keys {
		commands = append(commands, fmt.Sprintf("export %s=%s", k, shellescape.Quote(vars[k])))
	}
	return commands, nil
}

func (e *JobExecution) run(ctx context.Context) {
	defer func() {
		if !e.isCancelled() {
			e.finish()
		}
	}()

	if err := e.lifecycle(ctx); err != nil && !e.isCancelled() {
		e.handleError(ctx, err)
	}
}

func (e *JobExecution) lifecycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	e.out.Write("", output.MarkerStarted)
	for _, fn := range e.callbacks(&e.startCallbacks) {
		fn()
	}
	if err := e.transition(e.job.Running); err != nil {
		return err
	}

	var ready, success bool
	err = e.withTempDir(ctx, func(dir string) error {
		ok, err := e.setup(dctx.WithOperation(ctx, "setup"), dir)
		if err != nil || !ok {
			return err
		}
		ready = true

		execCtx := dctx.WithOperation(ctx, "execute")
		if e.block != nil {
			success, err = e.block(execCtx, e, dir)
		} else {
			success, err = e.execute(execCtx, dir)
		}
		return err
	})
	switch {
	case err != nil:
		return err
	case !ready:
		return e.transition(e.job.Errored)
	case success:
		return e.transition(e.job.Succeeded)
	default:
		return e.transition(e.job.Failed)
	}
}

// setup resolves the reference and checks out the workspace. It returns
// false when the job cannot run.
func (e *JobExecution) setup(ctx context.Context, dir string) (bool, error) {
	commit, err := e.repo.CommitFromRef(ctx, e.reference)
	if err != nil {
		if !errors.Is(err, repository.ErrCommitNotFound) {
			return false, err
		}
		e.out.Puts("Could not find commit for " + e.reference)
		return false, nil
	}
	tag, err := e.repo.FuzzyTagFromRef(ctx, e.reference)
	if err != nil {
		return false, err
	}
	if err := e.job.UpdateGitReferences(commit, tag); err != nil {
		return false, err
	}
	e.out.Puts("Commit: " + commit)

	if stage := e.stage(); stage != nil && stage.IsKubernetes() {
		return true, nil
	}
	if err := e.repo.CheckoutWorkspace(ctx, dir, e.reference, e.out.Writer()); err != nil {
		logger.WithContext(ctx, e.logger).Warn("Checkout failed", logger.WithField("error", err))
		e.out.Puts(fmt.Sprintf("Could not check out %s: %v", e.reference, err))
		return false, nil
	}
	return true, nil
}

func (e *JobExecution) execute(ctx context.Context, dir string) (bool, error) {
	err := e.hooks.FireAfterDeploySetup(ctx, hooks.SetupEvent{
		Dir:       dir,
		Job:       e.job,
		Output:    e.out,
		Reference: e.reference,
	})
	if err != nil {
		return false, err
	}

	e.out.Write("\n# Executing deploy\n", output.MarkerNone)
	if deploy := e.job.GetDeploy(); deploy != nil {
		e.out.Write(fmt.Sprintf("# Deploy URL: %s\n", deploy.GetURL()), output.MarkerNone)
	}

	stage := e.stage()
	payload := map[string]interface{}{
		"stage":      "none",
		"project":    e.job.GetProject().GetName(),
		"production": false,
	}
	if stage != nil {
		payload["stage"] = stage.GetName()
		payload["production"] = stage.IsProduction()
	}

	started := time.Now()
	var success bool
	if stage != nil && stage.IsKubernetes() {
		success, err = e.executeOnCluster(ctx)
	} else {
		success, err = e.executeCommands(ctx, dir)
	}
	payload["success"] = success
	payload["duration"] = time.Since(started)
	e.instrumenter.Instrument(notifier.EventExecuteJob, payload)
	if err != nil {
		return false, err
	}

	err = e.hooks.FireAfterJobExecution(ctx, hooks.ExecutionEvent{
		Job:     e.job,
		Success: success,
		Output:  e.out,
	})
	if err != nil {
		return false, err
	}
	return success, nil
}

func (e *JobExecution) executeCommands(ctx context.Context, dir string) (bool, error) {
	env, err := e.commandEnv(ctx)
	if err != nil {
		return false, err
	}
	commands, err := e.BaseCommands(dir, env)
	if err != nil {
		return false, err
	}
	return e.executor.Execute(ctx, append(commands, e.job.GetCommands()...)...)
}

func (e *JobExecution) executeOnCluster(ctx context.Context) (bool, error) {
	if e.kubeClient == nil {
		return false, errtrack.NewUserError("stage %s is cluster-managed but no cluster is configured", e.stage().GetName())
	}
	cluster := executor.NewKubernetesExecutor(e.kubeClient, e.kubeConfig, e.out, e.job, e.reference, e.logger)

	e.mu.Lock()
	e.cluster = cluster
	e.mu.Unlock()

	// a cancel may have arrived before the cluster executor existed
	if e.isCancelled() {
		return false, nil
	}
	return cluster.Execute(ctx)
}

// commandEnv merges, lowest precedence first: job metadata, hook
// contributed vars, caller overrides. Project vars are added underneath by
// BaseCommands.
func (e *JobExecution) commandEnv(ctx context.Context) (map[string]string, error) {
	user := e.job.GetUser()
	tag := e.job.GetTag()
	if tag == "" {
		tag = e.job.GetCommit()
	}
	env := map[string]string{
		"DEPLOY_URL":     e.job.GetURL(),
		"DEPLOYER":       user.GetEmail(),
		"DEPLOYER_EMAIL": user.GetEmail(),
		"DEPLOYER_NAME":  user.GetName(),
		"REFERENCE":      e.reference,
		"REVISION":       e.job.GetCommit(),
		"TAG":            tag,
	}
	if deploy := e.job.GetDeploy(); deploy != nil {
		env["COMMIT_RANGE"] = deploy.CommitRange()
	}

	extra, err := e.hooks.FireJobAdditionalVars(ctx, e.job)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		env[k] = v
	}
	for k, v := range e.env {
		env[k] = v
	}
	return env, nil
}

// withTempDir runs fn inside a fresh job-scoped directory and removes it
// afterwards. ENOTEMPTY and ENOENT during removal are logged and reported
// but do not fail the job.
func (e *JobExecution) withTempDir(ctx context.Context, fn func(dir string) error) (err error) {
	pattern := fmt.Sprintf("deckhand-%s-%s-", e.job.GetProject().GetPermalink(), e.ID())
	dir, err := os.MkdirTemp(e.tmpDir, pattern)
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	defer func() {
		rmErr := removeAll(dir)
		if rmErr == nil {
			return
		}
		if errors.Is(rmErr, syscall.ENOTEMPTY) || errors.Is(rmErr, fs.ErrNotExist) {
			e.logger.Warn("Temp dir cleanup failed", logger.WithField("error", rmErr))
			e.report(ctx, fmt.Errorf("temp dir cleanup: %w", rmErr))
			return
		}
		if err == nil {
			err = fmt.Errorf("failed to remove temp dir: %w", rmErr)
		}
	}()

	return fn(dir)
}

func (e *JobExecution) handleError(ctx context.Context, err error) {
	logger.WithContext(ctx, e.logger).Error("Job execution failed", logger.WithField("error", err))

	if !errtrack.IsUserError(err) {
		if ref := e.report(ctx, err); ref != "" {
			e.out.Puts("Error " + ref)
		}
	}
	e.out.Puts("JobExecution failed: " + err.Error())
	if e.verbose {
		e.out.Puts(renderTrace(err))
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.cancelled && e.job.IsActive() {
		if err := e.job.Errored(); err != nil {
			e.logger.Warn("Could not mark job errored", logger.WithField("error", err))
		}
	}
}

func (e *JobExecution) report(ctx context.Context, err error) string {
	if e.reporter == nil {
		return ""
	}
	ref, notifyErr := e.reporter.Notify(ctx, err, map[string]interface{}{"job_id": e.ID()})
	if notifyErr != nil {
		e.logger.Warn("Error reporter failed", logger.WithField("error", notifyErr))
		return ""
	}
	return ref
}

func (e *JobExecution) finish() {
	e.finishOnce.Do(func() {
		for _, fn := range e.callbacks(&e.finishCallbacks) {
			e.runFinishCallback(fn)
		}
	})
}

func (e *JobExecution) runFinishCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Finish callback panic recovered",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
		}
	}()
	fn()
}

// conclude is the first finish callback
func (e *JobExecution) conclude() {
	id := e.ID()
	if e.lookup != nil && e.job.IsActive() && !e.lookup.IsExecuting(id) && !e.lookup.IsQueued(id) {
		e.logger.Error(activeNotRunning)
		e.report(context.Background(), errors.New(activeNotRunning))
		e.out.Puts(activeNotRunning)
		if err := e.job.Failed(); err != nil {
			e.logger.Warn("Could not mark job failed", logger.WithField("error", err))
		}
	}

	e.out.Write("", output.MarkerFinished)
	e.out.Close()

	if err := e.job.UpdateOutput(e.out.Aggregate()); err != nil {
		e.logger.Error("Failed to persist output", logger.WithField("error", err))
	}
}

// transition applies a job state change unless the job was cancelled
func (e *JobExecution) transition(fn func() error) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.cancelled {
		return nil
	}
	return fn()
}

func (e *JobExecution) isCancelled() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.cancelled
}

func (e *JobExecution) signal(sig syscall.Signal) {
	e.mu.Lock()
	cluster := e.cluster
	e.mu.Unlock()

	if cluster != nil {
		cluster.Cancel(sig)
		return
	}
	e.executor.Cancel(sig)
}

func (e *JobExecution) waitFor(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}

func (e *JobExecution) stage() types.Stage {
	if deploy := e.job.GetDeploy(); deploy != nil {
		return deploy.GetStage()
	}
	return nil
}

func (e *JobExecution) callbacks(list *[]func()) []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]func(){}, *list...)
}

// panicError carries a recovered panic and the stack it was raised on
type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprint(p.value) }

func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

// renderTrace returns the first lines of the panic stack, or of the wrapped
// error chain for plain errors, followed by "..."
func renderTrace(err error) string {
	var lines []string
	var p *panicError
	if errors.As(err, &p) {
		for _, line := range strings.Split(strings.TrimSpace(string(p.stack)), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	} else {
		for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
			lines = append(lines, cause.Error())
		}
	}

	if len(lines) > traceLines {
		lines = lines[:traceLines]
	}
	return strings.Join(append(lines, "..."), "\n")
}
