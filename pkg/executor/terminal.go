package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/alessio/shellescape"

	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/output"
	"github.com/deckhand/deckhand/pkg/types"
)

// TerminalExecutor runs commands through sh in their own process group so
// that a cancel reaches every child
type TerminalExecutor struct {
	out     *output.Buffer
	verbose bool
	project types.Project
	deploy  types.Deploy
	logger  logger.Logger
	shell   string

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	pgid      int
	cancelled bool
}

// TerminalOption configures a TerminalExecutor
type TerminalOption func(*TerminalExecutor)

// WithVerbose echoes every command to the output before running it
func WithVerbose(verbose bool) TerminalOption {
	return func(e *TerminalExecutor) { e.verbose = verbose }
}

// WithContext binds the executor to the project and deploy it runs for
func WithContext(project types.Project, deploy types.Deploy) TerminalOption {
	return func(e *TerminalExecutor) {
		e.project = project
		e.deploy = deploy
	}
}

// WithLogger sets the logger used for process lifecycle messages
func WithLogger(log logger.Logger) TerminalOption {
	return func(e *TerminalExecutor) { e.logger = log }
}

// WithShell overrides the shell binary (default "sh")
func WithShell(shell string) TerminalOption {
	return func(e *TerminalExecutor) { e.shell = shell }
}

// NewTerminalExecutor creates an executor writing to out
func NewTerminalExecutor(out *output.Buffer, opts ...TerminalOption) *TerminalExecutor {
	e := &TerminalExecutor{
		out:    out,
		logger: logger.NewNopLogger(),
		shell:  "sh",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Executor = (*TerminalExecutor)(nil)

// Execute runs the commands as one `set -e` script. It returns false when
// the script exits non-zero or was cancelled, and an error only when the
// process could not be started.
func (e *TerminalExecutor) Execute(ctx context.Context, commands ...string) (bool, error) {
	cmd := exec.Command(e.shell, "-c", e.script(commands))
	cmd.Env = os.Environ()
	cmd.Stdout = e.out.Writer()
	cmd.Stderr = e.out.Writer()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return false, nil
	}
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return false, fmt.Errorf("failed to start %s: %w", e.shell, err)
	}
	e.cmd = cmd
	e.pid = cmd.Process.Pid
	if pgid, err := syscall.Getpgid(e.pid); err == nil {
		e.pgid = pgid
	} else {
		e.pgid = e.pid
	}
	e.mu.Unlock()

	e.logger.Debug("Started process",
		logger.WithField("pid", e.pid),
		logger.WithField("project", e.projectName()),
		logger.WithField("commands", len(commands)))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.Cancel(syscall.SIGKILL)
		case <-done:
		}
	}()

	err := cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return false, fmt.Errorf("failed waiting for %s: %w", e.shell, err)
		}
		e.logger.Debug("Process exited", logger.WithField("error", err))
		return false, nil
	}
	return true, nil
}

// Cancel sends sig to the whole process group
func (e *TerminalExecutor) Cancel(sig syscall.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelled = true
	if e.pgid == 0 {
		return
	}
	if err := syscall.Kill(-e.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		e.logger.Warn("Failed to signal process group",
			logger.WithField("pgid", e.pgid),
			logger.WithField("signal", sig.String()),
			logger.WithField("error", err))
	}
}

// PID returns the shell's process id
func (e *TerminalExecutor) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// PGID returns the shell's process group id
func (e *TerminalExecutor) PGID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pgid
}

func (e *TerminalExecutor) projectName() string {
	if e.project == nil {
		return "none"
	}
	return e.project.GetName()
}

func (e *TerminalExecutor) script(commands []string) string {
	lines := []string{"set -e"}
	for _, c := range commands {
		if e.verbose {
			lines = append(lines, "echo "+shellescape.Quote("» "+c))
		}
		lines = append(lines, c)
	}
	return strings.Join(lines, "\n")
}
