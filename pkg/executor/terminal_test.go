package executor_test

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand/deckhand/pkg/executor"
	"github.com/deckhand/deckhand/pkg/output"
)

func TestTerminalExecutor_Success(t *testing.T) {
	out := output.NewBuffer()
	e := executor.NewTerminalExecutor(out)

	ok, err := e.Execute(context.Background(), "echo hello", "echo world")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello\nworld\n", out.Aggregate())
	assert.NotZero(t, e.PID())
	assert.NotZero(t, e.PGID())
}

func TestTerminalExecutor_StopsAtFirstFailure(t *testing.T) {
	out := output.NewBuffer()
	e := executor.NewTerminalExecutor(out)

	ok, err := e.Execute(context.Background(), "echo before", "false", "echo after")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, out.Aggregate(), "before")
	assert.NotContains(t, out.Aggregate(), "after")
}

func TestTerminalExecutor_Verbose(t *testing.T) {
	out := output.NewBuffer()
	e := executor.NewTerminalExecutor(out, executor.WithVerbose(true))

	ok, err := e.Execute(context.Background(), "echo 'it''s'")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.Aggregate(), "» echo 'it''s'\n")
}

func TestTerminalExecutor_IdentifiersEmptyBeforeStart(t *testing.T) {
	e := executor.NewTerminalExecutor(output.NewBuffer())

	assert.Zero(t, e.PID())
	assert.Zero(t, e.PGID())
	e.Cancel(syscall.SIGINT)
}

func TestTerminalExecutor_CancelBeforeStartSkipsExecution(t *testing.T) {
	out := output.NewBuffer()
	e := executor.NewTerminalExecutor(out)
	e.Cancel(syscall.SIGINT)

	ok, err := e.Execute(context.Background(), "echo never")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, out.Aggregate())
}

func TestTerminalExecutor_CancelInterruptsProcessGroup(t *testing.T) {
	e := executor.NewTerminalExecutor(output.NewBuffer())

	result := make(chan bool, 1)
	go func() {
		ok, _ := e.Execute(context.Background(), "sleep 30")
		result <- ok
	}()

	require.Eventually(t, func() bool { return e.PGID() != 0 }, 2*time.Second, 10*time.Millisecond)
	e.Cancel(syscall.SIGINT)
	e.Cancel(syscall.SIGINT)

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("process was not interrupted")
	}
}

func TestTerminalExecutor_ContextCancelKills(t *testing.T) {
	e := executor.NewTerminalExecutor(output.NewBuffer())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok, err := e.Execute(ctx, "trap '' INT; sleep 30")

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTerminalExecutor_MissingShell(t *testing.T) {
	e := executor.NewTerminalExecutor(output.NewBuffer(), executor.WithShell("/nonexistent/shell"))

	ok, err := e.Execute(context.Background(), "true")

	assert.False(t, ok)
	assert.Error(t, err)
}
