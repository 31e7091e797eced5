package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/internal/engine"
	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/jobs"
	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/output"
	"github.com/deckhand/deckhand/pkg/process"
	"github.com/deckhand/deckhand/pkg/types"
)

const heartbeatInterval = 30 * time.Second

// ErrJobsFailed is returned by run when at least one job did not succeed
var ErrJobsFailed = errors.New("jobs did not succeed")

type submission struct {
	job       ManifestJob
	record    *jobs.Record
	execution *engine.JobExecution
}

func (c *CLI) newRunCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the jobs of a manifest and wait for them",
		Long: `Run submits every job of the manifest, streams their output prefixed
with the job, and exits non-zero when any job did not succeed.

SIGINT or SIGTERM stops dispatching, closes queued jobs and cancels the
running ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runManifest(cmd.Context(), manifestPath)
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "file", "f", "jobs.yaml", "job manifest")
	return cmd
}

func (c *CLI) runManifest(ctx context.Context, path string) error {
	manifest, err := LoadManifest(path)
	if err != nil {
		return err
	}

	rt := NewRuntimeConfig(c.config, ctx)
	log := logger.WithContext(rt.Context, c.logger)

	factory := engine.NewDependencyFactory(c.settings, log)
	deps, err := factory.CreateWithOverrides(c.overrides)
	if err != nil {
		return fmt.Errorf("failed to create dependencies: %w", err)
	}
	if !deps.Queue.Dispatch().Enabled() {
		return fmt.Errorf("job dispatch is paused")
	}

	subs := make([]submission, 0, len(manifest.Jobs))
	for _, j := range manifest.Jobs {
		rec := j.Record()
		if err := deps.Store.Track(rec); err != nil {
			return fmt.Errorf("failed to track job %s: %w", rec.GetID(), err)
		}
		opts := append([]engine.ExecutionOption{engine.WithEnv(j.Env)}, c.executionOptions...)
		subs = append(subs, submission{
			job:       j,
			record:    rec,
			execution: factory.NewExecution(deps, j.Reference, rec, opts...),
		})
	}

	runCtx, stop := context.WithCancel(rt.Context)
	pm := process.NewManager(log, 3*c.settings.CancelTimeout)
	pm.RegisterShutdownHandler(func(ctx context.Context) { drain(ctx, deps.Queue, log) })
	pm.SetHeartbeat(heartbeatInterval, func() { logQueue(deps.Queue, log) })
	pm.Start(runCtx)
	defer func() {
		stop()
		pm.Stop()
	}()

	if c.settingsFile != "" {
		rm := config.NewReloadManager(c.settingsFile, log)
		rm.AddCallback(c.applySettings(deps.Queue, subs, log))
		if err := rm.StartWatching(runCtx); err != nil {
			log.Warn("Config reload disabled", logger.WithField("error", err))
		} else {
			defer rm.StopWatching()
		}
	}

	var streams sync.WaitGroup
	for _, s := range subs {
		s := s
		streams.Add(1)
		go func() {
			defer streams.Done()
			c.stream(s.execution)
		}()
	}

	log.Info("Submitting jobs", logger.WithField("count", len(subs)))
	for _, s := range subs {
		deps.Queue.Add(s.execution, s.job.Queue)
	}

	streams.Wait()
	if err := deps.Queue.Wait(); err != nil {
		log.Error("Job worker failed", logger.WithField("error", err))
	}

	return c.summarize(subs, log)
}

// stream copies the job's output to stdout, one prefixed line at a time
func (c *CLI) stream(e *engine.JobExecution) {
	prefix := color.CyanString("[%s %s]", e.Job().GetProject().GetPermalink(), shortID(e.ID()))

	var partial strings.Builder
	for ev := range e.Output().Subscribe(context.Background()) {
		if ev.Marker != output.MarkerNone {
			continue
		}
		partial.WriteString(ev.Data)
		text := partial.String()
		lines := strings.Split(text, "\n")
		for _, line := range lines[:len(lines)-1] {
			c.printf("%s %s\n", prefix, strings.TrimRight(line, "\r"))
		}
		partial.Reset()
		partial.WriteString(lines[len(lines)-1])
	}
	if partial.Len() > 0 {
		c.printf("%s %s\n", prefix, partial.String())
	}
}

func (c *CLI) summarize(subs []submission, log logger.Logger) error {
	failed := 0
	for _, s := range subs {
		status := s.record.GetStatus()
		fields := []logger.Field{
			logger.WithField("job", s.record.GetID()),
			logger.WithField("status", status),
			logger.WithField("reference", s.job.Reference),
		}
		if status == types.JobStatusSucceeded {
			log.Success(s.execution.Descriptor(), fields...)
			continue
		}
		failed++
		log.Error(s.execution.Descriptor(), fields...)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrJobsFailed, failed, len(subs))
	}
	return nil
}

// applySettings returns the reload callback. Pausing closes the queued
// jobs so the run can end; running jobs finish normally. The callback
// never waits for running jobs.
func (c *CLI) applySettings(q *engine.JobQueue, subs []submission, log logger.Logger) config.ReloadCallback {
	return func(cfg *config.Config, err error) {
		if err != nil {
			log.Warn("Ignoring invalid config", logger.WithField("error", err))
			return
		}
		for _, s := range subs {
			s.execution.SetCancelTimeout(cfg.CancelTimeout)
		}
		switch {
		case cfg.Paused && q.Dispatch().Enabled():
			n := q.ClosePending()
			log.Warn("Dispatch paused by config, closed queued jobs", logger.WithField("closed", n))
		case !cfg.Paused && !q.Dispatch().Enabled():
			log.Info("Dispatch resumed by config")
			q.Resume()
		}
	}
}

// drain stops the queue on a shutdown signal
func drain(ctx context.Context, q *engine.JobQueue, log logger.Logger) {
	q.Dispatch().Disable()
	if n := q.CancelExecuting(); n > 0 {
		log.Warn("Cancelled running jobs", logger.WithField("count", n))
	}
	if err := q.Shutdown(ctx); err != nil {
		log.Error("Job queue did not drain", logger.WithField("error", err))
	}
}

func logQueue(q *engine.JobQueue, log logger.Logger) {
	executing, pending := q.Debug()
	queued := 0
	for _, list := range pending {
		queued += len(list)
	}
	log.Debug("Queue status",
		logger.WithField("executing", len(executing)),
		logger.WithField("queued", queued))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
