// Package repository resolves references and checks out workspaces
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deckhand/deckhand/pkg/logger"
)

// ErrCommitNotFound is returned when a reference does not name a commit
var ErrCommitNotFound = errors.New("commit not found")

// Repository is what a job execution needs from source control
type Repository interface {
	// CommitFromRef resolves a branch, tag or sha to a full commit sha
	CommitFromRef(ctx context.Context, ref string) (string, error)
	// FuzzyTagFromRef returns the nearest tag describing ref, or "" when none
	FuzzyTagFromRef(ctx context.Context, ref string) (string, error)
	// CheckoutWorkspace places a detached checkout of ref into dir
	CheckoutWorkspace(ctx context.Context, dir, ref string, out io.Writer) error
}

// Git is a Repository backed by a bare mirror kept under MirrorDir
type Git struct {
	url       string
	mirrorDir string
	logger    logger.Logger

	mu      sync.Mutex
	updated bool
}

var _ Repository = (*Git)(nil)

// NewGit creates a repository for url mirrored into mirrorDir
func NewGit(url, mirrorDir string, log logger.Logger) *Git {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Git{url: url, mirrorDir: mirrorDir, logger: log}
}

// Update clones the mirror on first use and fetches on later calls
func (g *Git) Update(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updateLocked(ctx)
}

func (g *Git) updateLocked(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.mirrorDir, "HEAD")); err == nil {
		g.logger.Debug("Fetching mirror", logger.WithField("url", g.url))
		_, err := g.git(ctx, g.mirrorDir, "fetch", "--prune", "--tags", "origin", "+refs/heads/*:refs/heads/*")
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", g.url, err)
		}
		g.updated = true
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(g.mirrorDir), 0755); err != nil {
		return fmt.Errorf("failed to create mirror dir: %w", err)
	}
	g.logger.Info("Cloning mirror", logger.WithField("url", g.url))
	if _, err := g.git(ctx, "", "clone", "--mirror", g.url, g.mirrorDir); err != nil {
		return fmt.Errorf("failed to clone %s: %w", g.url, err)
	}
	g.updated = true
	return nil
}

func (g *Git) ensure(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.updated {
		return nil
	}
	return g.updateLocked(ctx)
}

// CommitFromRef implements Repository
func (g *Git) CommitFromRef(ctx context.Context, ref string) (string, error) {
	if err := g.ensure(ctx); err != nil {
		return "", err
	}
	if strings.HasPrefix(ref, "-") {
		return "", fmt.Errorf("%w: %s", ErrCommitNotFound, ref)
	}
	sha, err := g.git(ctx, g.mirrorDir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil || sha == "" {
		return "", fmt.Errorf("%w: %s", ErrCommitNotFound, ref)
	}
	return sha, nil
}

// FuzzyTagFromRef implements Repository
func (g *Git) FuzzyTagFromRef(ctx context.Context, ref string) (string, error) {
	if err := g.ensure(ctx); err != nil {
		return "", err
	}
	tag, err := g.git(ctx, g.mirrorDir, "describe", "--tags", ref)
	if err != nil {
		// no tag reachable from ref
		return "", nil
	}
	return tag, nil
}

// CheckoutWorkspace implements Repository
func (g *Git) CheckoutWorkspace(ctx context.Context, dir, ref string, out io.Writer) error {
	if err := g.ensure(ctx); err != nil {
		return err
	}
	sha, err := g.CommitFromRef(ctx, ref)
	if err != nil {
		return err
	}

	steps := [][]string{
		{"clone", "--local", "--no-checkout", g.mirrorDir, dir},
		{"-C", dir, "checkout", "--quiet", "--detach", sha},
	}
	for _, args := range steps {
		cmd := exec.CommandContext(ctx, "git", args...)
		if out != nil {
			cmd.Stdout = out
			cmd.Stderr = out
		}
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git %s: %w", args[0], err)
		}
	}
	return nil
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}
