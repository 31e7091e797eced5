package repository_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand/deckhand/pkg/repository"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return string(bytes.TrimSpace(out))
}

// origin creates a repository with one tagged commit and one commit on top
func origin(t *testing.T) (dir, tagged, head string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir = t.TempDir()
	run(t, dir, "init", "--quiet", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("one\n"), 0644))
	run(t, dir, "add", "README")
	run(t, dir, "commit", "--quiet", "-m", "one")
	run(t, dir, "tag", "v1.0.0")
	tagged = run(t, dir, "rev-parse", "HEAD")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("two\n"), 0644))
	run(t, dir, "commit", "--quiet", "-am", "two")
	head = run(t, dir, "rev-parse", "HEAD")
	return dir, tagged, head
}

func TestGit_CommitFromRef(t *testing.T) {
	src, tagged, head := origin(t)
	g := repository.NewGit(src, filepath.Join(t.TempDir(), "mirror"), nil)
	ctx := context.Background()

	sha, err := g.CommitFromRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, head, sha)

	sha, err = g.CommitFromRef(ctx, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, tagged, sha)

	_, err = g.CommitFromRef(ctx, "does-not-exist")
	assert.ErrorIs(t, err, repository.ErrCommitNotFound)
}

func TestGit_FuzzyTagFromRef(t *testing.T) {
	src, tagged, _ := origin(t)
	g := repository.NewGit(src, filepath.Join(t.TempDir(), "mirror"), nil)
	ctx := context.Background()

	tag, err := g.FuzzyTagFromRef(ctx, tagged)
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", tag)

	tag, err = g.FuzzyTagFromRef(ctx, "main")
	require.NoError(t, err)
	assert.Regexp(t, `^v1\.0\.0-1-g[0-9a-f]+$`, tag)
}

func TestGit_CheckoutWorkspace(t *testing.T) {
	src, tagged, _ := origin(t)
	g := repository.NewGit(src, filepath.Join(t.TempDir(), "mirror"), nil)
	dir := filepath.Join(t.TempDir(), "workspace")

	require.NoError(t, g.CheckoutWorkspace(context.Background(), dir, "v1.0.0", nil))

	content, err := os.ReadFile(filepath.Join(dir, "README"))
	require.NoError(t, err)
	assert.Equal(t, "one\n", string(content))
	assert.Equal(t, tagged, run(t, dir, "rev-parse", "HEAD"))
}

func TestGit_UpdateFetchesNewCommits(t *testing.T) {
	src, _, head := origin(t)
	g := repository.NewGit(src, filepath.Join(t.TempDir(), "mirror"), nil)
	ctx := context.Background()

	sha, err := g.CommitFromRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, head, sha)

	require.NoError(t, os.WriteFile(filepath.Join(src, "README"), []byte("three\n"), 0644))
	run(t, src, "commit", "--quiet", "-am", "three")
	newHead := run(t, src, "rev-parse", "HEAD")

	require.NoError(t, g.Update(ctx))
	sha, err = g.CommitFromRef(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, newHead, sha)
}
