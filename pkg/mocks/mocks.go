// Package mocks provides test doubles for collaborators of the engine.
// MockExecutor and MockClusterExecutor are generated; the rest are
// hand-written.
package mocks

import (
	"context"
	"io"
	"sync"

	"github.com/deckhand/deckhand/pkg/repository"
)

// MockRepository resolves every reference to a fixed commit
type MockRepository struct {
	Commit      string
	Tag         string
	ResolveErr  error
	CheckoutErr error

	mu        sync.Mutex
	checkouts []string
}

var _ repository.Repository = (*MockRepository)(nil)

// NewMockRepository creates a repository that resolves to commit
func NewMockRepository(commit, tag string) *MockRepository {
	return &MockRepository{Commit: commit, Tag: tag}
}

// CommitFromRef implements repository.Repository
func (m *MockRepository) CommitFromRef(_ context.Context, ref string) (string, error) {
	if m.ResolveErr != nil {
		return "", m.ResolveErr
	}
	if m.Commit == "" {
		return "", repository.ErrCommitNotFound
	}
	return m.Commit, nil
}

// FuzzyTagFromRef implements repository.Repository
func (m *MockRepository) FuzzyTagFromRef(context.Context, string) (string, error) {
	return m.Tag, nil
}

// CheckoutWorkspace implements repository.Repository
func (m *MockRepository) CheckoutWorkspace(_ context.Context, dir, ref string, out io.Writer) error {
	m.mu.Lock()
	m.checkouts = append(m.checkouts, dir)
	m.mu.Unlock()

	if m.CheckoutErr != nil {
		return m.CheckoutErr
	}
	if out != nil {
		_, _ = io.WriteString(out, "Checked out "+ref+"\n")
	}
	return nil
}

// Checkouts returns the directories checked out into
func (m *MockRepository) Checkouts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.checkouts...)
}

// MockReporter records every error it is asked to report
type MockReporter struct {
	Reference string
	Err       error

	mu     sync.Mutex
	errors []error
}

// Notify implements errtrack.Reporter
func (m *MockReporter) Notify(_ context.Context, err error, _ map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
	return m.Reference, m.Err
}

// Errors returns the reported errors in order
func (m *MockReporter) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.errors...)
}
