package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/deckhand/deckhand/pkg/logger"
)

// ErrJobNotFound is returned when no record file exists for an id
var ErrJobNotFound = errors.New("job not found")

// DefaultSessionLimit caps how many executions hold a store session at once
const DefaultSessionLimit = 16

// Store persists job records as one JSON file per job
type Store struct {
	dir      string
	logger   logger.Logger
	sessions *semaphore.Weighted
	mu       sync.Mutex
}

// NewStore creates a store rooted at dir, creating it when missing
func NewStore(dir string, log logger.Logger, sessionLimit int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if sessionLimit <= 0 {
		sessionLimit = DefaultSessionLimit
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Store{
		dir:      dir,
		logger:   log,
		sessions: semaphore.NewWeighted(sessionLimit),
	}, nil
}

// Track makes every later change to the record persist to disk, and writes
// its current state immediately
func (s *Store) Track(r *Record) error {
	r.mu.Lock()
	r.persist = s.save
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return s.save(snap)
}

// Load reads a record back from disk
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}

	r := FromSnapshot(snap)
	r.persist = s.save
	return r, nil
}

// List loads every stored record, skipping unreadable files
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		r, err := s.Load(id)
		if err != nil {
			s.logger.Warn("Failed to load job file",
				logger.WithField("job", id),
				logger.WithField("error", err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Remove deletes a record file
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove job file: %w", err)
	}
	return nil
}

// Session is a handle held by one execution for its whole run
type Session struct {
	store *Store
	once  sync.Once
}

// Session blocks until a session slot is free or ctx is done
func (s *Store) Session(ctx context.Context) (*Session, error) {
	if err := s.sessions.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire store session: %w", err)
	}
	return &Session{store: s}, nil
}

// Release returns the slot. Extra calls are no-ops.
func (ss *Session) Release() {
	ss.once.Do(func() { ss.store.sessions.Release(1) })
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(snap.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename job file: %w", err)
	}
	return nil
}
