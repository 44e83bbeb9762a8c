package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/pmc-harvester/internal/store"
)

// RunStore implements store.RunRepository in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.Run)}
}

// CreateRun stores a queued run unless one with the same ID exists.
func (s *RunStore) CreateRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return nil
	}
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	run.Modes = append([]string(nil), run.Modes...)
	s.runs[run.ID] = run
	return nil
}

// StartRun marks the run running.
func (s *RunStore) StartRun(_ context.Context, id uuid.UUID, query string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		run = store.Run{ID: id, Query: query}
	}
	if run.Query == "" {
		run.Query = query
	}
	run.Status = store.RunRunning
	run.StartedAt = startedAt
	s.runs[id] = run
	return nil
}

// AddPages increments the counters of an existing run.
func (s *RunStore) AddPages(_ context.Context, id uuid.UUID, pages, records int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Pages += pages
	run.Records += records
	s.runs[id] = run
	return nil
}

// CompleteRun sets the terminal status.
func (s *RunStore) CompleteRun(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[id] = run
	return nil
}

// GetRun returns a copy of the run.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	run.Modes = append([]string(nil), run.Modes...)
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
