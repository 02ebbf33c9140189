package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/dealscan/internal/store"
)

// RunStore is an in-memory store.RunRepository for development and tests.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]store.Run
	results map[uuid.UUID]map[int]store.ResultRow
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:    make(map[uuid.UUID]store.Run),
		results: make(map[uuid.UUID]map[int]store.ResultRow),
	}
}

// UpsertRunStart records a running row. An existing row keeps its start time.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, query string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, Query: query, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// InsertResults stores rows keyed by run and index.
func (s *RunStore) InsertResults(_ context.Context, rows []store.ResultRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		byIndex, ok := s.results[row.RunID]
		if !ok {
			byIndex = make(map[int]store.ResultRow)
			s.results[row.RunID] = byIndex
		}
		byIndex[row.Index] = row
	}
	return nil
}

// CompleteRun stamps the terminal status.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counts store.Counts,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	ts := finishedAt
	run.FinishedAt = &ts
	run.Status = status
	run.Counts = counts
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
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

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

// ListResults returns a run's rows ordered by index.
func (s *RunStore) ListResults(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.ResultRow, error) {
	s.mu.RLock()
	byIndex := s.results[runID]
	out := make([]store.ResultRow, 0, len(byIndex))
	for _, row := range byIndex {
		out = append(out, row)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return page(out, limit, offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
