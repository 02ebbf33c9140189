package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/progress"
	"github.com/JakeFAU/dealscan/internal/store"
)

// TestStoreSinkPersistsEvents checks call order and the batched result insert.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()
	a := deal.NewResult(deal.Listing{Title: "a"})
	b := deal.NewResult(deal.Listing{Title: "b"})

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, Query: "camera"},
		{RunID: runID, Stage: progress.StageItemDone, TS: now, Index: 2, Outcome: progress.OutcomeUnscored, Result: &b},
		{RunID: runID, Stage: progress.StageItemDone, TS: now, Index: 3, Outcome: progress.OutcomeSkipped},
		{RunID: runID, Stage: progress.StageItemDone, TS: now, Index: 1, Outcome: progress.OutcomeUnscored, Result: &a},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Scanned: 4, Filtered: 1, Evaluated: 3},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"start", "results", "complete"}, repo.calls)
	require.Equal(t, "camera", repo.query)
	require.Len(t, repo.rows, 2)
	require.Equal(t, runUUID, repo.rows[0].RunID)
	require.Equal(t, store.RunSuccess, repo.status)
	require.Equal(t, store.Counts{Scanned: 4, Filtered: 1, Evaluated: 3}, repo.counts)
	require.Nil(t, repo.errMsg)
}

func TestStoreSinkMapsTerminalStages(t *testing.T) {
	t.Parallel()

	cases := map[progress.Stage]store.RunStatus{
		progress.StageRunCanceled: store.RunCanceled,
		progress.StageRunError:    store.RunError,
	}
	for stage, want := range cases {
		repo := &fakeRunRepo{}
		sink := NewStoreSink(repo, nil)
		err := sink.Consume(context.Background(), []progress.Event{
			{RunID: progress.UUIDToBytes(uuid.New()), Stage: stage, TS: time.Now(), Note: "why"},
		})
		require.NoError(t, err)
		require.Equal(t, want, repo.status)
		require.Equal(t, "why", *repo.errMsg)
	}
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeRunRepo struct {
	fail   bool
	calls  []string
	query  string
	rows   []store.ResultRow
	status store.RunStatus
	counts store.Counts
	errMsg *string
}

var errRepo = errors.New("repo failure")

func (f *fakeRunRepo) UpsertRunStart(_ context.Context, _ uuid.UUID, query string, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "start")
	f.query = query
	return nil
}

func (f *fakeRunRepo) InsertResults(_ context.Context, rows []store.ResultRow) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "results")
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	_ uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	counts store.Counts,
	errMsg *string,
) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "complete")
	f.status = status
	f.counts = counts
	f.errMsg = errMsg
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, nil
}

func (f *fakeRunRepo) ListResults(context.Context, uuid.UUID, int, int) ([]store.ResultRow, error) {
	return nil, nil
}
