package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/store"
)

var runCols = []string{
	"id", "query", "started_at", "finished_at", "status",
	"scanned", "filtered", "evaluated", "error_message",
}

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewRunStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestNewRunStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewRunStoreWithPool(nil)
	require.Error(t, err)
}

func TestUpsertRunStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO search_runs").
		WithArgs(id, "camera", started, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRunStart(context.Background(), id, "camera", started))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertResultsWritesEachRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	rows := []store.ResultRow{
		{RunID: id, Index: 1, Result: deal.NewResult(deal.Listing{Title: "a", Price: 10})},
		{RunID: id, Index: 2, Result: deal.NewResult(deal.Listing{Title: "b", Price: 20})},
	}
	for _, row := range rows {
		mock.ExpectExec("INSERT INTO search_results").
			WithArgs(id, row.Index, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, s.InsertResults(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunUnknownIDIsNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	finished := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE search_runs").
		WithArgs(finished, store.RunSuccess, 5, 1, 4, pgxmock.AnyArg(), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), id, finished, store.RunSuccess,
		store.Counts{Scanned: 5, Filtered: 1, Evaluated: 4}, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectQuery("SELECT .* FROM search_runs WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(id, "camera", started, &finished, store.RunSuccess, 5, 1, 4, (*string)(nil)))

	run, err := s.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, run.ID)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, store.Counts{Scanned: 5, Filtered: 1, Evaluated: 4}, run.Counts)
	require.NotNil(t, run.FinishedAt)
	require.Nil(t, run.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunMissing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT .* FROM search_runs WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	a, b := uuid.New(), uuid.New()
	msg := "boom"

	mock.ExpectQuery("SELECT .* FROM search_runs").
		WithArgs(pgxmock.AnyArg(), 10, 0).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow(a, "q1", started, (*time.Time)(nil), store.RunRunning, 0, 0, 0, (*string)(nil)).
			AddRow(b, "q2", started, &started, store.RunError, 3, 0, 1, &msg))

	runs, err := s.ListRuns(context.Background(), nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, a, runs[0].ID)
	require.Nil(t, runs[0].FinishedAt)
	require.Equal(t, "boom", *runs[1].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResultsDecodesPayload(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	res := deal.NewResult(deal.Listing{Title: "lens", Price: 80, URL: "https://example.test/1"})
	payload, err := json.Marshal(res)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT run_id, listing_index, result").
		WithArgs(id, 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "listing_index", "result"}).
			AddRow(id, 3, payload))

	out, err := s.ListResults(context.Background(), id, 50, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 3, out[0].Index)
	require.Equal(t, "lens", out[0].Result.Title)
	require.NoError(t, mock.ExpectationsWereMet())
}
