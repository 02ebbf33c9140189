package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/dealscan/internal/deal"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the search_runs status column.
type RunStatus string

// Run statuses persisted in search_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunCanceled RunStatus = "canceled"
	RunError    RunStatus = "error"
)

// Counts are the terminal counters of a run.
type Counts struct {
	Scanned   int
	Filtered  int
	Evaluated int
}

// Run models the search_runs table for API responses.
type Run struct {
	ID         uuid.UUID
	Query      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Counts     Counts
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// ResultRow is one evaluated listing of a run.
type ResultRow struct {
	RunID  uuid.UUID
	Index  int
	Result deal.Result
}

// RunRepository persists run history.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, query string, startedAt time.Time) error
	// InsertResults appends evaluated listings. Re-inserting an index
	// replaces it.
	InsertResults(ctx context.Context, rows []ResultRow) error
	// CompleteRun marks the run finished with the final counters.
	CompleteRun(
		ctx context.Context,
		runID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		counts Counts,
		errMsg *string,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListResults returns a run's listings ordered by index.
	ListResults(ctx context.Context, runID uuid.UUID, limit, offset int) ([]ResultRow, error)
}
