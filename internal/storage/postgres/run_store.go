// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/store"
)

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool querier
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore opens a pgx pool for the given DSN.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool querier) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunStart inserts a running row for the run.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, query string, startedAt time.Time) error {
	const q = `
		INSERT INTO search_runs (id, query, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE search_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, q, runID, query, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// InsertResults writes result rows, replacing any row with the same index.
func (s *RunStore) InsertResults(ctx context.Context, rows []store.ResultRow) error {
	const q = `
		INSERT INTO search_results (run_id, listing_index, deal_score, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, listing_index) DO UPDATE
		SET deal_score = EXCLUDED.deal_score, result = EXCLUDED.result;
	`
	for _, row := range rows {
		payload, err := json.Marshal(row.Result)
		if err != nil {
			return fmt.Errorf("marshal result %d: %w", row.Index, err)
		}
		if _, err := s.pool.Exec(ctx, q, row.RunID, row.Index, row.Result.DealScore, payload); err != nil {
			return fmt.Errorf("insert result %d: %w", row.Index, err)
		}
	}
	return nil
}

// CompleteRun stamps the terminal status and counters.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counts store.Counts,
	errMsg *string,
) error {
	const q = `
		UPDATE search_runs
		SET finished_at = $1, status = $2, scanned = $3, filtered = $4, evaluated = $5, error_message = $6
		WHERE id = $7;
	`
	tag, err := s.pool.Exec(ctx, q,
		finishedAt, status, counts.Scanned, counts.Filtered, counts.Evaluated, errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const runColumns = `id, query, started_at, finished_at, status, scanned, filtered, evaluated, error_message`

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID,
		&run.Query,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Counts.Scanned,
		&run.Counts.Filtered,
		&run.Counts.Evaluated,
		&run.ErrorMessage,
	)
	return run, err
}

// GetRun loads a single run.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	q := `SELECT ` + runColumns + ` FROM search_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, q, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first, optionally filtered by status.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	q := `SELECT ` + runColumns + `
		FROM search_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, q, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]store.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ListResults returns the run's results ordered by listing index.
func (s *RunStore) ListResults(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.ResultRow, error) {
	const q = `
		SELECT run_id, listing_index, result
		FROM search_results
		WHERE run_id = $1
		ORDER BY listing_index ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, q, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]store.ResultRow, 0)
	for rows.Next() {
		var (
			row     store.ResultRow
			payload []byte
		)
		if err := rows.Scan(&row.RunID, &row.Index, &payload); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		var res deal.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("decode result %d: %w", row.Index, err)
		}
		row.Result = res
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}
