package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/equity-ingest/internal/market"
)

// RunStore implements market.RunStore on the job_runs table.
type RunStore struct {
	pool Pool
}

// NewRunStore wraps an existing pool.
func NewRunStore(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// RecordRun inserts a run or updates its status, finish time, attempts and error.
func (s *RunStore) RecordRun(ctx context.Context, run market.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	var finished *time.Time
	if !run.FinishedAt.IsZero() {
		finished = &run.FinishedAt
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO job_runs (id, job, status, started_at, finished_at, attempts, error_text)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	attempts = EXCLUDED.attempts,
	error_text = EXCLUDED.error_text`,
		run.ID, string(run.Job), string(run.Status), run.StartedAt, finished, run.Attempts, run.Error,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// LastSuccess reports the latest finish time among succeeded runs of job.
func (s *RunStore) LastSuccess(ctx context.Context, job market.JobName) (time.Time, bool, error) {
	var finished time.Time
	err := s.pool.QueryRow(ctx, `
SELECT finished_at FROM job_runs
WHERE job = $1 AND status = $2 AND finished_at IS NOT NULL
ORDER BY finished_at DESC
LIMIT 1`,
		string(job), string(market.RunStatusSucceeded),
	).Scan(&finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select last success for %s: %w", job, err)
	}
	return finished, true, nil
}

// LastRun returns the most recently started run of job.
func (s *RunStore) LastRun(ctx context.Context, job market.JobName) (market.RunRecord, error) {
	var run market.RunRecord
	err := pgxscan.Get(ctx, s.pool, &run, `
SELECT id, job, status, started_at,
	coalesce(finished_at, '0001-01-01'::timestamptz) AS finished_at,
	attempts,
	coalesce(error_text, '') AS error_text
FROM job_runs
WHERE job = $1
ORDER BY started_at DESC
LIMIT 1`, string(job))
	if pgxscan.NotFound(err) {
		return market.RunRecord{}, fmt.Errorf("runs for %s: %w", job, market.ErrNotFound)
	}
	if err != nil {
		return market.RunRecord{}, fmt.Errorf("select last run for %s: %w", job, err)
	}
	return run, nil
}
