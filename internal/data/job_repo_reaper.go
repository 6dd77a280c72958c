package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data/pgxutil"
)

// Advisory lock namespace for reaper sweeps. Major key 1000 belongs to
// the reaper; minors identify the sweep kind.
const (
	reaperLockMajor         int64 = 1000
	reaperLockFailPending   int64 = 1
	reaperLockDeleteJobs    int64 = 2
	reaperLockDeleteResults int64 = 3
)

// sweepLocked runs one bounded sweep inside a transaction holding the
// (reaperLockMajor, minor) advisory lock. When another instance already
// holds the lock the sweep reports zero rows; the next cycle retries.
func (r *JobRepo) sweepLocked(
	ctx context.Context,
	minor int64,
	fn func(tx *sql.Tx) (sql.Result, error),
) (int64, error) {
	var affected int64
	err := pgxutil.InSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx,
			"SELECT pg_try_advisory_xact_lock($1, $2)", reaperLockMajor, minor,
		).Scan(&locked); err != nil {
			return fmt.Errorf("acquire reaper lock: %w", err)
		}
		if !locked {
			return nil
		}

		res, err := fn(tx)
		if err != nil {
			return err
		}
		var raErr error
		affected, raErr = res.RowsAffected()
		if raErr != nil {
			return fmt.Errorf("rows affected: %w", raErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// FailStalePendingJobs fails pending jobs older than maxAge, at most
// batchSize per call so a large backlog never pins locks or I/O. Returns
// the number of jobs failed.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	return r.sweepLocked(ctx, reaperLockFailPending, func(tx *sql.Tx) (sql.Result, error) {
		now := r.clock.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed',
			    last_error = 'job went stale while pending',
			    completed_at = $1,
			    updated_at = $1
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = 'pending'
				  AND created_at < $2
				ORDER BY created_at
				LIMIT $3
			)
		`, now, now.Add(-maxAge), batchSize)
		if err != nil {
			return nil, fmt.Errorf("fail stale pending jobs: %w", err)
		}
		return res, nil
	})
}

// DeleteOldJobs removes jobs in the given terminal status whose settle
// time (or last update, for rows that never settled) is older than
// params.MaxAge. Bounded by params.BatchSize per call.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Valid() {
		return 0, fmt.Errorf("invalid job status: %s", params.Status)
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	return r.sweepLocked(ctx, reaperLockDeleteJobs, func(tx *sql.Tx) (sql.Result, error) {
		cutoff := r.clock.Now().Add(-params.MaxAge).UTC()
		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = $1
				  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
				ORDER BY COALESCE(completed_at, updated_at)
				LIMIT $3
			)
		`, params.Status, cutoff, params.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("delete old jobs: %w", err)
		}
		return res, nil
	})
}

// DeleteOldJobResults removes persisted result documents of one job type
// older than params.MaxAge. Bounded by params.BatchSize per call.
func (r *JobRepo) DeleteOldJobResults(ctx context.Context, params core.DeleteOldJobResultsParams) (int64, error) {
	if !params.JobType.Valid() {
		return 0, fmt.Errorf("invalid job type: %s", params.JobType)
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be positive")
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be positive")
	}

	return r.sweepLocked(ctx, reaperLockDeleteResults, func(tx *sql.Tx) (sql.Result, error) {
		cutoff := r.clock.Now().Add(-params.MaxAge).UTC()
		// job_results has no surrogate key; ctid addresses the batch rows.
		res, err := tx.ExecContext(ctx, `
			DELETE FROM job_results
			USING (
				SELECT ctid
				FROM job_results
				WHERE job_type = $1
				  AND updated_at < $2
				ORDER BY updated_at
				LIMIT $3
			) batch
			WHERE job_results.ctid = batch.ctid
		`, params.JobType, cutoff, params.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("delete old job results: %w", err)
		}
		return res, nil
	})
}
