package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
)

const defaultMaxRetries = 3

// jobChannel is the LISTEN/NOTIFY channel for one job type. Enqueues
// notify it inside the inserting transaction, so listeners only wake for
// committed rows.
func jobChannel(t model.JobType) string {
	return "job_ready_" + string(t)
}

const enqueueJobSQL = `
	INSERT INTO jobs (type, status, priority, payload, metadata, site_id, source_id, is_test, scheduled_at, max_retries)
	VALUES ($1, 'pending', $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING` + jobColumns

// enqueueRow is a validated, insert-ready enqueue request.
type enqueueRow struct {
	payload     json.RawMessage
	metadata    json.RawMessage
	maxRetries  int
	scheduledAt time.Time
}

func (r *JobRepo) prepareEnqueue(req *model.CreateJobRequest) (*enqueueRow, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !json.Valid(req.Payload) {
		return nil, errors.New("payload must be valid JSON")
	}

	metadata := json.RawMessage(`{}`)
	if len(req.Metadata) > 0 {
		if !json.Valid(req.Metadata) {
			return nil, errors.New("metadata must be valid JSON")
		}
		metadata = req.Metadata
	}

	// Test jobs default to a single attempt; retrying a broken test run
	// only delays its author. An explicit MaxRetries, including zero,
	// always wins over the defaults.
	maxRetries := defaultMaxRetries
	switch {
	case req.MaxRetries != nil:
		maxRetries = *req.MaxRetries
	case req.IsTest:
		maxRetries = 0
	}

	scheduledAt := r.clock.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	return &enqueueRow{
		payload:     req.Payload,
		metadata:    metadata,
		maxRetries:  maxRetries,
		scheduledAt: scheduledAt,
	}, nil
}

func enqueueArgs(req *model.CreateJobRequest, row *enqueueRow) []any {
	return []any{
		req.Type,
		req.Priority,
		row.payload,
		row.metadata,
		req.SiteID,
		req.SourceID,
		req.IsTest,
		row.scheduledAt,
		row.maxRetries,
	}
}

// Create enqueues a job and notifies listeners of its type.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	row, err := r.prepareEnqueue(req)
	if err != nil {
		return nil, err
	}

	var job *model.Job
	err = pgxutil.InPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		rows, qerr := tx.Query(ctx, enqueueJobSQL, enqueueArgs(req, row)...)
		if qerr != nil {
			return fmt.Errorf("insert job: %w", qerr)
		}
		created, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Job])
		if cerr != nil {
			return fmt.Errorf("collect job: %w", cerr)
		}
		if _, nerr := tx.Exec(ctx,
			"SELECT pg_notify($1::text, $2::text)", jobChannel(req.Type), created.ID,
		); nerr != nil {
			return fmt.Errorf("notify %s: %w", jobChannel(req.Type), nerr)
		}
		job = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateInTx enqueues a job inside a caller-owned transaction. The
// scheduler uses it so the insert, its notification, and the task's
// bookkeeping commit or roll back together. Unique-violation errors from
// the fire-key index pass through unwrapped for the caller to inspect.
func (r *JobRepo) CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	row, err := r.prepareEnqueue(req)
	if err != nil {
		return nil, err
	}

	job, err := scanJobRow(tx.QueryRowContext(ctx, enqueueJobSQL, enqueueArgs(req, row)...))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_notify($1::text, $2::text)", jobChannel(req.Type), job.ID,
	); err != nil {
		return nil, fmt.Errorf("notify %s: %w", jobChannel(req.Type), err)
	}
	return job, nil
}

// Advisory lock namespace for the lease sweep, keyed per job type so
// sweeps of different types never contend.
const requeueLockMajor int64 = 1001

func requeueLockMinor(t model.JobType) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(t))
	return int64(h.Sum32() & math.MaxInt32)
}

const requeueExpiredSQL = `
	UPDATE jobs
	SET retry_count = CASE WHEN retry_count >= max_retries THEN retry_count ELSE retry_count + 1 END,
	    status = CASE WHEN retry_count >= max_retries THEN 'failed' ELSE 'pending' END,
	    completed_at = CASE WHEN retry_count >= max_retries THEN $2::timestamptz ELSE NULL END,
	    last_error = 'stale lease expired',
	    lease_expires_at = NULL,
	    updated_at = $2
	WHERE type = $1 AND status = 'running'
	  AND lease_expires_at IS NOT NULL
	  AND lease_expires_at < $2
	RETURNING id, status, metadata->>'scheduler.task_name', metadata->>'scheduler.fire_key'`

// requeueExpired sweeps lapsed running jobs of one type through the same
// failure transition as Fail: a sweep spends a retry, so a job the budget
// no longer covers lands on failed instead of looping forever through dead
// workers. Holding the advisory lock is optional: a concurrent worker
// sweeping the same type does the same work, so losers skip instead of
// waiting.
func (r *JobRepo) requeueExpired(ctx context.Context, jobType model.JobType) (int64, error) {
	type sweptJob struct {
		id                string
		status            model.JobStatus
		taskName, fireKey sql.NullString
	}
	var swept []sweptJob
	err := pgxutil.InSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx,
			"SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
			requeueLockMajor, requeueLockMinor(jobType),
		).Scan(&locked); err != nil {
			return fmt.Errorf("acquire requeue lock: %w", err)
		}
		if !locked {
			return nil
		}

		rows, err := tx.QueryContext(ctx, requeueExpiredSQL, jobType, r.clock.Now().UTC())
		if err != nil {
			return fmt.Errorf("requeue expired: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var job sweptJob
			if err := rows.Scan(&job.id, &job.status, &job.taskName, &job.fireKey); err != nil {
				return fmt.Errorf("scan swept job: %w", err)
			}
			swept = append(swept, job)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate swept jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, job := range swept {
		r.settleJob(ctx, job.id, job.status, job.taskName, job.fireKey)
	}
	if len(swept) > 0 {
		r.logger.DebugContext(ctx, "swept expired leases", "type", jobType, "count", len(swept))
	}
	return int64(len(swept)), nil
}

const claimJobSQL = `
	WITH next_job AS (
		SELECT id FROM jobs
		WHERE type = $1 AND status = 'pending' AND scheduled_at <= $2
		ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE jobs j
	SET status = 'running',
	    started_at = COALESCE(j.started_at, $2),
	    lease_expires_at = $3,
	    updated_at = $2
	FROM next_job
	WHERE j.id = next_job.id
	RETURNING j.id, j.type, j.status, j.priority, j.payload, j.metadata,
	          j.site_id, j.source_id, j.is_test, j.scheduled_at, j.started_at,
	          j.completed_at, j.lease_expires_at, j.retry_count, j.max_retries,
	          j.last_error, j.created_at, j.updated_at`

// ReserveNext claims the next runnable job of jobType and marks it running
// with a lease of leaseSeconds. SKIP LOCKED keeps concurrent workers off
// each other's rows. Returns model.ErrNoJobsAvailable on an empty queue.
func (r *JobRepo) ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("invalid job type: %s", jobType)
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("lease seconds must be positive")
	}

	if _, err := r.requeueExpired(ctx, jobType); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.InPgxTx(ctx, r.DB,
		&sql.TxOptions{Isolation: sql.LevelReadCommitted},
		func(tx pgx.Tx) error {
			now := r.clock.Now().UTC()
			lease := now.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, claimJobSQL, jobType, now, lease)
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			claimed, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Job])
			if cerr != nil {
				return cerr
			}
			job = claimed
			return nil
		})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// WaitForNotification blocks until an enqueue notification for jobType
// arrives or ctx is done. The LISTEN and the wait share one connection.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	channel := jobChannel(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	return pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
		defer func() {
			// Leave the connection clean for the pool even on cancellation.
			_, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+quoted)
		}()

		_, err := conn.WaitForNotification(ctx)
		return err
	})
}

// Heartbeat extends the lease of a running job. (false, nil) means the job
// is no longer running; the worker should stop touching it.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("lease seconds must be positive")
	}

	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, now.Add(time.Duration(leaseSeconds)*time.Second), now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return affected > 0, nil
}

const completeJobSQL = `
	UPDATE jobs
	SET status = 'completed',
	    completed_at = $2,
	    updated_at = $2,
	    lease_expires_at = NULL,
	    last_error = NULL
	WHERE id = $1 AND status = 'running'
	RETURNING metadata->>'scheduler.task_name', metadata->>'scheduler.fire_key'`

// Complete marks a running job completed. Idempotent: a job not in
// running reports (false, nil).
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	now := r.clock.Now().UTC()

	var taskName, fireKey sql.NullString
	err := r.DB.QueryRowContext(ctx, completeJobSQL, id, now).Scan(&taskName, &fireKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	r.settleJob(ctx, id, model.JobStatusCompleted, taskName, fireKey)
	return true, nil
}

const failJobSQL = `
	UPDATE jobs
	SET last_error = $2,
	    retry_count = CASE WHEN retry_count >= max_retries THEN retry_count ELSE retry_count + 1 END,
	    status = CASE WHEN retry_count >= max_retries THEN 'failed' ELSE 'pending' END,
	    completed_at = CASE WHEN retry_count >= max_retries THEN $3::timestamptz ELSE NULL END,
	    scheduled_at = CASE WHEN retry_count >= max_retries THEN scheduled_at ELSE $4::timestamptz END,
	    lease_expires_at = NULL,
	    updated_at = $3
	WHERE id = $1 AND status = 'running'
	RETURNING status, metadata->>'scheduler.task_name', metadata->>'scheduler.fire_key'`

// Fail records a failed attempt. While retry budget remains the job goes
// back to pending, delayed by the configured retry delay; the final
// attempt lands on failed. Idempotent like Complete.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.clock.Now().UTC()
	retryAt := now.Add(r.retryDelay())

	var status model.JobStatus
	var taskName, fireKey sql.NullString
	err := r.DB.QueryRowContext(ctx, failJobSQL, id, errMsg, now, retryAt).
		Scan(&status, &taskName, &fireKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}

	r.settleJob(ctx, id, status, taskName, fireKey)
	return true, nil
}

// settleJob runs the post-transition bookkeeping: releasing the
// originating task's fire key on terminal states and mirroring the status
// into job_meta. Both are best-effort; the job row itself is settled.
func (r *JobRepo) settleJob(
	ctx context.Context,
	jobID string,
	status model.JobStatus,
	taskName, fireKey sql.NullString,
) {
	// A retrying job still owns its fire key: the task stays in flight
	// until the attempt chain ends.
	if status.Terminal() && taskName.Valid && fireKey.Valid {
		if err := r.clearActiveFireKey(ctx, taskName.String, fireKey.String); err != nil {
			r.logger.ErrorContext(ctx, "clear active fire key failed",
				"task_name", taskName.String,
				"fire_key", fireKey.String,
				"error", err,
			)
		}
	}

	if err := r.updateJobMetaStatus(ctx, jobID, status); err != nil {
		r.logger.WarnContext(ctx, "record job_meta status failed",
			"job_id", jobID,
			"status", status,
			"error", err,
		)
	}
}

func (r *JobRepo) updateJobMetaStatus(ctx context.Context, id string, status model.JobStatus) error {
	if id == "" || !status.Valid() {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO job_meta (job_id, last_status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO UPDATE
		SET last_status = EXCLUDED.last_status,
		    updated_at = now()
	`, id, status)
	if err != nil {
		return fmt.Errorf("update job_meta status: %w", err)
	}
	return nil
}
