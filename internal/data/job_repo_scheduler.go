package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/domain"
)

// Scheduler-facing queries. The scheduler stamps enqueued jobs with
// scheduler.task_name and scheduler.fire_key metadata; these queries read
// that back to answer overrun and in-flight questions.

// clearActiveFireKey releases a task's fire key, but only while the task
// still holds the exact key that just settled. A newer fire must not lose
// its own key to a stale completion.
func (r *JobRepo) clearActiveFireKey(ctx context.Context, taskName, fireKey string) error {
	if strings.TrimSpace(taskName) == "" || strings.TrimSpace(fireKey) == "" {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET active_fire_key = NULL,
		    active_fire_key_set_at = NULL,
		    updated_at = $3
		WHERE task_name = $1
		  AND active_fire_key = $2
	`, taskName, fireKey, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear active fire key: %w", err)
	}
	return nil
}

const jobStatesByTaskSQL = `
	SELECT
		COALESCE(bool_or(status = 'pending'), FALSE) AS has_pending,
		COALESCE(bool_or(status = 'running' AND lease_expires_at > $1), FALSE) AS has_running,
		COALESCE(bool_or(status = 'running'
			AND (lease_expires_at IS NULL OR lease_expires_at <= $1)), FALSE) AS has_overdue
	FROM jobs
	WHERE metadata->>'scheduler.task_name' = $2
	  AND status IN ('pending', 'running')`

// JobStatesByTaskName reports which overrun states the task's live jobs
// occupy at instant now. A running job counts as running only while its
// lease holds; a lapsed lease makes it overdue instead, since the worker
// is presumed gone and the row will be requeued.
func (r *JobRepo) JobStatesByTaskName(
	ctx context.Context,
	taskName string,
	now time.Time,
) (domain.OverrunStateMask, error) {
	var hasPending, hasRunning, hasOverdue bool
	err := r.DB.QueryRowContext(ctx, jobStatesByTaskSQL, now.UTC(), taskName).
		Scan(&hasPending, &hasRunning, &hasOverdue)
	if err != nil {
		return 0, fmt.Errorf("job states by task name: %w", err)
	}

	var mask domain.OverrunStateMask
	if hasPending {
		mask |= domain.OverrunStatePending
	}
	if hasRunning {
		mask |= domain.OverrunStateRunning
	}
	if hasOverdue {
		mask |= domain.OverrunStateOverdue
	}
	return mask, nil
}

// RunningJobExistsByTaskName reports whether the task has a running job
// with an unexpired lease.
func (r *JobRepo) RunningJobExistsByTaskName(
	ctx context.Context,
	taskName string,
	now time.Time,
) (bool, error) {
	mask, err := r.JobStatesByTaskName(ctx, taskName, now)
	if err != nil {
		return false, err
	}
	return mask.Has(domain.OverrunStateRunning), nil
}

// FireKeyInFlight reports whether any live job still carries fireKey.
// The scheduler uses it to decide whether a task's recorded key is stale.
func (r *JobRepo) FireKeyInFlight(ctx context.Context, fireKey string) (bool, error) {
	if strings.TrimSpace(fireKey) == "" {
		return false, nil
	}

	var inFlight bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE metadata->>'scheduler.fire_key' = $1
			  AND status IN ('pending', 'running')
		)
	`, fireKey).Scan(&inFlight)
	if err != nil {
		return false, fmt.Errorf("fire key in flight: %w", err)
	}
	return inFlight, nil
}
