package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain"
	"github.com/target/merrymaker-core/internal/domain/model"
)

const (
	taskListDefaultLimit = 50
	taskListMaxLimit     = 1000
)

// ScheduledTaskAdminRepo manages scheduled task definitions by name. The
// scheduler loop itself never writes through this repo; services use it to
// reconcile the tasks they own (site runs, secret refreshes).
type ScheduledTaskAdminRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewScheduledTaskAdminRepo builds a ScheduledTaskAdminRepo over the given pool.
func NewScheduledTaskAdminRepo(db *sql.DB) *ScheduledTaskAdminRepo {
	return &ScheduledTaskAdminRepo{DB: db, clock: SystemClock{}}
}

// NewScheduledTaskAdminRepoWithClock is NewScheduledTaskAdminRepo with an
// injected clock for tests.
func NewScheduledTaskAdminRepoWithClock(db *sql.DB, clock Clock) *ScheduledTaskAdminRepo {
	return &ScheduledTaskAdminRepo{DB: db, clock: clock}
}

const upsertTaskSQL = `
	INSERT INTO scheduled_tasks (
		task_name,
		payload,
		run_interval,
		job_type,
		priority,
		max_retries,
		overrun_policy,
		overrun_state_mask,
		created_at,
		updated_at
	) VALUES ($1, $2, ($3::int * interval '1 second'), $4, $5, $6, $7, $8, $9, $9)
	ON CONFLICT (task_name) DO UPDATE SET
		payload = EXCLUDED.payload,
		run_interval = EXCLUDED.run_interval,
		job_type = EXCLUDED.job_type,
		priority = EXCLUDED.priority,
		max_retries = EXCLUDED.max_retries,
		overrun_policy = COALESCE(EXCLUDED.overrun_policy, scheduled_tasks.overrun_policy),
		overrun_state_mask = COALESCE(EXCLUDED.overrun_state_mask, scheduled_tasks.overrun_state_mask),
		updated_at = EXCLUDED.updated_at`

// UpsertByTaskName creates the task or refreshes its definition. The
// update leaves last_queued_at and active_fire_key alone so cadence and
// in-flight state survive redefinition. Nil policy or state mask keeps
// whatever the row already has.
func (r *ScheduledTaskAdminRepo) UpsertByTaskName(ctx context.Context, req domain.UpsertTaskParams) error {
	taskName := strings.TrimSpace(req.TaskName)
	if taskName == "" {
		return errors.New("task name is required")
	}

	secs := int64(req.Interval / time.Second)
	if secs <= 0 {
		return fmt.Errorf("interval must be at least one second, got %s", req.Interval)
	}

	payload := normalizeJSON(req.Payload)
	if !json.Valid(payload) {
		return errors.New("payload must be valid JSON")
	}

	jobType := req.JobType
	if jobType == "" {
		jobType = model.JobTypeBrowser
	}
	if !jobType.Valid() {
		return fmt.Errorf("invalid job type: %q", req.JobType)
	}
	if req.Priority < 0 || req.Priority > 100 {
		return fmt.Errorf("priority must be between 0 and 100, got %d", req.Priority)
	}
	if req.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", req.MaxRetries)
	}

	var policy any
	if req.OverrunPolicy != nil {
		if !req.OverrunPolicy.Valid() {
			return fmt.Errorf("invalid overrun policy: %q", *req.OverrunPolicy)
		}
		policy = string(*req.OverrunPolicy)
	}
	var stateMask any
	if req.OverrunStates != nil {
		stateMask = int16(*req.OverrunStates)
	}

	_, err := r.DB.ExecContext(ctx, upsertTaskSQL,
		taskName,
		[]byte(payload),
		secs,
		string(jobType),
		req.Priority,
		req.MaxRetries,
		policy,
		stateMask,
		r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert scheduled task %q: %w", taskName, err)
	}
	return nil
}

// DeleteByTaskName removes the task definition. Returns true when a row
// existed. Jobs already enqueued for the task are left to run out.
func (r *ScheduledTaskAdminRepo) DeleteByTaskName(ctx context.Context, taskName string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE task_name = $1", taskName)
	if err != nil {
		return false, fmt.Errorf("delete scheduled task %q: %w", taskName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete scheduled task rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetByTaskName fetches one task; nil when no task has that name.
func (r *ScheduledTaskAdminRepo) GetByTaskName(ctx context.Context, taskName string) (*domain.ScheduledTask, error) {
	query := `SELECT ` + scheduledTaskColumns + ` FROM scheduled_tasks WHERE task_name = $1`

	var task *domain.ScheduledTask
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, taskName)
		if err != nil {
			return err
		}
		found, err := pgx.CollectOneRow(rows, rowToScheduledTask)
		if err != nil {
			return err
		}
		task = &found
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get scheduled task %q: %w", taskName, err)
	}
	return task, nil
}

// List pages all scheduled tasks ordered by task_name.
func (r *ScheduledTaskAdminRepo) List(ctx context.Context, limit, offset int) ([]domain.ScheduledTask, error) {
	switch {
	case limit <= 0:
		limit = taskListDefaultLimit
	case limit > taskListMaxLimit:
		limit = taskListMaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + scheduledTaskColumns + `
	FROM scheduled_tasks
	ORDER BY task_name ASC
	LIMIT $1 OFFSET $2`

	var tasks []domain.ScheduledTask
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, rowToScheduledTask)
		if err != nil {
			return err
		}
		tasks = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return tasks, nil
}
