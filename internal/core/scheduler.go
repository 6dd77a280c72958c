package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/target/merrymaker-core/internal/domain"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// ScheduledTaskRepository is the scheduler's view of the scheduled_tasks
// table. All mutating operations have transactional variants because the
// scheduler performs its decide-and-enqueue sequence inside one transaction
// guarded by an advisory lock.
type ScheduledTaskRepository interface {
	// FindDue selects tasks whose cadence has elapsed, skipping rows locked
	// by other schedulers.
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error)

	// FindDueTx is the transactional variant; rows stay locked until the
	// transaction ends.
	FindDueTx(ctx context.Context, tx *sql.Tx, p domain.FindDueParams) ([]domain.ScheduledTask, error)

	// MarkQueued advances last_queued_at and optionally records the active
	// fire key. (false, nil) means the task row no longer exists.
	MarkQueued(ctx context.Context, p domain.MarkQueuedParams) (bool, error)

	// MarkQueuedTx applies MarkQueued inside an existing transaction.
	MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error)

	// UpdateActiveFireKeyTx sets or clears active_fire_key for a task.
	UpdateActiveFireKeyTx(ctx context.Context, tx *sql.Tx, p domain.UpdateActiveFireKeyParams) error

	// TryWithTaskLock takes the cross-process advisory lock for taskName
	// (FNV-1a 64-bit hash of the name) and runs fn inside the locking
	// transaction. Return semantics:
	//   - (false, nil): lock held elsewhere; fn did not run
	//   - (true, nil): fn ran and succeeded
	//   - (true, err): fn ran and failed
	TryWithTaskLock(
		ctx context.Context,
		taskName string,
		fn func(context.Context, *sql.Tx) error,
	) (bool, error)
}

// ScheduledTaskAdminRepository manages scheduled tasks by name. Services
// reconcile their schedules through it: sites own site:<id> tasks, secrets
// own secret-refresh:<id> tasks.
type ScheduledTaskAdminRepository interface {
	// UpsertByTaskName creates the task or updates its payload, interval,
	// and strategy while preserving last_queued_at.
	UpsertByTaskName(ctx context.Context, req domain.UpsertTaskParams) error

	// DeleteByTaskName removes the task. Returns true when a row existed.
	DeleteByTaskName(ctx context.Context, taskName string) (bool, error)

	// GetByTaskName fetches one task for introspection; nil when absent.
	GetByTaskName(ctx context.Context, taskName string) (*domain.ScheduledTask, error)

	// List pages all scheduled tasks ordered by task_name.
	List(ctx context.Context, limit, offset int) ([]domain.ScheduledTask, error)
}

// JobIntrospector reports queue state for overrun decisions. A job counts as
// running only while its lease is unexpired; an expired lease makes the task
// overdue instead.
type JobIntrospector interface {
	// RunningJobExistsByTaskName reports whether a running job with an
	// unexpired lease carries the task name in its metadata.
	RunningJobExistsByTaskName(ctx context.Context, taskName string, now time.Time) (bool, error)

	// JobStatesByTaskName returns the overrun states present for the task.
	JobStatesByTaskName(ctx context.Context, taskName string, now time.Time) (domain.OverrunStateMask, error)

	// FireKeyInFlight reports whether a pending or running job still
	// carries the fire key in its metadata.
	FireKeyInFlight(ctx context.Context, fireKey string) (bool, error)
}

// JobScheduler is the scheduler service port used by the runner adapter.
type JobScheduler interface {
	// Tick processes due tasks once and returns how many were handled.
	Tick(ctx context.Context, now time.Time) (int, error)
}

// SchedulerConfig tunes one scheduler instance.
type SchedulerConfig struct {
	BatchSize       int                    `json:"batch_size"`
	DefaultJobType  model.JobType          `json:"default_job_type"`
	DefaultPriority int                    `json:"default_priority"`
	MaxRetries      int                    `json:"max_retries"`
	Strategy        domain.StrategyOptions `json:"strategy"`
}

// DefaultSchedulerConfig returns the production defaults: batches of 25,
// browser jobs, skip-on-overrun while pending or running work exists.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:       25,
		DefaultJobType:  model.JobTypeBrowser,
		DefaultPriority: 0,
		MaxRetries:      3,
		Strategy: domain.StrategyOptions{
			Overrun:       domain.OverrunPolicySkip,
			OverrunStates: domain.OverrunStatesDefault,
		},
	}
}
