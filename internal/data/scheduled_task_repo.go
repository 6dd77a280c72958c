package data

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// ScheduledTaskRepo is the PostgreSQL implementation of the scheduler's
// task table. Selection uses FOR UPDATE SKIP LOCKED so concurrent scheduler
// replicas never pick the same row, and per-task advisory locks serialize
// the decide-and-enqueue sequence across processes.
type ScheduledTaskRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewScheduledTaskRepo builds a ScheduledTaskRepo over the given pool.
func NewScheduledTaskRepo(db *sql.DB) *ScheduledTaskRepo {
	return &ScheduledTaskRepo{DB: db, clock: SystemClock{}}
}

// NewScheduledTaskRepoWithClock is NewScheduledTaskRepo with an injected
// clock for tests.
func NewScheduledTaskRepoWithClock(db *sql.DB, clock Clock) *ScheduledTaskRepo {
	return &ScheduledTaskRepo{DB: db, clock: clock}
}

// taskLockKey hashes a task name into an advisory lock key. Advisory locks
// take a BIGINT, so the unsigned FNV-1a value is bounded to int64 range.
func taskLockKey(taskName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(taskName))
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u) // #nosec G115 -- bounded to <= MaxInt64 above.
}

// scheduledTaskColumns is the canonical scheduled_tasks column list.
// scanScheduledTaskRow must stay in the same order. run_interval is a real
// INTERVAL column, surfaced as whole seconds.
const scheduledTaskColumns = `
	id,
	task_name,
	payload,
	EXTRACT(EPOCH FROM run_interval)::bigint AS interval_seconds,
	job_type,
	priority,
	max_retries,
	overrun_policy,
	overrun_state_mask,
	active_fire_key,
	active_fire_key_set_at,
	last_queued_at,
	created_at,
	updated_at`

const findDueTasksSQL = `
	SELECT ` + scheduledTaskColumns + `
	FROM scheduled_tasks
	WHERE (last_queued_at IS NULL OR last_queued_at + run_interval <= $1)
	  AND ($3 = '' OR task_name = $3)
	ORDER BY
		CASE WHEN last_queued_at IS NULL THEN 0 ELSE 1 END,
		last_queued_at ASC,
		created_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED`

// FindDue selects tasks whose cadence has elapsed: never queued, or queued
// at least one run_interval ago. Tasks that have never fired sort first.
func (r *ScheduledTaskRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTask, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var tasks []domain.ScheduledTask
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, findDueTasksSQL, now.UTC(), limit, "")
		if err != nil {
			return err
		}
		defer rows.Close()

		collected, err := pgx.CollectRows(rows, rowToScheduledTask)
		if err != nil {
			return err
		}
		tasks = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	return tasks, nil
}

// FindDueTx is FindDue inside an existing transaction. The selected rows
// stay locked until the transaction ends, so it must be paired with
// MarkQueuedTx under the same tx for SKIP LOCKED to mean anything.
func (r *ScheduledTaskRepo) FindDueTx(ctx context.Context, tx *sql.Tx, p domain.FindDueParams) ([]domain.ScheduledTask, error) {
	if p.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", p.Limit)
	}

	rows, err := tx.QueryContext(ctx, findDueTasksSQL, p.Now.UTC(), p.Limit, p.TaskName)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled tasks: %w", err)
	}
	return tasks, nil
}

// taskUpdate accumulates SET clauses for one scheduled_tasks row. $1 is
// always the task ID.
type taskUpdate struct {
	clauses []string
	args    []any
}

func newTaskUpdate(id string) *taskUpdate {
	return &taskUpdate{args: []any{id}}
}

// set appends a clause whose %d placeholder is bound to value.
func (u *taskUpdate) set(expr string, value any) {
	u.args = append(u.args, value)
	u.clauses = append(u.clauses, fmt.Sprintf(expr, len(u.args)))
}

// setFireKey records the fire key of the job just enqueued, or clears the
// key (and its timestamp) when key is nil or blank.
func (u *taskUpdate) setFireKey(key *string, setAt *time.Time, fallback time.Time) {
	trimmed := ""
	if key != nil {
		trimmed = strings.TrimSpace(*key)
	}
	if trimmed == "" {
		u.clauses = append(u.clauses, "active_fire_key = NULL", "active_fire_key_set_at = NULL")
		return
	}
	u.set("active_fire_key = $%d", trimmed)
	at := fallback
	if setAt != nil && !setAt.IsZero() {
		at = setAt.UTC()
	}
	u.set("active_fire_key_set_at = $%d", at)
}

func (u *taskUpdate) sql() string {
	return "UPDATE scheduled_tasks SET " + strings.Join(u.clauses, ", ") + " WHERE id = $1"
}

// MarkQueued advances last_queued_at after a firing decision. QueuedAt is
// the firing instant, not necessarily now: the reschedule policy backdates
// it. A nil ActiveFireKey clears the stored key.
// Return semantics:
//   - (true, nil): task found and updated
//   - (false, nil): task row no longer exists
func (r *ScheduledTaskRepo) MarkQueued(ctx context.Context, p domain.MarkQueuedParams) (bool, error) {
	query, args := r.markQueuedSQL(p)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark task queued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task queued rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkQueuedTx applies MarkQueued inside an existing transaction, pairing
// with FindDueTx so the update lands under the selection locks.
func (r *ScheduledTaskRepo) MarkQueuedTx(ctx context.Context, tx *sql.Tx, p domain.MarkQueuedParams) (bool, error) {
	query, args := r.markQueuedSQL(p)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark task queued (tx): %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task queued rows affected (tx): %w", err)
	}
	return affected > 0, nil
}

func (r *ScheduledTaskRepo) markQueuedSQL(p domain.MarkQueuedParams) (string, []any) {
	now := r.clock.Now().UTC()
	u := newTaskUpdate(p.ID)
	u.set("last_queued_at = $%d", p.QueuedAt.UTC())
	u.set("updated_at = $%d", now)
	u.setFireKey(p.ActiveFireKey, p.ActiveFireKeySetAt, now)
	return u.sql(), u.args
}

// UpdateActiveFireKeyTx sets or clears (FireKey nil) a task's outstanding
// fire key. A terminal job settlement clears by task name instead, guarded
// against stale keys; this variant is for the scheduler's own transaction.
func (r *ScheduledTaskRepo) UpdateActiveFireKeyTx(ctx context.Context, tx *sql.Tx, p domain.UpdateActiveFireKeyParams) error {
	now := r.clock.Now().UTC()
	setAt := now
	if !p.SetAt.IsZero() {
		setAt = p.SetAt.UTC()
	}

	u := newTaskUpdate(p.ID)
	u.set("updated_at = $%d", now)
	u.setFireKey(p.FireKey, &setAt, setAt)

	if _, err := tx.ExecContext(ctx, u.sql(), u.args...); err != nil {
		return fmt.Errorf("update active fire key: %w", err)
	}
	return nil
}

// TryWithTaskLock runs fn inside a transaction holding the advisory lock
// for taskName. The lock key is the FNV-1a 64-bit hash of the name.
// Return semantics:
//   - (false, nil): lock held elsewhere; fn did not run
//   - (true, nil): fn ran and succeeded
//   - (true, err): fn ran and failed with err
func (r *ScheduledTaskRepo) TryWithTaskLock(
	ctx context.Context,
	taskName string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	var (
		locked bool
		fnErr  error
	)
	err := pgxutil.InSQLTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", taskLockKey(taskName)).Scan(&locked); err != nil {
			return fmt.Errorf("acquire task lock %q: %w", taskName, err)
		}
		if !locked {
			return nil
		}
		// Commit regardless of fn's error so work fn already flushed
		// (MarkQueuedTx, enqueued jobs) is not lost; fnErr is reported
		// separately.
		fnErr = fn(ctx, tx)
		return nil
	})
	if err != nil {
		return false, err
	}
	return locked, fnErr
}

// scheduledTaskRow mirrors scheduledTaskColumns for pgx.RowToStructByName.
type scheduledTaskRow struct {
	ID                 string         `db:"id"`
	TaskName           string         `db:"task_name"`
	Payload            []byte         `db:"payload"`
	IntervalSeconds    sql.NullInt64  `db:"interval_seconds"`
	JobType            string         `db:"job_type"`
	Priority           int            `db:"priority"`
	MaxRetries         int            `db:"max_retries"`
	OverrunPolicy      sql.NullString `db:"overrun_policy"`
	OverrunStateMask   sql.NullInt64  `db:"overrun_state_mask"`
	ActiveFireKey      sql.NullString `db:"active_fire_key"`
	ActiveFireKeySetAt sql.NullTime   `db:"active_fire_key_set_at"`
	LastQueuedAt       sql.NullTime   `db:"last_queued_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (row *scheduledTaskRow) toDomain() domain.ScheduledTask {
	task := domain.ScheduledTask{
		ID:                 row.ID,
		TaskName:           row.TaskName,
		Payload:            normalizeJSON(row.Payload),
		JobType:            model.JobType(row.JobType),
		Priority:           row.Priority,
		MaxRetries:         row.MaxRetries,
		ActiveFireKeySetAt: nullableTime(row.ActiveFireKeySetAt),
		LastQueuedAt:       nullableTime(row.LastQueuedAt),
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.IntervalSeconds.Valid {
		task.Interval = time.Duration(row.IntervalSeconds.Int64) * time.Second
	}
	if row.OverrunPolicy.Valid {
		policy := domain.OverrunPolicy(row.OverrunPolicy.String)
		task.OverrunPolicy = &policy
	}
	if row.OverrunStateMask.Valid {
		if v := row.OverrunStateMask.Int64; v >= 0 && v <= math.MaxUint8 {
			mask := domain.OverrunStateMask(v)
			task.OverrunStates = &mask
		}
	}
	if row.ActiveFireKey.Valid {
		if key := strings.TrimSpace(row.ActiveFireKey.String); key != "" {
			task.ActiveFireKey = &key
		}
	}
	return task
}

func rowToScheduledTask(row pgx.CollectableRow) (domain.ScheduledTask, error) {
	dbRow, err := pgx.RowToStructByName[scheduledTaskRow](row)
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("scan scheduled task row: %w", err)
	}
	return dbRow.toDomain(), nil
}

// scanScheduledTaskRow reads one scheduled_tasks row from a database/sql
// scanner, in scheduledTaskColumns order.
func scanScheduledTaskRow(row rowScanner) (domain.ScheduledTask, error) {
	var dbRow scheduledTaskRow
	if err := row.Scan(
		&dbRow.ID,
		&dbRow.TaskName,
		&dbRow.Payload,
		&dbRow.IntervalSeconds,
		&dbRow.JobType,
		&dbRow.Priority,
		&dbRow.MaxRetries,
		&dbRow.OverrunPolicy,
		&dbRow.OverrunStateMask,
		&dbRow.ActiveFireKey,
		&dbRow.ActiveFireKeySetAt,
		&dbRow.LastQueuedAt,
		&dbRow.CreatedAt,
		&dbRow.UpdatedAt,
	); err != nil {
		return domain.ScheduledTask{}, err
	}
	return dbRow.toDomain(), nil
}
