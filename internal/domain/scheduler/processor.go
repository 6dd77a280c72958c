// Package scheduler holds the per-task firing decision: given a due task
// and its overrun strategy, decide whether to enqueue, suppress, or
// reschedule, and keep the task row's cadence fields consistent.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/merrymaker-core/internal/domain"
)

// TaskStore mutates scheduled-task rows.
type TaskStore interface {
	// MarkQueued advances last_queued_at and optionally records the active
	// fire key in the same statement.
	MarkQueued(ctx context.Context, params domain.MarkQueuedParams) error
	// UpdateActiveFireKey sets or clears the task's outstanding fire key.
	UpdateActiveFireKey(ctx context.Context, params domain.UpdateActiveFireKeyParams) error
}

// JobStateReader answers overrun questions about a task's outstanding jobs.
type JobStateReader interface {
	// JobStatesByTaskName reports which overrun-relevant states currently
	// hold for jobs tagged with the task name.
	JobStatesByTaskName(ctx context.Context, taskName string, now time.Time) (domain.OverrunStateMask, error)
	// FireKeyInFlight reports whether a job tagged with the fire key is
	// still pending or running.
	FireKeyInFlight(ctx context.Context, fireKey string) (bool, error)
}

// JobEnqueuer creates the job for one firing. It reports false without
// error when a job with the same fire key already exists, which makes a
// concurrent double-fire benign.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, task *domain.ScheduledTask, fireKey string) (bool, error)
}

// ProcessResult describes what one pass over a task did.
type ProcessResult struct {
	// Due is false when the task's interval has not elapsed; all other
	// fields are zero in that case.
	Due bool
	// FireKey is the key derived for this firing, set whenever an enqueue
	// was attempted.
	FireKey string
	// Enqueued is true when a new job was created.
	Enqueued bool
	// SkippedOverrun is true when the skip policy suppressed the firing.
	SkippedOverrun bool
	// Rescheduled is true when the reschedule policy deferred the firing by
	// backdating last_queued_at.
	Rescheduled bool
	// StaleKeyCleared is true when reschedule found the recorded fire key
	// no longer in flight and cleared it before enqueueing.
	StaleKeyCleared bool
	// FireKeyConflict is true when another scheduler instance enqueued the
	// same firing first. The task row is left untouched so the next tick
	// re-evaluates it.
	FireKeyConflict bool
}

// TaskProcessorOptions configures a TaskProcessor.
type TaskProcessorOptions struct {
	Store    TaskStore
	Jobs     JobStateReader
	Enqueuer JobEnqueuer
	// Defaults apply to tasks without per-task overrides.
	Defaults domain.StrategyOptions
	Logger   *slog.Logger
}

// TaskProcessor applies the overrun strategy to one due task at a time.
// Callers serialize processing per task; the processor itself holds no
// locks.
type TaskProcessor struct {
	store    TaskStore
	jobs     JobStateReader
	enqueuer JobEnqueuer
	defaults domain.StrategyOptions
	logger   *slog.Logger
}

// NewTaskProcessor wires a TaskProcessor. Zero default strategy fields fall
// back to skip over pending and running jobs.
func NewTaskProcessor(opts TaskProcessorOptions) (*TaskProcessor, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: task store is required")
	}
	if opts.Jobs == nil {
		return nil, fmt.Errorf("scheduler: job state reader is required")
	}
	if opts.Enqueuer == nil {
		return nil, fmt.Errorf("scheduler: job enqueuer is required")
	}
	defaults := opts.Defaults
	if defaults.Overrun == "" {
		defaults.Overrun = domain.OverrunPolicySkip
	}
	if !defaults.Overrun.Valid() {
		return nil, fmt.Errorf("scheduler: invalid default overrun policy %q", defaults.Overrun)
	}
	if defaults.OverrunStates == 0 {
		defaults.OverrunStates = domain.OverrunStatesDefault
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskProcessor{
		store:    opts.Store,
		jobs:     opts.Jobs,
		enqueuer: opts.Enqueuer,
		defaults: defaults,
		logger:   logger,
	}, nil
}

// Process evaluates one task at the given instant.
func (p *TaskProcessor) Process(ctx context.Context, task *domain.ScheduledTask, now time.Time) (ProcessResult, error) {
	if task == nil {
		return ProcessResult{}, fmt.Errorf("scheduler: task is required")
	}
	if !task.Due(now) {
		return ProcessResult{}, nil
	}

	policy, states := p.resolveStrategy(task)
	switch policy {
	case domain.OverrunPolicySkip:
		return p.processSkip(ctx, task, states, now)
	case domain.OverrunPolicyQueue:
		return p.enqueue(ctx, task, now, ProcessResult{Due: true})
	case domain.OverrunPolicyReschedule:
		return p.processReschedule(ctx, task, now)
	default:
		return ProcessResult{}, fmt.Errorf("scheduler: unknown overrun policy %q for task %s", policy, task.TaskName)
	}
}

// resolveStrategy layers per-task overrides over the processor defaults.
func (p *TaskProcessor) resolveStrategy(task *domain.ScheduledTask) (domain.OverrunPolicy, domain.OverrunStateMask) {
	policy := p.defaults.Overrun
	if task.OverrunPolicy != nil && task.OverrunPolicy.Valid() {
		policy = *task.OverrunPolicy
	}
	states := p.defaults.OverrunStates
	if task.OverrunStates != nil && *task.OverrunStates != 0 {
		states = *task.OverrunStates
	}
	return policy, states
}

func (p *TaskProcessor) processSkip(ctx context.Context, task *domain.ScheduledTask, states domain.OverrunStateMask, now time.Time) (ProcessResult, error) {
	outstanding, err := p.jobs.JobStatesByTaskName(ctx, task.TaskName, now)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("scheduler: check outstanding jobs for %s: %w", task.TaskName, err)
	}
	if !outstanding.Intersects(states) {
		return p.enqueue(ctx, task, now, ProcessResult{Due: true})
	}
	// Advance last_queued_at without enqueueing so the cadence holds and
	// the task is not re-evaluated every tick while the job runs.
	if err := p.store.MarkQueued(ctx, domain.MarkQueuedParams{ID: task.ID, QueuedAt: now}); err != nil {
		return ProcessResult{}, fmt.Errorf("scheduler: mark skipped task %s: %w", task.TaskName, err)
	}
	p.logger.Debug("skipped overrunning task",
		slog.String("task_name", task.TaskName),
		slog.String("outstanding", outstanding.String()),
	)
	return ProcessResult{Due: true, SkippedOverrun: true}, nil
}

func (p *TaskProcessor) processReschedule(ctx context.Context, task *domain.ScheduledTask, now time.Time) (ProcessResult, error) {
	result := ProcessResult{Due: true}
	if task.ActiveFireKey != nil && *task.ActiveFireKey != "" {
		inFlight, err := p.jobs.FireKeyInFlight(ctx, *task.ActiveFireKey)
		if err != nil {
			return ProcessResult{}, fmt.Errorf("scheduler: check fire key for %s: %w", task.TaskName, err)
		}
		if inFlight {
			// Previous firing still running. Backdate last_queued_at by half
			// an interval so the task comes due again sooner than a full
			// period.
			queuedAt := now.Add(-task.Interval / 2)
			if err := p.store.MarkQueued(ctx, domain.MarkQueuedParams{ID: task.ID, QueuedAt: queuedAt}); err != nil {
				return ProcessResult{}, fmt.Errorf("scheduler: reschedule task %s: %w", task.TaskName, err)
			}
			p.logger.Debug("rescheduled overrunning task",
				slog.String("task_name", task.TaskName),
				slog.Time("next_due", queuedAt.Add(task.Interval)),
			)
			result.Rescheduled = true
			return result, nil
		}
		// The recorded firing finished or was reaped. Clear the stale key
		// so the row reflects reality, then fire normally.
		if err := p.store.UpdateActiveFireKey(ctx, domain.UpdateActiveFireKeyParams{ID: task.ID, FireKey: nil, SetAt: now}); err != nil {
			return ProcessResult{}, fmt.Errorf("scheduler: clear stale fire key for %s: %w", task.TaskName, err)
		}
		result.StaleKeyCleared = true
	}
	return p.enqueue(ctx, task, now, result)
}

func (p *TaskProcessor) enqueue(ctx context.Context, task *domain.ScheduledTask, now time.Time, result ProcessResult) (ProcessResult, error) {
	fireKey := domain.FireKey(task.TaskName, now)
	result.FireKey = fireKey

	created, err := p.enqueuer.Enqueue(ctx, task, fireKey)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("scheduler: enqueue job for %s: %w", task.TaskName, err)
	}
	if !created {
		// Another instance won the firing. Leave the row alone; the winner
		// has already advanced it.
		p.logger.Debug("fire key conflict",
			slog.String("task_name", task.TaskName),
			slog.String("fire_key", fireKey),
		)
		result.FireKeyConflict = true
		return result, nil
	}

	setAt := now
	if err := p.store.MarkQueued(ctx, domain.MarkQueuedParams{
		ID:                 task.ID,
		QueuedAt:           now,
		ActiveFireKey:      &fireKey,
		ActiveFireKeySetAt: &setAt,
	}); err != nil {
		return ProcessResult{}, fmt.Errorf("scheduler: mark queued task %s: %w", task.TaskName, err)
	}
	p.logger.Info("enqueued scheduled job",
		slog.String("task_name", task.TaskName),
		slog.String("fire_key", fireKey),
		slog.String("job_type", string(task.JobType)),
	)
	result.Enqueued = true
	return result, nil
}
