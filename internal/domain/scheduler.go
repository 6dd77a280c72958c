// Package domain carries the scheduled-task entity and overrun vocabulary
// shared by the scheduler service and its repository.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// ScheduledTask is one registered periodic task. Each firing enqueues a job
// tagged with a unique fire key so at most one job per firing exists.
type ScheduledTask struct {
	ID       string          `json:"id"`
	TaskName string          `json:"task_name"`
	Payload  json.RawMessage `json:"payload"`
	// Interval is the firing cadence. Stored in the database as whole
	// seconds.
	Interval     time.Duration `json:"interval"`
	LastQueuedAt *time.Time    `json:"last_queued_at,omitempty"`
	// OverrunPolicy overrides the scheduler default when set.
	OverrunPolicy *OverrunPolicy `json:"overrun_policy,omitempty"`
	// OverrunStates selects which outstanding-job states suppress a skip
	// firing.
	OverrunStates *OverrunStateMask `json:"overrun_states,omitempty"`
	// ActiveFireKey is the fire key of the task's outstanding job, cleared
	// when that job reaches a terminal state.
	ActiveFireKey      *string    `json:"active_fire_key,omitempty"`
	ActiveFireKeySetAt *time.Time `json:"active_fire_key_set_at,omitempty"`
	// Job construction defaults applied at enqueue time.
	JobType    model.JobType `json:"job_type"`
	Priority   int           `json:"priority"`
	MaxRetries int           `json:"max_retries"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Due reports whether the task should fire at the given instant.
func (t *ScheduledTask) Due(now time.Time) bool {
	if t.LastQueuedAt == nil {
		return true
	}
	return !t.LastQueuedAt.Add(t.Interval).After(now)
}

// FireKey derives the per-firing unique key: the task name joined to the
// firing instant at nanosecond precision.
func FireKey(taskName string, now time.Time) string {
	return taskName + ":" + now.UTC().Format(time.RFC3339Nano)
}

// OverrunPolicy decides what a due task does while a previous firing's job
// is still outstanding.
type OverrunPolicy string

const (
	// OverrunPolicySkip suppresses the firing while any masked job state is
	// present, advancing last_queued_at so the cadence holds.
	OverrunPolicySkip OverrunPolicy = "skip"
	// OverrunPolicyQueue always enqueues; overlapping jobs are acceptable.
	OverrunPolicyQueue OverrunPolicy = "queue"
	// OverrunPolicyReschedule clears a stale fire key and enqueues, or
	// backdates last_queued_at by half an interval so the next tick retries
	// sooner.
	OverrunPolicyReschedule OverrunPolicy = "reschedule"
)

func (p OverrunPolicy) String() string { return string(p) }

// Valid reports whether the policy is one of skip, queue, reschedule.
func (p OverrunPolicy) Valid() bool {
	switch p {
	case OverrunPolicySkip, OverrunPolicyQueue, OverrunPolicyReschedule:
		return true
	default:
		return false
	}
}

// UnmarshalText parses a policy from env or JSON text.
func (p *OverrunPolicy) UnmarshalText(text []byte) error {
	candidate := OverrunPolicy(strings.ToLower(strings.TrimSpace(string(text))))
	if !candidate.Valid() {
		return fmt.Errorf("invalid overrun policy: %q", string(text))
	}
	*p = candidate
	return nil
}

// OverrunStateMask is a bitset over the outstanding-job states that count
// as an overrun for the skip policy.
type OverrunStateMask uint8

const (
	// OverrunStatePending marks pending jobs for the task.
	OverrunStatePending OverrunStateMask = 1 << iota
	// OverrunStateRunning marks a running job whose lease has not expired.
	OverrunStateRunning
	// OverrunStateOverdue marks a running job whose lease has expired; the
	// worker is presumed dead and the reaper will recover the job.
	OverrunStateOverdue
)

// OverrunStatesDefault suppresses on live work only: pending jobs and
// running jobs with a current lease. Overdue jobs do not block by default.
const OverrunStatesDefault = OverrunStatePending | OverrunStateRunning

var overrunStateNames = []struct {
	name string
	flag OverrunStateMask
}{
	{"pending", OverrunStatePending},
	{"running", OverrunStateRunning},
	{"overdue", OverrunStateOverdue},
}

// Has reports whether the mask includes the flag.
func (m OverrunStateMask) Has(flag OverrunStateMask) bool {
	return m&flag != 0
}

// Intersects reports whether any of the other mask's states are set.
func (m OverrunStateMask) Intersects(other OverrunStateMask) bool {
	return m&other != 0
}

// String renders the mask as a stable comma-separated list.
func (m OverrunStateMask) String() string {
	if m == 0 {
		return ""
	}
	parts := make([]string, 0, len(overrunStateNames))
	for _, entry := range overrunStateNames {
		if m&entry.flag != 0 {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseOverrunStateMask parses a comma-separated list of state names.
func ParseOverrunStateMask(v string) (OverrunStateMask, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	var mask OverrunStateMask
	for _, part := range strings.Split(v, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		flag, ok := overrunStateByName(name)
		if !ok {
			return 0, fmt.Errorf("invalid overrun state: %q", name)
		}
		mask |= flag
	}
	return mask, nil
}

func overrunStateByName(name string) (OverrunStateMask, bool) {
	for _, entry := range overrunStateNames {
		if entry.name == name {
			return entry.flag, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (m OverrunStateMask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *OverrunStateMask) UnmarshalText(text []byte) error {
	mask, err := ParseOverrunStateMask(string(text))
	if err != nil {
		return err
	}
	*m = mask
	return nil
}

// FindDueParams bounds a due-task selection. A non-empty TaskName narrows
// the selection to that task, for re-reading one row under its lock.
type FindDueParams struct {
	Now      time.Time
	Limit    int
	TaskName string
}

// MarkQueuedParams advances a task's last_queued_at, optionally recording
// the fire key of the job that was enqueued. QueuedAt may differ from the
// wall clock: the reschedule policy backdates it by half an interval.
type MarkQueuedParams struct {
	ID                 string
	QueuedAt           time.Time
	ActiveFireKey      *string
	ActiveFireKeySetAt *time.Time
}

// UpdateActiveFireKeyParams sets or clears (FireKey nil) a task's
// outstanding fire key.
type UpdateActiveFireKeyParams struct {
	ID      string
	FireKey *string
	SetAt   time.Time
}

// UpsertTaskParams registers or refreshes a scheduled task by name.
// last_queued_at is preserved across upserts so cadence survives restarts.
type UpsertTaskParams struct {
	TaskName string
	Payload  json.RawMessage
	Interval time.Duration
	// Optional overrides; nil keeps the scheduler defaults.
	OverrunPolicy *OverrunPolicy
	OverrunStates *OverrunStateMask
	JobType       model.JobType
	Priority      int
	MaxRetries    int
}

// StrategyOptions is the scheduler-wide default overrun strategy.
type StrategyOptions struct {
	Overrun       OverrunPolicy    `json:"overrun"`
	OverrunStates OverrunStateMask `json:"overrun_states"`
}
