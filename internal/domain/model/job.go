package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType identifies which handler a job is routed to.
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver, Valid a value receiver
type JobType string

// JobStatus is the queue lifecycle state of a job.
type JobStatus string

const (
	// JobTypeBrowser is a site-load job consumed by the external browser worker.
	JobTypeBrowser JobType = "browser"
	// JobTypeRules evaluates a batch of events against the rule pipeline.
	JobTypeRules JobType = "rules"
	// JobTypeAlert delivers one alert payload to an HTTP sink.
	JobTypeAlert JobType = "alert"
	// JobTypeSecretRefresh re-runs a secret's provider script.
	JobTypeSecretRefresh JobType = "secret_refresh"

	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrNoJobsAvailable signals an empty queue for the requested type; worker
// loops treat it as "wait for a notification", never as a failure.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid reports whether the job type is one of the routable types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeBrowser, JobTypeRules, JobTypeAlert, JobTypeSecretRefresh:
		return true
	default:
		return false
	}
}

// UnmarshalText lets env and JSON decoding accept job types case-insensitively.
func (t *JobType) UnmarshalText(text []byte) error {
	candidate := JobType(strings.ToLower(strings.TrimSpace(string(text))))
	if !candidate.Valid() {
		return fmt.Errorf("invalid job type: %q", string(text))
	}
	*t = candidate
	return nil
}

// Valid reports whether the status is a known lifecycle state.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one row of the durable queue.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	Type           JobType         `json:"type"                       db:"type"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Priority       int             `json:"priority"                   db:"priority"`
	Payload        json.RawMessage `json:"payload"                    db:"payload"`
	Metadata       json.RawMessage `json:"metadata"                   db:"metadata"`
	SiteID         *string         `json:"site_id,omitempty"          db:"site_id"`
	SourceID       *string         `json:"source_id,omitempty"        db:"source_id"`
	IsTest         bool            `json:"is_test"                    db:"is_test"`
	ScheduledAt    time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	RetryCount     int             `json:"retry_count"                db:"retry_count"`
	MaxRetries     int             `json:"max_retries"                db:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"       db:"last_error"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// SchedulerTaskName returns the scheduler.task_name metadata value, if any.
func (j *Job) SchedulerTaskName() string {
	return j.metadataString(MetadataKeySchedulerTaskName)
}

// SchedulerFireKey returns the scheduler.fire_key metadata value, if any.
func (j *Job) SchedulerFireKey() string {
	return j.metadataString(MetadataKeySchedulerFireKey)
}

func (j *Job) metadataString(key string) string {
	if len(j.Metadata) == 0 {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal(j.Metadata, &meta); err != nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

// Metadata keys attached by the scheduler so completion handlers can clear
// the originating task's active fire key.
const (
	MetadataKeySchedulerTaskName = "scheduler.task_name"
	MetadataKeySchedulerFireKey  = "scheduler.fire_key"
)

// CreateJobRequest enqueues a new job.
type CreateJobRequest struct {
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	SiteID      *string         `json:"site_id,omitempty"`
	SourceID    *string         `json:"source_id,omitempty"`
	IsTest      bool            `json:"is_test,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	// MaxRetries nil means "use the queue default"; an explicit zero
	// disables retries entirely.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// Validate checks the structural invariants of an enqueue request.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// JobStats counts jobs per lifecycle state.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobListOptions filters and pages job listings.
type JobListOptions struct {
	Status    *JobStatus
	Type      *JobType
	SiteID    *string
	IsTest    *bool
	SortBy    string // created_at (default), status, type
	SortOrder string // asc, desc (default)
	Limit     int
	Offset    int
}

// JobWithEventCount is a job row joined with its job_meta event count and
// owning site name, as returned by listings.
type JobWithEventCount struct {
	Job
	EventCount int    `json:"event_count"         db:"event_count"`
	SiteName   string `json:"site_name,omitempty" db:"site_name"`
}

// RulesJobPayload is the payload of a rules job: the event batch to
// evaluate and the detection context it runs under.
type RulesJobPayload struct {
	EventIDs []string `json:"event_ids"`
	SiteID   string   `json:"site_id"`
	Scope    string   `json:"scope"`
}

// Validate enforces the enqueue-side payload invariants.
func (p *RulesJobPayload) Validate() error {
	if len(p.EventIDs) == 0 {
		return errors.New("event_ids must not be empty")
	}
	for _, id := range p.EventIDs {
		if strings.TrimSpace(id) == "" {
			return errors.New("event_ids must not contain empty entries")
		}
	}
	if strings.TrimSpace(p.SiteID) == "" {
		return errors.New("site_id is required")
	}
	if strings.TrimSpace(p.Scope) == "" {
		return errors.New("scope is required")
	}
	return nil
}

// AlertJobPayload is the payload of an alert-delivery job.
type AlertJobPayload struct {
	SinkID  string          `json:"sink_id"`
	Payload json.RawMessage `json:"payload"`
}

// Validate enforces the alert job payload invariants.
func (p *AlertJobPayload) Validate() error {
	if strings.TrimSpace(p.SinkID) == "" {
		return errors.New("sink_id is required")
	}
	if len(p.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// SecretRefreshJobPayload is the payload of a secret-refresh job.
type SecretRefreshJobPayload struct {
	SecretID string `json:"secret_id"`
}

// Validate enforces the secret refresh payload invariants.
func (p *SecretRefreshJobPayload) Validate() error {
	if strings.TrimSpace(p.SecretID) == "" {
		return errors.New("secret_id is required")
	}
	return nil
}
