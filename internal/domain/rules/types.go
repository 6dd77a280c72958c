// Package rules holds the detection pipeline vocabulary: rule registry,
// per-event work items, aggregate results, and the orchestration interfaces
// the rules job runner composes.
package rules

import (
	"context"
	"errors"

	"github.com/target/merrymaker-core/internal/domain/model"
)

var (
	// ErrDuplicateEnqueue marks an enqueue request whose event batch was
	// already claimed by another request within the dedupe window.
	ErrDuplicateEnqueue = errors.New("duplicate rules job request")
	// ErrResultsNotFound marks a results lookup for a job with no cached or
	// persisted results.
	ErrResultsNotFound = errors.New("rules results not found")
	// ErrEvaluationFailed marks rule evaluation errors that should surface
	// to callers rather than being absorbed into metrics.
	ErrEvaluationFailed = errors.New("rule evaluation failed")
)

// EnqueueJobRequest asks for a rules job over a batch of event IDs.
type EnqueueJobRequest struct {
	EventIDs []string `json:"event_ids"`
	SiteID   string   `json:"site_id"`
	Scope    string   `json:"scope"`
	Priority int      `json:"priority,omitempty"`
	IsTest   bool     `json:"is_test,omitempty"`
}

// Validate checks the structural invariants of the enqueue request.
func (r *EnqueueJobRequest) Validate() error {
	if len(r.EventIDs) == 0 {
		return errors.New("event_ids is required")
	}
	if r.SiteID == "" {
		return errors.New("site_id is required")
	}
	if r.Scope == "" {
		return errors.New("scope is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	return nil
}

// JobPayload is the persisted payload of a rules job.
type JobPayload struct {
	EventIDs []string `json:"event_ids"`
	SiteID   string   `json:"site_id"`
	Scope    string   `json:"scope"`
}

// PipelineParams carries one job's worth of events into the pipeline.
type PipelineParams struct {
	Events    []*model.Event
	Payload   *JobPayload
	DryRun    bool
	AlertMode model.SiteAlertMode
	JobID     string
}

// Pipeline evaluates an event batch and aggregates the outcomes.
type Pipeline interface {
	Run(ctx context.Context, params PipelineParams) (*ProcessingResults, error)
}

// AlertResolutionParams identifies the site whose alert mode applies to a job.
type AlertResolutionParams struct {
	JobID  string
	SiteID string
}

// AlertResolver resolves the effective alert mode for a rules job.
type AlertResolver interface {
	Resolve(ctx context.Context, params AlertResolutionParams) model.SiteAlertMode
}

// EventFetchParams identifies the events a rules job needs hydrated.
type EventFetchParams struct {
	JobID    string
	EventIDs []string
}

// EventFetcher hydrates events for rules processing.
type EventFetcher interface {
	Fetch(ctx context.Context, params EventFetchParams) ([]*model.Event, error)
}

// ResultStore persists and retrieves processing results.
type ResultStore interface {
	Cache(ctx context.Context, jobID string, results *ProcessingResults) error
	Persist(ctx context.Context, job *model.Job, results *ProcessingResults) error
	Get(ctx context.Context, jobID string) (*ProcessingResults, error)
}

// JobCoordinator owns the enqueue-side concerns of a rules job: payload
// construction, duplicate suppression, and batch sizing.
type JobCoordinator interface {
	BuildPayload(req *EnqueueJobRequest) ([]byte, error)
	ShouldProcess(ctx context.Context, req *EnqueueJobRequest) (bool, error)
	ParsePayload(job *model.Job) (*JobPayload, error)
	LimitEventIDs(ids []string, jobID string) []string
}
