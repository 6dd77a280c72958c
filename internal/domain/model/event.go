package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event is one recorded browser observation. Events arrive in bulk from the
// browser worker and are consumed by rules jobs, which mark them processed.
type Event struct {
	ID            string          `json:"id"                      db:"id"`
	SessionID     string          `json:"session_id"              db:"session_id"`
	SourceJobID   *string         `json:"source_job_id,omitempty" db:"source_job_id"`
	EventType     string          `json:"event_type"              db:"event_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"    db:"event_data"`
	Metadata      json.RawMessage `json:"metadata,omitempty"      db:"metadata"`
	StorageKey    *string         `json:"storage_key,omitempty"   db:"storage_key"`
	Priority      int             `json:"priority,omitempty"      db:"priority"`
	ShouldProcess bool            `json:"should_process"          db:"should_process"`
	Processed     bool            `json:"processed"               db:"processed"`
	CreatedAt     time.Time       `json:"created_at"              db:"created_at"`
}

// EventInput is a single event inside a bulk ingest request.
type EventInput struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	StorageKey *string         `json:"storage_key,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Priority   *int            `json:"priority,omitempty"`
}

// BulkEventsRequest carries a batch of events from one browser session.
type BulkEventsRequest struct {
	SessionID   string       `json:"session_id"`
	SourceJobID *string      `json:"source_job_id,omitempty"`
	Events      []EventInput `json:"events"`
}

// Validate checks the batch against the caller-supplied size cap.
func (r *BulkEventsRequest) Validate(maxBatch int) error {
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	if len(r.Events) == 0 {
		return errors.New("events is required")
	}
	if maxBatch > 0 && len(r.Events) > maxBatch {
		return errors.New("max batch size exceeded")
	}
	if r.SourceJobID != nil && *r.SourceJobID != "" {
		if _, err := uuid.Parse(*r.SourceJobID); err != nil {
			return errors.New("source job id must be a valid UUID")
		}
	}
	for i := range r.Events {
		if r.Events[i].Type == "" {
			return errors.New("event type is required")
		}
		if r.Events[i].Timestamp.IsZero() {
			return errors.New("timestamp is required")
		}
	}
	return nil
}

// EventListOptions pages events for a job, keyset-first when a cursor is set.
type EventListOptions struct {
	JobID  string
	Limit  int
	Offset int
	// Keyset cursors take precedence over Offset when provided.
	CursorAfter  *string
	CursorBefore *string
	EventType    *string
	// Category widens EventType to a named family of types (network,
	// console, error, ...). Unknown categories match everything.
	Category *string
	SortDir  *string // asc (default), desc
}

// EventPage is one page of events plus continuation cursors.
type EventPage struct {
	Events     []*Event
	NextCursor *string
	PrevCursor *string
}
