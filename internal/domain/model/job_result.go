package model

import (
	"encoding/json"
	"time"
)

// JobResult is the persisted outcome record for a job, kept past job
// deletion for forensic inspection. JobID goes nil when the reaper deletes
// the parent job.
type JobResult struct {
	JobID     *string         `json:"job_id"     db:"job_id"`
	JobType   JobType         `json:"job_type"   db:"job_type"`
	Result    json.RawMessage `json:"result"     db:"result"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
