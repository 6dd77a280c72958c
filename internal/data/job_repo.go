package data

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

var (
	// ErrJobNotFound is returned when no job matches the requested ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotDeletable is returned when the job is not in a deletable status.
	ErrJobNotDeletable = errors.New("job is not in a deletable status")
	// ErrJobReserved is returned when the job still holds an unexpired lease.
	ErrJobReserved = errors.New("job holds an active lease and cannot be deleted")
)

// JobRepoConfig tunes the queue repository.
type JobRepoConfig struct {
	// RetryDelaySeconds is how far into the future a re-pended job is
	// scheduled after a failed attempt. Zero means the default of 30s.
	RetryDelaySeconds int
	Logger            *slog.Logger
	Clock             Clock
}

// JobRepo is the PostgreSQL implementation of the durable job queue.
// Claiming is lease-based: ReserveNext marks a row running with a lease,
// workers extend it via Heartbeat, and rows whose lease lapses are swept
// back to pending before the next claim.
type JobRepo struct {
	DB     *sql.DB
	cfg    JobRepoConfig
	clock  Clock
	logger *slog.Logger
}

// NewJobRepo builds a JobRepo over the given pool.
func NewJobRepo(db *sql.DB, cfg JobRepoConfig) *JobRepo {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{DB: db, cfg: cfg, clock: clock, logger: logger}
}

const defaultRetryDelaySeconds = 30

func (r *JobRepo) retryDelay() time.Duration {
	if r.cfg.RetryDelaySeconds > 0 {
		return time.Duration(r.cfg.RetryDelaySeconds) * time.Second
	}
	return defaultRetryDelaySeconds * time.Second
}

// jobColumns is the canonical jobs column list. scanJobRow must stay in
// the same order.
const jobColumns = `
	id,
	type,
	status,
	priority,
	payload,
	metadata,
	site_id,
	source_id,
	is_test,
	scheduled_at,
	started_at,
	completed_at,
	lease_expires_at,
	retry_count,
	max_retries,
	last_error,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJobRow reads one jobs row from a database/sql scanner. pgx code
// paths use pgx.RowToAddrOfStructByName instead.
func scanJobRow(row rowScanner) (*model.Job, error) {
	var (
		j                 model.Job
		payload, metadata []byte
		siteID, sourceID  sql.NullString
		lastError         sql.NullString
		startedAt         sql.NullTime
		completedAt       sql.NullTime
		leaseExpiresAt    sql.NullTime
	)
	if err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Status,
		&j.Priority,
		&payload,
		&metadata,
		&siteID,
		&sourceID,
		&j.IsTest,
		&j.ScheduledAt,
		&startedAt,
		&completedAt,
		&leaseExpiresAt,
		&j.RetryCount,
		&j.MaxRetries,
		&lastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Payload = normalizeJSON(payload)
	j.Metadata = normalizeJSON(metadata)
	j.SiteID = nullableString(siteID)
	j.SourceID = nullableString(sourceID)
	j.LastError = nullableString(lastError)
	j.StartedAt = nullableTime(startedAt)
	j.CompletedAt = nullableTime(completedAt)
	j.LeaseExpiresAt = nullableTime(leaseExpiresAt)
	return &j, nil
}

func normalizeJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
