package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// JobResultRepo persists job result documents. Rows are keyed by job_id
// but outlive the job: when the reaper deletes a job the FK nulls job_id
// and the document stays queryable by its content.
type JobResultRepo struct {
	DB *sql.DB
}

// NewJobResultRepo builds a JobResultRepo over the given pool.
func NewJobResultRepo(db *sql.DB) *JobResultRepo {
	return &JobResultRepo{DB: db}
}

const jobResultColumns = "job_id, job_type, result, created_at, updated_at"

// Upsert stores or replaces the result document for a job.
func (r *JobResultRepo) Upsert(ctx context.Context, params core.UpsertJobResultParams) error {
	if r == nil || r.DB == nil {
		return ErrJobResultsNotConfigured
	}
	if strings.TrimSpace(params.JobID) == "" {
		return ErrJobIDRequired
	}
	if !params.JobType.Valid() {
		return fmt.Errorf("invalid job type: %s", params.JobType)
	}

	result := params.Result
	if len(result) == 0 {
		result = []byte(`{}`)
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO job_results (job_id, job_type, result, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (job_id) DO UPDATE
		SET job_type = EXCLUDED.job_type,
		    result = EXCLUDED.result,
		    updated_at = now()
	`, params.JobID, params.JobType, result)
	if err != nil {
		return fmt.Errorf("upsert job result: %w", err)
	}
	return nil
}

// GetByJobID fetches the result document for one job.
func (r *JobResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrJobIDRequired
	}

	var out *model.JobResult
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			"SELECT "+jobResultColumns+" FROM job_results WHERE job_id = $1", jobID)
		if qerr != nil {
			return qerr
		}
		found, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.JobResult])
		if cerr != nil {
			return cerr
		}
		out = found
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobResultsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job result: %w", err)
	}
	return out, nil
}

// ListByAlertID finds alert-delivery results whose document references
// the alert, newest first.
func (r *JobResultRepo) ListByAlertID(ctx context.Context, alertID string) ([]*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if strings.TrimSpace(alertID) == "" {
		return nil, ErrAlertIDRequired
	}

	var out []*model.JobResult
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT `+jobResultColumns+`
			FROM job_results
			WHERE job_type = $1
			  AND result->>'alert_id' = $2
			ORDER BY updated_at DESC
		`, model.JobTypeAlert, alertID)
		if qerr != nil {
			return qerr
		}
		collected, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobResult])
		if cerr != nil {
			return cerr
		}
		out = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list job results: %w", err)
	}
	return out, nil
}
