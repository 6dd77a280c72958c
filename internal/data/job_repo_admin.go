package data

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// GetByID fetches one job.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, "SELECT"+jobColumns+" FROM jobs WHERE id = $1", id)
		if qerr != nil {
			return qerr
		}
		found, cerr := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Job])
		if cerr != nil {
			return cerr
		}
		job = found
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Stats counts jobs of one type per lifecycle state.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending')   AS pending,
			count(*) FILTER (WHERE status = 'running')   AS running,
			count(*) FILTER (WHERE status = 'completed') AS completed,
			count(*) FILTER (WHERE status = 'failed')    AS failed
		FROM jobs
		WHERE type = $1
	`, jobType).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

const (
	jobListDefaultLimit = 50
	jobListMaxLimit     = 1000
)

// jobSortColumns whitelists sortable fields against injection through
// JobListOptions.SortBy.
var jobSortColumns = map[string]string{
	"created_at": "j.created_at",
	"status":     "j.status",
	"type":       "j.type",
}

const jobListSelectSQL = `
	SELECT j.id, j.type, j.status, j.priority, j.payload, j.metadata,
	       j.site_id, j.source_id, j.is_test, j.scheduled_at, j.started_at,
	       j.completed_at, j.lease_expires_at, j.retry_count, j.max_retries,
	       j.last_error, j.created_at, j.updated_at,
	       COALESCE(m.event_count, 0) AS event_count,
	       COALESCE(s.name, '') AS site_name
	FROM jobs j
	LEFT JOIN job_meta m ON m.job_id = j.id
	LEFT JOIN sites s ON s.id = j.site_id`

// jobListConds accumulates ANDed predicates with positional args.
type jobListConds struct {
	where []string
	args  []any
}

func (c *jobListConds) add(expr string, value any) {
	c.args = append(c.args, value)
	c.where = append(c.where, fmt.Sprintf(expr, len(c.args)))
}

func buildJobListQuery(opts *model.JobListOptions) (string, []any) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	var conds jobListConds
	if opts.Status != nil {
		conds.add("j.status = $%d", *opts.Status)
	}
	if opts.Type != nil {
		conds.add("j.type = $%d", *opts.Type)
	}
	if opts.SiteID != nil {
		conds.add("j.site_id = $%d", *opts.SiteID)
	}
	if opts.IsTest != nil {
		conds.add("j.is_test = $%d", *opts.IsTest)
	}

	var sb strings.Builder
	sb.WriteString(jobListSelectSQL)
	if len(conds.where) > 0 {
		sb.WriteString("\n\tWHERE ")
		sb.WriteString(strings.Join(conds.where, " AND "))
	}

	sortCol, ok := jobSortColumns[opts.SortBy]
	if !ok {
		sortCol = "j.created_at"
	}
	dir := "DESC"
	if strings.EqualFold(opts.SortOrder, "asc") {
		dir = "ASC"
	}
	fmt.Fprintf(&sb, "\n\tORDER BY %s %s, j.id %s", sortCol, dir, dir)

	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = jobListDefaultLimit
	case limit > jobListMaxLimit:
		limit = jobListMaxLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	conds.args = append(conds.args, limit, offset)
	fmt.Fprintf(&sb, "\n\tLIMIT $%d OFFSET $%d", len(conds.args)-1, len(conds.args))

	return sb.String(), conds.args
}

// List pages jobs joined with their event counts and owning site names.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithEventCount, error) {
	query, args := buildJobListQuery(opts)

	var out []*model.JobWithEventCount
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, args...)
		if qerr != nil {
			return qerr
		}
		collected, cerr := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.JobWithEventCount])
		if cerr != nil {
			return cerr
		}
		out = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Delete removes a settled job. Running jobs and jobs under an unexpired
// lease are protected; the specific sentinel tells callers why the delete
// was refused.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	now := r.clock.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND status IN ('pending', 'completed', 'failed')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
	`, id, now)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing matched: re-read to report the precise refusal.
	job, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("re-check job after delete: %w", err)
	}
	if job.Status == model.JobStatusRunning {
		return ErrJobNotDeletable
	}
	if job.LeaseExpiresAt != nil && now.Before(*job.LeaseExpiresAt) {
		return ErrJobReserved
	}
	return errors.New("job in deletable state but delete matched no rows")
}

// DeleteByPayloadField removes pending, unleased jobs of one type whose
// payload field equals the given value. Services use it to retract queued
// work that addressed a deleted entity.
func (r *JobRepo) DeleteByPayloadField(ctx context.Context, params core.DeleteByPayloadFieldParams) (int, error) {
	if !params.JobType.Valid() {
		return 0, fmt.Errorf("invalid job type: %s", params.JobType)
	}
	if strings.TrimSpace(params.FieldName) == "" {
		return 0, errors.New("field name is required")
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE type = $1
		  AND status = 'pending'
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
		  AND payload->$3 = to_jsonb($4::text)
	`, params.JobType, r.clock.Now().UTC(), params.FieldName, params.FieldValue)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by payload field: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	return int(affected), nil
}
