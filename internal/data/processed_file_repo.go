package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
	apperrors "github.com/target/merrymaker-core/internal/errors"
)

var (
	// ErrProcessedFileNotFound is returned when no scan record matches the
	// requested ID.
	ErrProcessedFileNotFound = errors.New("processed file not found")
	// ErrProcessedFileExists is returned when the (site, hash, scope) key is
	// already recorded.
	ErrProcessedFileExists = errors.New("processed file already recorded")
)

const (
	processedFileListDefaultLimit = 50
	processedFileListMaxLimit     = 1000
)

// ProcessedFileRepo stores file-hash scan records so content rules can skip
// payloads they have already examined.
type ProcessedFileRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewProcessedFileRepo builds a ProcessedFileRepo over the given pool.
func NewProcessedFileRepo(db *sql.DB) *ProcessedFileRepo {
	return &ProcessedFileRepo{DB: db, clock: SystemClock{}}
}

// NewProcessedFileRepoWithClock is NewProcessedFileRepo with an injected
// clock for tests.
func NewProcessedFileRepoWithClock(db *sql.DB, clock Clock) *ProcessedFileRepo {
	return &ProcessedFileRepo{DB: db, clock: clock}
}

// processedFileColumns is the canonical processed_files column list for
// SELECTs.
const processedFileColumns = `id, site_id, file_hash, storage_key, scope, scan_results, processed_at, created_at`

func mapProcessedFileWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrProcessedFileExists
	}
	return fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
}

// Create records a completed scan.
func (r *ProcessedFileRepo) Create(ctx context.Context, req model.CreateProcessedFileRequest) (*model.ProcessedFile, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	processedAt := now
	if req.ProcessedAt != nil {
		processedAt = req.ProcessedAt.UTC()
	}
	results := normalizeJSON(req.ScanResults)

	query := `
		INSERT INTO processed_files (site_id, file_hash, storage_key, scope, scan_results, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING ` + processedFileColumns

	var file *model.ProcessedFile
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query,
			req.SiteID, req.FileHash, req.StorageKey, req.Scope, results, processedAt, now)
		if err != nil {
			return err
		}
		file, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.ProcessedFile])
		return err
	})
	if err != nil {
		return nil, mapProcessedFileWriteError("create processed file", err)
	}
	return file, nil
}

// GetByID fetches one scan record.
func (r *ProcessedFileRepo) GetByID(ctx context.Context, id string) (*model.ProcessedFile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrProcessedFileNotFound
	}

	query := `SELECT ` + processedFileColumns + ` FROM processed_files WHERE id = $1`

	var file *model.ProcessedFile
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, id)
		if err != nil {
			return err
		}
		file, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.ProcessedFile])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProcessedFileNotFound
		}
		return nil, fmt.Errorf("get processed file: %w", err)
	}
	return file, nil
}

func normalizeProcessedFilePage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = processedFileListDefaultLimit
	case limit > processedFileListMaxLimit:
		limit = processedFileListMaxLimit
	}
	return limit, max(offset, 0)
}

// List pages scan records most recently processed first.
func (r *ProcessedFileRepo) List(ctx context.Context, opts model.ProcessedFileListOptions) ([]*model.ProcessedFile, error) {
	limit, offset := normalizeProcessedFilePage(opts.Limit, opts.Offset)

	var where []string
	var args []any
	add := func(expr string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}

	if opts.SiteID != nil {
		add("site_id = $%d", *opts.SiteID)
	}
	if opts.Scope != nil {
		add("scope = $%d", model.NormalizeScope(*opts.Scope))
	}
	if opts.FileHash != nil {
		if h := strings.TrimSpace(strings.ToLower(*opts.FileHash)); h != "" {
			add("file_hash = $%d", h)
		}
	}

	query := `SELECT ` + processedFileColumns + ` FROM processed_files`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY processed_at DESC, id DESC LIMIT $%d OFFSET $%d",
		len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var files []*model.ProcessedFile
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		files, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.ProcessedFile])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list processed files: %w", err)
	}
	return files, nil
}

// Update amends scan_results and/or processed_at.
func (r *ProcessedFileRepo) Update(ctx context.Context, id string, req model.UpdateProcessedFileRequest) (*model.ProcessedFile, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrProcessedFileNotFound
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var set []string
	args := []any{id}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if req.ScanResults != nil {
		add("scan_results = $%d::jsonb", normalizeJSON(req.ScanResults))
	}
	if req.ProcessedAt != nil {
		add("processed_at = $%d", req.ProcessedAt.UTC())
	}

	query := `UPDATE processed_files SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 RETURNING ` + processedFileColumns

	var file *model.ProcessedFile
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		file, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.ProcessedFile])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProcessedFileNotFound
		}
		return nil, mapProcessedFileWriteError("update processed file", err)
	}
	return file, nil
}

// Delete removes a scan record. Returns true when a row existed.
func (r *ProcessedFileRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM processed_files WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete processed file: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete processed file rows affected: %w", err)
	}
	return affected > 0, nil
}

// Lookup finds a scan record by its (site, hash, scope) key. A miss returns
// nil without an error; content rules treat absence as "not scanned yet".
func (r *ProcessedFileRepo) Lookup(ctx context.Context, req model.ProcessedFileLookupRequest) (*model.ProcessedFile, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT ` + processedFileColumns + ` FROM processed_files
		WHERE site_id = $1 AND file_hash = $2 AND scope = $3`

	var file *model.ProcessedFile
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, req.SiteID, req.FileHash, req.Scope)
		if err != nil {
			return err
		}
		file, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.ProcessedFile])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup processed file: %w", err)
	}
	return file, nil
}

// Stats summarizes scan outcomes, optionally for one site. Records carrying
// an "error" key count as errors even when matches are also present.
func (r *ProcessedFileRepo) Stats(ctx context.Context, siteID *string) (*model.ProcessedFileStats, error) {
	var where string
	var args []any
	if siteID != nil {
		id := strings.TrimSpace(*siteID)
		if _, err := uuid.Parse(id); err != nil {
			return &model.ProcessedFileStats{}, nil
		}
		where = " WHERE site_id = $1"
		args = append(args, id)
	}

	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE outcome = 'matches') AS with_matches,
			COUNT(*) FILTER (WHERE outcome = 'clean') AS no_matches,
			COUNT(*) FILTER (WHERE outcome = 'error') AS errors
		FROM (
			SELECT CASE
				WHEN scan_results ? 'error' THEN 'error'
				WHEN jsonb_typeof(scan_results->'matches') = 'array'
					AND jsonb_array_length(scan_results->'matches') > 0 THEN 'matches'
				ELSE 'clean'
			END AS outcome
			FROM processed_files` + where + `
		) AS outcomes`

	var stats model.ProcessedFileStats
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.WithMatches, &stats.NoMatches, &stats.Errors,
	)
	if err != nil {
		return nil, fmt.Errorf("processed file stats: %w", err)
	}
	return &stats, nil
}
