package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
	apperrors "github.com/target/merrymaker-core/internal/errors"
)

var (
	// ErrHTTPAlertSinkNotFound is returned when no sink matches the requested
	// ID or name.
	ErrHTTPAlertSinkNotFound = errors.New("http alert sink not found")
	// ErrHTTPAlertSinkNameExists is returned when a create or rename collides
	// with an existing sink name.
	ErrHTTPAlertSinkNameExists = errors.New("http alert sink name already exists")
)

const (
	sinkListDefaultLimit = 50
	sinkListMaxLimit     = 1000
)

// HTTPAlertSinkRepo stores webhook delivery targets and their secret-name
// associations.
type HTTPAlertSinkRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewHTTPAlertSinkRepo builds an HTTPAlertSinkRepo over the given pool.
func NewHTTPAlertSinkRepo(db *sql.DB) *HTTPAlertSinkRepo {
	return &HTTPAlertSinkRepo{DB: db, clock: SystemClock{}}
}

// NewHTTPAlertSinkRepoWithClock is NewHTTPAlertSinkRepo with an injected
// clock for tests.
func NewHTTPAlertSinkRepoWithClock(db *sql.DB, clock Clock) *HTTPAlertSinkRepo {
	return &HTTPAlertSinkRepo{DB: db, clock: clock}
}

// sinkSelect joins each sink with the sorted names of its associated secrets.
// Queries append a WHERE clause and then sinkGroupBy.
const sinkSelect = `
	SELECT h.id, h.name, h.uri, h.method, h.body, h.query_params, h.headers,
	       h.ok_status, h.retry, h.created_at, h.updated_at,
	       COALESCE(array_agg(sec.name ORDER BY sec.name)
	                FILTER (WHERE sec.name IS NOT NULL), '{}') AS secrets
	FROM http_alert_sinks h
	LEFT JOIN http_alert_sink_secrets hss ON hss.http_alert_sink_id = h.id
	LEFT JOIN secrets sec ON sec.id = hss.secret_id`

const sinkGroupBy = ` GROUP BY h.id`

func mapSinkWriteError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrHTTPAlertSinkNotFound
	}
	if errors.Is(err, ErrUnknownSecretNames) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrHTTPAlertSinkNameExists
	}
	return fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
}

// linkSinkSecretNamesTx associates the named secrets with a sink.
func linkSinkSecretNamesTx(ctx context.Context, tx pgx.Tx, sinkID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	trimmed, err := requireSecretNamesTx(ctx, tx, names)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO http_alert_sink_secrets (http_alert_sink_id, secret_id)
		SELECT $1, s.id FROM secrets s WHERE s.name = ANY($2)
		ON CONFLICT DO NOTHING
	`, sinkID, trimmed)
	return err
}

func loadSinkTx(ctx context.Context, tx pgx.Tx, id string) (*model.HTTPAlertSink, error) {
	rows, err := tx.Query(ctx, sinkSelect+` WHERE h.id = $1`+sinkGroupBy, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.HTTPAlertSink])
}

// Create stores a new sink and links its secret names in one transaction.
func (r *HTTPAlertSinkRepo) Create(ctx context.Context, req *model.CreateHTTPAlertSinkRequest) (*model.HTTPAlertSink, error) {
	if req == nil {
		return nil, errors.New("create http alert sink request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()

	var sink *model.HTTPAlertSink
	err := pgxutil.InPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		var id string
		row := tx.QueryRow(ctx, `
			INSERT INTO http_alert_sinks (name, uri, method, body, query_params, headers, ok_status, retry, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING id
		`, req.Name, req.URI, req.Method, req.Body, req.QueryParams, req.Headers,
			*req.OkStatus, *req.Retry, now)
		if err := row.Scan(&id); err != nil {
			return err
		}
		if err := linkSinkSecretNamesTx(ctx, tx, id, req.Secrets); err != nil {
			return err
		}
		var err error
		sink, err = loadSinkTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, mapSinkWriteError("create http alert sink", err)
	}
	return sink, nil
}

func (r *HTTPAlertSinkRepo) getSinkBy(ctx context.Context, op, cond string, arg any) (*model.HTTPAlertSink, error) {
	query := sinkSelect + ` WHERE ` + cond + sinkGroupBy

	var sink *model.HTTPAlertSink
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		sink, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.HTTPAlertSink])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHTTPAlertSinkNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sink, nil
}

// GetByID fetches one sink with its secret names.
func (r *HTTPAlertSinkRepo) GetByID(ctx context.Context, id string) (*model.HTTPAlertSink, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrHTTPAlertSinkNotFound
	}
	return r.getSinkBy(ctx, "get http alert sink by id", "h.id = $1", id)
}

// GetByName fetches one sink by its unique name.
func (r *HTTPAlertSinkRepo) GetByName(ctx context.Context, name string) (*model.HTTPAlertSink, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrHTTPAlertSinkNotFound
	}
	return r.getSinkBy(ctx, "get http alert sink by name", "h.name = $1", name)
}

func normalizeSinkPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = sinkListDefaultLimit
	case limit > sinkListMaxLimit:
		limit = sinkListMaxLimit
	}
	return limit, max(offset, 0)
}

// List pages sinks newest first.
func (r *HTTPAlertSinkRepo) List(ctx context.Context, limit, offset int) ([]*model.HTTPAlertSink, error) {
	limit, offset = normalizeSinkPage(limit, offset)

	query := sinkSelect + sinkGroupBy + ` ORDER BY h.created_at DESC, h.id DESC LIMIT $1 OFFSET $2`

	var sinks []*model.HTTPAlertSink
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		sinks, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.HTTPAlertSink])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list http alert sinks: %w", err)
	}
	return sinks, nil
}

func updateSinkFieldsTx(ctx context.Context, tx pgx.Tx, id string, req *model.UpdateHTTPAlertSinkRequest, now time.Time) error {
	set := []string{"updated_at = $2"}
	args := []any{id, now}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if req.Name != nil {
		add("name = $%d", *req.Name)
	}
	if req.URI != nil {
		add("uri = $%d", *req.URI)
	}
	if req.Method != nil {
		add("method = $%d", *req.Method)
	}
	if req.Body != nil {
		add("body = $%d", *req.Body)
	}
	if req.QueryParams != nil {
		add("query_params = $%d", *req.QueryParams)
	}
	if req.Headers != nil {
		add("headers = $%d", *req.Headers)
	}
	if req.OkStatus != nil {
		add("ok_status = $%d", *req.OkStatus)
	}
	if req.Retry != nil {
		add("retry = $%d", *req.Retry)
	}

	ct, err := tx.Exec(ctx, `UPDATE http_alert_sinks SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Update applies the set fields and, when Secrets is non-nil, replaces the
// secret associations wholesale. A nil Secrets leaves them untouched; an
// empty slice clears them.
func (r *HTTPAlertSinkRepo) Update(ctx context.Context, id string, req *model.UpdateHTTPAlertSinkRequest) (*model.HTTPAlertSink, error) {
	if req == nil {
		return nil, errors.New("update http alert sink request is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrHTTPAlertSinkNotFound
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()

	var sink *model.HTTPAlertSink
	err := pgxutil.InPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		if err := updateSinkFieldsTx(ctx, tx, id, req, now); err != nil {
			return err
		}
		if req.Secrets != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM http_alert_sink_secrets WHERE http_alert_sink_id = $1`, id); err != nil {
				return err
			}
			if err := linkSinkSecretNamesTx(ctx, tx, id, req.Secrets); err != nil {
				return err
			}
		}
		var err error
		sink, err = loadSinkTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, mapSinkWriteError("update http alert sink", err)
	}
	return sink, nil
}

// Delete removes a sink. Returns true when a row existed. Sites referencing
// the sink have it unset rather than blocking the delete.
func (r *HTTPAlertSinkRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM http_alert_sinks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete http alert sink: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete http alert sink rows affected: %w", err)
	}
	return affected > 0, nil
}
