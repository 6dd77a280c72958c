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
	// ErrSourceNotFound is returned when no source matches the requested ID or name.
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceNameExists is returned when a create or rename collides with an
	// existing source name.
	ErrSourceNameExists = errors.New("source name already exists")
	// ErrSourceInUse is returned when deleting a source that a site still
	// references.
	ErrSourceInUse = errors.New("source is referenced by a site")
	// ErrUnknownSecretNames is returned when a source references secret names
	// that do not exist. The error message lists the missing names.
	ErrUnknownSecretNames = errors.New("unknown secret names")
)

const (
	sourceListDefaultLimit = 50
	sourceListMaxLimit     = 1000
)

// SourceRepo stores browser scripts and their secret-name associations.
type SourceRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewSourceRepo builds a SourceRepo over the given pool.
func NewSourceRepo(db *sql.DB) *SourceRepo {
	return &SourceRepo{DB: db, clock: SystemClock{}}
}

// NewSourceRepoWithClock is NewSourceRepo with an injected clock for tests.
func NewSourceRepoWithClock(db *sql.DB, clock Clock) *SourceRepo {
	return &SourceRepo{DB: db, clock: clock}
}

// sourceSelect joins each source with the sorted names of its associated
// secrets. Queries append a WHERE clause and then sourceGroupBy.
const sourceSelect = `
	SELECT s.id, s.name, s.body, s.test, s.created_at, s.updated_at,
	       COALESCE(array_agg(sec.name ORDER BY sec.name)
	                FILTER (WHERE sec.name IS NOT NULL), '{}') AS secrets
	FROM sources s
	LEFT JOIN source_secrets ss ON ss.source_id = s.id
	LEFT JOIN secrets sec ON sec.id = ss.secret_id`

const sourceGroupBy = ` GROUP BY s.id`

func mapSourceWriteError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSourceNotFound
	}
	if errors.Is(err, ErrUnknownSecretNames) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrSourceNameExists
	}
	return fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
}

// requireSecretNamesTx trims the given secret names and verifies every one
// exists. Unknown names abort with ErrUnknownSecretNames so a typo in a
// secret list is caught at save time, not at run time.
func requireSecretNamesTx(ctx context.Context, tx pgx.Tx, names []string) ([]string, error) {
	trimmed := make([]string, len(names))
	for i, name := range names {
		trimmed[i] = strings.TrimSpace(name)
	}

	rows, err := tx.Query(ctx, `SELECT name FROM secrets WHERE name = ANY($1)`, trimmed)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(found) != len(trimmed) {
		known := make(map[string]bool, len(found))
		for _, name := range found {
			known[name] = true
		}
		var missing []string
		for _, name := range trimmed {
			if !known[name] {
				missing = append(missing, name)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSecretNames, strings.Join(missing, ", "))
	}
	return trimmed, nil
}

// linkSecretNamesTx associates the named secrets with a source.
func linkSecretNamesTx(ctx context.Context, tx pgx.Tx, sourceID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	trimmed, err := requireSecretNamesTx(ctx, tx, names)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO source_secrets (source_id, secret_id)
		SELECT $1, s.id FROM secrets s WHERE s.name = ANY($2)
		ON CONFLICT DO NOTHING
	`, sourceID, trimmed)
	return err
}

func loadSourceTx(ctx context.Context, tx pgx.Tx, id string) (*model.Source, error) {
	rows, err := tx.Query(ctx, sourceSelect+` WHERE s.id = $1`+sourceGroupBy, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Source])
}

// Create stores a new source and links its secret names in one transaction.
func (r *SourceRepo) Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
	if req == nil {
		return nil, errors.New("create source request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()

	var source *model.Source
	err := pgxutil.InPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		var id string
		row := tx.QueryRow(ctx, `
			INSERT INTO sources (name, body, test, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			RETURNING id
		`, req.Name, req.Body, req.Test, now)
		if err := row.Scan(&id); err != nil {
			return err
		}
		if err := linkSecretNamesTx(ctx, tx, id, req.Secrets); err != nil {
			return err
		}
		var err error
		source, err = loadSourceTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, mapSourceWriteError("create source", err)
	}
	return source, nil
}

func (r *SourceRepo) getSourceBy(ctx context.Context, op, cond string, arg any) (*model.Source, error) {
	query := sourceSelect + ` WHERE ` + cond + sourceGroupBy

	var source *model.Source
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		source, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Source])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return source, nil
}

// GetByID fetches one source with its secret names.
func (r *SourceRepo) GetByID(ctx context.Context, id string) (*model.Source, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSourceNotFound
	}
	return r.getSourceBy(ctx, "get source by id", "s.id = $1", id)
}

// GetByName fetches one source by its unique name.
func (r *SourceRepo) GetByName(ctx context.Context, name string) (*model.Source, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrSourceNotFound
	}
	return r.getSourceBy(ctx, "get source by name", "s.name = $1", name)
}

func normalizeSourcePage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = sourceListDefaultLimit
	case limit > sourceListMaxLimit:
		limit = sourceListMaxLimit
	}
	return limit, max(offset, 0)
}

// List pages sources newest first.
func (r *SourceRepo) List(ctx context.Context, limit, offset int) ([]*model.Source, error) {
	limit, offset = normalizeSourcePage(limit, offset)

	query := sourceSelect + sourceGroupBy + ` ORDER BY s.created_at DESC, s.id DESC LIMIT $1 OFFSET $2`

	var sources []*model.Source
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		sources, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Source])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

func updateSourceFieldsTx(ctx context.Context, tx pgx.Tx, id string, req model.UpdateSourceRequest, now time.Time) error {
	set := []string{"updated_at = $2"}
	args := []any{id, now}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if req.Name != nil {
		add("name = $%d", strings.TrimSpace(*req.Name))
	}
	if req.Body != nil {
		add("body = $%d", *req.Body)
	}
	if req.Test != nil {
		add("test = $%d", *req.Test)
	}

	ct, err := tx.Exec(ctx, `UPDATE sources SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
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
func (r *SourceRepo) Update(ctx context.Context, id string, req model.UpdateSourceRequest) (*model.Source, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSourceNotFound
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()

	var source *model.Source
	err := pgxutil.InPgxTx(ctx, r.DB, nil, func(tx pgx.Tx) error {
		if err := updateSourceFieldsTx(ctx, tx, id, req, now); err != nil {
			return err
		}
		if req.Secrets != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM source_secrets WHERE source_id = $1`, id); err != nil {
				return err
			}
			if err := linkSecretNamesTx(ctx, tx, id, req.Secrets); err != nil {
				return err
			}
		}
		var err error
		source, err = loadSourceTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, mapSourceWriteError("update source", err)
	}
	return source, nil
}

// Delete removes a source. Returns true when a row existed; a source still
// referenced by a site reports ErrSourceInUse.
func (r *SourceRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return false, ErrSourceInUse
		}
		return false, fmt.Errorf("delete source: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete source rows affected: %w", err)
	}
	return affected > 0, nil
}
