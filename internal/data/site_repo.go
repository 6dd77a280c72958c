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

	"github.com/target/merrymaker-core/internal/data/database"
	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
	apperrors "github.com/target/merrymaker-core/internal/errors"
)

var (
	// ErrSiteNotFound is returned when no site matches the requested ID or name.
	ErrSiteNotFound = errors.New("site not found")
	// ErrSiteNameExists is returned when a create or rename collides with an
	// existing site name.
	ErrSiteNameExists = errors.New("site name already exists")
)

const (
	siteListDefaultLimit = 50
	siteListMaxLimit     = 1000
)

const sortFieldName = "name"

// SiteRepo stores monitored sites.
type SiteRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewSiteRepo builds a SiteRepo over the given pool.
func NewSiteRepo(db *sql.DB) *SiteRepo {
	return &SiteRepo{DB: db, clock: SystemClock{}}
}

// NewSiteRepoWithClock is NewSiteRepo with an injected clock for tests.
func NewSiteRepoWithClock(db *sql.DB, clock Clock) *SiteRepo {
	return &SiteRepo{DB: db, clock: clock}
}

// siteColumns is the canonical sites column list for SELECTs.
const siteColumns = `id, name, source_id, run_every_minutes, enabled, alert_mode, scope, http_alert_sink_id, last_run, created_at, updated_at`

var siteColumnList = []string{
	"id", "name", "source_id", "run_every_minutes", "enabled", "alert_mode",
	"scope", "http_alert_sink_id", "last_run", "created_at", "updated_at",
}

// mapSiteWriteError translates constraint violations into the sentinels
// callers branch on: duplicate names, missing sources, missing sinks.
// Anything else goes through the shared taxonomy classifier.
func mapSiteWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return ErrSiteNameExists
		case pgErr.Code == pgerrcode.ForeignKeyViolation &&
			strings.Contains(pgErr.ConstraintName, "source_id"):
			return ErrSourceNotFound
		case pgErr.Code == pgerrcode.ForeignKeyViolation &&
			strings.Contains(pgErr.ConstraintName, "http_alert_sink_id"):
			return ErrHTTPAlertSinkNotFound
		}
	}
	return fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
}

// sinkIDValue maps an optional sink reference to its column value. A blank
// string unlinks the sink, matching the nullable column.
func sinkIDValue(id *string) any {
	if id == nil {
		return nil
	}
	if trimmed := strings.TrimSpace(*id); trimmed != "" {
		return trimmed
	}
	return nil
}

// Create registers a new monitored site. Enabled defaults to true when the
// request leaves it unset.
func (r *SiteRepo) Create(ctx context.Context, req *model.CreateSiteRequest) (*model.Site, error) {
	if req == nil {
		return nil, errors.New("create site request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := r.clock.Now().UTC()

	query := `
		INSERT INTO sites (name, source_id, run_every_minutes, enabled, alert_mode, scope, http_alert_sink_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING ` + siteColumns

	var site *model.Site
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query,
			req.Name, req.SourceID, req.RunEveryMinutes, enabled,
			req.AlertMode, req.Scope, sinkIDValue(req.HTTPAlertSinkID), now,
		)
		if err != nil {
			return err
		}
		site, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Site])
		return err
	})
	if err != nil {
		return nil, mapSiteWriteError("create site", err)
	}
	return site, nil
}

func (r *SiteRepo) getSiteBy(ctx context.Context, op, cond string, arg any) (*model.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE ` + cond

	var site *model.Site
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		site, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Site])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return site, nil
}

// GetByID fetches one site.
func (r *SiteRepo) GetByID(ctx context.Context, id string) (*model.Site, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSiteNotFound
	}
	return r.getSiteBy(ctx, "get site by id", "id = $1", id)
}

// GetByName fetches one site by its unique name.
func (r *SiteRepo) GetByName(ctx context.Context, name string) (*model.Site, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrSiteNotFound
	}
	return r.getSiteBy(ctx, "get site by name", "name = $1", name)
}

func normalizeSitePage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = siteListDefaultLimit
	case limit > siteListMaxLimit:
		limit = siteListMaxLimit
	}
	return limit, max(offset, 0)
}

// siteSort validates the requested ordering against the sortable columns.
// Anything else falls back to created_at descending.
func siteSort(sort, dir string) (string, string) {
	switch sort {
	case sortFieldName, sortFieldCreatedAt:
	default:
		sort = sortFieldCreatedAt
	}
	if strings.EqualFold(dir, "asc") {
		return sort, sortDirAsc
	}
	return sort, sortDirDesc
}

// siteFilters renders the list options. A NULL scope column reads as the
// default scope, so the default-scope filter matches NULL rows too.
func siteFilters(opts model.SiteListOptions) []database.Filter {
	var filters []database.Filter
	if opts.Q != nil {
		if q := strings.TrimSpace(*opts.Q); q != "" {
			filters = append(filters, database.Where("name", database.OpILike, "%"+q+"%"))
		}
	}
	if opts.Enabled != nil {
		filters = append(filters, database.Where("enabled", database.OpEq, *opts.Enabled))
	}
	if opts.Scope != nil {
		scope := model.NormalizeScope(*opts.Scope)
		if scope == model.DefaultScope {
			filters = append(filters, database.WhereRaw("(scope IS NULL OR scope = $1)", scope))
		} else {
			filters = append(filters, database.Where("scope", database.OpEq, scope))
		}
	}
	return filters
}

// List pages sites with optional name search and enabled/scope filters.
func (r *SiteRepo) List(ctx context.Context, opts model.SiteListOptions) ([]*model.Site, error) {
	limit, offset := normalizeSitePage(opts.Limit, opts.Offset)
	sortCol, sortDir := siteSort(opts.Sort, opts.Dir)

	query, args := database.BuildSelect("sites",
		database.Columns(siteColumnList...),
		database.Filters(siteFilters(opts)...),
	)
	query += fmt.Sprintf(" ORDER BY %s %s, id DESC LIMIT $%d OFFSET $%d",
		sortCol, sortDir, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var sites []*model.Site
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		sites, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Site])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// siteUpdate accumulates SET clauses; args[0] is always the site ID so the
// WHERE clause can reference $1.
type siteUpdate struct {
	clauses []string
	args    []any
}

func newSiteUpdate(id string) *siteUpdate {
	return &siteUpdate{args: []any{id}}
}

func (u *siteUpdate) set(expr string, value any) {
	u.args = append(u.args, value)
	u.clauses = append(u.clauses, fmt.Sprintf(expr, len(u.args)))
}

func (u *siteUpdate) setRaw(clause string) {
	u.clauses = append(u.clauses, clause)
}

func (u *siteUpdate) sql() string {
	return `UPDATE sites SET ` + strings.Join(u.clauses, ", ") +
		` WHERE id = $1 RETURNING ` + siteColumns
}

// Update applies the set fields and bumps updated_at. Renames that collide
// report ErrSiteNameExists; retargeting a missing source reports
// ErrSourceNotFound.
func (r *SiteRepo) Update(ctx context.Context, id string, req model.UpdateSiteRequest) (*model.Site, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSiteNotFound
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	u := newSiteUpdate(id)
	if req.Name != nil {
		u.set("name = $%d", *req.Name)
	}
	if req.SourceID != nil {
		u.set("source_id = $%d", strings.TrimSpace(*req.SourceID))
	}
	if req.RunEveryMinutes != nil {
		u.set("run_every_minutes = $%d", *req.RunEveryMinutes)
	}
	if req.Enabled != nil {
		u.set("enabled = $%d", *req.Enabled)
	}
	if req.AlertMode != nil {
		u.set("alert_mode = $%d", *req.AlertMode)
	}
	if req.Scope != nil {
		u.set("scope = $%d", *req.Scope)
	}
	if req.HTTPAlertSinkID != nil {
		if sink := sinkIDValue(req.HTTPAlertSinkID); sink != nil {
			u.set("http_alert_sink_id = $%d", sink)
		} else {
			u.setRaw("http_alert_sink_id = NULL")
		}
	}
	u.set("updated_at = $%d", r.clock.Now().UTC())

	var site *model.Site
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, u.sql(), u.args...)
		if err != nil {
			return err
		}
		site, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Site])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, mapSiteWriteError("update site", err)
	}
	return site, nil
}

// Delete removes a site and cascades to its alerts. Returns true when a row
// existed.
func (r *SiteRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM sites WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete site: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete site rows affected: %w", err)
	}
	return affected > 0, nil
}
