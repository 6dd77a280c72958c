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

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data/database"
	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
	apperrors "github.com/target/merrymaker-core/internal/errors"
)

// ErrAlertNotFound is returned when no alert matches the requested ID.
var ErrAlertNotFound = errors.New("alert not found")

const (
	alertListDefaultLimit = 50
	alertListMaxLimit     = 1000
)

const (
	sortDirAsc         = "ASC"
	sortDirDesc        = "DESC"
	sortFieldCreatedAt = "created_at"
	sortFieldFiredAt   = "fired_at"
	sortFieldSeverity  = "severity"
)

// AlertRepo stores fired detections.
type AlertRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewAlertRepo builds an AlertRepo over the given pool.
func NewAlertRepo(db *sql.DB) *AlertRepo {
	return &AlertRepo{DB: db, clock: SystemClock{}}
}

// NewAlertRepoWithClock is NewAlertRepo with an injected clock for tests.
func NewAlertRepoWithClock(db *sql.DB, clock Clock) *AlertRepo {
	return &AlertRepo{DB: db, clock: clock}
}

// alertColumns is the canonical alerts column list for SELECTs.
const alertColumns = `id, site_id, rule_type, severity, title, description, event_context, metadata, delivery_status, fired_at, resolved_at, resolved_by, created_at`

// alertColumnsWithSite joins the owning site's name and alert mode. The
// COALESCEs cover alerts whose site row has been removed mid-query.
const alertColumnsWithSite = `a.id, a.site_id, a.rule_type, a.severity, a.title, a.description, a.event_context, a.metadata, a.delivery_status, a.fired_at, a.resolved_at, a.resolved_by, a.created_at, COALESCE(s.name, '') AS site_name, COALESCE(s.alert_mode, '') AS site_alert_mode`

var alertColumnList = []string{
	"id", "site_id", "rule_type", "severity", "title", "description",
	"event_context", "metadata", "delivery_status", "fired_at", "resolved_at", "resolved_by", "created_at",
}

// mapAlertCreateError translates the site_id foreign key violation into
// ErrSiteNotFound; everything else is classified and wrapped.
func mapAlertCreateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) &&
		pgErr.Code == pgerrcode.ForeignKeyViolation &&
		strings.Contains(pgErr.ConstraintName, "site_id") {
		return ErrSiteNotFound
	}
	return fmt.Errorf("create alert: %w", apperrors.MapDBError(err))
}

// Create fires a new alert. Requests are normalized and validated before
// the insert; missing event context and metadata default to empty objects.
func (r *AlertRepo) Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
	if req == nil {
		return nil, errors.New("create alert request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	firedAt := now
	if req.FiredAt != nil {
		firedAt = req.FiredAt.UTC()
	}

	query := `
		INSERT INTO alerts (site_id, rule_type, severity, title, description, event_context, metadata, delivery_status, fired_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + alertColumns

	var alert *model.Alert
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query,
			req.SiteID, req.RuleType, req.Severity, req.Title, req.Description,
			normalizeJSON(req.EventContext), normalizeJSON(req.Metadata),
			req.DeliveryStatus, firedAt, now,
		)
		if err != nil {
			return err
		}
		alert, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Alert])
		return err
	})
	if err != nil {
		return nil, mapAlertCreateError(err)
	}
	return alert, nil
}

// GetByID fetches one alert.
func (r *AlertRepo) GetByID(ctx context.Context, id string) (*model.Alert, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrAlertNotFound
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	var alert *model.Alert
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, id)
		if err != nil {
			return err
		}
		alert, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Alert])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("get alert by id: %w", err)
	}
	return alert, nil
}

func normalizeAlertPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = alertListDefaultLimit
	case limit > alertListMaxLimit:
		limit = alertListMaxLimit
	}
	return limit, max(offset, 0)
}

// alertSort validates the requested ordering against the sortable columns.
// Anything else falls back to fired_at descending.
func alertSort(sort, dir string) (string, string) {
	switch sort {
	case sortFieldFiredAt, sortFieldCreatedAt, sortFieldSeverity:
	default:
		sort = sortFieldFiredAt
	}
	if strings.EqualFold(dir, "asc") {
		return sort, sortDirAsc
	}
	return sort, sortDirDesc
}

// alertFilters renders the list options shared by List and Count.
func alertFilters(opts *model.AlertListOptions) []database.Filter {
	var filters []database.Filter
	if opts.SiteID != nil {
		filters = append(filters, database.Where("site_id", database.OpEq, *opts.SiteID))
	}
	if opts.RuleType != nil {
		filters = append(filters, database.Where("rule_type", database.OpEq, string(*opts.RuleType)))
	}
	if opts.Severity != nil {
		filters = append(filters, database.Where("severity", database.OpEq, string(*opts.Severity)))
	}
	if opts.Unresolved {
		filters = append(filters, database.WhereRaw("resolved_at IS NULL"))
	}
	return filters
}

// List pages alerts without the site join.
func (r *AlertRepo) List(ctx context.Context, opts *model.AlertListOptions) ([]*model.Alert, error) {
	if opts == nil {
		opts = &model.AlertListOptions{}
	}
	limit, offset := normalizeAlertPage(opts.Limit, opts.Offset)
	sortCol, sortDir := alertSort(opts.Sort, opts.Dir)

	query, args := database.BuildSelect("alerts",
		database.Columns(alertColumnList...),
		database.Filters(alertFilters(opts)...),
	)
	// The builder orders by a single column; the id tiebreak keeps pages
	// stable, so ordering and paging are appended here.
	query += fmt.Sprintf(" ORDER BY %s %s, id DESC LIMIT $%d OFFSET $%d",
		sortCol, sortDir, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var alerts []*model.Alert
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		alerts, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Alert])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// alertSiteConds is the aliased WHERE builder for the site-join listing.
type alertSiteConds struct {
	where []string
	args  []any
}

func (c *alertSiteConds) add(expr string, value any) {
	c.args = append(c.args, value)
	c.where = append(c.where, fmt.Sprintf(expr, len(c.args)))
}

func (c *alertSiteConds) clause() string {
	if len(c.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.where, " AND ")
}

func buildAlertSiteConds(opts *model.AlertListOptions) *alertSiteConds {
	conds := &alertSiteConds{}
	if opts.SiteID != nil {
		conds.add("a.site_id = $%d", *opts.SiteID)
	}
	if opts.RuleType != nil {
		conds.add("a.rule_type = $%d", string(*opts.RuleType))
	}
	if opts.Severity != nil {
		conds.add("a.severity = $%d", string(*opts.Severity))
	}
	if opts.Unresolved {
		conds.where = append(conds.where, "a.resolved_at IS NULL")
	}
	return conds
}

// ListWithSiteNames pages alerts joined with their site's name and alert
// mode, saving consumers a per-row site lookup.
func (r *AlertRepo) ListWithSiteNames(ctx context.Context, opts *model.AlertListOptions) ([]*model.AlertWithSiteName, error) {
	if opts == nil {
		opts = &model.AlertListOptions{}
	}
	limit, offset := normalizeAlertPage(opts.Limit, opts.Offset)
	sortCol, sortDir := alertSort(opts.Sort, opts.Dir)

	conds := buildAlertSiteConds(opts)
	query := `SELECT ` + alertColumnsWithSite + ` FROM alerts a LEFT JOIN sites s ON s.id = a.site_id` +
		conds.clause() +
		fmt.Sprintf(" ORDER BY a.%s %s, a.id DESC LIMIT $%d OFFSET $%d",
			sortCol, sortDir, len(conds.args)+1, len(conds.args)+2)
	args := append(conds.args, limit, offset)

	var alerts []*model.AlertWithSiteName
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		alerts, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.AlertWithSiteName])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list alerts with site names: %w", err)
	}
	return alerts, nil
}

// ListWithSiteNamesAndCount returns one page plus the unpaged total for
// the same filters.
func (r *AlertRepo) ListWithSiteNamesAndCount(ctx context.Context, opts *model.AlertListOptions) (*model.AlertListResult, error) {
	alerts, err := r.ListWithSiteNames(ctx, opts)
	if err != nil {
		return nil, err
	}
	total, err := r.Count(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &model.AlertListResult{Alerts: alerts, Total: total}, nil
}

// Count counts alerts matching the filters, ignoring pagination.
func (r *AlertRepo) Count(ctx context.Context, opts *model.AlertListOptions) (int, error) {
	if opts == nil {
		opts = &model.AlertListOptions{}
	}

	query, args := database.BuildSelect("alerts",
		database.CountOnly(),
		database.Filters(alertFilters(opts)...),
	)

	var count int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// Delete removes an alert. Returns true when a row existed.
func (r *AlertRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete alert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete alert rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats aggregates alert counts by severity, optionally for one site.
func (r *AlertRepo) Stats(ctx context.Context, siteID *string) (*model.AlertStats, error) {
	whereClause := ""
	var args []any
	if siteID != nil {
		whereClause = " WHERE site_id = $1"
		args = append(args, *siteID)
	}

	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE severity = 'critical') AS critical,
			COUNT(*) FILTER (WHERE severity = 'high') AS high,
			COUNT(*) FILTER (WHERE severity = 'medium') AS medium,
			COUNT(*) FILTER (WHERE severity = 'low') AS low,
			COUNT(*) FILTER (WHERE severity = 'info') AS info,
			COUNT(*) FILTER (WHERE resolved_at IS NULL) AS unresolved
		FROM alerts` + whereClause

	var stats model.AlertStats
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Critical, &stats.High, &stats.Medium,
		&stats.Low, &stats.Info, &stats.Unresolved,
	)
	if err != nil {
		return nil, fmt.Errorf("alert stats: %w", err)
	}
	return &stats, nil
}

// Resolve marks an alert resolved. An already-resolved alert reports
// ErrAlertNotFound, matching the WHERE guard.
func (r *AlertRepo) Resolve(ctx context.Context, params core.ResolveAlertParams) (*model.Alert, error) {
	if _, err := uuid.Parse(params.ID); err != nil {
		return nil, ErrAlertNotFound
	}

	query := `
		UPDATE alerts
		SET resolved_at = $1, resolved_by = $2
		WHERE id = $3 AND resolved_at IS NULL
		RETURNING ` + alertColumns

	var alert *model.Alert
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, r.clock.Now().UTC(), params.ResolvedBy, params.ID)
		if err != nil {
			return err
		}
		alert, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Alert])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	return alert, nil
}

// UpdateDeliveryStatus moves an alert through its delivery lifecycle.
func (r *AlertRepo) UpdateDeliveryStatus(ctx context.Context, params core.UpdateAlertDeliveryStatusParams) (*model.Alert, error) {
	if params.ID == "" {
		return nil, ErrAlertIDRequired
	}
	if !params.Status.Valid() {
		return nil, errors.New("invalid delivery status")
	}
	if _, err := uuid.Parse(params.ID); err != nil {
		return nil, ErrAlertNotFound
	}

	query := `
		UPDATE alerts
		SET delivery_status = $1
		WHERE id = $2
		RETURNING ` + alertColumns

	var alert *model.Alert
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, params.Status, params.ID)
		if err != nil {
			return err
		}
		alert, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Alert])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("update alert delivery status: %w", err)
	}
	return alert, nil
}
