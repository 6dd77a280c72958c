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
	// ErrAllowlistNotFound is returned when no allow-list entry matches the
	// requested ID.
	ErrAllowlistNotFound = errors.New("domain allowlist entry not found")
	// ErrAllowlistExists is returned when an entry with the same scope,
	// pattern, and pattern type already exists.
	ErrAllowlistExists = errors.New("domain allowlist entry already exists")
)

const (
	allowlistListDefaultLimit = 50
	allowlistListMaxLimit     = 1000
)

// DomainAllowlistRepo stores allow-list patterns per detection scope.
type DomainAllowlistRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewDomainAllowlistRepo builds a DomainAllowlistRepo over the given pool.
func NewDomainAllowlistRepo(db *sql.DB) *DomainAllowlistRepo {
	return &DomainAllowlistRepo{DB: db, clock: SystemClock{}}
}

// NewDomainAllowlistRepoWithClock is NewDomainAllowlistRepo with an injected
// clock for tests.
func NewDomainAllowlistRepoWithClock(db *sql.DB, clock Clock) *DomainAllowlistRepo {
	return &DomainAllowlistRepo{DB: db, clock: clock}
}

// allowlistColumns is the canonical domain_allowlists column list for SELECTs.
const allowlistColumns = `id, scope, pattern, pattern_type, description, enabled, priority, created_at, updated_at`

func mapAllowlistWriteError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAllowlistNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrAllowlistExists
	}
	return fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
}

// Create stores one allow-list entry.
func (r *DomainAllowlistRepo) Create(ctx context.Context, req *model.CreateDomainAllowlistRequest) (*model.DomainAllowlist, error) {
	if req == nil {
		return nil, errors.New("create domain allowlist request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()

	query := `
		INSERT INTO domain_allowlists (scope, pattern, pattern_type, description, enabled, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + allowlistColumns

	var entry *model.DomainAllowlist
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query,
			req.Scope, req.Pattern, req.PatternType, req.Description,
			*req.Enabled, *req.Priority, now,
		)
		if err != nil {
			return err
		}
		entry, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.DomainAllowlist])
		return err
	})
	if err != nil {
		return nil, mapAllowlistWriteError("create domain allowlist entry", err)
	}
	return entry, nil
}

// GetByID fetches one allow-list entry.
func (r *DomainAllowlistRepo) GetByID(ctx context.Context, id string) (*model.DomainAllowlist, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrAllowlistNotFound
	}

	query := `SELECT ` + allowlistColumns + ` FROM domain_allowlists WHERE id = $1`

	var entry *model.DomainAllowlist
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, id)
		if err != nil {
			return err
		}
		entry, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.DomainAllowlist])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllowlistNotFound
		}
		return nil, fmt.Errorf("get domain allowlist entry: %w", err)
	}
	return entry, nil
}

// Update applies the set fields and bumps updated_at.
func (r *DomainAllowlistRepo) Update(ctx context.Context, id string, req model.UpdateDomainAllowlistRequest) (*model.DomainAllowlist, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrAllowlistNotFound
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	set := []string{"updated_at = $2"}
	args := []any{id, r.clock.Now().UTC()}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if req.Scope != nil {
		add("scope = $%d", *req.Scope)
	}
	if req.Pattern != nil {
		add("pattern = $%d", *req.Pattern)
	}
	if req.PatternType != nil {
		add("pattern_type = $%d", string(*req.PatternType))
	}
	if req.Description != nil {
		add("description = $%d", *req.Description)
	}
	if req.Enabled != nil {
		add("enabled = $%d", *req.Enabled)
	}
	if req.Priority != nil {
		add("priority = $%d", *req.Priority)
	}

	query := `UPDATE domain_allowlists SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 RETURNING ` + allowlistColumns

	var entry *model.DomainAllowlist
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		entry, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.DomainAllowlist])
		return err
	})
	if err != nil {
		return nil, mapAllowlistWriteError("update domain allowlist entry", err)
	}
	return entry, nil
}

// Delete removes an allow-list entry. A missing row reports
// ErrAllowlistNotFound.
func (r *DomainAllowlistRepo) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrAllowlistNotFound
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM domain_allowlists WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete domain allowlist entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete domain allowlist entry rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAllowlistNotFound
	}
	return nil
}

func normalizeAllowlistPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = allowlistListDefaultLimit
	case limit > allowlistListMaxLimit:
		limit = allowlistListMaxLimit
	}
	return limit, max(offset, 0)
}

// List pages allow-list entries ordered by priority.
func (r *DomainAllowlistRepo) List(ctx context.Context, opts model.DomainAllowlistListOptions) ([]*model.DomainAllowlist, error) {
	limit, offset := normalizeAllowlistPage(opts.Limit, opts.Offset)

	var where []string
	var args []any
	add := func(expr string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}

	if opts.GlobalOnly != nil && *opts.GlobalOnly {
		add("scope = $%d", model.ScopeGlobal)
	}
	if opts.Scope != nil {
		add("scope = $%d", model.NormalizeScope(*opts.Scope))
	}
	if opts.Pattern != nil {
		if p := strings.TrimSpace(*opts.Pattern); p != "" {
			add("pattern ILIKE $%d", "%"+p+"%")
		}
	}
	if opts.PatternType != nil {
		add("pattern_type = $%d", string(*opts.PatternType))
	}
	if opts.Enabled != nil {
		add("enabled = $%d", *opts.Enabled)
	}

	query := `SELECT ` + allowlistColumns + ` FROM domain_allowlists`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY priority ASC, created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var entries []*model.DomainAllowlist
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		entries, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.DomainAllowlist])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list domain allowlist entries: %w", err)
	}
	return entries, nil
}

// GetForScope returns every enabled entry for the scope merged with the
// global ones, ordered by priority so the checker can short-circuit on the
// first match.
func (r *DomainAllowlistRepo) GetForScope(ctx context.Context, req model.DomainAllowlistLookupRequest) ([]*model.DomainAllowlist, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + allowlistColumns + `
		FROM domain_allowlists
		WHERE enabled AND (scope = $1 OR scope = $2)
		ORDER BY priority ASC, created_at ASC`

	var entries []*model.DomainAllowlist
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, req.Scope, model.ScopeGlobal)
		if err != nil {
			return err
		}
		entries, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.DomainAllowlist])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get domain allowlist for scope: %w", err)
	}
	return entries, nil
}

// Stats aggregates allow-list counts, optionally for one scope.
func (r *DomainAllowlistRepo) Stats(ctx context.Context, scope *string) (*model.DomainAllowlistStats, error) {
	whereClause := ""
	var args []any
	if scope != nil {
		whereClause = " WHERE scope = $1"
		args = append(args, model.NormalizeScope(*scope))
	}

	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE scope = '` + model.ScopeGlobal + `') AS global,
			COUNT(*) FILTER (WHERE scope <> '` + model.ScopeGlobal + `') AS scoped,
			COUNT(*) FILTER (WHERE enabled) AS enabled,
			COUNT(*) FILTER (WHERE NOT enabled) AS disabled,
			COUNT(*) FILTER (WHERE pattern_type = 'exact') AS exact_count,
			COUNT(*) FILTER (WHERE pattern_type = 'wildcard') AS wildcard_count,
			COUNT(*) FILTER (WHERE pattern_type = 'glob') AS glob_count,
			COUNT(*) FILTER (WHERE pattern_type = 'etld_plus_one') AS etld_count
		FROM domain_allowlists` + whereClause

	var stats model.DomainAllowlistStats
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Global, &stats.Scoped,
		&stats.Enabled, &stats.Disabled,
		&stats.ExactCount, &stats.WildcardCount,
		&stats.GlobCount, &stats.ETLDCount,
	)
	if err != nil {
		return nil, fmt.Errorf("domain allowlist stats: %w", err)
	}
	return &stats, nil
}
