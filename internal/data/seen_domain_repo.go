package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// ErrSeenDomainNotFound is returned when no observation matches the
// requested ID.
var ErrSeenDomainNotFound = errors.New("seen domain not found")

const (
	seenDomainListDefaultLimit = 50
	seenDomainListMaxLimit     = 1000
)

// SeenDomainRepo stores first-seen domain observations per detection scope.
type SeenDomainRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewSeenDomainRepo builds a SeenDomainRepo over the given pool.
func NewSeenDomainRepo(db *sql.DB) *SeenDomainRepo {
	return &SeenDomainRepo{DB: db, clock: SystemClock{}}
}

// NewSeenDomainRepoWithClock is NewSeenDomainRepo with an injected clock for
// tests.
func NewSeenDomainRepoWithClock(db *sql.DB, clock Clock) *SeenDomainRepo {
	return &SeenDomainRepo{DB: db, clock: clock}
}

// seenDomainColumns is the canonical seen_domains column list for SELECTs.
const seenDomainColumns = `id, site_id, domain, scope, first_seen_at, last_seen_at, hit_count, created_at`

// Create inserts an observation directly. Normal traffic goes through
// RecordSeen; this covers backfills.
func (r *SeenDomainRepo) Create(ctx context.Context, req model.CreateSeenDomainRequest) (*model.SeenDomain, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	first := now
	if req.FirstSeenAt != nil {
		first = req.FirstSeenAt.UTC()
	}
	last := first
	if req.LastSeenAt != nil {
		last = req.LastSeenAt.UTC()
	}

	query := `
		INSERT INTO seen_domains (site_id, domain, scope, first_seen_at, last_seen_at, hit_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		RETURNING ` + seenDomainColumns

	var seen *model.SeenDomain
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, req.SiteID, req.Domain, req.Scope, first, last, now)
		if err != nil {
			return err
		}
		seen, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.SeenDomain])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create seen domain: %w", err)
	}
	return seen, nil
}

// GetByID fetches one observation.
func (r *SeenDomainRepo) GetByID(ctx context.Context, id string) (*model.SeenDomain, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSeenDomainNotFound
	}

	query := `SELECT ` + seenDomainColumns + ` FROM seen_domains WHERE id = $1`

	var seen *model.SeenDomain
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, id)
		if err != nil {
			return err
		}
		seen, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.SeenDomain])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSeenDomainNotFound
		}
		return nil, fmt.Errorf("get seen domain: %w", err)
	}
	return seen, nil
}

func normalizeSeenDomainPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = seenDomainListDefaultLimit
	case limit > seenDomainListMaxLimit:
		limit = seenDomainListMaxLimit
	}
	return limit, max(offset, 0)
}

// List pages observations most recently seen first.
func (r *SeenDomainRepo) List(ctx context.Context, opts model.SeenDomainListOptions) ([]*model.SeenDomain, error) {
	limit, offset := normalizeSeenDomainPage(opts.Limit, opts.Offset)

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
	if opts.Domain != nil {
		if d := strings.TrimSpace(*opts.Domain); d != "" {
			add("domain ILIKE $%d", "%"+d+"%")
		}
	}

	query := `SELECT ` + seenDomainColumns + ` FROM seen_domains`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY last_seen_at DESC, id DESC LIMIT $%d OFFSET $%d",
		len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var seen []*model.SeenDomain
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		seen, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.SeenDomain])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list seen domains: %w", err)
	}
	return seen, nil
}

// Update amends last_seen_at and/or hit_count.
func (r *SeenDomainRepo) Update(ctx context.Context, id string, req model.UpdateSeenDomainRequest) (*model.SeenDomain, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSeenDomainNotFound
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
	if req.LastSeenAt != nil {
		add("last_seen_at = $%d", req.LastSeenAt.UTC())
	}
	if req.HitCount != nil {
		add("hit_count = $%d", *req.HitCount)
	}

	query := `UPDATE seen_domains SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 RETURNING ` + seenDomainColumns

	var seen *model.SeenDomain
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		seen, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.SeenDomain])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSeenDomainNotFound
		}
		return nil, fmt.Errorf("update seen domain: %w", err)
	}
	return seen, nil
}

// Delete removes an observation. Returns true when a row existed.
func (r *SeenDomainRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM seen_domains WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete seen domain: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete seen domain rows affected: %w", err)
	}
	return affected > 0, nil
}

// Lookup finds an observation by its (site, domain, scope) key. A miss
// returns nil without an error; the unknown-domain rule treats absence as
// the signal.
func (r *SeenDomainRepo) Lookup(ctx context.Context, req model.SeenDomainLookupRequest) (*model.SeenDomain, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT ` + seenDomainColumns + ` FROM seen_domains
		WHERE site_id = $1 AND domain = $2 AND scope = $3`

	var seen *model.SeenDomain
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, req.SiteID, req.Domain, req.Scope)
		if err != nil {
			return err
		}
		seen, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.SeenDomain])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup seen domain: %w", err)
	}
	return seen, nil
}

// RecordSeen upserts an observation: a new key starts at hit_count 1, an
// existing key increments and bumps last_seen_at. Callers read HitCount == 1
// as a first sighting.
func (r *SeenDomainRepo) RecordSeen(ctx context.Context, req model.RecordDomainSeenRequest) (*model.SeenDomain, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	seenAt := now
	if req.SeenAt != nil {
		seenAt = req.SeenAt.UTC()
	}

	query := `
		INSERT INTO seen_domains (site_id, domain, scope, first_seen_at, last_seen_at, hit_count, created_at)
		VALUES ($1, $2, $3, $4, $4, 1, $5)
		ON CONFLICT (site_id, domain, scope)
		DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, hit_count = seen_domains.hit_count + 1
		RETURNING ` + seenDomainColumns

	var seen *model.SeenDomain
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, req.SiteID, req.Domain, req.Scope, seenAt, now)
		if err != nil {
			return err
		}
		seen, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.SeenDomain])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record seen domain: %w", err)
	}
	return seen, nil
}
