package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
	apperrors "github.com/target/merrymaker-core/internal/errors"
)

var (
	// ErrIOCNotFound is returned when no indicator matches the requested ID,
	// and by LookupHost when the host matches nothing.
	ErrIOCNotFound = errors.New("ioc not found")
	// ErrIOCExists is returned when an indicator with the same type and value
	// already exists.
	ErrIOCExists = errors.New("ioc already exists")
)

// IOCRepo stores indicators of compromise.
type IOCRepo struct {
	DB    *sql.DB
	clock Clock
}

// NewIOCRepo builds an IOCRepo over the given pool.
func NewIOCRepo(db *sql.DB) *IOCRepo {
	return &IOCRepo{DB: db, clock: SystemClock{}}
}

// NewIOCRepoWithClock is NewIOCRepo with an injected clock for tests.
func NewIOCRepoWithClock(db *sql.DB, clock Clock) *IOCRepo {
	return &IOCRepo{DB: db, clock: clock}
}

// iocColumns is the canonical iocs column list for SELECTs.
const iocColumns = `id, type, value, enabled, description, created_at, updated_at`

func mapIOCWriteError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrIOCNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrIOCExists
	}
	return fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
}

// Create stores one canonicalized indicator.
func (r *IOCRepo) Create(ctx context.Context, req model.CreateIOCRequest) (*model.IOC, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()

	query := `
		INSERT INTO iocs (type, value, enabled, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING ` + iocColumns

	var ioc *model.IOC
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, req.Type, req.Value, *req.Enabled, req.Description, now)
		if err != nil {
			return err
		}
		ioc, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.IOC])
		return err
	})
	if err != nil {
		return nil, mapIOCWriteError("create ioc", err)
	}
	return ioc, nil
}

// GetByID fetches one indicator.
func (r *IOCRepo) GetByID(ctx context.Context, id string) (*model.IOC, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrIOCNotFound
	}

	query := `SELECT ` + iocColumns + ` FROM iocs WHERE id = $1`

	var ioc *model.IOC
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, id)
		if err != nil {
			return err
		}
		ioc, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.IOC])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIOCNotFound
		}
		return nil, fmt.Errorf("get ioc by id: %w", err)
	}
	return ioc, nil
}

// buildIOCListQuery renders the list options. A zero limit means unbounded
// so cache warmers can pull the whole table.
func buildIOCListQuery(opts model.IOCListOptions) (string, []any) {
	query := `SELECT ` + iocColumns + ` FROM iocs`
	var where []string
	var args []any
	add := func(expr string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}

	if opts.Type != nil {
		add("type = $%d", string(*opts.Type))
	}
	if opts.Enabled != nil {
		add("enabled = $%d", *opts.Enabled)
	}
	if opts.Search != nil && *opts.Search != "" {
		add("value ILIKE $%d", "%"+*opts.Search+"%")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// List pages indicators newest first.
func (r *IOCRepo) List(ctx context.Context, opts model.IOCListOptions) ([]*model.IOC, error) {
	opts.Normalize()
	query, args := buildIOCListQuery(opts)

	var iocs []*model.IOC
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		iocs, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.IOC])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list iocs: %w", err)
	}
	return iocs, nil
}

// Update applies the set fields and bumps updated_at. The existing row is
// read first so value canonicalization can resolve the final type.
func (r *IOCRepo) Update(ctx context.Context, id string, req model.UpdateIOCRequest) (*model.IOC, error) {
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	req.Normalize(existing.Type)
	if err := req.Validate(existing.Type); err != nil {
		return nil, err
	}

	set := []string{"updated_at = $2"}
	args := []any{id, r.clock.Now().UTC()}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if req.Type != nil {
		add("type = $%d", string(*req.Type))
	}
	if req.Value != nil {
		add("value = $%d", *req.Value)
	}
	if req.Enabled != nil {
		add("enabled = $%d", *req.Enabled)
	}
	if req.Description != nil {
		add("description = $%d", *req.Description)
	}

	query := `UPDATE iocs SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 RETURNING ` + iocColumns

	var ioc *model.IOC
	err = pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		ioc, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.IOC])
		return err
	})
	if err != nil {
		return nil, mapIOCWriteError("update ioc", err)
	}
	return ioc, nil
}

// Delete removes an indicator. Returns true when a row existed.
func (r *IOCRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM iocs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete ioc: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete ioc rows affected: %w", err)
	}
	return affected > 0, nil
}

// BulkCreate imports many values of one type in a single statement,
// skipping values already present. Returns the number of rows inserted,
// which the command tag reports directly.
func (r *IOCRepo) BulkCreate(ctx context.Context, req model.BulkCreateIOCsRequest) (int, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return 0, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := r.clock.Now().UTC()

	query := `
		INSERT INTO iocs (type, value, enabled, description, created_at, updated_at)
		SELECT $1, v, $2, $3, $4, $4
		FROM UNNEST($5::text[]) AS v
		ON CONFLICT DO NOTHING`

	var inserted int
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, query, req.Type, enabled, req.Description, now, req.Values)
		if err != nil {
			return err
		}
		inserted = int(ct.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk create iocs: %w", err)
	}
	return inserted, nil
}

// LookupHost resolves a host against the enabled indicators: IP literals
// against ip rows (exact, then CIDR containment), anything else against
// fqdn rows (exact, then wildcard patterns). A miss reports ErrIOCNotFound.
func (r *IOCRepo) LookupHost(ctx context.Context, req model.IOCLookupRequest) (*model.IOC, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if addr, err := netip.ParseAddr(req.Host); err == nil {
		return r.lookupIP(ctx, addr)
	}
	return r.lookupDomain(ctx, req.Host)
}

// lookupExact finds an enabled indicator by its canonical value. Exact hits
// skip the pattern scan entirely.
func (r *IOCRepo) lookupExact(ctx context.Context, t model.IOCType, value string) (*model.IOC, error) {
	query := `SELECT ` + iocColumns + ` FROM iocs WHERE type = $1 AND value = $2 AND enabled LIMIT 1`

	var ioc *model.IOC
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, string(t), value)
		if err != nil {
			return err
		}
		ioc, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.IOC])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ioc, nil
}

// lookupPatterns scans enabled indicators of one type whose value is not a
// plain literal (CIDR prefixes, wildcard domains) and returns the first
// match.
func (r *IOCRepo) lookupPatterns(ctx context.Context, t model.IOCType, cond string, match func(value string) bool) (*model.IOC, error) {
	query := `SELECT ` + iocColumns + ` FROM iocs WHERE type = $1 AND enabled AND ` + cond

	var iocs []*model.IOC
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, string(t))
		if err != nil {
			return err
		}
		iocs, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.IOC])
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, ioc := range iocs {
		if match(ioc.Value) {
			return ioc, nil
		}
	}
	return nil, nil
}

func (r *IOCRepo) lookupIP(ctx context.Context, addr netip.Addr) (*model.IOC, error) {
	if ioc, err := r.lookupExact(ctx, model.IOCTypeIP, addr.String()); err != nil {
		return nil, fmt.Errorf("lookup ip ioc: %w", err)
	} else if ioc != nil {
		return ioc, nil
	}

	ioc, err := r.lookupPatterns(ctx, model.IOCTypeIP, `value LIKE '%/%'`, func(value string) bool {
		prefix, perr := netip.ParsePrefix(value)
		return perr == nil && prefix.Contains(addr)
	})
	if err != nil {
		return nil, fmt.Errorf("lookup ip ioc patterns: %w", err)
	}
	if ioc == nil {
		return nil, ErrIOCNotFound
	}
	return ioc, nil
}

func (r *IOCRepo) lookupDomain(ctx context.Context, domain string) (*model.IOC, error) {
	if ioc, err := r.lookupExact(ctx, model.IOCTypeFQDN, domain); err != nil {
		return nil, fmt.Errorf("lookup fqdn ioc: %w", err)
	} else if ioc != nil {
		return ioc, nil
	}

	ioc, err := r.lookupPatterns(ctx, model.IOCTypeFQDN, `value LIKE '%*%'`, func(value string) bool {
		return matchesDomainPattern(domain, value)
	})
	if err != nil {
		return nil, fmt.Errorf("lookup fqdn ioc patterns: %w", err)
	}
	if ioc == nil {
		return nil, ErrIOCNotFound
	}
	return ioc, nil
}

// matchesDomainPattern matches a domain against a wildcard pattern label by
// label. Label counts must agree: "*.evil.test" matches "sub.evil.test" but
// not "a.b.evil.test".
func matchesDomainPattern(domain, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if domain == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	domainLabels := strings.Split(domain, ".")
	patternLabels := strings.Split(pattern, ".")
	if len(domainLabels) != len(patternLabels) {
		return false
	}
	for i := range patternLabels {
		if patternLabels[i] == "*" {
			continue
		}
		if domainLabels[i] != patternLabels[i] {
			return false
		}
	}
	return true
}

// Stats aggregates indicator counts.
func (r *IOCRepo) Stats(ctx context.Context) (*core.IOCStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE enabled) AS enabled,
			COUNT(*) FILTER (WHERE type = 'fqdn') AS fqdn,
			COUNT(*) FILTER (WHERE type = 'ip') AS ip
		FROM iocs`

	var stats core.IOCStats
	err := r.DB.QueryRowContext(ctx, query).Scan(
		&stats.TotalCount, &stats.EnabledCount, &stats.FQDNCount, &stats.IPCount,
	)
	if err != nil {
		return nil, fmt.Errorf("ioc stats: %w", err)
	}
	return &stats, nil
}
