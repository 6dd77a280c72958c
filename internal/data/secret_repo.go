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
	"github.com/target/merrymaker-core/internal/data/cryptoutil"
	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
	apperrors "github.com/target/merrymaker-core/internal/errors"
)

var (
	// ErrSecretNotFound is returned when no secret matches the requested ID or name.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSecretNameExists is returned when a create or rename collides with an
	// existing secret name.
	ErrSecretNameExists = errors.New("secret name already exists")
)

const (
	secretListDefaultLimit = 50
	secretListMaxLimit     = 1000

	secretRefreshDefaultLimit = 50
)

// SecretRepo stores secrets, sealing values before they reach the database
// and opening them on read.
type SecretRepo struct {
	DB     *sql.DB
	cipher cryptoutil.SecretCipher
	clock  Clock
}

// NewSecretRepo builds a SecretRepo over the given pool and cipher.
func NewSecretRepo(db *sql.DB, cipher cryptoutil.SecretCipher) *SecretRepo {
	return &SecretRepo{DB: db, cipher: cipher, clock: SystemClock{}}
}

// NewSecretRepoWithClock is NewSecretRepo with an injected clock for tests.
func NewSecretRepoWithClock(db *sql.DB, cipher cryptoutil.SecretCipher, clock Clock) *SecretRepo {
	return &SecretRepo{DB: db, cipher: cipher, clock: clock}
}

// secretColumns is the canonical secrets column list for SELECTs. The
// refresh interval is surfaced in seconds so the model carries an int64
// rather than a driver interval type.
const secretColumns = `id, name, value, refresh_enabled, provider_script_path, env_config,
	EXTRACT(EPOCH FROM refresh_interval)::bigint AS refresh_interval_seconds,
	last_refreshed_at, last_refresh_status, last_refresh_error, created_at, updated_at`

// secretColumnsNoValue blanks the value so ciphertext never leaves the data
// layer on listing and scheduling reads.
const secretColumnsNoValue = `id, name, ''::text AS value, refresh_enabled, provider_script_path, env_config,
	EXTRACT(EPOCH FROM refresh_interval)::bigint AS refresh_interval_seconds,
	last_refreshed_at, last_refresh_status, last_refresh_error, created_at, updated_at`

func mapSecretWriteError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSecretNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrSecretNameExists
	}
	return fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
}

// openSecretValue replaces the stored ciphertext with its plaintext. The
// truncated prefix in the error identifies the offending row without
// leaking the full ciphertext.
func (r *SecretRepo) openSecretValue(secret *model.Secret) error {
	if secret == nil || secret.Value == "" {
		return nil
	}
	plaintext, err := r.cipher.Open(secret.Value)
	if err != nil {
		prefix := secret.Value
		if len(prefix) > 20 {
			prefix = prefix[:20] + "..."
		}
		return fmt.Errorf("open secret value (prefix: %s): %w", prefix, err)
	}
	secret.Value = string(plaintext)
	return nil
}

// Create stores a new secret. Static secrets seal the provided value;
// dynamic secrets start empty and receive their first value on refresh.
func (r *SecretRepo) Create(ctx context.Context, req model.CreateSecretRequest) (*model.Secret, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var sealed string
	if req.Value != "" {
		s, err := r.cipher.Seal([]byte(req.Value))
		if err != nil {
			return nil, fmt.Errorf("seal secret value: %w", err)
		}
		sealed = s
	}
	refreshEnabled := req.RefreshEnabled != nil && *req.RefreshEnabled
	now := r.clock.Now().UTC()

	// A NULL interval argument stays NULL through the multiplication, so
	// one insert covers both static and dynamic secrets.
	query := `
		INSERT INTO secrets (name, value, refresh_enabled, provider_script_path, env_config, refresh_interval, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), ($6::bigint * interval '1 second'), $7, $7)
		RETURNING ` + secretColumns

	var secret *model.Secret
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query,
			strings.TrimSpace(req.Name), sealed, refreshEnabled,
			req.ProviderScriptPath, req.EnvConfig, req.RefreshInterval, now,
		)
		if err != nil {
			return err
		}
		secret, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Secret])
		return err
	})
	if err != nil {
		return nil, mapSecretWriteError("create secret", err)
	}
	if err := r.openSecretValue(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func (r *SecretRepo) getSecretBy(ctx context.Context, op, cond string, arg any) (*model.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE ` + cond

	var secret *model.Secret
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		secret, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Secret])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := r.openSecretValue(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// GetByID fetches one secret with its value opened.
func (r *SecretRepo) GetByID(ctx context.Context, id string) (*model.Secret, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSecretNotFound
	}
	return r.getSecretBy(ctx, "get secret by id", "id = $1", id)
}

// GetByName fetches one secret by its unique name with its value opened.
func (r *SecretRepo) GetByName(ctx context.Context, name string) (*model.Secret, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrSecretNotFound
	}
	return r.getSecretBy(ctx, "get secret by name", "name = $1", name)
}

func normalizeSecretPage(limit, offset int) (int, int) {
	switch {
	case limit <= 0:
		limit = secretListDefaultLimit
	case limit > secretListMaxLimit:
		limit = secretListMaxLimit
	}
	return limit, max(offset, 0)
}

// List pages secret metadata newest first. Values are omitted.
func (r *SecretRepo) List(ctx context.Context, limit, offset int) ([]*model.Secret, error) {
	limit, offset = normalizeSecretPage(limit, offset)

	query := `SELECT ` + secretColumnsNoValue + `
		FROM secrets
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	var secrets []*model.Secret
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		secrets, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Secret])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return secrets, nil
}

// Update applies the set fields and bumps updated_at, returning the secret
// with its value opened.
func (r *SecretRepo) Update(ctx context.Context, id string, req model.UpdateSecretRequest) (*model.Secret, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSecretNotFound
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	set := []string{"updated_at = $2"}
	args := []any{id, r.clock.Now().UTC()}
	add := func(expr string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if req.Name != nil {
		add("name = $%d", strings.TrimSpace(*req.Name))
	}
	if req.Value != nil {
		sealed, err := r.cipher.Seal([]byte(*req.Value))
		if err != nil {
			return nil, fmt.Errorf("seal secret value: %w", err)
		}
		add("value = $%d", sealed)
	}
	if req.ProviderScriptPath != nil {
		add("provider_script_path = $%d", *req.ProviderScriptPath)
	}
	if req.EnvConfig != nil {
		add("env_config = $%d::jsonb", *req.EnvConfig)
	}
	if req.RefreshInterval != nil {
		add("refresh_interval = ($%d::bigint * interval '1 second')", *req.RefreshInterval)
	}
	if req.RefreshEnabled != nil {
		add("refresh_enabled = $%d", *req.RefreshEnabled)
	}

	query := `UPDATE secrets SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 RETURNING ` + secretColumns

	var secret *model.Secret
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		secret, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[model.Secret])
		return err
	})
	if err != nil {
		return nil, mapSecretWriteError("update secret", err)
	}
	if err := r.openSecretValue(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// Delete removes a secret. Source and sink associations cascade. Returns
// true when a row existed.
func (r *SecretRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM secrets WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete secret rows affected: %w", err)
	}
	return affected > 0, nil
}

// FindDueForRefresh selects refresh-enabled secrets never refreshed or past
// their interval, never-refreshed first. Values are omitted; scheduling a
// refresh does not need the plaintext.
func (r *SecretRepo) FindDueForRefresh(ctx context.Context, limit int) ([]*model.Secret, error) {
	if limit <= 0 {
		limit = secretRefreshDefaultLimit
	}

	query := `SELECT ` + secretColumnsNoValue + `
		FROM secrets
		WHERE refresh_enabled = TRUE
		  AND (last_refreshed_at IS NULL OR last_refreshed_at + refresh_interval <= $1)
		ORDER BY
			CASE WHEN last_refreshed_at IS NULL THEN 0 ELSE 1 END,
			last_refreshed_at ASC,
			created_at ASC
		LIMIT $2`

	var secrets []*model.Secret
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, r.clock.Now().UTC(), limit)
		if err != nil {
			return err
		}
		secrets, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Secret])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find secrets due for refresh: %w", err)
	}
	return secrets, nil
}

// UpdateRefreshStatus records the outcome of a refresh attempt.
func (r *SecretRepo) UpdateRefreshStatus(ctx context.Context, params core.UpdateSecretRefreshStatusParams) error {
	if _, err := uuid.Parse(params.SecretID); err != nil {
		return ErrSecretNotFound
	}

	query := `
		UPDATE secrets
		SET last_refreshed_at = $2,
		    last_refresh_status = $3,
		    last_refresh_error = $4,
		    updated_at = $5
		WHERE id = $1`

	res, err := r.DB.ExecContext(ctx, query,
		params.SecretID, params.RefreshedAt.UTC(), params.Status, params.ErrorMsg,
		r.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update secret refresh status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update secret refresh status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSecretNotFound
	}
	return nil
}
