// Package migrate embeds the schema migrations and applies them at boot.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// migratorLockKey serializes migration runners across replicas. Arbitrary
// but stable; distinct from the queue's advisory lock namespaces.
const migratorLockKey int64 = 7601323

// Run brings the database schema up to date. Every *.sql file under
// migrations/ is applied once, in filename order, each inside its own
// transaction. A session advisory lock makes concurrent boots safe: the
// second replica blocks, then finds every version already recorded.
func Run(ctx context.Context, db *sql.DB) error {
	names, err := listMigrations()
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migratorLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	// The conn returns to the pool on Close, so the session lock must be
	// released explicitly even when ctx is already canceled.
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migratorLockKey)
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	log := slog.Default().With("component", "migrate")
	for _, name := range names {
		if err := applyOnce(ctx, conn, log, name); err != nil {
			return err
		}
	}
	return nil
}

func listMigrations() ([]string, error) {
	names, err := fs.Glob(schemaFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// applyOnce runs one migration file unless its version is already recorded.
// The DDL and the version row commit together.
func applyOnce(ctx context.Context, conn *sql.Conn, log *slog.Logger, file string) error {
	version := strings.TrimSuffix(path.Base(file), ".sql")

	var done bool
	if err := conn.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version,
	).Scan(&done); err != nil {
		return fmt.Errorf("check migration %s: %w", version, err)
	}
	if done {
		return nil
	}

	ddl, err := schemaFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	log.InfoContext(ctx, "applying migration", "version", version)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			log.ErrorContext(ctx, "migration rollback failed", "version", version, "err", rerr)
		}
	}()

	if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)", version,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}
