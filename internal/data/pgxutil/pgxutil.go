// Package pgxutil bridges the database/sql connection pool to native pgx
// connections and wraps transaction lifecycles for the repositories.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// InSQLTx begins a database/sql transaction, runs fn inside it, and commits.
// The transaction is rolled back when fn returns an error.
func InSQLTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RawConn checks a connection out of the pool and hands the underlying
// *pgx.Conn to fn. Required for pgx-only features such as LISTEN/NOTIFY
// and COPY that the database/sql interface cannot reach.
func RawConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("checkout conn: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	return conn.Raw(func(driverConn any) error {
		std, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("driver conn is %T, want *stdlib.Conn", driverConn)
		}
		return fn(std.Conn())
	})
}

// InPgxTx runs fn inside a native pgx transaction on a pooled connection.
func InPgxTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(pgx.Tx) error) error {
	return RawConn(ctx, db, func(conn *pgx.Conn) error {
		tx, err := conn.BeginTx(ctx, PgxTxOptions(opts))
		if err != nil {
			return fmt.Errorf("begin pgx tx: %w", err)
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit pgx tx: %w", err)
		}
		return nil
	})
}

// PgxTxOptions maps database/sql transaction options onto their pgx
// equivalents. A nil opts selects the server defaults.
func PgxTxOptions(opts *sql.TxOptions) pgx.TxOptions {
	if opts == nil {
		return pgx.TxOptions{}
	}
	return pgx.TxOptions{
		IsoLevel:   isoLevel(opts.Isolation),
		AccessMode: accessMode(opts.ReadOnly),
	}
}

func isoLevel(level sql.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case sql.LevelSerializable, sql.LevelLinearizable:
		return pgx.Serializable
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		return pgx.RepeatableRead
	case sql.LevelReadCommitted, sql.LevelWriteCommitted:
		return pgx.ReadCommitted
	case sql.LevelReadUncommitted:
		return pgx.ReadUncommitted
	default:
		return pgx.TxIsoLevel("")
	}
}

func accessMode(readOnly bool) pgx.TxAccessMode {
	if readOnly {
		return pgx.ReadOnly
	}
	return pgx.ReadWrite
}
