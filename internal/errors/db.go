package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Detail-message shapes emitted by PostgreSQL constraint violations.
var (
	// "Key (name)=(checkout) already exists."
	reDetailKey = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// "... is still referenced from table "sites"."
	reDetailReferenced = regexp.MustCompile(`is still referenced from table "?([^".]+)"?`)
	// "... is not present in table "sources"."
	reDetailMissing = regexp.MustCompile(`is not present in table "?([^".]+)"?`)
)

// MapDBError classifies a database error into the taxonomy:
//
//   - context deadline / cancellation  -> timeout / canceled
//   - no rows (pgx or database/sql)    -> not_found
//   - unique violation                 -> conflict (field attributed)
//   - foreign key violation            -> foreign_key
//   - check / not-null violation       -> validation
//   - lock contention / deadlock       -> conflict
//   - anything else from PostgreSQL    -> internal
//
// Errors that are not database errors pass through unchanged so callers can
// still match their own sentinels with errors.Is.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("database operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return Canceled("database operation canceled", err)
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return &Error{Code: CodeNotFound, Message: "row not found", Cause: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgError(pgErr)
	}
	return err
}

func classifyPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return uniqueConflict(pgErr)
	case pgerrcode.ForeignKeyViolation:
		return foreignKeyViolation(pgErr)
	case pgerrcode.CheckViolation:
		return constraintValidation(pgErr, "value rejected by check constraint")
	case pgerrcode.NotNullViolation:
		return constraintValidation(pgErr, "required column is null")
	case pgerrcode.DeadlockDetected:
		return &Error{Code: CodeConflict, Message: "deadlock detected", Cause: pgErr}
	case pgerrcode.LockNotAvailable:
		return &Error{Code: CodeConflict, Message: "row lock not available", Cause: pgErr}
	default:
		return &Error{Code: CodeInternal, Message: "database error", Cause: pgErr}
	}
}

func uniqueConflict(pgErr *pgconn.PgError) error {
	field := violatedField(pgErr)
	msg := "duplicate value"
	if field != "" {
		msg = "duplicate value for " + field
	}
	return &Error{Code: CodeConflict, Message: msg, Field: field, Cause: pgErr}
}

func foreignKeyViolation(pgErr *pgconn.PgError) error {
	var msg string
	if pgErr.Detail != "" {
		if m := reDetailReferenced.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			msg = "still referenced by " + entityName(m[1])
		} else if m := reDetailMissing.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			msg = "referenced " + entityName(m[1]) + " does not exist"
		}
	}
	if msg == "" && pgErr.TableName != "" {
		msg = "constraint on " + entityName(pgErr.TableName) + " violated"
	}
	if msg == "" {
		msg = "foreign key constraint violated"
	}
	return &Error{Code: CodeForeignKey, Message: msg, Cause: pgErr}
}

func constraintValidation(pgErr *pgconn.PgError, fallback string) error {
	field := pgErr.ColumnName
	msg := fallback
	if field != "" {
		msg = "invalid value for " + field
	}
	return &Error{Code: CodeValidation, Message: msg, Field: field, Cause: pgErr}
}

// violatedField works out which column a unique violation hit. ColumnName is
// authoritative when the server fills it in; the Detail message covers
// multi-column keys; the constraint name is a last resort and only trusted
// for simple table_column_key names.
func violatedField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if pgErr.Detail != "" {
		if m := reDetailKey.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			return m[1]
		}
	}
	return fieldFromConstraintName(pgErr.ConstraintName)
}

func fieldFromConstraintName(name string) string {
	parts := strings.Split(name, "_")
	// table_column_key and nothing else: more segments means a multi-column
	// or expression index whose middle segment would mislead.
	if len(parts) != 3 {
		return ""
	}
	candidate := parts[1]
	if isExprFunction(candidate) {
		return ""
	}
	return candidate
}

// isExprFunction filters function names that show up as the middle segment of
// expression-index constraint names (sites_lower_idx and friends).
func isExprFunction(s string) bool {
	switch strings.ToLower(s) {
	case "lower", "upper", "trim", "md5", "sha256", "coalesce":
		return true
	}
	return false
}

// entityName turns a table name into the name operators know the entity by.
func entityName(table string) string {
	switch strings.ToLower(strings.TrimSpace(table)) {
	case "sources":
		return "source"
	case "sites":
		return "site"
	case "secrets", "source_secrets", "http_alert_sink_secrets":
		return "secret association"
	case "http_alert_sinks":
		return "alert sink"
	case "jobs":
		return "job"
	case "scheduled_jobs":
		return "scheduled task"
	case "events":
		return "event"
	case "alerts":
		return "alert"
	case "job_results":
		return "job result"
	case "seen_domains":
		return "seen domain"
	case "domain_allowlists":
		return "allow-list entry"
	case "iocs":
		return "ioc"
	default:
		return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(table)), "_", " ")
	}
}
