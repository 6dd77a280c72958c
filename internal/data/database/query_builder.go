// Package database builds dynamic list queries for the Postgres
// repositories. Identifiers are quoted through pgx sanitization and all
// values bind as positional parameters.
package database

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Op is a comparison operator usable in a Where filter.
type Op string

const (
	OpEq    Op = "="
	OpNeq   Op = "<>"
	OpGt    Op = ">"
	OpGte   Op = ">="
	OpLt    Op = "<"
	OpLte   Op = "<="
	OpLike  Op = "LIKE"
	OpILike Op = "ILIKE"
	OpIn    Op = "IN"
	OpAny   Op = "ANY"
)

const unsetPage = -1

// Filter is a single WHERE predicate. Raw filters carry prewritten SQL
// whose $n placeholders are renumbered when the query is built.
type Filter struct {
	Field string
	Op    Op
	Value any

	raw       string
	rawParams []any
}

// Where builds a field/operator/value predicate.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// WhereRaw builds a predicate from prewritten SQL. Placeholders in the
// fragment are numbered from $1 relative to params; the fragment itself
// is not sanitized.
func WhereRaw(sql string, params ...any) Filter {
	return Filter{raw: sql, rawParams: params}
}

type selectSpec struct {
	table     string
	columns   []string
	filters   []Filter
	orderBy   string
	orderDir  string
	limit     int
	offset    int
	countOnly bool
}

// SelectOption configures one aspect of a list query.
type SelectOption func(*selectSpec)

// Columns selects specific columns instead of *.
func Columns(cols ...string) SelectOption {
	return func(s *selectSpec) { s.columns = cols }
}

// Filters appends WHERE predicates; all predicates are ANDed.
func Filters(filters ...Filter) SelectOption {
	return func(s *selectSpec) { s.filters = append(s.filters, filters...) }
}

// OrderBy sets the sort column and direction. Directions other than ASC
// or DESC are dropped.
func OrderBy(column, direction string) SelectOption {
	return func(s *selectSpec) {
		s.orderBy = column
		s.orderDir = direction
	}
}

// Limit caps the row count. Negative values leave the query unbounded.
func Limit(n int) SelectOption {
	return func(s *selectSpec) {
		if n >= 0 {
			s.limit = n
		}
	}
}

// Offset skips leading rows. Negative values are ignored.
func Offset(n int) SelectOption {
	return func(s *selectSpec) {
		if n >= 0 {
			s.offset = n
		}
	}
}

// CountOnly turns the query into SELECT COUNT(*), dropping ordering and
// pagination.
func CountOnly() SelectOption {
	return func(s *selectSpec) { s.countOnly = true }
}

// BuildSelect renders the query text and its bind arguments.
func BuildSelect(table string, opts ...SelectOption) (string, []any) {
	spec := selectSpec{table: table, limit: unsetPage, offset: unsetPage}
	for _, opt := range opts {
		opt(&spec)
	}

	var b binder
	var sb strings.Builder
	sb.WriteString(spec.selectClause())
	sb.WriteString(" FROM ")
	sb.WriteString(quoteIdent(spec.table))

	if where := spec.whereClause(&b); where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}

	if !spec.countOnly {
		sb.WriteString(spec.pageClause(&b))
	}
	return sb.String(), b.args
}

// binder allocates positional parameters in build order.
type binder struct {
	args []any
}

func (b *binder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (s *selectSpec) selectClause() string {
	if s.countOnly {
		return "SELECT COUNT(*)"
	}
	rendered := make([]string, 0, len(s.columns))
	for _, col := range s.columns {
		if r := renderColumn(col); r != "" {
			rendered = append(rendered, r)
		}
	}
	if len(rendered) == 0 {
		return "SELECT *"
	}
	return "SELECT " + strings.Join(rendered, ", ")
}

func (s *selectSpec) whereClause(b *binder) string {
	parts := make([]string, 0, len(s.filters))
	for _, f := range s.filters {
		if p := f.render(b); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " AND ")
}

func (s *selectSpec) pageClause(b *binder) string {
	var sb strings.Builder
	if s.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(quoteQualified(s.orderBy))
		if dir := strings.ToUpper(s.orderDir); dir == "ASC" || dir == "DESC" {
			sb.WriteString(" ")
			sb.WriteString(dir)
		}
	}
	if s.limit != unsetPage {
		sb.WriteString(" LIMIT ")
		sb.WriteString(b.bind(s.limit))
	}
	if s.offset != unsetPage {
		sb.WriteString(" OFFSET ")
		sb.WriteString(b.bind(s.offset))
	}
	return sb.String()
}

func (f Filter) render(b *binder) string {
	if f.raw != "" {
		return f.renderRaw(b)
	}
	if f.Field == "" {
		return ""
	}
	field := quoteIdent(f.Field)
	switch f.Op {
	case OpIn:
		return renderMembership(b, field, f.Value, "%s IN (%s)")
	case OpAny:
		return renderMembership(b, field, f.Value, "%s = ANY (ARRAY[%s])")
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike:
		return fmt.Sprintf("%s %s %s", field, f.Op, b.bind(f.Value))
	}
	return ""
}

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// renderRaw renumbers the fragment's placeholders into the shared
// parameter sequence. Repeated placeholders bind their value once;
// out-of-range ones are left untouched.
func (f Filter) renderRaw(b *binder) string {
	seen := make(map[int]string)
	return placeholderPattern.ReplaceAllStringFunc(f.raw, func(m string) string {
		n, err := strconv.Atoi(m[1:])
		if err != nil || n < 1 || n > len(f.rawParams) {
			return m
		}
		if repl, ok := seen[n]; ok {
			return repl
		}
		repl := b.bind(f.rawParams[n-1])
		seen[n] = repl
		return repl
	})
}

// renderMembership expands a slice value into one placeholder per
// element. Non-slice or empty values drop the predicate.
func renderMembership(b *binder, field string, value any, format string) string {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return ""
	}
	placeholders := make([]string, rv.Len())
	for i := range rv.Len() {
		placeholders[i] = b.bind(rv.Index(i).Interface())
	}
	return fmt.Sprintf(format, field, strings.Join(placeholders, ", "))
}

func quoteIdent(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// quoteQualified quotes each dotted part of an identifier such as
// "table.column" separately.
func quoteQualified(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

var aliasPattern = regexp.MustCompile(`(?i)\s+AS\s+`)

// renderColumn quotes a column spec, handling "expr AS alias" forms and
// JSON extraction operators. Specs that cannot be rendered safely are
// dropped from the select list.
func renderColumn(spec string) string {
	if parts := aliasPattern.Split(spec, 2); len(parts) == 2 {
		expr := renderExpr(strings.TrimSpace(parts[0]))
		if expr == "" {
			return ""
		}
		return expr + " AS " + quoteIdent(strings.TrimSpace(parts[1]))
	}
	return renderExpr(spec)
}

func renderExpr(expr string) string {
	switch {
	case strings.Contains(expr, "->"):
		return renderJSONExpr(expr)
	case strings.Contains(expr, "."):
		return quoteQualified(expr)
	default:
		return quoteIdent(expr)
	}
}

var (
	jsonExprPattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_.]*)((?:->>?'[^']*')+)$`)
	jsonHopPattern  = regexp.MustCompile(`->>?'[a-zA-Z0-9_.-]*'`)
)

// renderJSONExpr quotes the column of a JSON extraction such as
// "metadata->>'task'" and keeps only well-formed path hops.
func renderJSONExpr(expr string) string {
	m := jsonExprPattern.FindStringSubmatch(expr)
	if len(m) != 3 {
		return ""
	}
	column := m[1]
	quoted := quoteIdent(column)
	if strings.Contains(column, ".") {
		quoted = quoteQualified(column)
	}
	return quoted + strings.Join(jsonHopPattern.FindAllString(m[2], -1), "")
}

// JSONField renders a JSON text-extraction column spec with an alias.
// Nested paths use "->" separators: JSONField("metadata", "a->b", "ab")
// renders "metadata"->'a'->>'b' AS "ab".
func JSONField(column, path, alias string) string {
	var sb strings.Builder
	if strings.Contains(column, ".") {
		sb.WriteString(quoteQualified(column))
	} else {
		sb.WriteString(quoteIdent(column))
	}
	hops := strings.Split(path, "->")
	for i, hop := range hops {
		if i == len(hops)-1 {
			sb.WriteString("->>")
		} else {
			sb.WriteString("->")
		}
		sb.WriteString("'")
		sb.WriteString(cleanJSONKey(hop))
		sb.WriteString("'")
	}
	sb.WriteString(" AS ")
	sb.WriteString(quoteIdent(alias))
	return sb.String()
}

// cleanJSONKey strips everything outside [A-Za-z0-9_.-] from a JSON key
// so the key can be embedded inside a quoted literal.
func cleanJSONKey(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '_' || r == '-' || r == '.':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
