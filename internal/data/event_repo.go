package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/merrymaker-core/internal/data/pgxutil"
	"github.com/target/merrymaker-core/internal/domain/model"
)

const (
	eventListDefaultLimit = 50
	eventListMaxLimit     = 1000
)

// EventRepo stores raw browser observations. Writes are batched per
// session; reads serve the rules pipeline (GetByIDs, MarkProcessedByIDs)
// and paged inspection of a job's events.
type EventRepo struct{ DB *sql.DB }

// NewEventRepo builds an EventRepo over the given pool.
func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{DB: db}
}

// eventColumns is the canonical events column list for SELECTs.
const eventColumns = `id, session_id, source_job_id, event_type, event_data, metadata, storage_key, priority, should_process, processed, created_at`

const insertEventSQL = `
	INSERT INTO events (
		session_id,
		source_job_id,
		event_type,
		event_data,
		metadata,
		storage_key,
		priority,
		should_process
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

var eventInsertColumns = []string{
	"session_id",
	"source_job_id",
	"event_type",
	"event_data",
	"metadata",
	"storage_key",
	"priority",
	"should_process",
}

// eventInsertValues renders one batch entry in eventInsertColumns order.
func eventInsertValues(req *model.BulkEventsRequest, i int, shouldProcess bool) []any {
	e := req.Events[i]
	priority := 0
	if e.Priority != nil {
		priority = *e.Priority
	}
	return []any{
		req.SessionID,
		req.SourceJobID,
		e.Type,
		normalizeJSON(e.Data),
		normalizeJSON(e.Metadata),
		e.StorageKey,
		priority,
		shouldProcess,
	}
}

// bumpJobEventCount maintains the denormalized per-job event count read by
// CountByJob and the job list join.
func bumpJobEventCount(ctx context.Context, tx pgx.Tx, jobID *string, delta int) error {
	if delta <= 0 || jobID == nil || strings.TrimSpace(*jobID) == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO job_meta (job_id, event_count, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO UPDATE
		SET event_count = job_meta.event_count + EXCLUDED.event_count,
		    updated_at = now()`, *jobID, delta)
	if err != nil {
		return fmt.Errorf("bump job_meta event_count: %w", err)
	}
	return nil
}

func (r *EventRepo) inEventTx(ctx context.Context, fn func(pgx.Tx) (int, error)) (int, error) {
	var inserted int
	err := pgxutil.InPgxTx(ctx, r.DB, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(tx pgx.Tx) error {
		n, err := fn(tx)
		inserted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// insertBatch queues one INSERT per event and flushes them as a single pgx
// batch. flag decides should_process per event index.
func (r *EventRepo) insertBatch(ctx context.Context, tx pgx.Tx, req model.BulkEventsRequest, flag func(i int) bool) (int, error) {
	batch := &pgx.Batch{}
	for i := range req.Events {
		batch.Queue(insertEventSQL, eventInsertValues(&req, i, flag(i))...)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := range req.Events {
		if _, err := results.Exec(); err != nil {
			// The batch must be closed before the transaction can roll back.
			_ = results.Close()
			return 0, fmt.Errorf("insert event %d: %w", i, err)
		}
		inserted++
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close event batch: %w", err)
	}

	if err := bumpJobEventCount(ctx, tx, req.SourceJobID, inserted); err != nil {
		return 0, err
	}
	return inserted, nil
}

// BulkInsert writes the batch with a uniform should-process flag and bumps
// the source job's event count, all in one transaction.
func (r *EventRepo) BulkInsert(ctx context.Context, req model.BulkEventsRequest, process bool) (int, error) {
	inserted, err := r.inEventTx(ctx, func(tx pgx.Tx) (int, error) {
		return r.insertBatch(ctx, tx, req, func(int) bool { return process })
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert events: %w", err)
	}
	return inserted, nil
}

// BulkInsertWithProcessingFlags writes the batch with a per-index
// should-process decision; absent indexes default to false.
func (r *EventRepo) BulkInsertWithProcessingFlags(
	ctx context.Context,
	req model.BulkEventsRequest,
	shouldProcess map[int]bool,
) (int, error) {
	inserted, err := r.inEventTx(ctx, func(tx pgx.Tx) (int, error) {
		return r.insertBatch(ctx, tx, req, func(i int) bool { return shouldProcess[i] })
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert events with flags: %w", err)
	}
	return inserted, nil
}

// BulkInsertCopy is the COPY fast path for large batches. COPY reports one
// error for the whole batch, so prefer BulkInsert when per-event errors
// matter.
func (r *EventRepo) BulkInsertCopy(ctx context.Context, req model.BulkEventsRequest, process bool) (int, error) {
	inserted, err := r.inEventTx(ctx, func(tx pgx.Tx) (int, error) {
		rows := make([][]any, 0, len(req.Events))
		for i := range req.Events {
			rows = append(rows, eventInsertValues(&req, i, process))
		}

		n, err := tx.CopyFrom(ctx, pgx.Identifier{"events"}, eventInsertColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return 0, fmt.Errorf("copy events: %w", err)
		}
		if err := bumpJobEventCount(ctx, tx, req.SourceJobID, int(n)); err != nil {
			return 0, err
		}
		return int(n), nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk copy events: %w", err)
	}
	return inserted, nil
}

// eventCategories maps a listing category to the event_type shapes it
// covers. Matching is against event_type only, never event payloads.
var eventCategories = map[string]struct {
	like  []string
	exact []string
}{
	"screenshot":  {like: []string{"%screenshot%"}},
	"worker_log":  {like: []string{"%.log"}, exact: []string{"worker.log"}},
	"job_failure": {like: []string{"%jobfailure%", "%job.failure%"}},
	"network":     {like: []string{"%request%", "%response%", "%network%"}},
	"console":     {like: []string{"%console%"}, exact: []string{"log"}},
	"security":    {like: []string{"Security.%", "%dynamiccodeeval%"}},
	"page":        {like: []string{"%goto%", "%navigate%", "%page.goto%"}},
	"action":      {like: []string{"%click%", "%type%", "%waitforselector%", "%setcontent%", "%select%", "%hover%"}},
	"error":       {like: []string{"%error%", "%exception%"}},
}

// buildEventWhere renders the WHERE clause for a job's events with the
// optional type and category filters. Unknown categories add no clause.
func buildEventWhere(opts model.EventListOptions) (string, []any) {
	where := []string{"source_job_id = $1"}
	args := []any{opts.JobID}

	if opts.EventType != nil && *opts.EventType != "" {
		args = append(args, *opts.EventType)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}

	if opts.Category != nil && *opts.Category != "" {
		if cat, ok := eventCategories[*opts.Category]; ok {
			group := make([]string, 0, len(cat.like)+len(cat.exact))
			for _, pattern := range cat.like {
				args = append(args, pattern)
				group = append(group, fmt.Sprintf("event_type ILIKE $%d", len(args)))
			}
			for _, value := range cat.exact {
				args = append(args, value)
				group = append(group, fmt.Sprintf("event_type = $%d", len(args)))
			}
			where = append(where, "("+strings.Join(group, " OR ")+")")
		}
	}

	return " WHERE " + strings.Join(where, " AND "), args
}

func eventOrderClause(dir string) string {
	return fmt.Sprintf(" ORDER BY created_at %s, id %s", dir, dir)
}

func clampEventLimit(limit int) int {
	switch {
	case limit <= 0:
		return eventListDefaultLimit
	case limit > eventListMaxLimit:
		return eventListMaxLimit
	default:
		return limit
	}
}

// parseEventListCursor extracts at most one cursor from the options. The
// second result reports whether it pages backward.
func parseEventListCursor(opts model.EventListOptions) (*eventCursor, bool, error) {
	if opts.CursorAfter != nil && opts.CursorBefore != nil {
		return nil, false, errors.New("only one of cursor_after or cursor_before can be set")
	}

	token := ""
	seekBefore := false
	if opts.CursorAfter != nil {
		token = *opts.CursorAfter
	}
	if opts.CursorBefore != nil {
		token = *opts.CursorBefore
		seekBefore = true
	}
	if token == "" {
		return nil, seekBefore, nil
	}

	cur, err := decodeEventCursor(token)
	if err != nil {
		return nil, false, err
	}
	return &cur, seekBefore, nil
}

// resolveEventSortDir reconciles the requested direction with the cursor's.
// The cursor wins; an explicit conflicting request is an error.
func resolveEventSortDir(opts model.EventListOptions, cur *eventCursor) (string, error) {
	dir := sortDirAsc
	explicit := false
	if opts.SortDir != nil {
		if v := normalizeSortDir(*opts.SortDir); v != "" {
			dir = v
			explicit = true
		}
	}
	if cur != nil {
		if explicit && dir != cur.SortDir {
			return "", fmt.Errorf("cursor sort direction mismatch: %s vs %s", dir, cur.SortDir)
		}
		dir = cur.SortDir
	}
	return dir, nil
}

// ListByJob pages a job's events. Without a cursor it pages by offset and
// returns no continuation tokens; with one it pages by keyset on
// (created_at, id) and returns next/prev cursors.
func (r *EventRepo) ListByJob(ctx context.Context, opts model.EventListOptions) (*model.EventPage, error) {
	limit := clampEventLimit(opts.Limit)
	offset := max(opts.Offset, 0)

	cursor, seekBefore, err := parseEventListCursor(opts)
	if err != nil {
		return nil, err
	}
	dir, err := resolveEventSortDir(opts, cursor)
	if err != nil {
		return nil, err
	}

	whereClause, args := buildEventWhere(opts)

	if cursor == nil {
		args = append(args, limit, offset)
		query := `SELECT ` + eventColumns + ` FROM events` + whereClause + eventOrderClause(dir) +
			fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

		events, err := r.queryEvents(ctx, query, args)
		if err != nil {
			return nil, fmt.Errorf("list events by job: %w", err)
		}
		return &model.EventPage{Events: events}, nil
	}

	return r.listKeysetPage(ctx, eventKeysetQuery{
		where:      whereClause,
		args:       args,
		dir:        dir,
		limit:      limit,
		seekBefore: seekBefore,
		cursor:     cursor,
	})
}

type eventKeysetQuery struct {
	where      string
	args       []any
	dir        string
	limit      int
	seekBefore bool
	cursor     *eventCursor
}

func (r *EventRepo) listKeysetPage(ctx context.Context, q eventKeysetQuery) (*model.EventPage, error) {
	// Forward pages scan in the sort direction; a before-cursor page scans
	// the opposite way and is flipped back after collection.
	cmp, scanDir := ">", q.dir
	if q.dir == sortDirDesc {
		cmp = "<"
	}
	if q.seekBefore {
		if cmp == ">" {
			cmp = "<"
		} else {
			cmp = ">"
		}
		scanDir = invertSortDir(q.dir)
	}

	args := append(append([]any{}, q.args...), q.cursor.CreatedAt, q.cursor.ID)
	whereClause := q.where + fmt.Sprintf(
		" AND (created_at, id) %s ($%d::timestamptz, $%d::uuid)",
		cmp, len(args)-1, len(args),
	)
	args = append(args, q.limit+1) // one extra row decides hasMore
	query := `SELECT ` + eventColumns + ` FROM events` + whereClause + eventOrderClause(scanDir) +
		fmt.Sprintf(" LIMIT $%d", len(args))

	events, err := r.queryEvents(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("list events by job (keyset): %w", err)
	}

	hasMore := len(events) > q.limit
	if hasMore {
		events = events[:q.limit]
	}
	if q.seekBefore {
		slices.Reverse(events)
	}

	next, prev, err := buildEventPageCursors(events, q.dir, hasMore, q.seekBefore)
	if err != nil {
		return nil, err
	}
	return &model.EventPage{Events: events, NextCursor: next, PrevCursor: prev}, nil
}

func invertSortDir(dir string) string {
	if dir == sortDirDesc {
		return sortDirAsc
	}
	return sortDirDesc
}

func buildEventPageCursors(events []*model.Event, dir string, hasMore, seekBefore bool) (*string, *string, error) {
	if len(events) == 0 {
		return nil, nil, nil
	}

	encode := func(ev *model.Event, which string) (*string, error) {
		token, err := encodeEventCursor(cursorFromEvent(ev, dir))
		if err != nil {
			return nil, fmt.Errorf("encode %s cursor: %w", which, err)
		}
		return &token, nil
	}

	var next, prev *string
	// Paging forward, a next page exists only when the extra row was
	// fetched; paging backward, the page we came from always exists.
	if seekBefore || hasMore {
		c, err := encode(events[len(events)-1], "next")
		if err != nil {
			return nil, nil, err
		}
		next = c
	}
	if !seekBefore || hasMore {
		c, err := encode(events[0], "prev")
		if err != nil {
			return nil, nil, err
		}
		prev = c
	}
	return next, prev, nil
}

func (r *EventRepo) queryEvents(ctx context.Context, query string, args []any) ([]*model.Event, error) {
	var events []*model.Event
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		collected, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Event])
		if err != nil {
			return err
		}
		events = collected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// CountByJob counts a job's events under the same filters as ListByJob.
// The unfiltered count comes from job_meta when available, skipping a scan.
func (r *EventRepo) CountByJob(ctx context.Context, opts model.EventListOptions) (int, error) {
	if opts.EventType == nil && opts.Category == nil {
		if count, ok, err := r.storedEventCount(ctx, opts.JobID); err != nil {
			return 0, err
		} else if ok {
			return count, nil
		}
	}

	whereClause, args := buildEventWhere(opts)
	query := `SELECT COUNT(*) FROM events` + whereClause

	var count int
	err := pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, query, args...).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count events by job: %w", err)
	}
	return count, nil
}

// storedEventCount reads the denormalized count the insert paths maintain.
// ok is false when the job has no job_meta row yet.
func (r *EventRepo) storedEventCount(ctx context.Context, jobID string) (int, bool, error) {
	if strings.TrimSpace(jobID) == "" {
		return 0, false, nil
	}

	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT event_count FROM job_meta WHERE job_id = $1`, jobID).Scan(&count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("read stored event count: %w", err)
	default:
		return count, true, nil
	}
}

// parseEventIDs validates IDs up front so one bad ID fails the call instead
// of poisoning the array bind.
func parseEventIDs(eventIDs []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(eventIDs))
	for _, raw := range eventIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetByIDs returns the named events ordered by (created_at, id).
func (r *EventRepo) GetByIDs(ctx context.Context, eventIDs []string) ([]*model.Event, error) {
	if len(eventIDs) == 0 {
		return []*model.Event{}, nil
	}
	ids, err := parseEventIDs(eventIDs)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE id = ANY($1) ORDER BY created_at ASC, id ASC`
	events, err := r.queryEvents(ctx, query, []any{ids})
	if err != nil {
		return nil, fmt.Errorf("get events by ids: %w", err)
	}
	return events, nil
}

// MarkProcessedByIDs flips processed on the given rows and reports how many
// were still unprocessed. Re-marking a processed event is a no-op, so the
// count tells retried rules jobs how much work was actually left.
func (r *EventRepo) MarkProcessedByIDs(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	ids, err := parseEventIDs(eventIDs)
	if err != nil {
		return 0, err
	}

	var updated int
	err = pgxutil.RawConn(ctx, r.DB, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE events
			SET processed = TRUE
			WHERE id = ANY($1)
			  AND processed = FALSE`, ids)
		if err != nil {
			return err
		}
		updated = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark events processed: %w", err)
	}
	return updated, nil
}
