package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
	"github.com/target/merrymaker-core/internal/testutil"
)

// createEventJob enqueues a browser job for events to hang off.
func createEventJob(t *testing.T, db *sql.DB) string {
	t.Helper()
	job, err := NewJobRepo(db, JobRepoConfig{}).Create(context.Background(), &model.CreateJobRequest{
		Type:    model.JobTypeBrowser,
		Payload: json.RawMessage(`{"url":"https://shop.example.com"}`),
	})
	require.NoError(t, err)
	return job.ID
}

// spreadEventTimes pins created_at to base plus the row's seq field in
// minutes. Rows written in one batch otherwise share the transaction
// timestamp, which leaves their relative order up to the id tiebreak.
func spreadEventTimes(t *testing.T, db *sql.DB, jobID string, base time.Time) {
	t.Helper()
	_, err := db.Exec(`
		UPDATE events
		SET created_at = $1::timestamptz + make_interval(mins => (event_data->>'seq')::int)
		WHERE source_job_id = $2 AND event_data->>'seq' IS NOT NULL`, base, jobID)
	require.NoError(t, err)
}

func eventSeq(t *testing.T, ev *model.Event) int {
	t.Helper()
	var body struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(ev.EventData, &body))
	return body.Seq
}

func eventSeqs(t *testing.T, events []*model.Event) []int {
	t.Helper()
	seqs := make([]int, 0, len(events))
	for _, ev := range events {
		seqs = append(seqs, eventSeq(t, ev))
	}
	return seqs
}

func seqEvent(seq int, eventType string) model.EventInput {
	data, _ := json.Marshal(map[string]int{"seq": seq})
	return model.EventInput{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func intPtr(i int) *int { return &i }

func TestEventRepo_BulkInsert(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("writes every event with its own fields", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)
			sessionID := uuid.NewString()

			created, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   sessionID,
				SourceJobID: &jobID,
				Events: []model.EventInput{
					{
						Type:       "console.message",
						Data:       json.RawMessage(`{"level":"warn","text":"mixed content"}`),
						Metadata:   json.RawMessage(`{"page":"checkout"}`),
						StorageKey: stringPtr("sessions/checkout/console-0001.json"),
						Priority:   intPtr(42),
						Timestamp:  time.Now(),
					},
					{
						Type:      "request.complete",
						Data:      json.RawMessage(`{"url":"https://cdn.example.com/app.js"}`),
						Timestamp: time.Now(),
					},
				},
			}, true)
			require.NoError(t, err)
			assert.Equal(t, 2, created)

			rows, err := db.Query(`
				SELECT event_type, event_data::text, metadata::text, storage_key, priority, should_process, processed, source_job_id::text
				FROM events
				WHERE session_id = $1
				ORDER BY event_type`, sessionID)
			require.NoError(t, err)
			defer func() { _ = rows.Close() }()

			type eventRow struct {
				eventType     string
				data          string
				metadata      string
				storageKey    sql.NullString
				priority      int
				shouldProcess bool
				processed     bool
				sourceJobID   sql.NullString
			}
			var got []eventRow
			for rows.Next() {
				var r eventRow
				require.NoError(t, rows.Scan(
					&r.eventType, &r.data, &r.metadata, &r.storageKey,
					&r.priority, &r.shouldProcess, &r.processed, &r.sourceJobID,
				))
				got = append(got, r)
			}
			require.NoError(t, rows.Err())
			require.Len(t, got, 2)

			for _, r := range got {
				require.True(t, r.sourceJobID.Valid)
				assert.Equal(t, jobID, r.sourceJobID.String)
				assert.True(t, r.shouldProcess)
				assert.False(t, r.processed)
			}

			console, request := got[0], got[1]
			assert.Equal(t, "console.message", console.eventType)
			assert.JSONEq(t, `{"level":"warn","text":"mixed content"}`, console.data)
			assert.JSONEq(t, `{"page":"checkout"}`, console.metadata)
			require.True(t, console.storageKey.Valid)
			assert.Equal(t, "sessions/checkout/console-0001.json", console.storageKey.String)
			assert.Equal(t, 42, console.priority)

			assert.Equal(t, "request.complete", request.eventType)
			assert.JSONEq(t, `{"url":"https://cdn.example.com/app.js"}`, request.data)
			assert.JSONEq(t, `{}`, request.metadata)
			assert.False(t, request.storageKey.Valid)
			assert.Equal(t, 0, request.priority)
		})
	})

	t.Run("process false keeps the batch out of the rules backlog", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewEventRepo(db)
			sessionID := uuid.NewString()

			created, err := repo.BulkInsert(context.Background(), model.BulkEventsRequest{
				SessionID: sessionID,
				Events: []model.EventInput{
					{Type: "page.screenshot", Data: json.RawMessage(`{"key":"shots/1.png"}`), Timestamp: time.Now()},
				},
			}, false)
			require.NoError(t, err)
			assert.Equal(t, 1, created)

			var shouldProcess, processed bool
			err = db.QueryRow(`SELECT should_process, processed FROM events WHERE session_id = $1`, sessionID).
				Scan(&shouldProcess, &processed)
			require.NoError(t, err)
			assert.False(t, shouldProcess)
			assert.False(t, processed)
		})
	})

	t.Run("source job is optional", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewEventRepo(db)
			sessionID := uuid.NewString()

			created, err := repo.BulkInsert(context.Background(), model.BulkEventsRequest{
				SessionID: sessionID,
				Events: []model.EventInput{
					{Type: "worker.log", Data: json.RawMessage(`{"line":"starting"}`), Timestamp: time.Now()},
				},
			}, true)
			require.NoError(t, err)
			assert.Equal(t, 1, created)

			var sourceJobID sql.NullString
			err = db.QueryRow(`SELECT source_job_id::text FROM events WHERE session_id = $1`, sessionID).
				Scan(&sourceJobID)
			require.NoError(t, err)
			assert.False(t, sourceJobID.Valid)

			// No job means no counter to maintain.
			var metaRows int
			require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM job_meta`).Scan(&metaRows))
			assert.Equal(t, 0, metaRows)
		})
	})

	t.Run("one bad payload rolls back the whole batch", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewEventRepo(db)
			sessionID := uuid.NewString()

			created, err := repo.BulkInsert(context.Background(), model.BulkEventsRequest{
				SessionID: sessionID,
				Events: []model.EventInput{
					{Type: "console.message", Data: json.RawMessage(`{"ok":true}`), Timestamp: time.Now()},
					{Type: "console.message", Data: json.RawMessage(`{"truncated":`), Timestamp: time.Now()},
				},
			}, true)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "insert event 1")
			assert.Equal(t, 0, created)

			var count int
			require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = $1`, sessionID).Scan(&count))
			assert.Equal(t, 0, count)
		})
	})

	t.Run("maintains the per job event count", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)

			batch := func(n int) model.BulkEventsRequest {
				events := make([]model.EventInput, n)
				for i := range events {
					events[i] = model.EventInput{
						Type:      "request.complete",
						Data:      json.RawMessage(`{"status":200}`),
						Timestamp: time.Now(),
					}
				}
				return model.BulkEventsRequest{SessionID: uuid.NewString(), SourceJobID: &jobID, Events: events}
			}

			_, err := repo.BulkInsert(ctx, batch(3), true)
			require.NoError(t, err)
			_, err = repo.BulkInsert(ctx, batch(2), false)
			require.NoError(t, err)

			var eventCount int
			require.NoError(t, db.QueryRow(`SELECT event_count FROM job_meta WHERE job_id = $1`, jobID).Scan(&eventCount))
			assert.Equal(t, 5, eventCount)
		})
	})
}

func TestEventRepo_BulkInsertWithProcessingFlags(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewEventRepo(db)
		jobID := createEventJob(t, db)

		created, err := repo.BulkInsertWithProcessingFlags(ctx, model.BulkEventsRequest{
			SessionID:   uuid.NewString(),
			SourceJobID: &jobID,
			Events: []model.EventInput{
				{Type: "request.complete", Data: json.RawMessage(`{"url":"https://example.com"}`), Timestamp: time.Now()},
				{Type: "page.screenshot", Data: json.RawMessage(`{"key":"shots/2.png"}`), Timestamp: time.Now()},
				{Type: "domain.observed", Data: json.RawMessage(`{"domain":"cdn.example.com"}`), Timestamp: time.Now()},
			},
			// Index 1 is deliberately absent: missing entries default to false.
		}, map[int]bool{0: true, 2: true})
		require.NoError(t, err)
		assert.Equal(t, 3, created)

		page, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 10})
		require.NoError(t, err)
		require.Len(t, page.Events, 3)

		byType := make(map[string]*model.Event, len(page.Events))
		for _, ev := range page.Events {
			byType[ev.EventType] = ev
		}
		require.Len(t, byType, 3)
		assert.True(t, byType["request.complete"].ShouldProcess)
		assert.False(t, byType["page.screenshot"].ShouldProcess)
		assert.True(t, byType["domain.observed"].ShouldProcess)

		var eventCount int
		require.NoError(t, db.QueryRow(`SELECT event_count FROM job_meta WHERE job_id = $1`, jobID).Scan(&eventCount))
		assert.Equal(t, 3, eventCount)
	})
}

func TestEventRepo_BulkInsertCopy(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("copies the batch and bumps the counter", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)
			sessionID := uuid.NewString()

			created, err := repo.BulkInsertCopy(ctx, model.BulkEventsRequest{
				SessionID:   sessionID,
				SourceJobID: &jobID,
				Events: []model.EventInput{
					{
						Type:       "console.message",
						Data:       json.RawMessage(`{"level":"error","text":"boom"}`),
						Metadata:   json.RawMessage(`{"frame":"main"}`),
						StorageKey: stringPtr("sessions/copy/console-0001.json"),
						Priority:   intPtr(7),
						Timestamp:  time.Now(),
					},
					{
						Type:      "request.complete",
						Data:      json.RawMessage(`{"status":304}`),
						Timestamp: time.Now(),
					},
				},
			}, true)
			require.NoError(t, err)
			assert.Equal(t, 2, created)

			rows, err := db.Query(`
				SELECT event_type, event_data::text, metadata::text, storage_key, priority, should_process
				FROM events
				WHERE session_id = $1
				ORDER BY event_type`, sessionID)
			require.NoError(t, err)
			defer func() { _ = rows.Close() }()

			type eventRow struct {
				eventType     string
				data          string
				metadata      string
				storageKey    sql.NullString
				priority      int
				shouldProcess bool
			}
			var got []eventRow
			for rows.Next() {
				var r eventRow
				require.NoError(t, rows.Scan(&r.eventType, &r.data, &r.metadata, &r.storageKey, &r.priority, &r.shouldProcess))
				got = append(got, r)
			}
			require.NoError(t, rows.Err())
			require.Len(t, got, 2)

			assert.Equal(t, "console.message", got[0].eventType)
			assert.JSONEq(t, `{"level":"error","text":"boom"}`, got[0].data)
			assert.JSONEq(t, `{"frame":"main"}`, got[0].metadata)
			require.True(t, got[0].storageKey.Valid)
			assert.Equal(t, "sessions/copy/console-0001.json", got[0].storageKey.String)
			assert.Equal(t, 7, got[0].priority)
			assert.True(t, got[0].shouldProcess)

			assert.Equal(t, "request.complete", got[1].eventType)
			assert.JSONEq(t, `{"status":304}`, got[1].data)
			assert.JSONEq(t, `{}`, got[1].metadata)
			assert.False(t, got[1].storageKey.Valid)
			assert.Equal(t, 0, got[1].priority)

			var eventCount int
			require.NoError(t, db.QueryRow(`SELECT event_count FROM job_meta WHERE job_id = $1`, jobID).Scan(&eventCount))
			assert.Equal(t, 2, eventCount)
		})
	})

	t.Run("copy failure rolls back everything", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)
			sessionID := uuid.NewString()

			created, err := repo.BulkInsertCopy(context.Background(), model.BulkEventsRequest{
				SessionID:   sessionID,
				SourceJobID: &jobID,
				Events: []model.EventInput{
					{Type: "console.message", Data: json.RawMessage(`{"ok":true}`), Timestamp: time.Now()},
					{Type: "console.message", Data: json.RawMessage(`{"broken":`), Timestamp: time.Now()},
				},
			}, true)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "copy events")
			assert.Equal(t, 0, created)

			var count int
			require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = $1`, sessionID).Scan(&count))
			assert.Equal(t, 0, count)

			var metaRows int
			require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM job_meta WHERE job_id = $1`, jobID).Scan(&metaRows))
			assert.Equal(t, 0, metaRows)
		})
	})
}

func TestEventRepo_ListByJob(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("lists a job's events in creation order", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)
			sessionID := uuid.NewString()

			events := []model.EventInput{
				seqEvent(0, "page.navigate"),
				seqEvent(1, "request.complete"),
				seqEvent(2, "console.message"),
			}
			events[1].StorageKey = stringPtr("sessions/list/req-0001.json")
			events[1].Priority = intPtr(30)

			_, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   sessionID,
				SourceJobID: &jobID,
				Events:      events,
			}, true)
			require.NoError(t, err)
			spreadEventTimes(t, db, jobID, time.Now().Add(-time.Hour))

			page, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 10})
			require.NoError(t, err)
			require.Len(t, page.Events, 3)
			assert.Equal(t, []int{0, 1, 2}, eventSeqs(t, page.Events))

			for _, ev := range page.Events {
				require.NotNil(t, ev.SourceJobID)
				assert.Equal(t, jobID, *ev.SourceJobID)
				assert.Equal(t, sessionID, ev.SessionID)
				assert.True(t, ev.ShouldProcess)
				assert.False(t, ev.Processed)
			}

			request := page.Events[1]
			assert.Equal(t, "request.complete", request.EventType)
			require.NotNil(t, request.StorageKey)
			assert.Equal(t, "sessions/list/req-0001.json", *request.StorageKey)
			assert.Equal(t, 30, request.Priority)
			assert.Nil(t, page.Events[0].StorageKey)
		})
	})

	t.Run("pages by offset without continuation tokens", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)

			inputs := make([]model.EventInput, 5)
			for i := range inputs {
				inputs[i] = seqEvent(i, "request.complete")
			}
			_, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   uuid.NewString(),
				SourceJobID: &jobID,
				Events:      inputs,
			}, true)
			require.NoError(t, err)
			spreadEventTimes(t, db, jobID, time.Now().Add(-time.Hour))

			page1, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 2, Offset: 0})
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1}, eventSeqs(t, page1.Events))
			assert.Nil(t, page1.NextCursor)
			assert.Nil(t, page1.PrevCursor)

			page2, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 2, Offset: 2})
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, eventSeqs(t, page2.Events))

			page3, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 2, Offset: 4})
			require.NoError(t, err)
			assert.Equal(t, []int{4}, eventSeqs(t, page3.Events))

			past, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 2, Offset: 10})
			require.NoError(t, err)
			assert.Empty(t, past.Events)
		})
	})

	t.Run("keyset paging forward and back with a type filter", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)
			filterType := "script.request"

			_, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   uuid.NewString(),
				SourceJobID: &jobID,
				Events: []model.EventInput{
					seqEvent(1, filterType),
					seqEvent(2, "console.message"),
					seqEvent(3, filterType),
					seqEvent(4, filterType),
				},
			}, true)
			require.NoError(t, err)
			spreadEventTimes(t, db, jobID, time.Now().Add(-time.Hour))

			// First page comes through the offset path; cursors bootstrap from it.
			first, err := repo.ListByJob(ctx, model.EventListOptions{
				JobID:     jobID,
				EventType: &filterType,
				Limit:     2,
			})
			require.NoError(t, err)
			require.Equal(t, []int{1, 3}, eventSeqs(t, first.Events))

			after, err := EncodeEventCursor(first.Events[1], "asc")
			require.NoError(t, err)

			second, err := repo.ListByJob(ctx, model.EventListOptions{
				JobID:       jobID,
				EventType:   &filterType,
				Limit:       2,
				CursorAfter: &after,
			})
			require.NoError(t, err)
			require.Equal(t, []int{4}, eventSeqs(t, second.Events))
			assert.Nil(t, second.NextCursor)
			require.NotNil(t, second.PrevCursor)

			back, err := repo.ListByJob(ctx, model.EventListOptions{
				JobID:        jobID,
				EventType:    &filterType,
				Limit:        2,
				CursorBefore: second.PrevCursor,
			})
			require.NoError(t, err)
			require.Len(t, back.Events, 2)
			assert.Equal(t, first.Events[0].ID, back.Events[0].ID)
			assert.Equal(t, first.Events[1].ID, back.Events[1].ID)
			require.NotNil(t, back.NextCursor)
			assert.Nil(t, back.PrevCursor)
		})
	})

	t.Run("keyset paging descending", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)
			desc := "desc"

			_, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   uuid.NewString(),
				SourceJobID: &jobID,
				Events: []model.EventInput{
					seqEvent(1, "page.navigate"),
					seqEvent(2, "console.message"),
					seqEvent(3, "request.complete"),
					seqEvent(4, "request.complete"),
				},
			}, true)
			require.NoError(t, err)
			spreadEventTimes(t, db, jobID, time.Now().Add(-time.Hour))

			first, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 2, SortDir: &desc})
			require.NoError(t, err)
			require.Equal(t, []int{4, 3}, eventSeqs(t, first.Events))

			after, err := EncodeEventCursor(first.Events[1], desc)
			require.NoError(t, err)

			second, err := repo.ListByJob(ctx, model.EventListOptions{
				JobID:       jobID,
				Limit:       2,
				SortDir:     &desc,
				CursorAfter: &after,
			})
			require.NoError(t, err)
			require.Equal(t, []int{2, 1}, eventSeqs(t, second.Events))
			assert.Nil(t, second.NextCursor)
			require.NotNil(t, second.PrevCursor)

			// The cursor carries the direction, so the request can omit it.
			back, err := repo.ListByJob(ctx, model.EventListOptions{
				JobID:        jobID,
				Limit:        2,
				CursorBefore: second.PrevCursor,
			})
			require.NoError(t, err)
			require.Equal(t, []int{4, 3}, eventSeqs(t, back.Events))
			require.NotNil(t, back.NextCursor)
			assert.Nil(t, back.PrevCursor)
		})
	})

	t.Run("cursor past the end yields an empty page", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)

			_, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   uuid.NewString(),
				SourceJobID: &jobID,
				Events:      []model.EventInput{seqEvent(1, "page.navigate")},
			}, true)
			require.NoError(t, err)

			token, err := encodeEventCursor(eventCursor{
				SortDir:   "asc",
				CreatedAt: time.Now().Add(time.Hour),
				ID:        uuid.NewString(),
			})
			require.NoError(t, err)

			page, err := repo.ListByJob(ctx, model.EventListOptions{
				JobID:       jobID,
				Limit:       5,
				CursorAfter: &token,
			})
			require.NoError(t, err)
			assert.Empty(t, page.Events)
			assert.Nil(t, page.NextCursor)
			assert.Nil(t, page.PrevCursor)
		})
	})

	t.Run("rejects conflicting cursor options", func(t *testing.T) {
		repo := NewEventRepo(nil)
		token, err := encodeEventCursor(eventCursor{
			SortDir:   "asc",
			CreatedAt: time.Now(),
			ID:        uuid.NewString(),
		})
		require.NoError(t, err)

		_, err = repo.ListByJob(context.Background(), model.EventListOptions{
			JobID:        uuid.NewString(),
			Limit:        5,
			CursorAfter:  &token,
			CursorBefore: &token,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only one of cursor_after or cursor_before can be set")
	})

	t.Run("rejects a direction that contradicts the cursor", func(t *testing.T) {
		repo := NewEventRepo(nil)
		token, err := encodeEventCursor(eventCursor{
			SortDir:   "asc",
			CreatedAt: time.Now(),
			ID:        uuid.NewString(),
		})
		require.NoError(t, err)

		desc := "desc"
		_, err = repo.ListByJob(context.Background(), model.EventListOptions{
			JobID:       uuid.NewString(),
			Limit:       5,
			SortDir:     &desc,
			CursorAfter: &token,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cursor sort direction mismatch")
	})

	t.Run("unknown job lists nothing", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewEventRepo(db)
			page, err := repo.ListByJob(context.Background(), model.EventListOptions{
				JobID: uuid.NewString(),
				Limit: 10,
			})
			require.NoError(t, err)
			assert.Empty(t, page.Events)
		})
	})

	t.Run("limit falls back to sane bounds", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)

			page, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 0})
			require.NoError(t, err)
			assert.Empty(t, page.Events)

			page, err = repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 5000})
			require.NoError(t, err)
			assert.Empty(t, page.Events)
		})
	})
}

func TestEventRepo_GetByIDs(t *testing.T) {
	t.Run("rejects a malformed id before touching the pool", func(t *testing.T) {
		repo := NewEventRepo(nil)
		_, err := repo.GetByIDs(context.Background(), []string{"not-an-id"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid event id "not-an-id"`)
	})

	t.Run("empty input returns an empty slice", func(t *testing.T) {
		repo := NewEventRepo(nil)
		events, err := repo.GetByIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("returns rows in creation order", func(t *testing.T) {
		testutil.SkipIfNoTestDB(t)

		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)

			_, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   uuid.NewString(),
				SourceJobID: &jobID,
				Events: []model.EventInput{
					seqEvent(0, "page.navigate"),
					seqEvent(1, "request.complete"),
					seqEvent(2, "console.message"),
				},
			}, true)
			require.NoError(t, err)
			spreadEventTimes(t, db, jobID, time.Now().Add(-time.Hour))

			page, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 10})
			require.NoError(t, err)
			require.Len(t, page.Events, 3)

			// Request in scrambled order, with one id that matches nothing.
			ids := []string{
				page.Events[2].ID,
				page.Events[0].ID,
				uuid.NewString(),
				page.Events[1].ID,
			}
			got, err := repo.GetByIDs(ctx, ids)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []int{0, 1, 2}, eventSeqs(t, got))
		})
	})
}

func TestEventRepo_MarkProcessedByIDs(t *testing.T) {
	t.Run("rejects a malformed id", func(t *testing.T) {
		repo := NewEventRepo(nil)
		_, err := repo.MarkProcessedByIDs(context.Background(), []string{"bogus"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid event id "bogus"`)
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		repo := NewEventRepo(nil)
		updated, err := repo.MarkProcessedByIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, updated)
	})

	t.Run("counts only rows that were still unprocessed", func(t *testing.T) {
		testutil.SkipIfNoTestDB(t)

		testutil.WithAutoDB(t, func(db *sql.DB) {
			ctx := context.Background()
			repo := NewEventRepo(db)
			jobID := createEventJob(t, db)

			_, err := repo.BulkInsert(ctx, model.BulkEventsRequest{
				SessionID:   uuid.NewString(),
				SourceJobID: &jobID,
				Events: []model.EventInput{
					seqEvent(0, "request.complete"),
					seqEvent(1, "request.complete"),
					seqEvent(2, "request.complete"),
				},
			}, true)
			require.NoError(t, err)
			spreadEventTimes(t, db, jobID, time.Now().Add(-time.Hour))

			page, err := repo.ListByJob(ctx, model.EventListOptions{JobID: jobID, Limit: 10})
			require.NoError(t, err)
			require.Len(t, page.Events, 3)
			ids := []string{page.Events[0].ID, page.Events[1].ID, page.Events[2].ID}

			updated, err := repo.MarkProcessedByIDs(ctx, ids[:2])
			require.NoError(t, err)
			assert.Equal(t, 2, updated)

			got, err := repo.GetByIDs(ctx, ids)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.True(t, got[0].Processed)
			assert.True(t, got[1].Processed)
			assert.False(t, got[2].Processed)

			// Re-marking settled rows reports zero so a retried rules job can
			// tell no work was left.
			updated, err = repo.MarkProcessedByIDs(ctx, ids[:2])
			require.NoError(t, err)
			assert.Equal(t, 0, updated)

			updated, err = repo.MarkProcessedByIDs(ctx, ids[1:])
			require.NoError(t, err)
			assert.Equal(t, 1, updated)
		})
	})
}
