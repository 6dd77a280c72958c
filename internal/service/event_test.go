package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/merrymaker-core/internal/domain/model"
	"github.com/target/merrymaker-core/internal/domain/rules/rulestest"
)

func validBulkEventsRequest() model.BulkEventsRequest {
	return model.BulkEventsRequest{
		SessionID: "session-1",
		Events: []model.EventInput{
			{Type: "Network.requestWillBeSent", Timestamp: time.Now()},
			{Type: "Runtime.consoleAPICalled", Timestamp: time.Now()},
		},
	}
}

func TestNewEventService(t *testing.T) {
	t.Run("requires repository", func(t *testing.T) {
		_, err := NewEventService(EventServiceOptions{
			Config: DefaultEventServiceConfig(),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "EventRepository is required")
	})

	t.Run("requires positive max batch", func(t *testing.T) {
		_, err := NewEventService(EventServiceOptions{
			Repo:   &rulestest.EventRepositoryStub{},
			Config: EventServiceConfig{MaxBatch: 0},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "MaxBatch must be positive")
	})

	t.Run("defaults carry a batch cap", func(t *testing.T) {
		svc := MustNewEventService(EventServiceOptions{
			Repo:   &rulestest.EventRepositoryStub{},
			Config: DefaultEventServiceConfig(),
		})
		assert.Equal(t, 1000, svc.GetConfig().MaxBatch)
	})
}

func TestEventService_BulkInsert(t *testing.T) {
	t.Run("passes batch and flag to repository", func(t *testing.T) {
		var gotProcess bool
		repo := &rulestest.EventRepositoryStub{
			BulkInsertFn: func(_ context.Context, req model.BulkEventsRequest, process bool) (int, error) {
				gotProcess = process
				return len(req.Events), nil
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		count, err := svc.BulkInsert(context.Background(), validBulkEventsRequest(), true)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.True(t, gotProcess)
	})

	t.Run("rejects invalid batch before touching the repository", func(t *testing.T) {
		called := false
		repo := &rulestest.EventRepositoryStub{
			BulkInsertFn: func(context.Context, model.BulkEventsRequest, bool) (int, error) {
				called = true
				return 0, nil
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		_, err := svc.BulkInsert(context.Background(), model.BulkEventsRequest{SessionID: "s"}, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validate bulk events request")
		assert.False(t, called)
	})

	t.Run("rejects batches over the cap", func(t *testing.T) {
		svc := MustNewEventService(EventServiceOptions{
			Repo:   &rulestest.EventRepositoryStub{},
			Config: EventServiceConfig{MaxBatch: 1},
		})

		_, err := svc.BulkInsert(context.Background(), validBulkEventsRequest(), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max batch size exceeded")
	})

	t.Run("wraps repository errors", func(t *testing.T) {
		repo := &rulestest.EventRepositoryStub{
			BulkInsertFn: func(context.Context, model.BulkEventsRequest, bool) (int, error) {
				return 0, errors.New("db down")
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		_, err := svc.BulkInsert(context.Background(), validBulkEventsRequest(), false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bulk insert events")
	})
}

func TestEventService_BulkInsertWithProcessingFlags(t *testing.T) {
	t.Run("forwards per-index decisions", func(t *testing.T) {
		var gotFlags map[int]bool
		repo := &rulestest.EventRepositoryStub{
			BulkInsertWithProcessingFlagsFn: func(
				_ context.Context,
				req model.BulkEventsRequest,
				shouldProcess map[int]bool,
			) (int, error) {
				gotFlags = shouldProcess
				return len(req.Events), nil
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		flags := map[int]bool{0: true, 1: false}
		count, err := svc.BulkInsertWithProcessingFlags(context.Background(), validBulkEventsRequest(), flags)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.Equal(t, flags, gotFlags)
	})

	t.Run("validates the batch first", func(t *testing.T) {
		svc := MustNewEventService(EventServiceOptions{
			Repo:   &rulestest.EventRepositoryStub{},
			Config: DefaultEventServiceConfig(),
		})

		_, err := svc.BulkInsertWithProcessingFlags(context.Background(), model.BulkEventsRequest{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validate bulk events request")
	})
}

func TestEventService_ListByJob(t *testing.T) {
	t.Run("normalizes pagination defaults", func(t *testing.T) {
		var gotOpts model.EventListOptions
		repo := &rulestest.EventRepositoryStub{
			ListByJobFn: func(_ context.Context, opts model.EventListOptions) (*model.EventPage, error) {
				gotOpts = opts
				return &model.EventPage{}, nil
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		_, err := svc.ListByJob(context.Background(), model.EventListOptions{JobID: "job-1", Offset: -5})
		require.NoError(t, err)
		assert.Equal(t, 50, gotOpts.Limit)
		assert.Equal(t, 0, gotOpts.Offset)
	})

	t.Run("cursor pagination discards offset", func(t *testing.T) {
		var gotOpts model.EventListOptions
		repo := &rulestest.EventRepositoryStub{
			ListByJobFn: func(_ context.Context, opts model.EventListOptions) (*model.EventPage, error) {
				gotOpts = opts
				return &model.EventPage{}, nil
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		cursor := "cursor-token"
		_, err := svc.ListByJob(context.Background(), model.EventListOptions{
			JobID:       "job-1",
			Offset:      25,
			CursorAfter: &cursor,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, gotOpts.Offset)
		require.NotNil(t, gotOpts.CursorAfter)
		assert.Equal(t, cursor, *gotOpts.CursorAfter)
	})

	t.Run("wraps repository errors with the job id", func(t *testing.T) {
		repo := &rulestest.EventRepositoryStub{
			ListByJobFn: func(context.Context, model.EventListOptions) (*model.EventPage, error) {
				return nil, errors.New("boom")
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		_, err := svc.ListByJob(context.Background(), model.EventListOptions{JobID: "job-9"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list events by job job-9")
	})
}

func TestEventService_CountByJob(t *testing.T) {
	repo := &rulestest.EventRepositoryStub{
		CountByJobFn: func(_ context.Context, opts model.EventListOptions) (int, error) {
			assert.Equal(t, "job-1", opts.JobID)
			return 42, nil
		},
	}
	svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

	count, err := svc.CountByJob(context.Background(), model.EventListOptions{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestEventService_MarkProcessedByIDs(t *testing.T) {
	t.Run("empty id list is a no-op", func(t *testing.T) {
		called := false
		repo := &rulestest.EventRepositoryStub{
			MarkProcessedByIDsFn: func(context.Context, []string) (int, error) {
				called = true
				return 0, nil
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		marked, err := svc.MarkProcessedByIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, marked)
		assert.False(t, called)
	})

	t.Run("reports how many rows flipped", func(t *testing.T) {
		repo := &rulestest.EventRepositoryStub{
			MarkProcessedByIDsFn: func(_ context.Context, ids []string) (int, error) {
				return len(ids) - 1, nil // one row was already processed
			},
		}
		svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

		marked, err := svc.MarkProcessedByIDs(context.Background(), []string{"e1", "e2", "e3"})
		require.NoError(t, err)
		assert.Equal(t, 2, marked)
	})
}

func TestEventService_GetByIDs(t *testing.T) {
	repo := &rulestest.EventRepositoryStub{
		GetByIDsFn: func(_ context.Context, ids []string) ([]*model.Event, error) {
			events := make([]*model.Event, 0, len(ids))
			for _, id := range ids {
				events = append(events, &model.Event{ID: id})
			}
			return events, nil
		},
	}
	svc := MustNewEventService(EventServiceOptions{Repo: repo, Config: DefaultEventServiceConfig()})

	events, err := svc.GetByIDs(context.Background(), []string{"e1", "e2"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
}
