package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// EventServiceConfig groups configuration parameters for EventService.
type EventServiceConfig struct {
	MaxBatch int // Maximum batch size for bulk operations
}

// DefaultEventServiceConfig returns sensible defaults for EventService configuration.
func DefaultEventServiceConfig() EventServiceConfig {
	return EventServiceConfig{
		MaxBatch: 1000,
	}
}

// EventServiceOptions groups dependencies for EventService.
type EventServiceOptions struct {
	Repo   core.EventRepository // Required: event repository
	Config EventServiceConfig   // Required: service configuration
	Logger *slog.Logger         // Optional: structured logger
}

// EventService handles event ingestion and retrieval: bulk inserts with
// per-event processing flags, paged listings for a job, and the batch loads
// the rules pipeline runs on.
type EventService struct {
	repo   core.EventRepository
	config EventServiceConfig
	logger *slog.Logger
}

// NewEventService constructs a new EventService.
func NewEventService(opts EventServiceOptions) (*EventService, error) {
	if opts.Repo == nil {
		return nil, errors.New("EventRepository is required")
	}
	if opts.Config.MaxBatch <= 0 {
		return nil, errors.New("MaxBatch must be positive")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "event_service")
		logger.Debug("EventService initialized", "max_batch", opts.Config.MaxBatch)
	}

	return &EventService{
		repo:   opts.Repo,
		config: opts.Config,
		logger: logger,
	}, nil
}

// MustNewEventService constructs a new EventService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewEventService(opts EventServiceOptions) *EventService {
	svc, err := NewEventService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast during startup wiring when configuration is invalid
		panic(fmt.Sprintf("failed to create EventService: %v", err))
	}
	return svc
}

// BulkInsert inserts a batch of events with a uniform should-process flag.
func (s *EventService) BulkInsert(
	ctx context.Context,
	req model.BulkEventsRequest,
	process bool,
) (int, error) {
	if err := req.Validate(s.config.MaxBatch); err != nil {
		return 0, fmt.Errorf("validate bulk events request: %w", err)
	}

	count, err := s.repo.BulkInsert(ctx, req, process)
	if err != nil {
		return 0, fmt.Errorf("bulk insert events: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "bulk inserted events", "count", count, "process", process)
	}

	return count, nil
}

// BulkInsertWithProcessingFlags inserts a batch of events with per-index
// processing decisions, as produced by EventFilterService.
func (s *EventService) BulkInsertWithProcessingFlags(
	ctx context.Context,
	req model.BulkEventsRequest,
	shouldProcess map[int]bool,
) (int, error) {
	if err := req.Validate(s.config.MaxBatch); err != nil {
		return 0, fmt.Errorf("validate bulk events request: %w", err)
	}

	count, err := s.repo.BulkInsertWithProcessingFlags(ctx, req, shouldProcess)
	if err != nil {
		return 0, fmt.Errorf("bulk insert events with processing flags: %w", err)
	}

	if s.logger != nil {
		processCount := 0
		for _, flag := range shouldProcess {
			if flag {
				processCount++
			}
		}
		s.logger.DebugContext(ctx, "bulk inserted events with processing flags",
			"total_count", count, "process_count", processCount)
	}

	return count, nil
}

// ListByJob lists events for a given job, keyset-first when a cursor is set.
func (s *EventService) ListByJob(
	ctx context.Context,
	opts model.EventListOptions,
) (*model.EventPage, error) {
	// Normalize pagination defaults here to avoid drift across layers
	normalized := opts
	p := normalizePagination(normalized.Limit, normalized.Offset)
	normalized.Limit = p.Limit
	normalized.Offset = p.Offset
	if normalized.CursorAfter != nil || normalized.CursorBefore != nil {
		// When keyset pagination is requested, ignore any supplied offset to
		// avoid mixing strategies.
		normalized.Offset = 0
	}

	page, err := s.repo.ListByJob(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("list events by job %s: %w", opts.JobID, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "listed events by job",
			"job_id", opts.JobID,
			"limit", normalized.Limit,
			"offset", normalized.Offset,
			"count", len(page.Events))
	}

	return page, nil
}

// CountByJob returns the total count of events for a job with the same
// filters ListByJob accepts. Useful for accurate pagination totals.
func (s *EventService) CountByJob(
	ctx context.Context,
	opts model.EventListOptions,
) (int, error) {
	count, err := s.repo.CountByJob(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("count events by job %s: %w", opts.JobID, err)
	}
	return count, nil
}

// GetByIDs retrieves events by their IDs, ordered by (created_at, id).
func (s *EventService) GetByIDs(ctx context.Context, ids []string) ([]*model.Event, error) {
	events, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get events by ids: %w", err)
	}
	return events, nil
}

// MarkProcessedByIDs flips processed on the given events after a rules job
// consumed them. Returns how many rows were still unprocessed.
func (s *EventService) MarkProcessedByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marked, err := s.repo.MarkProcessedByIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark events processed: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "marked events processed", "requested", len(ids), "marked", marked)
	}

	return marked, nil
}

// GetConfig returns the current service configuration.
func (s *EventService) GetConfig() EventServiceConfig {
	return s.config
}
