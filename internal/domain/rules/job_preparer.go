package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// JobPrepOptions configures a JobPrepService.
type JobPrepOptions struct {
	Sites  core.SiteRepository
	Events core.EventRepository
	Logger *slog.Logger
}

// JobPrepService gathers what a rules job needs before the pipeline runs:
// the site's effective alert mode and the hydrated event batch. It
// satisfies both AlertResolver and EventFetcher so the orchestrator can use
// one collaborator for both when no custom implementations are supplied.
type JobPrepService struct {
	sites  core.SiteRepository
	events core.EventRepository
	logger *slog.Logger
}

// NewJobPrepService builds a JobPrepService.
func NewJobPrepService(opts JobPrepOptions) *JobPrepService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobPrepService{
		sites:  opts.Sites,
		events: opts.Events,
		logger: logger,
	}
}

// Resolve loads the site and returns its alert mode. Lookup failures fall
// back to active so a broken site row never silently mutes detections.
func (s *JobPrepService) Resolve(ctx context.Context, params AlertResolutionParams) model.SiteAlertMode {
	if s == nil || s.sites == nil || params.SiteID == "" {
		return model.SiteAlertModeActive
	}
	site, err := s.sites.GetByID(ctx, params.SiteID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load site for rules job",
			"job_id", params.JobID,
			"site_id", params.SiteID,
			"error", err)
		return model.SiteAlertModeActive
	}
	if site == nil {
		return model.SiteAlertModeActive
	}
	return normalizeAlertMode(site.AlertMode)
}

// Fetch hydrates the job's events by ID.
func (s *JobPrepService) Fetch(ctx context.Context, params EventFetchParams) ([]*model.Event, error) {
	if s == nil {
		return nil, errors.New("job prep service is nil")
	}
	if len(params.EventIDs) == 0 {
		return nil, nil
	}
	if s.events == nil {
		return nil, errors.New("event repository is not configured")
	}
	events, err := s.events.GetByIDs(ctx, params.EventIDs)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to fetch events for rules job",
			"job_id", params.JobID,
			"error", err)
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return events, nil
}

var (
	_ AlertResolver = (*JobPrepService)(nil)
	_ EventFetcher  = (*JobPrepService)(nil)
)
