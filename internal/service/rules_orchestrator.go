package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data"
	"github.com/target/merrymaker-core/internal/domain/model"
	domainrules "github.com/target/merrymaker-core/internal/domain/rules"
	"github.com/target/merrymaker-core/internal/service/rules"
)

// Re-exported sentinels so callers of the orchestration service do not need
// to import the domain package for error checks.
var (
	// ErrDuplicateEnqueue indicates a rules job enqueue request was a duplicate and was skipped.
	ErrDuplicateEnqueue = domainrules.ErrDuplicateEnqueue
	// ErrRulesResultsNotFound indicates no cached rules results were found for a job.
	ErrRulesResultsNotFound = domainrules.ErrResultsNotFound
	// ErrRuleEvaluationFailed indicates rule evaluation encountered errors that should surface to callers.
	ErrRuleEvaluationFailed = domainrules.ErrEvaluationFailed
)

// EnqueueRulesJobRequest asks for a rules job over a batch of event IDs.
type EnqueueRulesJobRequest = domainrules.EnqueueJobRequest

// RulesProcessingResults aggregates one rules job's outcomes.
type (
	RulesProcessingResults = domainrules.ProcessingResults
	UnknownDomainMetrics   = domainrules.UnknownDomainMetrics
	IOCMetrics             = domainrules.IOCMetrics
)

// RulesOrchestrationOptions configures the rules orchestration service.
type RulesOrchestrationOptions struct {
	Events     core.EventRepository
	Jobs       core.JobRepository
	Sites      core.SiteRepository
	Caches     rules.Caches
	Logger     *slog.Logger
	BatchSize  int // Maximum events to process per job; defaults to the coordinator cap
	JobResults core.JobResultRepository

	// Optional: cache for enqueue dedupe locks and result caching
	DedupeCache core.CacheRepository
	DedupeTTL   time.Duration

	// Rule evaluators
	UnknownDomainEvaluator *rules.UnknownDomainEvaluator
	IOCEvaluator           *rules.IOCEvaluator
	Rules                  []domainrules.Rule

	// Optional: allow tests or callers to provide custom collaborators.
	Pipeline      domainrules.Pipeline
	AlertResolver domainrules.AlertResolver
	EventFetcher  domainrules.EventFetcher
}

// RulesOrchestrationService coordinates the rules job lifecycle: deduplicated
// enqueue, pipeline execution over the hydrated event batch, event
// finalization, and result storage.
type RulesOrchestrationService struct {
	events core.EventRepository
	jobs   core.JobRepository
	logger *slog.Logger

	coordinator   domainrules.JobCoordinator
	results       domainrules.ResultStore
	pipeline      domainrules.Pipeline
	alertResolver domainrules.AlertResolver
	eventFetcher  domainrules.EventFetcher
}

// NewRulesOrchestrationService creates a new rules orchestration service.
func NewRulesOrchestrationService(opts RulesOrchestrationOptions) *RulesOrchestrationService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	coordinator := domainrules.NewDedupeCoordinator(domainrules.DedupeCoordinatorOptions{
		Cache:     opts.DedupeCache,
		TTL:       opts.DedupeTTL,
		BatchSize: opts.BatchSize,
		Logger:    logger,
	})

	resultStore := domainrules.NewResultStore(domainrules.ResultStoreOptions{
		Cache:      opts.DedupeCache,
		Repository: opts.JobResults,
		Logger:     logger,
		JobType:    model.JobTypeRules,
		IsNotFound: func(err error) bool {
			return errors.Is(err, data.ErrJobResultsNotFound)
		},
	})

	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = domainrules.NewPipeline(domainrules.PipelineOptions{
			Engine:    domainrules.NewRuleSet(resolveRules(opts)),
			Extractor: domainrules.NetworkDomainExtractor{},
			Logger:    logger,
		})
	}

	alertResolver := opts.AlertResolver
	eventFetcher := opts.EventFetcher
	if alertResolver == nil || eventFetcher == nil {
		preparer := domainrules.NewJobPrepService(domainrules.JobPrepOptions{
			Sites:  opts.Sites,
			Events: opts.Events,
			Logger: logger,
		})

		if alertResolver == nil {
			alertResolver = preparer
		}
		if eventFetcher == nil {
			eventFetcher = preparer
		}
	}

	return &RulesOrchestrationService{
		events:        opts.Events,
		jobs:          opts.Jobs,
		logger:        logger,
		coordinator:   coordinator,
		results:       resultStore,
		pipeline:      pipeline,
		alertResolver: alertResolver,
		eventFetcher:  eventFetcher,
	}
}

func resolveRules(opts RulesOrchestrationOptions) []domainrules.Rule {
	if len(opts.Rules) > 0 {
		return opts.Rules
	}
	var configured []domainrules.Rule
	if opts.UnknownDomainEvaluator != nil {
		configured = append(configured, &domainrules.UnknownDomainRule{Evaluator: opts.UnknownDomainEvaluator})
	}
	if opts.IOCEvaluator != nil {
		configured = append(configured, &domainrules.IOCRule{
			Evaluator: opts.IOCEvaluator,
			Cache:     opts.IOCEvaluator.Caches.IOCs,
		})
	}
	return configured
}

// EnqueueRulesProcessingJob creates a rules processing job for the given
// events. Returns ErrDuplicateEnqueue when the same event batch was claimed
// within the dedupe window.
func (s *RulesOrchestrationService) EnqueueRulesProcessingJob(
	ctx context.Context,
	req EnqueueRulesJobRequest,
) (*model.Job, error) {
	if validateErr := req.Validate(); validateErr != nil {
		return nil, fmt.Errorf("invalid request: %w", validateErr)
	}

	payloadBytes, err := s.coordinator.BuildPayload(&req)
	if err != nil {
		return nil, err
	}

	shouldProcess, err := s.coordinator.ShouldProcess(ctx, &req)
	if err != nil {
		return nil, err
	}
	if !shouldProcess {
		return nil, ErrDuplicateEnqueue
	}

	rulesRetries := 3
	jobReq := &model.CreateJobRequest{
		Type:       model.JobTypeRules,
		Payload:    payloadBytes,
		SiteID:     &req.SiteID,
		IsTest:     req.IsTest,
		Priority:   req.Priority,
		MaxRetries: &rulesRetries, // Default retry policy for rules processing
	}

	job, err := s.jobs.Create(ctx, jobReq)
	if err != nil {
		return nil, fmt.Errorf("create rules job: %w", err)
	}

	s.logger.InfoContext(ctx, "enqueued rules processing job",
		"job_id", job.ID,
		"site_id", req.SiteID,
		"scope", req.Scope,
		"event_count", len(req.EventIDs))

	return job, nil
}

// ProcessRulesJob processes a rules job by evaluating its events against the
// configured rules.
func (s *RulesOrchestrationService) ProcessRulesJob(ctx context.Context, job *model.Job) error {
	payload, err := s.coordinator.ParsePayload(job)
	if err != nil {
		return err
	}

	s.logger.Info("processing rules job",
		"job_id", job.ID,
		"site_id", payload.SiteID,
		"scope", payload.Scope,
		"event_count", len(payload.EventIDs))

	alertMode := s.resolveAlertModeForJob(ctx, job.ID, payload)

	events, err := s.loadJobEvents(ctx, job.ID, payload)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		s.finalizeEmptyRulesJob(ctx, job, alertMode)
		return nil
	}

	if s.pipeline == nil {
		return errors.New("rules pipeline is not configured")
	}
	results, pipelineErr := s.pipeline.Run(ctx, domainrules.PipelineParams{
		Events:    events,
		Payload:   payload,
		DryRun:    job.IsTest,
		AlertMode: alertMode,
		JobID:     job.ID,
	})
	if pipelineErr != nil {
		return pipelineErr
	}

	return s.completeJob(completeJobParams{
		Ctx:     ctx,
		Job:     job,
		Events:  events,
		Results: results,
	})
}

func (s *RulesOrchestrationService) finalizeEmptyRulesJob(
	ctx context.Context,
	job *model.Job,
	alertMode model.SiteAlertMode,
) {
	s.logger.WarnContext(ctx, "no events found for rules job", "job_id", job.ID)
	emptyResults := &RulesProcessingResults{IsDryRun: job.IsTest, AlertMode: alertMode}
	s.logJobCompletion(job.ID, 0, emptyResults)
	s.storeResults(ctx, job, emptyResults)
}

func (s *RulesOrchestrationService) resolveAlertModeForJob(
	ctx context.Context,
	jobID string,
	payload *domainrules.JobPayload,
) model.SiteAlertMode {
	if s.alertResolver == nil || payload == nil {
		return model.SiteAlertModeActive
	}

	return s.alertResolver.Resolve(ctx, domainrules.AlertResolutionParams{
		JobID:  jobID,
		SiteID: payload.SiteID,
	})
}

func (s *RulesOrchestrationService) loadJobEvents(
	ctx context.Context,
	jobID string,
	payload *domainrules.JobPayload,
) ([]*model.Event, error) {
	if payload == nil {
		return nil, nil
	}
	if s.eventFetcher == nil {
		return nil, errors.New("rules event fetcher is not configured")
	}

	eventIDs := s.coordinator.LimitEventIDs(payload.EventIDs, jobID)
	return s.eventFetcher.Fetch(ctx, domainrules.EventFetchParams{
		JobID:    jobID,
		EventIDs: eventIDs,
	})
}

type completeJobParams struct {
	Ctx     context.Context
	Job     *model.Job
	Events  []*model.Event
	Results *RulesProcessingResults
}

func (s *RulesOrchestrationService) completeJob(params completeJobParams) error {
	if params.Results == nil {
		return errors.New("rules pipeline returned no results")
	}

	if params.Results.ErrorsEncountered == 0 {
		s.markEventsProcessed(params.Ctx, params.Job.ID, params.Events)
	} else {
		s.logger.WarnContext(params.Ctx, "skipping event finalization due to rule evaluation errors",
			"job_id", params.Job.ID,
			"errors_encountered", params.Results.ErrorsEncountered)
	}

	s.logJobCompletion(params.Job.ID, len(params.Events), params.Results)
	s.storeResults(params.Ctx, params.Job, params.Results)

	if params.Results.ErrorsEncountered > 0 {
		return fmt.Errorf("%w: %d", ErrRuleEvaluationFailed, params.Results.ErrorsEncountered)
	}
	return nil
}

// markEventsProcessed flips processed on consumed events; failures are
// logged, not fatal, because the job's results are already computed.
func (s *RulesOrchestrationService) markEventsProcessed(
	ctx context.Context,
	jobID string,
	events []*model.Event,
) {
	processedIDs := make([]string, 0, len(events))
	for _, e := range events {
		processedIDs = append(processedIDs, e.ID)
	}
	if updated, err := s.events.MarkProcessedByIDs(ctx, processedIDs); err != nil {
		s.logger.Error("failed to mark events processed", "job_id", jobID, "error", err)
	} else {
		s.logger.Debug("marked events as processed", "job_id", jobID, "updated_count", updated)
	}
}

func (s *RulesOrchestrationService) logJobCompletion(
	jobID string,
	eventsCount int,
	results *RulesProcessingResults,
) {
	s.logger.Info("completed rules job processing",
		"job_id", jobID,
		"events_processed", eventsCount,
		"events_skipped", results.EventsSkipped,
		"alerts_created", results.AlertsCreated,
		"domains_processed", results.DomainsProcessed,
		"unknown_domains", results.UnknownDomains,
		"ioc_host_matches", results.IOCHostMatches,
		"would_alert_unknown", len(results.WouldAlertUnknown),
		"would_alert_ioc", len(results.WouldAlertIOC),
		"errors_encountered", results.ErrorsEncountered,
		"processing_time", results.ProcessingTime)
}

func (s *RulesOrchestrationService) storeResults(
	ctx context.Context,
	job *model.Job,
	results *RulesProcessingResults,
) {
	if s.results == nil || results == nil || job == nil {
		return
	}
	if job.ID != "" {
		if err := s.results.Cache(ctx, job.ID, results); err != nil {
			s.logger.WarnContext(ctx, "failed to cache rules job results",
				"job_id", job.ID,
				"error", err)
		}
	}
	if err := s.results.Persist(ctx, job, results); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist job results",
			"job_id", job.ID,
			"error", err)
	}
}

// GetJobResults retrieves processing results for a job from the cache or the
// job_results table.
func (s *RulesOrchestrationService) GetJobResults(
	ctx context.Context,
	jobID string,
) (*RulesProcessingResults, error) {
	if jobID == "" || s.results == nil {
		return nil, ErrRulesResultsNotFound
	}
	return s.results.Get(ctx, jobID)
}
