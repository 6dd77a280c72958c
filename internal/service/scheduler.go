// Package service provides the business logic layer of the merrymaker core:
// queue orchestration, scheduling, rule evaluation, and alert delivery.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain"
	"github.com/target/merrymaker-core/internal/domain/model"
	domainscheduler "github.com/target/merrymaker-core/internal/domain/scheduler"
)

// siteSourcePayload is the payload shape of site-run tasks.
type siteSourcePayload struct {
	SiteID   string `json:"site_id"`
	SourceID string `json:"source_id"`
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Repo        core.ScheduledTaskRepository
	Jobs        core.JobRepository
	JobStates   domainscheduler.JobStateReader
	Config      *core.SchedulerConfig
	SourceCache *core.SourceCacheService // Optional: pre-warms source content for browser jobs
	Logger      *slog.Logger
	Clock       func() time.Time // Optional: test hook
}

// SchedulerService implements core.JobScheduler. Each tick claims due tasks
// under a per-task advisory lock, applies the overrun strategy, and enqueues
// jobs tagged with a unique fire key, all inside one transaction. Safe to run
// in multiple replicas: the lock and the fire-key unique index serialize
// firings.
type SchedulerService struct {
	repo        core.ScheduledTaskRepository
	jobs        core.JobRepository
	jobStates   domainscheduler.JobStateReader
	cfg         core.SchedulerConfig
	sourceCache *core.SourceCacheService
	logger      *slog.Logger
	clock       func() time.Time
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.Config == nil {
		defaultCfg := core.DefaultSchedulerConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &SchedulerService{
		repo:        opts.Repo,
		jobs:        opts.Jobs,
		jobStates:   opts.JobStates,
		cfg:         *opts.Config,
		sourceCache: opts.SourceCache,
		logger:      opts.Logger,
		clock:       opts.Clock,
	}
}

// Tick processes due scheduled tasks once and returns how many did work.
//
// Concurrency safety:
//   - FindDue snapshots the candidate batch; each task is then re-read
//     with FindDueTx inside its lock so the overrun decision never runs
//     on a row another replica just fired
//   - TryWithTaskLock takes a per-task advisory lock so a task's
//     decide-and-enqueue sequence never interleaves across replicas
//   - the fire-key unique index makes a lost race a benign no-op
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due tasks: %w", err)
	}

	processed := 0
	for i := range due {
		name := due[i].TaskName
		worked := false
		lockOK, lockErr := s.repo.TryWithTaskLock(ctx, name, func(ctx context.Context, tx *sql.Tx) error {
			fresh, findErr := s.repo.FindDueTx(ctx, tx, domain.FindDueParams{
				Now:      now,
				Limit:    1,
				TaskName: name,
			})
			if findErr != nil {
				return fmt.Errorf("reload due task: %w", findErr)
			}
			if len(fresh) == 0 {
				// No longer due: another replica fired it after our snapshot.
				return nil
			}
			w, processErr := s.processTask(ctx, tx, &fresh[0])
			if w {
				worked = true
			}
			return processErr
		})
		if lockErr != nil {
			return processed, fmt.Errorf("process task %s: %w", name, lockErr)
		}
		if lockOK && worked {
			processed++
		}
		// lockOK false means another replica holds the task; skip.
	}

	return processed, nil
}

// processTask evaluates one due task inside the locking transaction.
// Returns worked=true when this invocation changed anything (advanced
// last_queued_at or created a job).
func (s *SchedulerService) processTask(
	ctx context.Context,
	tx *sql.Tx,
	task *domain.ScheduledTask,
) (bool, error) {
	now := s.clock()

	processor, err := domainscheduler.NewTaskProcessor(domainscheduler.TaskProcessorOptions{
		Store:    taskStoreTx{repo: s.repo, tx: tx},
		Jobs:     s.jobStates,
		Enqueuer: taskEnqueuerTx{service: s, tx: tx},
		Defaults: s.cfg.Strategy,
		Logger:   s.logger,
	})
	if err != nil {
		return false, fmt.Errorf("build task processor: %w", err)
	}

	result, err := processor.Process(ctx, task, now)
	if err != nil {
		return false, err
	}
	return result.Enqueued || result.SkippedOverrun || result.Rescheduled, nil
}

// taskStoreTx binds the scheduled-task repository to the lock transaction.
type taskStoreTx struct {
	repo core.ScheduledTaskRepository
	tx   *sql.Tx
}

func (a taskStoreTx) MarkQueued(ctx context.Context, params domain.MarkQueuedParams) error {
	// A false result means the task row was deleted between FindDue and now;
	// there is nothing left to keep consistent.
	_, err := a.repo.MarkQueuedTx(ctx, a.tx, params)
	return err
}

func (a taskStoreTx) UpdateActiveFireKey(ctx context.Context, params domain.UpdateActiveFireKeyParams) error {
	return a.repo.UpdateActiveFireKeyTx(ctx, a.tx, params)
}

// taskEnqueuerTx inserts the firing's job inside the lock transaction.
type taskEnqueuerTx struct {
	service *SchedulerService
	tx      *sql.Tx
}

func (e taskEnqueuerTx) Enqueue(
	ctx context.Context,
	task *domain.ScheduledTask,
	fireKey string,
) (bool, error) {
	return e.service.enqueueJob(ctx, enqueueJobParams{
		Tx:      e.tx,
		Task:    task,
		FireKey: fireKey,
	})
}

type enqueueJobParams struct {
	Tx      *sql.Tx
	Task    *domain.ScheduledTask
	FireKey string
}

// enqueueJob creates the job for one firing. Returns created=false without
// error when the fire key already exists (a concurrent scheduler won).
func (s *SchedulerService) enqueueJob(ctx context.Context, params enqueueJobParams) (bool, error) {
	task := params.Task

	var payloadData siteSourcePayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &payloadData); err != nil {
			return false, fmt.Errorf("parse task payload: %w", err)
		}
	}

	req, err := s.buildJobRequest(ctx, task, payloadData, params.FireKey)
	if err != nil {
		return false, fmt.Errorf("build job request: %w", err)
	}

	if err := s.insertJob(ctx, params.Tx, req); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique fire key already present: a concurrent firing won.
			return false, nil
		}
		return false, fmt.Errorf("create job: %w", err)
	}
	return true, nil
}

// buildJobRequest assembles the CreateJobRequest for one firing, applying
// the task's job defaults over the scheduler-wide ones.
func (s *SchedulerService) buildJobRequest(
	ctx context.Context,
	task *domain.ScheduledTask,
	payloadData siteSourcePayload,
	fireKey string,
) (*model.CreateJobRequest, error) {
	meta, err := schedulerMetadata(task, fireKey)
	if err != nil {
		return nil, err
	}

	jobType := task.JobType
	if jobType == "" {
		jobType = s.cfg.DefaultJobType
	}

	payload := task.Payload
	if jobType == model.JobTypeBrowser {
		payload = s.resolveBrowserPayload(ctx, task.Payload, payloadData)
	}

	priority := task.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}
	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.MaxRetries
	}

	req := &model.CreateJobRequest{
		Type:       jobType,
		Priority:   priority,
		Payload:    payload,
		Metadata:   meta,
		MaxRetries: &maxRetries,
		IsTest:     false,
	}
	applyJobAssociations(req, payloadData)
	return req, nil
}

func (s *SchedulerService) insertJob(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) error {
	if tx == nil {
		_, err := s.jobs.Create(ctx, req)
		return err
	}

	if creator, ok := s.jobs.(core.JobRepositoryTx); ok {
		_, err := creator.CreateInTx(ctx, tx, req)
		return err
	}

	if s.logger != nil {
		s.logger.WarnContext(
			ctx,
			"job repository missing transactional support; falling back to non-transactional create",
		)
	}

	_, err := s.jobs.Create(ctx, req)
	return err
}

// schedulerMetadata tags the job with the task identity and the idempotent
// fire key the unique index enforces.
func schedulerMetadata(task *domain.ScheduledTask, fireKey string) (json.RawMessage, error) {
	m := map[string]any{
		model.MetadataKeySchedulerTaskName: task.TaskName,
		model.MetadataKeySchedulerFireKey:  fireKey,
		"scheduler.interval":               task.Interval.String(),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return json.RawMessage(b), nil
}

// resolveBrowserPayload resolves a browser job payload, preserving script/url
// if present, otherwise attempting to fetch script content via the optional
// source cache.
func (s *SchedulerService) resolveBrowserPayload(
	ctx context.Context,
	schedPayload json.RawMessage,
	p siteSourcePayload,
) json.RawMessage {
	if pl, ok := tryExistingBrowserPayload(schedPayload, p); ok {
		return pl
	}
	if pl, ok := s.tryCacheBrowserPayload(ctx, p); ok {
		return pl
	}
	return schedPayload
}

// tryExistingBrowserPayload returns an existing browser payload with context
// attached if the task payload already carries a script or url.
func tryExistingBrowserPayload(schedPayload json.RawMessage, p siteSourcePayload) (json.RawMessage, bool) {
	var candidate map[string]any
	if err := json.Unmarshal(schedPayload, &candidate); err != nil || candidate == nil {
		return nil, false
	}
	_, hasScript := candidate["script"]
	_, hasURL := candidate["url"]
	if !hasScript && !hasURL {
		return nil, false
	}
	pl, err := serializeWithContext(candidate, p)
	if err != nil {
		return nil, false
	}
	return pl, true
}

// tryCacheBrowserPayload attempts to resolve a browser payload from the
// source cache, warming it on a miss.
func (s *SchedulerService) tryCacheBrowserPayload(ctx context.Context, p siteSourcePayload) (json.RawMessage, bool) {
	if s.sourceCache == nil || p.SourceID == "" {
		return nil, false
	}
	b, getErr := s.sourceCache.GetCachedSourceContent(ctx, p.SourceID)
	if getErr != nil {
		s.logger.WarnContext(
			ctx,
			"scheduler: get cached source content failed",
			"error",
			getErr,
			"source_id",
			p.SourceID,
		)
	}
	if len(b) == 0 {
		b = s.refreshSourceCache(ctx, p.SourceID)
	}
	if len(b) == 0 {
		return nil, false
	}
	mp := map[string]any{"script": string(b)}
	pl, err := serializeWithContext(mp, p)
	if err != nil {
		return nil, false
	}
	return pl, true
}

// serializeWithContext attaches site/source IDs (when present) and marshals
// to JSON.
func serializeWithContext(bp map[string]any, p siteSourcePayload) (json.RawMessage, error) {
	if p.SiteID != "" {
		bp["site_id"] = p.SiteID
	}
	if p.SourceID != "" {
		bp["source_id"] = p.SourceID
	}
	b, err := json.Marshal(bp)
	if err != nil {
		return nil, fmt.Errorf("marshal browser payload: %w", err)
	}
	return json.RawMessage(b), nil
}

func (s *SchedulerService) refreshSourceCache(ctx context.Context, sourceID string) []byte {
	if err := s.sourceCache.CacheSourceContent(ctx, sourceID); err != nil {
		s.logger.WarnContext(ctx, "scheduler: cache source content failed", "error", err, "source_id", sourceID)
		return nil
	}

	b, err := s.sourceCache.GetCachedSourceContent(ctx, sourceID)
	if err != nil {
		s.logger.WarnContext(
			ctx,
			"scheduler: second get cached source content failed",
			"error",
			err,
			"source_id",
			sourceID,
		)
		return nil
	}

	return b
}

// applyJobAssociations copies valid site/source IDs from the task payload
// onto the job row so queue listings can join back to their owners.
func applyJobAssociations(req *model.CreateJobRequest, p siteSourcePayload) {
	if p.SiteID != "" {
		if id, err := uuid.Parse(p.SiteID); err == nil {
			siteID := id.String()
			req.SiteID = &siteID
		}
	}
	if p.SourceID != "" {
		if id, err := uuid.Parse(p.SourceID); err == nil {
			sourceID := id.String()
			req.SourceID = &sourceID
		}
	}
}
