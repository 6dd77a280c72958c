package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// DebugLogger is a minimal logger interface for optional debug logging.
type DebugLogger interface {
	Debug(msg string, keyvals ...any)
}

// sourceCache defines the minimal behavior required from a cache service.
type sourceCache interface {
	CacheSourceContent(ctx context.Context, sourceID string) error
	InvalidateSourceContent(ctx context.Context, sourceID string) error
}

type sourceResolvedCache interface {
	CacheResolvedSourceContent(ctx context.Context, source *model.Source) error
}

// SourceServiceOptions groups dependencies for SourceService.
type SourceServiceOptions struct {
	SourceRepo core.SourceRepository
	Jobs       core.JobRepository
	Cache      sourceCache // optional
	Logger     DebugLogger // optional
	SecretRepo core.SecretRepository
}

// SourceService orchestrates source CRUD with cache maintenance and
// auto-enqueue for test sources.
type SourceService struct {
	src   core.SourceRepository
	jobs  core.JobRepository
	secs  core.SecretRepository
	cache sourceCache
	log   DebugLogger
}

// NewSourceService constructs a new SourceService.
func NewSourceService(opts SourceServiceOptions) *SourceService {
	return &SourceService{
		src:   opts.SourceRepo,
		jobs:  opts.Jobs,
		secs:  opts.SecretRepo,
		cache: opts.Cache,
		log:   opts.Logger,
	}
}

// ResolveScript returns the source body with any secret placeholders replaced
// using the configured secret repository.
func (s *SourceService) ResolveScript(ctx context.Context, source *model.Source) (string, error) {
	if source == nil {
		return "", errors.New("source is nil")
	}
	if len(source.Secrets) == 0 {
		return source.Body, nil
	}
	if s.secs == nil {
		return "", errors.New("secret repository not configured")
	}
	return core.ResolveSecretPlaceholders(ctx, s.secs, source.Secrets, source.Body)
}

// Create creates a source and auto-enqueues a test job when the source is a test source.
func (s *SourceService) Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
	source, err := s.src.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	s.cacheResolvedSourceContent(ctx, source)
	if source.Test {
		if enqueueErr := s.enqueueTestJob(ctx, source); enqueueErr != nil {
			return nil, fmt.Errorf("enqueue test job: %w", enqueueErr)
		}
	}
	return source, nil
}

// Update updates a source and auto-enqueues a test job when the updated source is marked as test.
func (s *SourceService) Update(ctx context.Context, id string, req model.UpdateSourceRequest) (*model.Source, error) {
	source, err := s.src.Update(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("update source: %w", err)
	}
	s.refreshSourceContent(ctx, source)
	if source.Test {
		if enqueueErr := s.enqueueTestJob(ctx, source); enqueueErr != nil {
			return nil, fmt.Errorf("enqueue test job: %w", enqueueErr)
		}
	}
	return source, nil
}

// List returns sources with pagination.
func (s *SourceService) List(ctx context.Context, limit, offset int) ([]*model.Source, error) {
	p := normalizePagination(limit, offset)
	return s.src.List(ctx, p.Limit, p.Offset)
}

// GetByID returns a source by id.
func (s *SourceService) GetByID(ctx context.Context, id string) (*model.Source, error) {
	return s.src.GetByID(ctx, id)
}

// GetByName returns a source by name.
func (s *SourceService) GetByName(ctx context.Context, name string) (*model.Source, error) {
	source, err := s.src.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get source by name: %w", err)
	}
	return source, nil
}

// Delete deletes a source by id.
func (s *SourceService) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.src.Delete(ctx, id)
	if err != nil {
		return ok, err
	}
	if ok {
		s.invalidateSourceContent(ctx, id)
	}
	return ok, nil
}

func (s *SourceService) enqueueTestJob(ctx context.Context, source *model.Source) error {
	if s.jobs == nil || source == nil {
		return nil
	}
	script, err := s.ResolveScript(ctx, source)
	if err != nil {
		return fmt.Errorf("resolve source script: %w", err)
	}
	payload := struct {
		SourceID string `json:"source_id"`
		Script   string `json:"script"`
	}{SourceID: source.ID, Script: script}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal test job payload: %w", err)
	}
	id := source.ID
	noRetries := 0
	req := &model.CreateJobRequest{
		Type:       model.JobTypeBrowser,
		Payload:    json.RawMessage(b),
		SourceID:   &id,
		IsTest:     true,
		MaxRetries: &noRetries, // Test jobs should fail immediately without retrying
	}
	if _, err = s.jobs.Create(ctx, req); err != nil {
		return fmt.Errorf("create test job: %w", err)
	}
	return nil
}

func (s *SourceService) cacheSourceContent(ctx context.Context, sourceID string) {
	if s.cache == nil || sourceID == "" {
		return
	}
	// Best-effort cache population; failures are logged when a debug logger is configured.
	if err := s.cache.CacheSourceContent(ctx, sourceID); err != nil && s.log != nil {
		s.log.Debug("cache source content failed", "sourceID", sourceID, "err", err)
	}
}

func (s *SourceService) invalidateSourceContent(ctx context.Context, sourceID string) {
	if s.cache == nil || sourceID == "" {
		return
	}
	if err := s.cache.InvalidateSourceContent(ctx, sourceID); err != nil && s.log != nil {
		s.log.Debug("invalidate source content failed", "sourceID", sourceID, "err", err)
	}
}

func (s *SourceService) cacheResolvedSourceContent(ctx context.Context, source *model.Source) {
	if s.cache == nil || source == nil || source.ID == "" {
		return
	}
	if cacheSvc, ok := any(s.cache).(sourceResolvedCache); ok {
		if err := cacheSvc.CacheResolvedSourceContent(ctx, source); err != nil && s.log != nil {
			s.log.Debug("cache resolved source content failed", "sourceID", source.ID, "err", err)
		}
		return
	}
	s.cacheSourceContent(ctx, source.ID)
}

func (s *SourceService) refreshSourceContent(ctx context.Context, source *model.Source) {
	if source == nil {
		return
	}
	s.invalidateSourceContent(ctx, source.ID)
	s.cacheResolvedSourceContent(ctx, source)
}
