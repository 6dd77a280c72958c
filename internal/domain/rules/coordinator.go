package rules

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

const (
	// DefaultDedupeTTL is how long an event batch stays claimed after an
	// enqueue request, suppressing duplicates.
	DefaultDedupeTTL = 2 * time.Minute
	// DefaultEventBatchCap bounds the event IDs a single rules job carries.
	DefaultEventBatchCap = 500
)

// DedupeCoordinatorOptions configures a DedupeCoordinator.
type DedupeCoordinatorOptions struct {
	Cache     core.CacheRepository
	TTL       time.Duration
	BatchSize int
	Logger    *slog.Logger
}

// DedupeCoordinator implements JobCoordinator with cache-backed duplicate
// suppression keyed on the sorted event-ID set.
type DedupeCoordinator struct {
	cache     core.CacheRepository
	ttl       time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewDedupeCoordinator builds a DedupeCoordinator, applying the dedupe TTL
// and batch cap defaults when unset.
func NewDedupeCoordinator(opts DedupeCoordinatorOptions) *DedupeCoordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultEventBatchCap
	}
	return &DedupeCoordinator{
		cache:     opts.Cache,
		ttl:       ttl,
		batchSize: batchSize,
		logger:    logger,
	}
}

// BuildPayload marshals the job payload for the enqueue request.
func (c *DedupeCoordinator) BuildPayload(req *EnqueueJobRequest) ([]byte, error) {
	if req == nil {
		return nil, errors.New("build payload: request is nil")
	}
	b, err := json.Marshal(JobPayload{
		EventIDs: req.EventIDs,
		SiteID:   req.SiteID,
		Scope:    req.Scope,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// ShouldProcess claims the request's event batch in the cache. A lost claim
// means a duplicate; a cache failure degrades open so events are never
// silently dropped.
func (c *DedupeCoordinator) ShouldProcess(ctx context.Context, req *EnqueueJobRequest) (bool, error) {
	if req == nil {
		return false, errors.New("should process: request is nil")
	}
	if c.cache == nil {
		return true, nil
	}

	ok, err := c.cache.SetIfNotExists(ctx, dedupeKey(req), []byte("1"), c.ttl)
	if err != nil {
		c.logger.WarnContext(ctx, "dedupe lock set failed; proceeding without dedupe",
			"error", err)
		return true, nil
	}
	if ok {
		return true, nil
	}

	c.logger.InfoContext(ctx, "skipping enqueue: duplicate rules job request",
		"site_id", req.SiteID,
		"scope", req.Scope,
		"event_count", len(req.EventIDs))
	return false, nil
}

// dedupeKey hashes the sorted event-ID set so the same batch in any order
// maps to the same claim.
func dedupeKey(req *EnqueueJobRequest) string {
	ids := make([]string, len(req.EventIDs))
	copy(ids, req.EventIDs)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return fmt.Sprintf("rules:dedupe:rules_job:site:%s:scope:%s:events:%x",
		req.SiteID, req.Scope, sum)
}

// ParsePayload decodes the payload of a claimed rules job.
func (c *DedupeCoordinator) ParsePayload(job *model.Job) (*JobPayload, error) {
	if job == nil {
		return nil, errors.New("parse payload: job is nil")
	}
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	return &payload, nil
}

// LimitEventIDs truncates the event-ID set to the batch cap.
func (c *DedupeCoordinator) LimitEventIDs(ids []string, jobID string) []string {
	if c.batchSize > 0 && len(ids) > c.batchSize {
		c.logger.Info("truncating event IDs to batch size",
			"from", len(ids),
			"to", c.batchSize,
			"job_id", jobID)
		out := make([]string, c.batchSize)
		copy(out, ids[:c.batchSize])
		return out
	}
	return ids
}

var _ JobCoordinator = (*DedupeCoordinator)(nil)
