package rules

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

type stubCache struct {
	setIfNotExistsResp bool
	setIfNotExistsErr  error
	lastKey            string
}

func (s *stubCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, nil
}

func (s *stubCache) Delete(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (s *stubCache) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func (s *stubCache) SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}

func (s *stubCache) SetIfNotExists(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration,
) (bool, error) {
	s.lastKey = key
	return s.setIfNotExistsResp, s.setIfNotExistsErr
}

func (s *stubCache) Health(ctx context.Context) error {
	return nil
}

func TestDedupeCoordinator_ShouldProcess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := &stubCache{setIfNotExistsResp: true}
	coord := NewDedupeCoordinator(DedupeCoordinatorOptions{
		Cache: cache,
		TTL:   time.Minute,
	})

	req := &EnqueueJobRequest{
		EventIDs: []string{"b", "a"},
		SiteID:   "site",
		Scope:    "scope",
	}

	ok, err := coord.ShouldProcess(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected should process to be true")
	}
	if !strings.HasPrefix(cache.lastKey, "rules:dedupe:rules_job:site:site:scope:scope:events:") {
		t.Fatalf("unexpected dedupe key: %q", cache.lastKey)
	}

	firstKey := cache.lastKey
	// The same batch in a different order claims the same key.
	reordered := &EnqueueJobRequest{
		EventIDs: []string{"a", "b"},
		SiteID:   "site",
		Scope:    "scope",
	}
	cache.setIfNotExistsResp = false
	ok, err = coord.ShouldProcess(ctx, reordered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate detection to return false")
	}
	if cache.lastKey != firstKey {
		t.Fatalf("expected order-independent key, got %q and %q", firstKey, cache.lastKey)
	}
}

func TestDedupeCoordinator_ShouldProcessDegradesOpen(t *testing.T) {
	t.Parallel()

	cache := &stubCache{setIfNotExistsErr: errors.New("cache down")}
	coord := NewDedupeCoordinator(DedupeCoordinatorOptions{Cache: cache})

	req := &EnqueueJobRequest{
		EventIDs: []string{"1"},
		SiteID:   "site",
		Scope:    "scope",
	}

	ok, err := coord.ShouldProcess(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected should process to be true when cache errors")
	}
}

func TestDedupeCoordinator_BuildAndParsePayload(t *testing.T) {
	t.Parallel()

	coord := NewDedupeCoordinator(DedupeCoordinatorOptions{})
	req := &EnqueueJobRequest{
		EventIDs: []string{"1"},
		SiteID:   "site",
		Scope:    "scope",
	}
	payloadBytes, err := coord.BuildPayload(req)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	job := &model.Job{Payload: payloadBytes}
	payload, err := coord.ParsePayload(job)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.SiteID != req.SiteID || payload.Scope != req.Scope {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	if len(payload.EventIDs) != len(req.EventIDs) {
		t.Fatalf("expected %d event ids, got %d", len(req.EventIDs), len(payload.EventIDs))
	}
}

func TestDedupeCoordinator_ParsePayloadError(t *testing.T) {
	t.Parallel()

	coord := NewDedupeCoordinator(DedupeCoordinatorOptions{})
	job := &model.Job{Payload: json.RawMessage(`{"event_ids": "invalid"}`)}

	if _, err := coord.ParsePayload(job); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestDedupeCoordinator_LimitEventIDs(t *testing.T) {
	t.Parallel()

	coord := NewDedupeCoordinator(DedupeCoordinatorOptions{BatchSize: 2})

	ids := coord.LimitEventIDs([]string{"1", "2", "3"}, "job")
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	if ids[0] != "1" || ids[1] != "2" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestDedupeCoordinator_DefaultBatchCap(t *testing.T) {
	t.Parallel()

	coord := NewDedupeCoordinator(DedupeCoordinatorOptions{})

	ids := make([]string, DefaultEventBatchCap+10)
	for i := range ids {
		ids[i] = "evt"
	}
	limited := coord.LimitEventIDs(ids, "job")
	if len(limited) != DefaultEventBatchCap {
		t.Fatalf("expected default cap %d, got %d", DefaultEventBatchCap, len(limited))
	}
}
