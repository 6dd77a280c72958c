package rules

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
)

type captureMetrics struct {
	mu     sync.Mutex
	events []CacheEvent
}

func (m *captureMetrics) RecordCacheEvent(e CacheEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *captureMetrics) count(name CacheName, tier CacheTier, op CacheOp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Name == name && e.Tier == tier && e.Op == op {
			n++
		}
	}
	return n
}

func TestCacheMetricsEmission(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}
	key := SeenKey{Scope: scope, Domain: "example.com"}

	metrics := &captureMetrics{}
	cache := NewSeenDomainsCache(SeenDomainsCacheDeps{
		Local:   NewLocalLRU(LocalLRUConfig{Capacity: 16}),
		Shared:  newFakeCacheRepo(),
		Repo:    newFakeSeenRepo(),
		TTL:     DefaultCacheTTL(),
		Metrics: metrics,
	})

	_, err := cache.Check(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.count(CacheSeen, TierLocal, OpMiss))
	assert.Equal(t, 1, metrics.count(CacheSeen, TierShared, OpMiss))
	assert.Equal(t, 1, metrics.count(CacheSeen, TierRepo, OpWrite))
	assert.Equal(t, 1, metrics.count(CacheSeen, TierLocal, OpWrite))
	assert.Equal(t, 1, metrics.count(CacheSeen, TierShared, OpWrite))

	// Second check hits the local tier.
	_, err = cache.Check(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.count(CacheSeen, TierLocal, OpHit))
}

func TestIOCCacheMetricsTiers(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetrics{}
	repo := &fakeIOCRepo{byHost: map[string]*model.IOC{
		"evil.test": {ID: "ioc-1", Type: model.IOCTypeFQDN, Value: "evil.test", Enabled: true},
	}}
	cache := NewIOCCache(IOCCacheDeps{
		Local:   NewLocalLRU(LocalLRUConfig{Capacity: 16}),
		Shared:  newFakeCacheRepo(),
		Repo:    repo,
		TTL:     DefaultCacheTTL(),
		Metrics: metrics,
	})

	_, err := cache.LookupHost(ctx, "evil.test")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.count(CacheIOC, TierRepo, OpHit))
	assert.Equal(t, 1, metrics.count(CacheIOC, TierLocal, OpWrite))
	assert.Equal(t, 1, metrics.count(CacheIOC, TierShared, OpWrite))

	_, err = cache.LookupHost(ctx, "evil.test")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.count(CacheIOC, TierLocal, OpHit))
	assert.Equal(t, 1, metrics.count(CacheIOC, TierRepo, OpHit), "repo should not be consulted again")
}

func TestNoopCacheMetrics(t *testing.T) {
	// Just exercises the no-op path used when no sink is wired.
	NoopCacheMetrics{}.RecordCacheEvent(CacheEvent{Name: CacheSeen, Tier: TierLocal, Op: OpHit, Ok: true})
}
