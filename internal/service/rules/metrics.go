package rules

// Cache observability hooks. The statsd adapter in observability implements
// CacheMetrics; everything here stays dependency-free.

// CacheName labels which typed cache an event came from.
type CacheName string

// CacheTier labels which tier of a typed cache an event came from.
type CacheTier string

// CacheOp labels what happened.
type CacheOp string

const (
	CacheSeen  CacheName = "seen"
	CacheIOC   CacheName = "ioc"
	CacheFiles CacheName = "files"
)

const (
	TierLocal  CacheTier = "local"
	TierShared CacheTier = "shared"
	TierRepo   CacheTier = "repo"
)

const (
	OpHit   CacheOp = "hit"
	OpMiss  CacheOp = "miss"
	OpWrite CacheOp = "write"
)

// CacheEvent is one cache occurrence: which cache, which tier, what
// happened, and whether the operation succeeded.
type CacheEvent struct {
	Name CacheName
	Tier CacheTier
	Op   CacheOp
	Ok   bool
}

// CacheMetrics receives cache events; implementations aggregate counters.
type CacheMetrics interface {
	RecordCacheEvent(e CacheEvent)
}

// NoopCacheMetrics drops every event.
type NoopCacheMetrics struct{}

func (NoopCacheMetrics) RecordCacheEvent(CacheEvent) {}
