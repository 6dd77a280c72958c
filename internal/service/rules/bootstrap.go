package rules

import (
	"github.com/target/merrymaker-core/internal/core"
)

// LocalCaps sizes the per-cache local LRUs.
type LocalCaps struct {
	SeenDomains    int
	IOCs           int
	ProcessedFiles int
}

// DefaultLocalCaps returns the production local cache sizes.
func DefaultLocalCaps() LocalCaps {
	return LocalCaps{SeenDomains: 10_000, IOCs: 50_000, ProcessedFiles: 5_000}
}

// Caches groups the rule caches for injection into evaluators.
type Caches struct {
	Seen      SeenDomainsCache
	IOCs      IOCCache
	Files     ProcessedFilesCache
	AlertOnce AlertOnceCache
}

// CachesOptions supplies the tiers and repositories the caches compose.
type CachesOptions struct {
	TTL       CacheTTL
	LocalCaps LocalCaps

	Shared core.CacheRepository

	SeenRepo  core.SeenDomainRepository
	IOCsRepo  core.IOCRepository
	FilesRepo core.ProcessedFileRepository

	Metrics CacheMetrics

	// IOCVersioner shares invalidation across components; nil builds one
	// on the shared tier.
	IOCVersioner IOCVersioner
}

// DefaultCachesOptions returns default TTLs and local sizes.
func DefaultCachesOptions() CachesOptions {
	return CachesOptions{TTL: DefaultCacheTTL(), LocalCaps: DefaultLocalCaps()}
}

// BuildCaches wires the typed caches. Callers own the shared cache client
// and the database repositories.
func BuildCaches(opts CachesOptions) Caches {
	versioner := opts.IOCVersioner
	if versioner == nil {
		versioner = NewIOCCacheVersioner(opts.Shared, "", defaultIOCVersionRefresh)
	}

	seen := NewSeenDomainsCache(SeenDomainsCacheDeps{
		Local:   NewLocalLRU(LocalLRUConfig{Capacity: opts.LocalCaps.SeenDomains}),
		Shared:  opts.Shared,
		Repo:    opts.SeenRepo,
		TTL:     opts.TTL,
		Metrics: opts.Metrics,
	})
	iocs := NewIOCCache(IOCCacheDeps{
		Local:     NewLocalLRU(LocalLRUConfig{Capacity: opts.LocalCaps.IOCs}),
		Shared:    opts.Shared,
		Repo:      opts.IOCsRepo,
		TTL:       opts.TTL,
		Metrics:   opts.Metrics,
		Versioner: versioner,
	})
	files := NewProcessedFilesCache(ProcessedFilesCacheDeps{
		Local:   NewLocalLRU(LocalLRUConfig{Capacity: opts.LocalCaps.ProcessedFiles}),
		Shared:  opts.Shared,
		Repo:    opts.FilesRepo,
		TTL:     opts.TTL,
		Metrics: opts.Metrics,
	})

	// Alert-once gets its own small LRU so seen-domain churn cannot evict
	// claims mid-window.
	alertOnce := NewAlertOnceThrottle(
		NewLocalLRU(LocalLRUConfig{Capacity: 2_048}),
		opts.Shared,
	)

	return Caches{
		Seen:      seen,
		IOCs:      iocs,
		Files:     files,
		AlertOnce: alertOnce,
	}
}
