package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// Shared-cache key layout. Seen-domain hints carry the site so scopes
// shared across sites still track first sightings per site.
func seenDomainKey(k SeenKey) string {
	return "rules:seen:site:" + k.Scope.SiteID +
		":scope:" + k.Scope.Scope +
		":domain:" + strings.ToLower(strings.TrimSpace(k.Domain))
}

func processedFileKey(k FileKey) string {
	return "rules:file:scope:" + k.Scope.Scope +
		":sha:" + strings.ToLower(k.FileHash)
}

// seenMarker is the value stored for presence-only keys.
var seenMarker = []byte("1")

// SeenDomainsCacheDeps wires a SeenDomainsCacheImpl.
type SeenDomainsCacheDeps struct {
	Local   *LocalLRU
	Shared  core.CacheRepository
	Repo    core.SeenDomainRepository
	TTL     CacheTTL
	Metrics CacheMetrics
}

// SeenDomainsCacheImpl is the production SeenDomainsCache: local LRU over
// the shared cache over the seen_domains table.
type SeenDomainsCacheImpl struct {
	local   *LocalLRU
	shared  core.CacheRepository
	repo    core.SeenDomainRepository
	ttl     CacheTTL
	metrics CacheMetrics
}

// NewSeenDomainsCache builds a SeenDomainsCacheImpl.
func NewSeenDomainsCache(deps SeenDomainsCacheDeps) *SeenDomainsCacheImpl {
	m := deps.Metrics
	if m == nil {
		m = NoopCacheMetrics{}
	}
	return &SeenDomainsCacheImpl{
		local:   deps.Local,
		shared:  deps.Shared,
		repo:    deps.Repo,
		ttl:     deps.TTL,
		metrics: m,
	}
}

func (c *SeenDomainsCacheImpl) emit(e CacheEvent) {
	c.metrics.RecordCacheEvent(e)
}

func (c *SeenDomainsCacheImpl) hintSeen(ctx context.Context, key string) {
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, seenMarker, c.ttl.SeenDomainsShared); err != nil {
			c.emit(CacheEvent{Name: CacheSeen, Tier: TierShared, Op: OpWrite, Ok: false})
		} else {
			c.emit(CacheEvent{Name: CacheSeen, Tier: TierShared, Op: OpWrite, Ok: true})
		}
	}
	if c.local != nil {
		c.local.Set(key, seenMarker, c.ttl.SeenDomainsLocal)
		c.emit(CacheEvent{Name: CacheSeen, Tier: TierLocal, Op: OpWrite, Ok: true})
	}
}

func (c *SeenDomainsCacheImpl) hintTiers(ctx context.Context, key string) (bool, error) {
	if c.local != nil {
		if c.local.Exists(key) {
			c.emit(CacheEvent{Name: CacheSeen, Tier: TierLocal, Op: OpHit, Ok: true})
			return true, nil
		}
		c.emit(CacheEvent{Name: CacheSeen, Tier: TierLocal, Op: OpMiss, Ok: true})
	}
	if c.shared != nil {
		exists, err := c.shared.Exists(ctx, key)
		if err != nil {
			c.emit(CacheEvent{Name: CacheSeen, Tier: TierShared, Op: OpMiss, Ok: false})
			return false, err
		}
		op := OpMiss
		if exists {
			op = OpHit
			if c.local != nil {
				c.local.Set(key, seenMarker, c.ttl.SeenDomainsLocal)
			}
		}
		c.emit(CacheEvent{Name: CacheSeen, Tier: TierShared, Op: op, Ok: true})
		return exists, nil
	}
	return false, nil
}

// Exists checks the hint tiers then the table without recording a sighting.
func (c *SeenDomainsCacheImpl) Exists(ctx context.Context, key SeenKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	k := seenDomainKey(key)

	hit, err := c.hintTiers(ctx, k)
	if err != nil || hit {
		return hit, err
	}
	if c.repo == nil {
		return false, nil
	}

	row, err := c.repo.Lookup(ctx, model.SeenDomainLookupRequest{
		SiteID: key.Scope.SiteID,
		Domain: strings.ToLower(strings.TrimSpace(key.Domain)),
		Scope:  key.Scope.Scope,
	})
	if err != nil {
		return false, err
	}
	if row == nil {
		c.emit(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpMiss, Ok: true})
		return false, nil
	}
	c.emit(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpHit, Ok: true})
	c.hintSeen(ctx, k)
	return true, nil
}

// Check records the sighting through the RecordSeen upsert and reports
// whether the domain was already known. Hint-tier hits short-circuit but
// still bump the table so hit counts stay truthful.
func (c *SeenDomainsCacheImpl) Check(ctx context.Context, key SeenKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	k := seenDomainKey(key)

	hit, err := c.hintTiers(ctx, k)
	if err != nil {
		return false, err
	}
	if c.repo == nil {
		if !hit {
			c.hintSeen(ctx, k)
		}
		return hit, nil
	}

	row, err := c.repo.RecordSeen(ctx, model.RecordDomainSeenRequest{
		SiteID: key.Scope.SiteID,
		Domain: strings.ToLower(strings.TrimSpace(key.Domain)),
		Scope:  key.Scope.Scope,
	})
	if err != nil {
		c.emit(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpWrite, Ok: false})
		return false, err
	}
	c.emit(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpWrite, Ok: true})
	c.hintSeen(ctx, k)
	return hit || row.HitCount > 1, nil
}

// Record marks the domain seen in every tier.
func (c *SeenDomainsCacheImpl) Record(ctx context.Context, key SeenKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	c.hintSeen(ctx, seenDomainKey(key))
	if c.repo == nil {
		return nil
	}
	_, err := c.repo.RecordSeen(ctx, model.RecordDomainSeenRequest{
		SiteID: key.Scope.SiteID,
		Domain: strings.ToLower(strings.TrimSpace(key.Domain)),
		Scope:  key.Scope.Scope,
	})
	if err != nil {
		c.emit(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpWrite, Ok: false})
		return err
	}
	c.emit(CacheEvent{Name: CacheSeen, Tier: TierRepo, Op: OpWrite, Ok: true})
	return nil
}

var _ SeenDomainsCache = (*SeenDomainsCacheImpl)(nil)

// negativeMarker is cached for hosts that matched no IOC so repeated
// lookups skip the table.
const negativeMarker = "__NOT_FOUND__"

// IOCCacheDeps wires an IOCCacheImpl.
type IOCCacheDeps struct {
	Local     *LocalLRU
	Shared    core.CacheRepository
	Repo      core.IOCRepository
	TTL       CacheTTL
	Metrics   CacheMetrics
	Versioner IOCVersioner
}

// IOCCacheImpl is the production IOCCache. Keys are version-prefixed so a
// Bump on the versioner invalidates every cached host at once.
type IOCCacheImpl struct {
	local     *LocalLRU
	shared    core.CacheRepository
	repo      core.IOCRepository
	ttl       CacheTTL
	metrics   CacheMetrics
	versioner IOCVersioner
}

// NewIOCCache builds an IOCCacheImpl.
func NewIOCCache(deps IOCCacheDeps) *IOCCacheImpl {
	m := deps.Metrics
	if m == nil {
		m = NoopCacheMetrics{}
	}
	return &IOCCacheImpl{
		local:     deps.Local,
		shared:    deps.Shared,
		repo:      deps.Repo,
		ttl:       deps.TTL,
		metrics:   m,
		versioner: deps.Versioner,
	}
}

func (c *IOCCacheImpl) emit(e CacheEvent) {
	c.metrics.RecordCacheEvent(e)
}

func iocHostKey(version, host string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		version = "0"
	}
	return "rules:ioc:host:v" + version + ":" + strings.ToLower(strings.TrimSpace(host))
}

// LookupHost resolves a host against the indicator set: local LRU, then the
// shared cache, then the table. Positive and negative outcomes both cache.
func (c *IOCCacheImpl) LookupHost(ctx context.Context, host string) (*model.IOC, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return nil, errors.New("host is required")
	}

	version := "0"
	if c.versioner != nil {
		v, err := c.versioner.Current(ctx)
		if err != nil {
			return nil, fmt.Errorf("current ioc cache version: %w", err)
		}
		if v != "" {
			version = v
		}
	}
	k := iocHostKey(version, h)

	if ioc, found := c.fromLocal(k); found {
		if ioc == nil {
			return nil, ErrNotFound
		}
		return ioc, nil
	}
	if ioc, found := c.fromShared(ctx, k); found {
		if ioc == nil {
			return nil, ErrNotFound
		}
		return ioc, nil
	}
	return c.fromRepo(ctx, h, k)
}

// fromLocal returns (ioc, true) on a positive hit, (nil, true) on a cached
// negative, (nil, false) on a miss.
func (c *IOCCacheImpl) fromLocal(k string) (*model.IOC, bool) {
	if c.local == nil {
		return nil, false
	}
	b, ok := c.local.Get(k)
	if !ok {
		c.emit(CacheEvent{Name: CacheIOC, Tier: TierLocal, Op: OpMiss, Ok: true})
		return nil, false
	}
	c.emit(CacheEvent{Name: CacheIOC, Tier: TierLocal, Op: OpHit, Ok: true})
	if string(b) == negativeMarker {
		return nil, true
	}
	var ioc model.IOC
	if err := json.Unmarshal(b, &ioc); err != nil {
		// corrupted entry, evict to self-heal
		c.local.Delete(k)
		return nil, false
	}
	return &ioc, true
}

func (c *IOCCacheImpl) fromShared(ctx context.Context, k string) (*model.IOC, bool) {
	if c.shared == nil {
		return nil, false
	}
	b, err := c.shared.Get(ctx, k)
	if err != nil || b == nil {
		c.emit(CacheEvent{Name: CacheIOC, Tier: TierShared, Op: OpMiss, Ok: err == nil})
		return nil, false
	}
	c.emit(CacheEvent{Name: CacheIOC, Tier: TierShared, Op: OpHit, Ok: true})

	if string(b) == negativeMarker {
		c.writeLocal(k, b)
		return nil, true
	}
	var ioc model.IOC
	if err := json.Unmarshal(b, &ioc); err != nil {
		deleted, delErr := c.shared.Delete(ctx, k)
		c.emit(CacheEvent{Name: CacheIOC, Tier: TierShared, Op: OpWrite, Ok: delErr == nil && deleted})
		return nil, false
	}
	c.writeLocal(k, b)
	return &ioc, true
}

func (c *IOCCacheImpl) fromRepo(ctx context.Context, host, k string) (*model.IOC, error) {
	if c.repo == nil {
		return nil, ErrNotFound
	}
	ioc, err := c.repo.LookupHost(ctx, model.IOCLookupRequest{Host: host})
	if err != nil {
		if errors.Is(err, data.ErrIOCNotFound) {
			c.emit(CacheEvent{Name: CacheIOC, Tier: TierRepo, Op: OpMiss, Ok: true})
			c.writeShared(ctx, k, []byte(negativeMarker))
			c.writeLocal(k, []byte(negativeMarker))
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.emit(CacheEvent{Name: CacheIOC, Tier: TierRepo, Op: OpHit, Ok: true})

	b, err := json.Marshal(ioc)
	if err != nil {
		return nil, fmt.Errorf("marshal ioc: %w", err)
	}
	c.writeShared(ctx, k, b)
	c.writeLocal(k, b)
	return ioc, nil
}

func (c *IOCCacheImpl) writeLocal(k string, b []byte) {
	if c.local == nil {
		return
	}
	c.local.Set(k, b, c.ttl.IOCsLocal)
	c.emit(CacheEvent{Name: CacheIOC, Tier: TierLocal, Op: OpWrite, Ok: true})
}

func (c *IOCCacheImpl) writeShared(ctx context.Context, k string, b []byte) {
	if c.shared == nil {
		return
	}
	err := c.shared.Set(ctx, k, b, c.ttl.IOCsShared)
	c.emit(CacheEvent{Name: CacheIOC, Tier: TierShared, Op: OpWrite, Ok: err == nil})
}

var _ IOCCache = (*IOCCacheImpl)(nil)

// ProcessedFilesCacheDeps wires a ProcessedFilesCacheImpl.
type ProcessedFilesCacheDeps struct {
	Local   *LocalLRU
	Shared  core.CacheRepository
	Repo    core.ProcessedFileRepository
	TTL     CacheTTL
	Metrics CacheMetrics
}

// ProcessedFilesCacheImpl is the production ProcessedFilesCache.
type ProcessedFilesCacheImpl struct {
	local   *LocalLRU
	shared  core.CacheRepository
	repo    core.ProcessedFileRepository
	ttl     CacheTTL
	metrics CacheMetrics
}

// NewProcessedFilesCache builds a ProcessedFilesCacheImpl.
func NewProcessedFilesCache(deps ProcessedFilesCacheDeps) *ProcessedFilesCacheImpl {
	m := deps.Metrics
	if m == nil {
		m = NoopCacheMetrics{}
	}
	return &ProcessedFilesCacheImpl{
		local:   deps.Local,
		shared:  deps.Shared,
		repo:    deps.Repo,
		ttl:     deps.TTL,
		metrics: m,
	}
}

func (c *ProcessedFilesCacheImpl) emit(e CacheEvent) {
	c.metrics.RecordCacheEvent(e)
}

func (c *ProcessedFilesCacheImpl) writeHints(ctx context.Context, k string) {
	if c.shared != nil {
		err := c.shared.Set(ctx, k, seenMarker, c.ttl.ProcessedFilesShared)
		c.emit(CacheEvent{Name: CacheFiles, Tier: TierShared, Op: OpWrite, Ok: err == nil})
	}
	if c.local != nil {
		c.local.Set(k, seenMarker, c.ttl.ProcessedFilesLocal)
		c.emit(CacheEvent{Name: CacheFiles, Tier: TierLocal, Op: OpWrite, Ok: true})
	}
}

func (c *ProcessedFilesCacheImpl) repoLookup(ctx context.Context, key FileKey, k string) (bool, error) {
	if c.repo == nil {
		return false, nil
	}
	row, err := c.repo.Lookup(ctx, model.ProcessedFileLookupRequest{
		SiteID:   key.Scope.SiteID,
		FileHash: strings.ToLower(key.FileHash),
		Scope:    key.Scope.Scope,
	})
	if err != nil {
		return false, err
	}
	if row == nil {
		c.emit(CacheEvent{Name: CacheFiles, Tier: TierRepo, Op: OpMiss, Ok: true})
		return false, nil
	}
	c.emit(CacheEvent{Name: CacheFiles, Tier: TierRepo, Op: OpHit, Ok: true})
	c.writeHints(ctx, k)
	return true, nil
}

// IsProcessed reports whether the hash has been scanned in this scope.
func (c *ProcessedFilesCacheImpl) IsProcessed(ctx context.Context, key FileKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	k := processedFileKey(key)

	if c.local != nil {
		if c.local.Exists(k) {
			c.emit(CacheEvent{Name: CacheFiles, Tier: TierLocal, Op: OpHit, Ok: true})
			return true, nil
		}
		c.emit(CacheEvent{Name: CacheFiles, Tier: TierLocal, Op: OpMiss, Ok: true})
	}
	if c.shared != nil {
		exists, err := c.shared.Exists(ctx, k)
		if err != nil {
			c.emit(CacheEvent{Name: CacheFiles, Tier: TierShared, Op: OpMiss, Ok: false})
			return false, err
		}
		if exists {
			c.emit(CacheEvent{Name: CacheFiles, Tier: TierShared, Op: OpHit, Ok: true})
			if c.local != nil {
				c.local.Set(k, seenMarker, c.ttl.ProcessedFilesLocal)
			}
			return true, nil
		}
		c.emit(CacheEvent{Name: CacheFiles, Tier: TierShared, Op: OpMiss, Ok: true})
	}
	return c.repoLookup(ctx, key, k)
}

// MarkProcessed records the hash in the table (when absent) and primes the
// hint tiers either way.
func (c *ProcessedFilesCacheImpl) MarkProcessed(ctx context.Context, key FileKey, storageKey string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(storageKey) == "" {
		return errors.New("storage_key is required")
	}
	k := processedFileKey(key)

	if c.repo != nil {
		existed, err := c.repoLookup(ctx, key, k)
		if err != nil {
			return err
		}
		if !existed {
			_, err = c.repo.Create(ctx, model.CreateProcessedFileRequest{
				SiteID:     key.Scope.SiteID,
				FileHash:   strings.ToLower(key.FileHash),
				StorageKey: storageKey,
				Scope:      key.Scope.Scope,
			})
			if err != nil {
				return err
			}
		}
	}
	c.writeHints(ctx, k)
	return nil
}

var _ ProcessedFilesCache = (*ProcessedFilesCacheImpl)(nil)
