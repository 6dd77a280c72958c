package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

const defaultAllowlistFetchTimeout = 10 * time.Second

// DomainAllowlistService is the slice of the allow-list service the checker
// needs: the merged global-plus-scoped entries for a scope.
type DomainAllowlistService interface {
	GetForScope(ctx context.Context, req model.DomainAllowlistLookupRequest) ([]*model.DomainAllowlist, error)
}

// DomainAllowlistChecker answers "is this domain allow-listed for this
// scope" with a short-lived in-process cache in front of the service.
type DomainAllowlistChecker struct {
	service      DomainAllowlistService
	matcher      *PatternMatcher
	cache        *allowlistCache
	fetchTimeout time.Duration
}

// DomainAllowlistCheckerOptions configures the checker.
type DomainAllowlistCheckerOptions struct {
	Service   DomainAllowlistService
	CacheTTL  time.Duration
	CacheSize int
	// FetchTimeout bounds upstream lookups. Nil picks the 10s default,
	// zero disables the bound.
	FetchTimeout *time.Duration
}

// NewDomainAllowlistChecker wires a checker with caching.
func NewDomainAllowlistChecker(opts DomainAllowlistCheckerOptions) *DomainAllowlistChecker {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 1000
	}

	timeout := defaultAllowlistFetchTimeout
	if opts.FetchTimeout != nil {
		timeout = *opts.FetchTimeout
	}

	return &DomainAllowlistChecker{
		service:      opts.Service,
		matcher:      NewPatternMatcher(),
		cache:        newAllowlistCache(opts.CacheTTL, opts.CacheSize),
		fetchTimeout: timeout,
	}
}

// Allowed reports whether domain matches an enabled entry for the scope.
// Lookup failures deny: a broken allow-list must not suppress detections.
func (c *DomainAllowlistChecker) Allowed(ctx context.Context, scope ScopeKey, domain string) bool {
	if c.service == nil {
		return false
	}

	entries, err := c.entriesForScope(ctx, scope)
	if err != nil {
		return false
	}

	return c.matcher.MatchAny(domain, entries)
}

func (c *DomainAllowlistChecker) entriesForScope(
	ctx context.Context,
	scope ScopeKey,
) ([]model.DomainAllowlist, error) {
	if entries, found := c.cache.get(scope); found {
		return entries, nil
	}

	fetchCtx := ctx
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	rows, err := c.service.GetForScope(fetchCtx, model.DomainAllowlistLookupRequest{Scope: scope.Scope})
	if err != nil {
		return nil, fmt.Errorf("fetch allowlist entries: %w", err)
	}

	entries := make([]model.DomainAllowlist, len(rows))
	for i, row := range rows {
		entries[i] = *row
	}

	c.cache.set(scope, entries)
	return entries, nil
}

// InvalidateCache drops the cached entries for one scope, or every scope
// when nil. Allow-list writers call this so evaluators see updates promptly.
func (c *DomainAllowlistChecker) InvalidateCache(scope *ScopeKey) {
	if scope == nil {
		c.cache.clear()
		return
	}
	c.cache.delete(*scope)
}

// allowlistCache is a small TTL map keyed by scope.
type allowlistCache struct {
	mu          sync.RWMutex
	entries     map[string]allowlistCacheEntry
	ttl         time.Duration
	maxSize     int
	lastCleanup time.Time
}

type allowlistCacheEntry struct {
	entries   []model.DomainAllowlist
	expiresAt time.Time
}

func newAllowlistCache(ttl time.Duration, maxSize int) *allowlistCache {
	return &allowlistCache{
		entries:     make(map[string]allowlistCacheEntry),
		ttl:         ttl,
		maxSize:     maxSize,
		lastCleanup: time.Now(),
	}
}

func (c *allowlistCache) key(scope ScopeKey) string {
	return "site:" + scope.SiteID + ":scope:" + scope.Scope
}

func (c *allowlistCache) get(scope ScopeKey) ([]model.DomainAllowlist, bool) {
	key := c.key(scope)

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && time.Now().After(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.entries, true
}

func (c *allowlistCache) set(scope ScopeKey, entries []model.DomainAllowlist) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastCleanup) > c.ttl {
		c.cleanupExpiredLocked()
		c.lastCleanup = time.Now()
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[c.key(scope)] = allowlistCacheEntry{
		entries:   entries,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *allowlistCache) delete(scope ScopeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.key(scope))
}

func (c *allowlistCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]allowlistCacheEntry)
}

// cleanupExpiredLocked expects c.mu held for writing.
func (c *allowlistCache) cleanupExpiredLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// evictOldestLocked drops the entry expiring soonest. Expects c.mu held.
func (c *allowlistCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
