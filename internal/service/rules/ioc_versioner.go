package rules

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/target/merrymaker-core/internal/core"
)

// IOCVersioner hands out the version token the IOC cache prefixes its keys
// with. Bumping the version orphans every cached entry at once.
type IOCVersioner interface {
	Current(ctx context.Context) (string, error)
	Bump(ctx context.Context) (string, error)
}

const (
	defaultIOCVersionKey     = "rules:ioc:version"
	defaultIOCVersionRefresh = time.Second
)

// IOCCacheVersioner keeps the version token in the shared cache with a
// short-lived local copy. Without a shared tier it degrades to process-local
// state, enough for single-node runs and tests.
type IOCCacheVersioner struct {
	shared  core.CacheRepository
	key     string
	refresh time.Duration

	mu        sync.RWMutex
	last      string
	lastFetch time.Time
	clock     func() time.Time
}

// NewIOCCacheVersioner wires a versioner. Zero values pick the defaults.
func NewIOCCacheVersioner(shared core.CacheRepository, key string, refresh time.Duration) *IOCCacheVersioner {
	if key == "" {
		key = defaultIOCVersionKey
	}
	if refresh <= 0 {
		refresh = defaultIOCVersionRefresh
	}
	return &IOCCacheVersioner{
		shared:  shared,
		key:     key,
		refresh: refresh,
		clock:   time.Now,
	}
}

// Current returns the version, re-reading the shared tier once per refresh
// interval. On a shared-tier error the last known value is still returned
// alongside the error so lookups can keep working.
func (v *IOCCacheVersioner) Current(ctx context.Context) (string, error) {
	now := v.clock()

	v.mu.RLock()
	last := v.last
	age := now.Sub(v.lastFetch)
	v.mu.RUnlock()

	if last != "" && age <= v.refresh {
		return last, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if v.last != "" && now.Sub(v.lastFetch) <= v.refresh {
		return v.last, nil
	}

	if v.shared == nil {
		if v.last == "" {
			v.last = "0"
		}
		v.lastFetch = now
		return v.last, nil
	}

	b, err := v.shared.Get(ctx, v.key)
	if err != nil {
		v.lastFetch = now
		if v.last == "" {
			v.last = "0"
		}
		return v.last, err
	}

	if len(b) == 0 {
		v.last = "0"
	} else {
		v.last = string(b)
	}
	v.lastFetch = now

	return v.last, nil
}

// Bump writes a fresh version token, unix nanos in base36 for monotonicity.
// The local copy updates even when the shared write fails so this process
// stops serving stale entries immediately.
func (v *IOCCacheVersioner) Bump(ctx context.Context) (string, error) {
	now := v.clock()
	version := strconv.FormatInt(now.UnixNano(), 36)

	var writeErr error
	if v.shared != nil {
		writeErr = v.shared.Set(ctx, v.key, []byte(version), 0)
	}

	v.mu.Lock()
	v.last = version
	v.lastFetch = now
	v.mu.Unlock()

	return version, writeErr
}

// SetClock injects a deterministic clock for tests.
func (v *IOCCacheVersioner) SetClock(fn func() time.Time) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	v.clock = fn
	v.mu.Unlock()
}

var _ IOCVersioner = (*IOCCacheVersioner)(nil)
