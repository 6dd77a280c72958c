package rules

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// LocalLRU is the in-process first tier of the rules caches: a bounded LRU
// of byte slices with per-entry TTL. Safe for concurrent use.
type LocalLRU struct {
	mu     sync.Mutex
	cap    int
	ll     *list.List // front = most recently used
	items  map[string]*list.Element
	now    func() time.Time
	hits   atomic.Uint64
	misses atomic.Uint64
	evicts atomic.Uint64
}

type lruEntry struct {
	key    string
	value  []byte
	expiry time.Time // zero means no expiry
}

// LocalLRUConfig tunes a LocalLRU. The zero value selects a 1024-entry
// cache on the system clock.
type LocalLRUConfig struct {
	Capacity int
	Now      func() time.Time
}

// NewLocalLRU builds a LocalLRU.
func NewLocalLRU(cfg LocalLRUConfig) *LocalLRU {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &LocalLRU{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[string]*list.Element, capacity),
		now:   nowFn,
	}
}

// Get returns the value for key when present and unexpired.
func (c *LocalLRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	ent := el.Value.(*lruEntry)
	if c.expired(ent) {
		c.remove(el)
		c.misses.Add(1)
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return ent.value, true
}

// Exists reports whether key is present and unexpired.
func (c *LocalLRU) Exists(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set inserts or refreshes key. A non-positive ttl stores without expiry.
func (c *LocalLRU) Set(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}

	if el, found := c.items[key]; found {
		ent := el.Value.(*lruEntry)
		ent.value = value
		ent.expiry = exp
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{key: key, value: value, expiry: exp})
	c.items[key] = el
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.remove(back)
		c.evicts.Add(1)
	}
}

// Delete removes key, reporting whether it was present.
func (c *LocalLRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
		return true
	}
	return false
}

// Len returns the current entry count.
func (c *LocalLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// LocalLRUStats is a snapshot of the cache counters.
type LocalLRUStats struct {
	Hits, Misses, Evictions uint64
	Size, Capacity          int
}

// Stats snapshots the counters.
func (c *LocalLRU) Stats() LocalLRUStats {
	return LocalLRUStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evicts.Load(),
		Size:      c.Len(),
		Capacity:  c.cap,
	}
}

func (c *LocalLRU) expired(e *lruEntry) bool {
	return !e.expiry.IsZero() && c.now().After(e.expiry)
}

// remove expects c.mu held.
func (c *LocalLRU) remove(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*lruEntry).key)
}
