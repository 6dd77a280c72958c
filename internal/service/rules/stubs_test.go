package rules

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

var errStubNotImplemented = errors.New("not implemented")

// fakeCacheRepo is an in-memory core.CacheRepository with call counters.
type fakeCacheRepo struct {
	mu      sync.Mutex
	entries map[string][]byte

	getErr    error
	setErr    error
	existsErr error

	setCalls    int
	getCalls    int
	existsCalls int
	setNXCalls  int
}

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{entries: map[string][]byte{}}
}

func (c *fakeCacheRepo) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[key] = value
	return nil
}

func (c *fakeCacheRepo) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[key], nil
}

func (c *fakeCacheRepo) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *fakeCacheRepo) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.existsCalls++
	if c.existsErr != nil {
		return false, c.existsErr
	}
	_, ok := c.entries[key]
	return ok, nil
}

func (c *fakeCacheRepo) SetTTL(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *fakeCacheRepo) SetIfNotExists(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setNXCalls++
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = value
	return true, nil
}

func (c *fakeCacheRepo) Health(context.Context) error { return nil }

func (c *fakeCacheRepo) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

var _ core.CacheRepository = (*fakeCacheRepo)(nil)

// fakeSeenRepo keeps seen-domain rows in a map keyed by site|domain|scope.
type fakeSeenRepo struct {
	mu   sync.Mutex
	rows map[string]*model.SeenDomain

	lookupErr error
	recordErr error

	lookupCalls int
	recordCalls int
}

func newFakeSeenRepo() *fakeSeenRepo {
	return &fakeSeenRepo{rows: map[string]*model.SeenDomain{}}
}

func seenRowKey(siteID, domain, scope string) string {
	return siteID + "|" + domain + "|" + scope
}

func (r *fakeSeenRepo) Lookup(_ context.Context, req model.SeenDomainLookupRequest) (*model.SeenDomain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookupCalls++
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	row, ok := r.rows[seenRowKey(req.SiteID, req.Domain, req.Scope)]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (r *fakeSeenRepo) RecordSeen(_ context.Context, req model.RecordDomainSeenRequest) (*model.SeenDomain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordCalls++
	if r.recordErr != nil {
		return nil, r.recordErr
	}
	key := seenRowKey(req.SiteID, req.Domain, req.Scope)
	row, ok := r.rows[key]
	if !ok {
		row = &model.SeenDomain{
			ID:       "seen-" + req.Domain,
			SiteID:   req.SiteID,
			Domain:   req.Domain,
			Scope:    req.Scope,
			HitCount: 0,
		}
		r.rows[key] = row
	}
	row.HitCount++
	row.LastSeenAt = time.Now()
	copied := *row
	return &copied, nil
}

func (r *fakeSeenRepo) Create(context.Context, model.CreateSeenDomainRequest) (*model.SeenDomain, error) {
	return nil, errStubNotImplemented
}

func (r *fakeSeenRepo) GetByID(context.Context, string) (*model.SeenDomain, error) {
	return nil, errStubNotImplemented
}

func (r *fakeSeenRepo) List(context.Context, model.SeenDomainListOptions) ([]*model.SeenDomain, error) {
	return nil, errStubNotImplemented
}

func (r *fakeSeenRepo) Update(context.Context, string, model.UpdateSeenDomainRequest) (*model.SeenDomain, error) {
	return nil, errStubNotImplemented
}

func (r *fakeSeenRepo) Delete(context.Context, string) (bool, error) {
	return false, errStubNotImplemented
}

var _ core.SeenDomainRepository = (*fakeSeenRepo)(nil)

// fakeAlerter records created alerts.
type fakeAlerter struct {
	mu      sync.Mutex
	created []*model.CreateAlertRequest
	err     error
}

func (f *fakeAlerter) Create(_ context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &model.Alert{
		ID:          "alert-1",
		SiteID:      req.SiteID,
		RuleType:    req.RuleType,
		Severity:    req.Severity,
		Title:       req.Title,
		Description: req.Description,
	}, nil
}

var _ AlertCreator = (*fakeAlerter)(nil)

// failingAlertOnce errors on every call, standing in for a down shared tier.
type failingAlertOnce struct{ err error }

func (f failingAlertOnce) Seen(context.Context, AlertSeenRequest) (bool, error) {
	return false, f.err
}

func (f failingAlertOnce) Peek(context.Context, AlertSeenRequest) (bool, error) {
	return false, f.err
}

var _ AlertOnceCache = failingAlertOnce{}

// staticAllowlist answers from a fixed set.
type staticAllowlist struct{ set map[string]bool }

func (s staticAllowlist) Allowed(_ context.Context, _ ScopeKey, domain string) bool {
	return s.set[domain]
}

// localOnlyCaches builds caches with no shared tier and no repositories.
func localOnlyCaches() Caches {
	ttl := DefaultCacheTTL()
	return Caches{
		Seen: NewSeenDomainsCache(SeenDomainsCacheDeps{
			Local: NewLocalLRU(LocalLRUConfig{Capacity: 128}),
			TTL:   ttl,
		}),
		IOCs: NewIOCCache(IOCCacheDeps{
			Local: NewLocalLRU(LocalLRUConfig{Capacity: 128}),
			TTL:   ttl,
		}),
		Files: NewProcessedFilesCache(ProcessedFilesCacheDeps{
			Local: NewLocalLRU(LocalLRUConfig{Capacity: 128}),
			TTL:   ttl,
		}),
		AlertOnce: NewAlertOnceThrottle(NewLocalLRU(LocalLRUConfig{Capacity: 128}), nil),
	}
}
