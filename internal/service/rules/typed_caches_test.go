package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data"
	"github.com/target/merrymaker-core/internal/domain/model"
)

func TestSeenDomainsCache_Check(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}
	key := SeenKey{Scope: scope, Domain: "Example.COM"}

	t.Run("first check records and reports unseen", func(t *testing.T) {
		repo := newFakeSeenRepo()
		cache := NewSeenDomainsCache(SeenDomainsCacheDeps{
			Local:  NewLocalLRU(LocalLRUConfig{Capacity: 16}),
			Shared: newFakeCacheRepo(),
			Repo:   repo,
			TTL:    DefaultCacheTTL(),
		})

		seen, err := cache.Check(ctx, key)
		require.NoError(t, err)
		assert.False(t, seen, "first sighting should report unseen")
		assert.Equal(t, 1, repo.recordCalls)

		seen, err = cache.Check(ctx, key)
		require.NoError(t, err)
		assert.True(t, seen, "second sighting should report seen")
	})

	t.Run("hint tiers short-circuit without skipping the upsert", func(t *testing.T) {
		repo := newFakeSeenRepo()
		shared := newFakeCacheRepo()
		cache := NewSeenDomainsCache(SeenDomainsCacheDeps{
			Local:  NewLocalLRU(LocalLRUConfig{Capacity: 16}),
			Shared: shared,
			Repo:   repo,
			TTL:    DefaultCacheTTL(),
		})

		_, err := cache.Check(ctx, key)
		require.NoError(t, err)
		seen, err := cache.Check(ctx, key)
		require.NoError(t, err)
		assert.True(t, seen)
		assert.Equal(t, 2, repo.recordCalls, "hit counts stay truthful on hint hits")
	})

	t.Run("shared hint layout", func(t *testing.T) {
		shared := newFakeCacheRepo()
		cache := NewSeenDomainsCache(SeenDomainsCacheDeps{
			Shared: shared,
			Repo:   newFakeSeenRepo(),
			TTL:    DefaultCacheTTL(),
		})

		_, err := cache.Check(ctx, key)
		require.NoError(t, err)
		assert.True(t, shared.has("rules:seen:site:site-1:scope:checkout:domain:example.com"))
	})

	t.Run("validation", func(t *testing.T) {
		cache := NewSeenDomainsCache(SeenDomainsCacheDeps{TTL: DefaultCacheTTL()})
		_, err := cache.Check(ctx, SeenKey{Scope: ScopeKey{SiteID: "s"}, Domain: "d"})
		require.Error(t, err)
		_, err = cache.Check(ctx, SeenKey{Scope: scope, Domain: " "})
		require.Error(t, err)
	})
}

func TestSeenDomainsCache_ExistsDoesNotRecord(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}
	key := SeenKey{Scope: scope, Domain: "example.com"}

	repo := newFakeSeenRepo()
	cache := NewSeenDomainsCache(SeenDomainsCacheDeps{
		Local: NewLocalLRU(LocalLRUConfig{Capacity: 16}),
		Repo:  repo,
		TTL:   DefaultCacheTTL(),
	})

	seen, err := cache.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, 0, repo.recordCalls, "Exists must not mutate")

	require.NoError(t, cache.Record(ctx, key))
	assert.Equal(t, 1, repo.recordCalls)

	seen, err = cache.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSeenDomainsCache_RepoHitPrimesHints(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}
	key := SeenKey{Scope: scope, Domain: "example.com"}

	repo := newFakeSeenRepo()
	_, err := repo.RecordSeen(ctx, model.RecordDomainSeenRequest{
		SiteID: "site-1", Domain: "example.com", Scope: "checkout",
	})
	require.NoError(t, err)

	local := NewLocalLRU(LocalLRUConfig{Capacity: 16})
	cache := NewSeenDomainsCache(SeenDomainsCacheDeps{
		Local: local,
		Repo:  repo,
		TTL:   DefaultCacheTTL(),
	})

	seen, err := cache.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, seen)
	require.Equal(t, 1, repo.lookupCalls)

	// Second lookup is served from the primed local tier.
	seen, err = cache.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 1, repo.lookupCalls)
}

// fakeIOCRepo serves LookupHost from a fixed map; misses return the
// repository's not-found sentinel.
type fakeIOCRepo struct {
	mu          sync.Mutex
	byHost      map[string]*model.IOC
	lookupCalls int
}

func (r *fakeIOCRepo) LookupHost(_ context.Context, req model.IOCLookupRequest) (*model.IOC, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookupCalls++
	if ioc, ok := r.byHost[req.Host]; ok {
		copied := *ioc
		return &copied, nil
	}
	return nil, data.ErrIOCNotFound
}

func (r *fakeIOCRepo) Create(context.Context, model.CreateIOCRequest) (*model.IOC, error) {
	return nil, errStubNotImplemented
}

func (r *fakeIOCRepo) GetByID(context.Context, string) (*model.IOC, error) {
	return nil, errStubNotImplemented
}

func (r *fakeIOCRepo) List(context.Context, model.IOCListOptions) ([]*model.IOC, error) {
	return nil, errStubNotImplemented
}

func (r *fakeIOCRepo) Update(context.Context, string, model.UpdateIOCRequest) (*model.IOC, error) {
	return nil, errStubNotImplemented
}

func (r *fakeIOCRepo) Delete(context.Context, string) (bool, error) {
	return false, errStubNotImplemented
}

func (r *fakeIOCRepo) BulkCreate(context.Context, model.BulkCreateIOCsRequest) (int, error) {
	return 0, errStubNotImplemented
}

func (r *fakeIOCRepo) Stats(context.Context) (*core.IOCStats, error) {
	return nil, errStubNotImplemented
}

var _ core.IOCRepository = (*fakeIOCRepo)(nil)

func TestIOCCache_LookupHost(t *testing.T) {
	ctx := context.Background()
	evil := &model.IOC{ID: "ioc-1", Type: model.IOCTypeFQDN, Value: "evil.test", Enabled: true}

	t.Run("positive hit caches in both tiers", func(t *testing.T) {
		repo := &fakeIOCRepo{byHost: map[string]*model.IOC{"evil.test": evil}}
		shared := newFakeCacheRepo()
		cache := NewIOCCache(IOCCacheDeps{
			Local:  NewLocalLRU(LocalLRUConfig{Capacity: 16}),
			Shared: shared,
			Repo:   repo,
			TTL:    DefaultCacheTTL(),
		})

		got, err := cache.LookupHost(ctx, "Evil.TEST")
		require.NoError(t, err)
		assert.Equal(t, "ioc-1", got.ID)
		require.Equal(t, 1, repo.lookupCalls)

		got, err = cache.LookupHost(ctx, "evil.test")
		require.NoError(t, err)
		assert.Equal(t, "ioc-1", got.ID)
		assert.Equal(t, 1, repo.lookupCalls, "repeat lookups should hit the cache")
	})

	t.Run("negative result is cached", func(t *testing.T) {
		repo := &fakeIOCRepo{byHost: map[string]*model.IOC{}}
		cache := NewIOCCache(IOCCacheDeps{
			Local: NewLocalLRU(LocalLRUConfig{Capacity: 16}),
			Repo:  repo,
			TTL:   DefaultCacheTTL(),
		})

		_, err := cache.LookupHost(ctx, "benign.test")
		require.ErrorIs(t, err, ErrNotFound)
		require.Equal(t, 1, repo.lookupCalls)

		_, err = cache.LookupHost(ctx, "benign.test")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, repo.lookupCalls, "negative entries should absorb repeats")
	})

	t.Run("version bump invalidates cached entries", func(t *testing.T) {
		repo := &fakeIOCRepo{byHost: map[string]*model.IOC{"evil.test": evil}}
		shared := newFakeCacheRepo()
		versioner := NewIOCCacheVersioner(shared, "", time.Nanosecond)
		cache := NewIOCCache(IOCCacheDeps{
			Local:     NewLocalLRU(LocalLRUConfig{Capacity: 16}),
			Shared:    shared,
			Repo:      repo,
			TTL:       DefaultCacheTTL(),
			Versioner: versioner,
		})

		_, err := cache.LookupHost(ctx, "evil.test")
		require.NoError(t, err)
		require.Equal(t, 1, repo.lookupCalls)

		_, err = versioner.Bump(ctx)
		require.NoError(t, err)

		_, err = cache.LookupHost(ctx, "evil.test")
		require.NoError(t, err)
		assert.Equal(t, 2, repo.lookupCalls, "new version should bypass stale entries")
	})

	t.Run("empty host rejected", func(t *testing.T) {
		cache := NewIOCCache(IOCCacheDeps{TTL: DefaultCacheTTL()})
		_, err := cache.LookupHost(ctx, "  ")
		require.Error(t, err)
	})
}

// fakeProcessedFileRepo keeps rows keyed by site|hash|scope.
type fakeProcessedFileRepo struct {
	mu          sync.Mutex
	rows        map[string]*model.ProcessedFile
	createCalls int
}

func newFakeProcessedFileRepo() *fakeProcessedFileRepo {
	return &fakeProcessedFileRepo{rows: map[string]*model.ProcessedFile{}}
}

func processedRowKey(siteID, hash, scope string) string {
	return siteID + "|" + hash + "|" + scope
}

func (r *fakeProcessedFileRepo) Lookup(
	_ context.Context,
	req model.ProcessedFileLookupRequest,
) (*model.ProcessedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[processedRowKey(req.SiteID, req.FileHash, req.Scope)]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (r *fakeProcessedFileRepo) Create(
	_ context.Context,
	req model.CreateProcessedFileRequest,
) (*model.ProcessedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	row := &model.ProcessedFile{
		ID:         "pf-1",
		SiteID:     req.SiteID,
		FileHash:   req.FileHash,
		StorageKey: req.StorageKey,
		Scope:      req.Scope,
	}
	r.rows[processedRowKey(req.SiteID, req.FileHash, req.Scope)] = row
	copied := *row
	return &copied, nil
}

func (r *fakeProcessedFileRepo) GetByID(context.Context, string) (*model.ProcessedFile, error) {
	return nil, errStubNotImplemented
}

func (r *fakeProcessedFileRepo) List(
	context.Context,
	model.ProcessedFileListOptions,
) ([]*model.ProcessedFile, error) {
	return nil, errStubNotImplemented
}

func (r *fakeProcessedFileRepo) Update(
	context.Context,
	string,
	model.UpdateProcessedFileRequest,
) (*model.ProcessedFile, error) {
	return nil, errStubNotImplemented
}

func (r *fakeProcessedFileRepo) Delete(context.Context, string) (bool, error) {
	return false, errStubNotImplemented
}

func (r *fakeProcessedFileRepo) Stats(context.Context, *string) (*model.ProcessedFileStats, error) {
	return nil, errStubNotImplemented
}

var _ core.ProcessedFileRepository = (*fakeProcessedFileRepo)(nil)

func TestProcessedFilesCache(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}
	hash := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	key := FileKey{Scope: scope, FileHash: hash}

	t.Run("mark then check", func(t *testing.T) {
		repo := newFakeProcessedFileRepo()
		cache := NewProcessedFilesCache(ProcessedFilesCacheDeps{
			Local: NewLocalLRU(LocalLRUConfig{Capacity: 16}),
			Repo:  repo,
			TTL:   DefaultCacheTTL(),
		})

		processed, err := cache.IsProcessed(ctx, key)
		require.NoError(t, err)
		assert.False(t, processed)

		require.NoError(t, cache.MarkProcessed(ctx, key, "files/site-1/"+hash))
		require.Equal(t, 1, repo.createCalls)

		processed, err = cache.IsProcessed(ctx, key)
		require.NoError(t, err)
		assert.True(t, processed)

		// Re-marking an existing row does not duplicate it.
		require.NoError(t, cache.MarkProcessed(ctx, key, "files/site-1/"+hash))
		assert.Equal(t, 1, repo.createCalls)
	})

	t.Run("validation", func(t *testing.T) {
		cache := NewProcessedFilesCache(ProcessedFilesCacheDeps{TTL: DefaultCacheTTL()})

		_, err := cache.IsProcessed(ctx, FileKey{Scope: scope, FileHash: "short"})
		require.Error(t, err)

		err = cache.MarkProcessed(ctx, key, "  ")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage_key is required")
	})
}
