package core

import (
	"context"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// CacheRepository is the shared cache port backed by Redis in production.
type CacheRepository interface {
	// Set stores value under key. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or nil when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Returns true when a value existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SetTTL re-arms the expiry of an existing key. Returns false when the
	// key is absent.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SetIfNotExists atomically claims key. Returns true when this call set
	// it, false when it already existed. Dedupe and alert-once tokens are
	// built on this.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health verifies the backing store is reachable.
	Health(ctx context.Context) error
}

// SourceCacheService keeps resolved source bodies in the shared cache so
// browser workers read scripts without touching PostgreSQL or the secret
// store. Bodies are cached with secret placeholders already substituted.
type SourceCacheService struct {
	cache   CacheRepository
	sources SourceRepository
	secrets SecretRepository
	ttl     time.Duration
}

// SourceCacheConfig tunes source-content caching.
type SourceCacheConfig struct {
	TTL time.Duration `json:"ttl"`
}

// SourceCacheServiceOptions bundles SourceCacheService dependencies.
type SourceCacheServiceOptions struct {
	Cache   CacheRepository
	Sources SourceRepository
	Secrets SecretRepository
	Config  SourceCacheConfig
}

// DefaultSourceCacheConfig caches resolved bodies for 30 minutes.
func DefaultSourceCacheConfig() SourceCacheConfig {
	return SourceCacheConfig{TTL: 30 * time.Minute}
}

// NewSourceCacheService wires a SourceCacheService.
func NewSourceCacheService(opts SourceCacheServiceOptions) *SourceCacheService {
	return &SourceCacheService{
		cache:   opts.Cache,
		sources: opts.Sources,
		secrets: opts.Secrets,
		ttl:     opts.Config.TTL,
	}
}

// CacheSourceContent fetches the source and caches its resolved body. An
// empty ID is a no-op so callers can pass through optional source fields.
func (s *SourceCacheService) CacheSourceContent(ctx context.Context, sourceID string) error {
	if sourceID == "" {
		return nil
	}

	source, err := s.sources.GetByID(ctx, sourceID)
	if err != nil {
		return err
	}

	return s.CacheResolvedSourceContent(ctx, source)
}

// CacheResolvedSourceContent caches the given source without re-fetching it,
// for callers that just created or updated the row. The write is skipped
// when the cached body already matches.
func (s *SourceCacheService) CacheResolvedSourceContent(ctx context.Context, source *model.Source) error {
	if source == nil || source.ID == "" {
		return nil
	}

	key := sourceContentKey(source.ID)
	cached, err := s.cache.Get(ctx, key)
	if err != nil {
		return err
	}

	body, err := ResolveSecretPlaceholders(ctx, s.secrets, source.Secrets, source.Body)
	if err != nil {
		return err
	}

	if len(cached) > 0 && string(cached) == body {
		return nil
	}

	return s.cache.Set(ctx, key, []byte(body), s.ttl)
}

// GetCachedSourceContent returns the cached resolved body, nil on a miss.
func (s *SourceCacheService) GetCachedSourceContent(ctx context.Context, sourceID string) ([]byte, error) {
	if sourceID == "" {
		return nil, nil
	}
	return s.cache.Get(ctx, sourceContentKey(sourceID))
}

// InvalidateSourceContent drops the cached body after a source or secret
// update so the next reader resolves fresh content.
func (s *SourceCacheService) InvalidateSourceContent(ctx context.Context, sourceID string) error {
	if sourceID == "" {
		return nil
	}
	_, err := s.cache.Delete(ctx, sourceContentKey(sourceID))
	return err
}

func sourceContentKey(sourceID string) string {
	return "source:content:" + sourceID
}
