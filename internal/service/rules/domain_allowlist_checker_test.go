package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
)

type fakeAllowlistService struct {
	entries []*model.DomainAllowlist
	err     error
	calls   int
}

func (s *fakeAllowlistService) GetForScope(
	_ context.Context,
	_ model.DomainAllowlistLookupRequest,
) ([]*model.DomainAllowlist, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func TestDomainAllowlistChecker_Allowed(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}

	svc := &fakeAllowlistService{entries: []*model.DomainAllowlist{
		{Pattern: "*.trusted.com", PatternType: model.PatternTypeWildcard, Enabled: true},
		{Pattern: "exact.test", PatternType: model.PatternTypeExact, Enabled: true},
		{Pattern: "off.test", PatternType: model.PatternTypeExact, Enabled: false},
	}}
	checker := NewDomainAllowlistChecker(DomainAllowlistCheckerOptions{Service: svc})

	assert.True(t, checker.Allowed(ctx, scope, "cdn.trusted.com"))
	assert.True(t, checker.Allowed(ctx, scope, "exact.test"))
	assert.False(t, checker.Allowed(ctx, scope, "off.test"))
	assert.False(t, checker.Allowed(ctx, scope, "evil.test"))
}

func TestDomainAllowlistChecker_CachesPerScope(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}

	svc := &fakeAllowlistService{entries: []*model.DomainAllowlist{
		{Pattern: "cached.test", PatternType: model.PatternTypeExact, Enabled: true},
	}}
	checker := NewDomainAllowlistChecker(DomainAllowlistCheckerOptions{
		Service:  svc,
		CacheTTL: time.Minute,
	})

	require.True(t, checker.Allowed(ctx, scope, "cached.test"))
	require.True(t, checker.Allowed(ctx, scope, "cached.test"))
	require.False(t, checker.Allowed(ctx, scope, "other.test"))
	assert.Equal(t, 1, svc.calls, "repeat lookups within the ttl should hit the cache")

	// A different scope misses the cache.
	other := ScopeKey{SiteID: "site-1", Scope: "landing"}
	checker.Allowed(ctx, other, "cached.test")
	assert.Equal(t, 2, svc.calls)
}

func TestDomainAllowlistChecker_InvalidateCache(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}

	svc := &fakeAllowlistService{entries: []*model.DomainAllowlist{
		{Pattern: "cached.test", PatternType: model.PatternTypeExact, Enabled: true},
	}}
	checker := NewDomainAllowlistChecker(DomainAllowlistCheckerOptions{Service: svc})

	require.True(t, checker.Allowed(ctx, scope, "cached.test"))
	require.Equal(t, 1, svc.calls)

	checker.InvalidateCache(&scope)
	checker.Allowed(ctx, scope, "cached.test")
	assert.Equal(t, 2, svc.calls, "scope invalidation should force a refetch")

	checker.InvalidateCache(nil)
	checker.Allowed(ctx, scope, "cached.test")
	assert.Equal(t, 3, svc.calls, "full invalidation should force a refetch")
}

func TestDomainAllowlistChecker_DeniesOnError(t *testing.T) {
	ctx := context.Background()
	scope := ScopeKey{SiteID: "site-1", Scope: "checkout"}

	svc := &fakeAllowlistService{err: errors.New("db down")}
	checker := NewDomainAllowlistChecker(DomainAllowlistCheckerOptions{Service: svc})

	assert.False(t, checker.Allowed(ctx, scope, "anything.test"),
		"lookup failures must deny, not allow")

	nilChecker := NewDomainAllowlistChecker(DomainAllowlistCheckerOptions{})
	assert.False(t, nilChecker.Allowed(ctx, scope, "anything.test"))
}
