package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/domain/model"
)

func iocCachesWith(repo *fakeIOCRepo) Caches {
	c := localOnlyCaches()
	c.IOCs = NewIOCCache(IOCCacheDeps{
		Local: NewLocalLRU(LocalLRUConfig{Capacity: 16}),
		Repo:  repo,
		TTL:   DefaultCacheTTL(),
	})
	return c
}

func TestIOCEvaluator_MatchCreatesAlert(t *testing.T) {
	ctx := context.Background()
	desc := "known skimmer infra"
	repo := &fakeIOCRepo{byHost: map[string]*model.IOC{
		"evil.test": {ID: "ioc-1", Type: model.IOCTypeFQDN, Value: "evil.test", Enabled: true, Description: &desc},
	}}
	fa := &fakeAlerter{}
	eval := &IOCEvaluator{Caches: iocCachesWith(repo), Alerter: fa, AlertTTL: time.Hour}

	alerted, err := eval.Evaluate(ctx, IOCRequest{
		Scope:   ScopeKey{SiteID: "site-1", Scope: "checkout"},
		Host:    "Evil.TEST",
		SiteID:  "site-1",
		JobID:   "job-1",
		EventID: "evt-1",
	})
	require.NoError(t, err)
	assert.True(t, alerted)
	require.Len(t, fa.created, 1)

	created := fa.created[0]
	assert.Equal(t, model.AlertRuleTypeIOC, created.RuleType)
	assert.Equal(t, model.AlertSeverityHigh, created.Severity)
	assert.Contains(t, created.Description, "evil.test")
	assert.Contains(t, created.Description, desc)

	var ctxMap map[string]any
	require.NoError(t, json.Unmarshal(created.EventContext, &ctxMap))
	assert.Equal(t, "ioc-1", ctxMap["ioc_id"])
	assert.Equal(t, "fqdn", ctxMap["ioc_type"])
	assert.Equal(t, "job-1", ctxMap["job_id"])
	assert.Equal(t, "evt-1", ctxMap["event_id"])
}

func TestIOCEvaluator_NoMatchNoAlert(t *testing.T) {
	ctx := context.Background()
	repo := &fakeIOCRepo{byHost: map[string]*model.IOC{}}
	fa := &fakeAlerter{}
	eval := &IOCEvaluator{Caches: iocCachesWith(repo), Alerter: fa, AlertTTL: time.Hour}

	alerted, err := eval.Evaluate(ctx, IOCRequest{
		Scope: ScopeKey{SiteID: "site-1", Scope: "checkout"},
		Host:  "benign.test",
	})
	require.NoError(t, err)
	assert.False(t, alerted)
	assert.Empty(t, fa.created)
}

func TestIOCEvaluator_AlertOncePerScope(t *testing.T) {
	ctx := context.Background()
	repo := &fakeIOCRepo{byHost: map[string]*model.IOC{
		"evil.test": {ID: "ioc-1", Type: model.IOCTypeFQDN, Value: "evil.test", Enabled: true},
	}}
	fa := &fakeAlerter{}
	eval := &IOCEvaluator{Caches: iocCachesWith(repo), Alerter: fa, AlertTTL: time.Hour}

	req := IOCRequest{
		Scope: ScopeKey{SiteID: "site-1", Scope: "checkout"},
		Host:  "evil.test",
	}

	alerted, err := eval.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, alerted)

	alerted, err = eval.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, alerted, "repeat match in the same scope should dedupe")
	assert.Len(t, fa.created, 1)

	// A different scope gets its own alert window.
	alerted, err = eval.Evaluate(ctx, IOCRequest{
		Scope: ScopeKey{SiteID: "site-1", Scope: "landing"},
		Host:  "evil.test",
	})
	require.NoError(t, err)
	assert.True(t, alerted)
	assert.Len(t, fa.created, 2)
}

func TestIOCEvaluator_EmptyHostAndValidation(t *testing.T) {
	ctx := context.Background()
	eval := &IOCEvaluator{Caches: localOnlyCaches(), Alerter: &fakeAlerter{}}

	alerted, err := eval.Evaluate(ctx, IOCRequest{
		Scope: ScopeKey{SiteID: "site-1", Scope: "checkout"},
		Host:  "   ",
	})
	require.NoError(t, err)
	assert.False(t, alerted)

	_, err = eval.Evaluate(ctx, IOCRequest{Scope: ScopeKey{}, Host: "evil.test"})
	require.Error(t, err)
}
