package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/target/merrymaker-core/internal/domain/model"
	servicerules "github.com/target/merrymaker-core/internal/service/rules"
)

// UnknownDomainEvaluator is the subset of the unknown-domain service the
// pipeline rule needs.
type UnknownDomainEvaluator interface {
	Evaluate(ctx context.Context, req servicerules.UnknownDomainRequest) (bool, error)
	Preview(ctx context.Context, req servicerules.UnknownDomainRequest) (bool, error)
}

// UnknownDomainRule flags first-time domains for a detection scope. Live
// runs create alerts; dry runs record what would have alerted.
type UnknownDomainRule struct {
	Evaluator UnknownDomainEvaluator
}

// ID identifies the rule.
func (r *UnknownDomainRule) ID() string {
	return string(model.AlertRuleTypeUnknownDomain)
}

// Evaluate runs the unknown-domain evaluator and defers the metrics
// mutation into the returned evaluation.
func (r *UnknownDomainRule) Evaluate(ctx context.Context, item RuleWorkItem) RuleEvaluation {
	result := RuleEvaluation{RuleID: r.ID()}
	if r == nil || r.Evaluator == nil {
		return result
	}

	domain := strings.TrimSpace(item.Domain)
	if domain == "" {
		return result
	}

	mode := normalizeAlertMode(item.AlertMode)
	recorder := &unknownDomainCapture{dryRun: item.DryRun, alertMode: mode}
	req := servicerules.UnknownDomainRequest{
		Scope: servicerules.ScopeKey{
			SiteID: item.SiteID,
			Scope:  item.Scope,
		},
		Domain:     domain,
		SiteID:     item.SiteID,
		JobID:      item.JobID,
		RequestURL: item.RequestURL,
		PageURL:    item.PageURL,
		Referrer:   item.Referrer,
		UserAgent:  item.UserAgent,
		EventID:    item.EventID,
		Recorder:   recorder,
	}

	var (
		applyFn func(*ProcessingResults)
		err     error
	)
	if item.DryRun {
		applyFn, err = r.evaluateDryRun(ctx, req, recorder, domain)
	} else {
		applyFn, err = r.evaluateLive(ctx, req, recorder)
	}
	if err != nil {
		result.Err = err
		return result
	}
	result.ApplyFn = applyFn
	return result
}

func (r *UnknownDomainRule) evaluateDryRun(
	ctx context.Context,
	req servicerules.UnknownDomainRequest,
	recorder *unknownDomainCapture,
	domain string,
) (func(*ProcessingResults), error) {
	wouldAlert, err := r.Evaluator.Preview(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unknown-domain preview: %w", err)
	}

	unknownDomains := 0
	var previewed []string
	if wouldAlert {
		unknownDomains++
		previewed = append(previewed, strings.ToLower(domain))
	}
	metrics := recorder.metrics

	return func(results *ProcessingResults) {
		if results == nil {
			return
		}
		results.UnknownDomains += unknownDomains
		for _, d := range previewed {
			AppendUniqueLower(&results.WouldAlertUnknown, d)
		}
		MergeUnknownDomainMetrics(&results.UnknownDomain, metrics)
	}, nil
}

func (r *UnknownDomainRule) evaluateLive(
	ctx context.Context,
	req servicerules.UnknownDomainRequest,
	recorder *unknownDomainCapture,
) (func(*ProcessingResults), error) {
	alerted, err := r.Evaluator.Evaluate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("unknown-domain evaluate: %w", err)
	}

	alertsCreated := 0
	unknownDomains := 0
	if alerted {
		alertsCreated++
		unknownDomains++
	}
	metrics := recorder.metrics

	return func(results *ProcessingResults) {
		if results == nil {
			return
		}
		results.AlertsCreated += alertsCreated
		results.UnknownDomains += unknownDomains
		MergeUnknownDomainMetrics(&results.UnknownDomain, metrics)
	}, nil
}

// unknownDomainCapture translates evaluator decisions into metric buckets
// without the evaluator knowing about ProcessingResults.
type unknownDomainCapture struct {
	dryRun    bool
	alertMode model.SiteAlertMode
	metrics   UnknownDomainMetrics
}

func (c *unknownDomainCapture) RecordUnknownDomainDecision(
	decision servicerules.UnknownDomainDecision,
	domain string,
) {
	d := strings.ToLower(strings.TrimSpace(domain))
	switch decision {
	case servicerules.UnknownDomainDecisionAlertCreated:
		c.recordAlertCreated(d)
	case servicerules.UnknownDomainDecisionAllowlisted:
		c.metrics.SuppressedAllowlist.Record(d)
	case servicerules.UnknownDomainDecisionAlreadySeen:
		c.metrics.SuppressedSeen.Record(d)
	case servicerules.UnknownDomainDecisionDeduped:
		c.metrics.SuppressedDedupe.Record(d)
	case servicerules.UnknownDomainDecisionNormalizationFailed:
		c.metrics.NormalizationFailed.Record(d)
	case servicerules.UnknownDomainDecisionError:
		c.metrics.Errors.Record(d)
	}
}

func (c *unknownDomainCapture) recordAlertCreated(domain string) {
	if c.dryRun {
		c.metrics.AlertedDryRun.Record(domain)
		return
	}
	if c.alertMode == model.SiteAlertModeMuted {
		c.metrics.AlertedMuted.Record(domain)
		return
	}
	c.metrics.Alerted.Record(domain)
}

// IOCEvaluator is the subset of the IOC service the pipeline rule needs.
type IOCEvaluator interface {
	Evaluate(ctx context.Context, req servicerules.IOCRequest) (bool, error)
}

// IOCRule matches event hosts against the indicator-of-compromise set. The
// cache is consulted directly in dry runs so previews never create alerts
// or consume alert-once tokens.
type IOCRule struct {
	Evaluator IOCEvaluator
	Cache     servicerules.IOCCache
}

// ID identifies the rule.
func (r *IOCRule) ID() string {
	return string(model.AlertRuleTypeIOC)
}

// Evaluate runs the IOC evaluator and defers the metrics mutation into the
// returned evaluation.
func (r *IOCRule) Evaluate(ctx context.Context, item RuleWorkItem) RuleEvaluation {
	result := RuleEvaluation{RuleID: r.ID()}
	if r == nil || r.Evaluator == nil {
		return result
	}

	host := strings.TrimSpace(item.Domain)
	if host == "" {
		return result
	}
	normalized := strings.ToLower(host)

	var (
		applyFn func(*ProcessingResults)
		err     error
	)
	if item.DryRun {
		applyFn, err = r.evaluateDryRun(ctx, normalized)
	} else {
		applyFn, err = r.evaluateLive(ctx, host, normalized, item)
	}
	if err != nil {
		result.Err = err
		return result
	}
	result.ApplyFn = applyFn
	return result
}

func (r *IOCRule) evaluateLive(
	ctx context.Context,
	host string,
	normalized string,
	item RuleWorkItem,
) (func(*ProcessingResults), error) {
	alerted, err := r.Evaluator.Evaluate(ctx, servicerules.IOCRequest{
		Scope: servicerules.ScopeKey{
			SiteID: item.SiteID,
			Scope:  item.Scope,
		},
		Host:       host,
		SiteID:     item.SiteID,
		JobID:      item.JobID,
		RequestURL: item.RequestURL,
		PageURL:    item.PageURL,
		Referrer:   item.Referrer,
		UserAgent:  item.UserAgent,
		EventID:    item.EventID,
	})
	if err != nil {
		return nil, fmt.Errorf("ioc evaluate: %w", err)
	}

	metrics := IOCMetrics{}
	matches := 0
	alerts := 0
	if alerted {
		matches = 1
		alerts = 1
		recordIOCAlertMetrics(&metrics, normalized, normalizeAlertMode(item.AlertMode))
	}

	return func(results *ProcessingResults) {
		if results == nil {
			return
		}
		results.AlertsCreated += alerts
		results.IOCHostMatches += matches
		MergeIOCMetrics(&results.IOC, metrics)
	}, nil
}

func (r *IOCRule) evaluateDryRun(ctx context.Context, normalized string) (func(*ProcessingResults), error) {
	if r.Cache == nil {
		return nil, nil //nolint:nilnil // no cache means no-op apply
	}

	ioc, err := r.Cache.LookupHost(ctx, normalized)
	if err != nil {
		if errors.Is(err, servicerules.ErrNotFound) {
			return nil, nil //nolint:nilnil // cache miss: no-op apply
		}
		return nil, fmt.Errorf("ioc cache lookup: %w", err)
	}
	if ioc == nil {
		return nil, nil //nolint:nilnil // absent IOC by cache contract
	}

	metrics := IOCMetrics{}
	metrics.MatchesDryRun.Record(normalized)

	return func(results *ProcessingResults) {
		if results == nil {
			return
		}
		results.IOCHostMatches++
		AppendUniqueLower(&results.WouldAlertIOC, normalized)
		MergeIOCMetrics(&results.IOC, metrics)
	}, nil
}

func normalizeAlertMode(mode model.SiteAlertMode) model.SiteAlertMode {
	if normalized, ok := model.ParseSiteAlertMode(string(mode)); ok {
		return normalized
	}
	return model.SiteAlertModeActive
}

func recordIOCAlertMetrics(metrics *IOCMetrics, normalized string, mode model.SiteAlertMode) {
	if metrics == nil {
		return
	}
	metrics.Matches.Record(normalized)
	if mode == model.SiteAlertModeMuted {
		metrics.AlertsMuted.Record(normalized)
		return
	}
	metrics.Alerts.Record(normalized)
}
