package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// AlertCreator is the slice of the alert service evaluators need.
type AlertCreator interface {
	Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error)
}

// AllowlistChecker preempts alerts for allow-listed domains in a scope.
type AllowlistChecker interface {
	Allowed(ctx context.Context, scope ScopeKey, domain string) bool
}

// UnknownDomainDecision is the outcome of one unknown-domain evaluation.
type UnknownDomainDecision string

const (
	UnknownDomainDecisionAlertCreated        UnknownDomainDecision = "alert_created"
	UnknownDomainDecisionAllowlisted         UnknownDomainDecision = "allowlisted"
	UnknownDomainDecisionAlreadySeen         UnknownDomainDecision = "already_seen"
	UnknownDomainDecisionDeduped             UnknownDomainDecision = "deduped"
	UnknownDomainDecisionNormalizationFailed UnknownDomainDecision = "normalization_failed"
	UnknownDomainDecisionError               UnknownDomainDecision = "error"
)

// UnknownDomainDecisionRecorder receives every decision for observability.
type UnknownDomainDecisionRecorder interface {
	RecordUnknownDomainDecision(decision UnknownDomainDecision, domain string)
}

// UnknownDomainRequest carries one domain sighting through the evaluator.
type UnknownDomainRequest struct {
	Scope  ScopeKey
	Domain string

	SiteID     string
	JobID      string
	RequestURL string
	PageURL    string
	Referrer   string
	UserAgent  string
	EventID    string

	Recorder UnknownDomainDecisionRecorder
}

func (req UnknownDomainRequest) record(decision UnknownDomainDecision, domain string) {
	if req.Recorder != nil {
		req.Recorder.RecordUnknownDomainDecision(decision, domain)
	}
}

// UnknownDomainEvaluator flags domains a detection scope has never seen.
// Evaluate is the live path; Preview is the dry-run path that never creates
// alerts or consumes alert-once tokens.
type UnknownDomainEvaluator struct {
	Caches    Caches
	Alerter   AlertCreator
	Allowlist AllowlistChecker // optional
	AlertTTL  time.Duration    // alert-once window; zero disables dedupe
	Logger    *slog.Logger     // optional
}

// Evaluate checks one domain sighting and creates an alert when the domain
// is unknown. The seen-domain upsert happens inside the check, so the first
// sighting both records the domain and reports it unknown atomically.
func (e *UnknownDomainEvaluator) Evaluate(ctx context.Context, req UnknownDomainRequest) (bool, error) {
	if err := req.Scope.Validate(); err != nil {
		return false, err
	}
	domain := normalizeHost(req.Domain)
	if domain == "" {
		req.record(UnknownDomainDecisionNormalizationFailed, strings.TrimSpace(req.Domain))
		e.debug(ctx, "alert suppressed: domain normalization failed", req, req.Domain)
		return false, nil
	}

	if e.allowlisted(ctx, req, domain) {
		req.record(UnknownDomainDecisionAllowlisted, domain)
		e.debug(ctx, "alert suppressed: domain allowlisted", req, domain)
		if err := e.Caches.Seen.Record(ctx, SeenKey{Scope: req.Scope, Domain: domain}); err != nil {
			e.warn(ctx, "record allowlisted domain as seen failed", req, domain, err)
		}
		return false, nil
	}

	seen, err := e.Caches.Seen.Check(ctx, SeenKey{Scope: req.Scope, Domain: domain})
	if err != nil {
		req.record(UnknownDomainDecisionError, domain)
		return false, fmt.Errorf("seen-domain check %q: %w", domain, err)
	}
	if seen {
		req.record(UnknownDomainDecisionAlreadySeen, domain)
		e.debug(ctx, "alert suppressed: domain already seen", req, domain)
		return false, nil
	}

	// A broken dedupe cache degrades open: a duplicate alert beats a
	// silently dropped one.
	dup, err := e.dedupe(ctx, req.Scope, domain)
	if err != nil {
		e.warn(ctx, "alert-once check failed; proceeding without dedupe", req, domain, err)
		dup = false
	}
	if dup {
		req.record(UnknownDomainDecisionDeduped, domain)
		e.debug(ctx, "alert suppressed: alert-once dedupe", req, domain)
		return false, nil
	}

	if e.Alerter == nil {
		e.warn(ctx, "alert not created: no alerter configured", req, domain, nil)
		return false, nil
	}
	if err := e.createAlert(ctx, req, domain); err != nil {
		req.record(UnknownDomainDecisionError, domain)
		return false, err
	}

	req.record(UnknownDomainDecisionAlertCreated, domain)
	e.info(ctx, "unknown-domain alert created", req, domain)
	return true, nil
}

// Preview is the dry-run evaluation: allow-list, seen, and dedupe state are
// read without claiming the alert-once token. A domain that would alert is
// still recorded as seen so dry runs populate the baseline.
func (e *UnknownDomainEvaluator) Preview(ctx context.Context, req UnknownDomainRequest) (bool, error) {
	if err := req.Scope.Validate(); err != nil {
		return false, err
	}
	domain := normalizeHost(req.Domain)
	if domain == "" {
		req.record(UnknownDomainDecisionNormalizationFailed, strings.TrimSpace(req.Domain))
		return false, nil
	}

	if e.allowlisted(ctx, req, domain) {
		req.record(UnknownDomainDecisionAllowlisted, domain)
		if err := e.Caches.Seen.Record(ctx, SeenKey{Scope: req.Scope, Domain: domain}); err != nil {
			req.record(UnknownDomainDecisionError, domain)
			return false, fmt.Errorf("preview record allowlisted domain %q: %w", domain, err)
		}
		return false, nil
	}

	seen, err := e.Caches.Seen.Check(ctx, SeenKey{Scope: req.Scope, Domain: domain})
	if err != nil {
		req.record(UnknownDomainDecisionError, domain)
		return false, fmt.Errorf("preview seen-domain check %q: %w", domain, err)
	}
	if seen {
		req.record(UnknownDomainDecisionAlreadySeen, domain)
		return false, nil
	}

	dup, err := e.peekDedupe(ctx, req.Scope, domain)
	if err != nil {
		e.warn(ctx, "preview alert-once check failed; proceeding without dedupe", req, domain, err)
		dup = false
	}
	if dup {
		req.record(UnknownDomainDecisionDeduped, domain)
		return false, nil
	}

	req.record(UnknownDomainDecisionAlertCreated, domain)
	return true, nil
}

// allowlisted checks the domain and, when a referrer is present, the
// domain|referrer_domain pair. Pair entries let operators allow a third
// party only when loaded from a trusted page.
func (e *UnknownDomainEvaluator) allowlisted(ctx context.Context, req UnknownDomainRequest, domain string) bool {
	if e.Allowlist == nil {
		return false
	}
	if e.Allowlist.Allowed(ctx, req.Scope, domain) {
		return true
	}
	refDomain := referrerHost(req.Referrer)
	if refDomain == "" || refDomain == domain {
		return false
	}
	return e.Allowlist.Allowed(ctx, req.Scope, domain+"|"+refDomain)
}

func (e *UnknownDomainEvaluator) dedupe(ctx context.Context, scope ScopeKey, domain string) (bool, error) {
	if e.AlertTTL <= 0 || e.Caches.AlertOnce == nil {
		return false, nil
	}
	return e.Caches.AlertOnce.Seen(ctx, AlertSeenRequest{
		Scope:     scope,
		DedupeKey: "unknown:" + domain,
		TTL:       e.AlertTTL,
	})
}

func (e *UnknownDomainEvaluator) peekDedupe(ctx context.Context, scope ScopeKey, domain string) (bool, error) {
	if e.AlertTTL <= 0 || e.Caches.AlertOnce == nil {
		return false, nil
	}
	return e.Caches.AlertOnce.Peek(ctx, AlertSeenRequest{
		Scope:     scope,
		DedupeKey: "unknown:" + domain,
		TTL:       e.AlertTTL,
	})
}

func (e *UnknownDomainEvaluator) createAlert(ctx context.Context, req UnknownDomainRequest, domain string) error {
	evtCtx := map[string]any{
		"domain":  domain,
		"scope":   req.Scope.Scope,
		"site_id": req.Scope.SiteID,
	}
	if req.JobID != "" {
		evtCtx["job_id"] = req.JobID
	}
	if req.EventID != "" {
		evtCtx["event_id"] = req.EventID
	}
	if req.RequestURL != "" {
		evtCtx["request_url"] = req.RequestURL
	}
	if req.PageURL != "" {
		evtCtx["page_url"] = req.PageURL
	}
	if req.Referrer != "" {
		evtCtx["referrer"] = req.Referrer
	}
	if req.UserAgent != "" {
		evtCtx["user_agent"] = req.UserAgent
	}
	ctxJSON, err := json.Marshal(evtCtx)
	if err != nil {
		return fmt.Errorf("marshal alert context: %w", err)
	}

	_, err = e.Alerter.Create(ctx, &model.CreateAlertRequest{
		SiteID:       req.Scope.SiteID,
		RuleType:     model.AlertRuleTypeUnknownDomain,
		Severity:     model.AlertSeverityMedium,
		Title:        "Unknown domain observed",
		Description:  "First time seen domain: " + domain + " (scope: " + req.Scope.Scope + ")",
		EventContext: ctxJSON,
	})
	if err != nil {
		return fmt.Errorf("create unknown-domain alert: %w", err)
	}
	return nil
}

// referrerHost extracts the host from a referrer value, which may arrive as
// a full URL or a bare host.
func referrerHost(referrer string) string {
	ref := strings.TrimSpace(referrer)
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	host := ref
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

func (e *UnknownDomainEvaluator) debug(ctx context.Context, msg string, req UnknownDomainRequest, domain string) {
	if e.Logger == nil {
		return
	}
	e.Logger.DebugContext(ctx, msg,
		"domain", domain,
		"site_id", req.Scope.SiteID,
		"scope", req.Scope.Scope)
}

func (e *UnknownDomainEvaluator) info(ctx context.Context, msg string, req UnknownDomainRequest, domain string) {
	if e.Logger == nil {
		return
	}
	e.Logger.InfoContext(ctx, msg,
		"domain", domain,
		"site_id", req.Scope.SiteID,
		"scope", req.Scope.Scope)
}

func (e *UnknownDomainEvaluator) warn(
	ctx context.Context,
	msg string,
	req UnknownDomainRequest,
	domain string,
	err error,
) {
	if e.Logger == nil {
		return
	}
	args := []any{
		"domain", domain,
		"site_id", req.Scope.SiteID,
		"scope", req.Scope.Scope,
	}
	if err != nil {
		args = append(args, "error", err)
	}
	e.Logger.WarnContext(ctx, msg, args...)
}
