package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// IOCEvaluator checks event hosts against the indicator-of-compromise set
// and raises a high-severity alert once per indicator per scope.
type IOCEvaluator struct {
	Caches   Caches
	Alerter  AlertCreator
	AlertTTL time.Duration // alert-once window; zero disables dedupe
}

// IOCRequest carries one host sighting through the evaluator.
type IOCRequest struct {
	Scope ScopeKey
	Host  string

	SiteID     string
	JobID      string
	RequestURL string
	PageURL    string
	Referrer   string
	UserAgent  string
	EventID    string
}

// Evaluate reports whether an alert was created for the host.
func (e *IOCEvaluator) Evaluate(ctx context.Context, req IOCRequest) (bool, error) {
	if err := req.Scope.Validate(); err != nil {
		return false, err
	}

	host := normalizeHost(req.Host)
	if host == "" {
		return false, nil
	}

	ioc, err := e.lookup(ctx, host)
	if err != nil {
		return false, err
	}
	if ioc == nil {
		return false, nil
	}

	dup, err := e.dedupe(ctx, req.Scope, ioc.ID)
	if err != nil {
		return false, err
	}
	if dup || e.Alerter == nil {
		return false, nil
	}

	if err := e.createAlert(ctx, req, ioc); err != nil {
		return false, err
	}
	return true, nil
}

func normalizeHost(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (e *IOCEvaluator) lookup(ctx context.Context, host string) (*model.IOC, error) {
	if e.Caches.IOCs == nil {
		return nil, errors.New("ioc cache not configured")
	}
	ioc, err := e.Caches.IOCs.LookupHost(ctx, host)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil //nolint:nilnil // miss is a valid outcome
		}
		return nil, err
	}
	return ioc, nil
}

func (e *IOCEvaluator) dedupe(ctx context.Context, scope ScopeKey, iocID string) (bool, error) {
	if e.AlertTTL <= 0 || e.Caches.AlertOnce == nil {
		return false, nil
	}
	return e.Caches.AlertOnce.Seen(ctx, AlertSeenRequest{
		Scope:     scope,
		DedupeKey: "ioc:" + iocID,
		TTL:       e.AlertTTL,
	})
}

func (e *IOCEvaluator) createAlert(ctx context.Context, req IOCRequest, ioc *model.IOC) error {
	desc := fmt.Sprintf("Known IOC detected: %s (type: %s, value: %s)", req.Host, ioc.Type, ioc.Value)
	if ioc.Description != nil && *ioc.Description != "" {
		desc += ", description: " + *ioc.Description
	}

	evtCtx := map[string]any{
		"host":      req.Host,
		"scope":     req.Scope.Scope,
		"site_id":   req.Scope.SiteID,
		"ioc_id":    ioc.ID,
		"ioc_type":  string(ioc.Type),
		"ioc_value": ioc.Value,
	}
	if ioc.Description != nil && *ioc.Description != "" {
		evtCtx["ioc_description"] = *ioc.Description
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
		RuleType:     model.AlertRuleTypeIOC,
		Severity:     model.AlertSeverityHigh,
		Title:        "IOC detected: " + string(ioc.Type),
		Description:  desc,
		EventContext: ctxJSON,
	})
	if err != nil {
		return fmt.Errorf("create ioc alert: %w", err)
	}
	return nil
}
