package rules

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// PipelineOptions configures an EventPipeline.
type PipelineOptions struct {
	Engine    RuleEngine
	Extractor DomainExtractor
	Logger    *slog.Logger
}

// EventPipeline walks a batch of events, extracts a domain per event, and
// runs every registered rule over it, folding the outcomes into one
// ProcessingResults aggregate.
type EventPipeline struct {
	engine    RuleEngine
	extractor DomainExtractor
	logger    *slog.Logger
}

// NewPipeline builds an EventPipeline from the supplied options.
func NewPipeline(opts PipelineOptions) *EventPipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPipeline{
		engine:    opts.Engine,
		extractor: opts.Extractor,
		logger:    logger,
	}
}

// Run evaluates the batch. Context cancellation stops between events and
// returns the partial aggregate alongside the context error.
func (p *EventPipeline) Run(ctx context.Context, params PipelineParams) (*ProcessingResults, error) {
	alertMode := normalizeAlertMode(params.AlertMode)
	results := &ProcessingResults{
		IsDryRun:  params.DryRun,
		AlertMode: alertMode,
	}
	if len(params.Events) == 0 {
		return results, nil
	}

	start := time.Now()
	if err := ctx.Err(); err != nil {
		results.ProcessingTime = time.Since(start)
		return results, err
	}
	if p.engine == nil {
		results.ProcessingTime = time.Since(start)
		return results, nil
	}

	base := RuleWorkItem{
		DryRun:    params.DryRun,
		AlertMode: alertMode,
		JobID:     params.JobID,
	}
	if params.Payload != nil {
		base.SiteID = params.Payload.SiteID
		base.Scope = params.Payload.Scope
	}

	for _, event := range params.Events {
		if err := ctx.Err(); err != nil {
			results.ProcessingTime = time.Since(start)
			return results, err
		}
		item := base
		item.Event = event
		p.processEvent(ctx, results, item)
	}
	results.ProcessingTime = time.Since(start)
	return results, nil
}

func (p *EventPipeline) processEvent(ctx context.Context, results *ProcessingResults, item RuleWorkItem) {
	if item.Event == nil {
		results.EventsSkipped++
		return
	}

	item.EventID = item.Event.ID
	reqCtx := extractRequestContext(item.Event)
	item.RequestURL = reqCtx.RequestURL
	item.PageURL = reqCtx.PageURL
	item.Referrer = reqCtx.Referrer
	item.UserAgent = reqCtx.UserAgent

	domain, ok := p.extractDomain(item.Event)
	if !ok {
		results.EventsSkipped++
		return
	}
	results.DomainsProcessed++
	item.Domain = domain

	for _, eval := range p.engine.Evaluate(ctx, item) {
		if eval.Err != nil {
			p.logger.ErrorContext(ctx, "rule evaluation failed",
				"rule_id", eval.RuleID,
				"domain", item.Domain,
				"site_id", item.SiteID,
				"scope", item.Scope,
				"err", eval.Err)
			results.ErrorsEncountered++
			continue
		}
		eval.Apply(results)
	}
}

func (p *EventPipeline) extractDomain(event *model.Event) (string, bool) {
	if event == nil || p.extractor == nil {
		return "", false
	}
	return p.extractor.ExtractDomain(event.EventType, event.EventData)
}

var _ Pipeline = (*EventPipeline)(nil)

// requestContext is the per-event HTTP context surfaced to rules for alert
// payload enrichment.
type requestContext struct {
	RequestURL string
	PageURL    string
	Referrer   string
	UserAgent  string
}

func extractRequestContext(evt *model.Event) requestContext {
	var out requestContext
	if evt == nil {
		return out
	}
	out.RequestURL = extractRequestURL(evt.EventType, evt.EventData)
	out.Referrer = extractReferrer(evt.EventData)
	if attr := extractAttribution(evt.Metadata); attr != nil {
		out.PageURL = strings.TrimSpace(attr.URL)
		out.UserAgent = strings.TrimSpace(attr.UserAgent)
	}
	return out
}

func extractRequestURL(eventType string, data json.RawMessage) string {
	if !strings.HasPrefix(eventType, "Network.") || len(data) == 0 {
		return ""
	}
	var p struct {
		Request struct {
			URL string `json:"url"`
		} `json:"request"`
		URL      string `json:"url"`
		Response struct {
			URL string `json:"url"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	return firstNonEmpty(p.Request.URL, p.URL, p.Response.URL)
}

func extractReferrer(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var p struct {
		Request struct {
			Headers map[string]any `json:"headers"`
		} `json:"request"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	// Standard HTTP spelling first, then "Referrer" producers.
	if ref := findHeader(p.Request.Headers, "referer"); ref != "" {
		return ref
	}
	return findHeader(p.Request.Headers, "referrer")
}

func findHeader(headers map[string]any, name string) string {
	if len(headers) == 0 {
		return ""
	}
	for k, v := range headers {
		if !strings.EqualFold(k, name) {
			continue
		}
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// attribution is the browser worker's page context embedded in event
// metadata under the "attribution" key.
type attribution struct {
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

func extractAttribution(meta json.RawMessage) *attribution {
	if len(meta) == 0 {
		return nil
	}
	var parsed struct {
		Attribution *attribution `json:"attribution"`
	}
	if err := json.Unmarshal(meta, &parsed); err != nil {
		return nil
	}
	return parsed.Attribution
}
