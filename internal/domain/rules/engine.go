package rules

import (
	"context"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// Rule evaluates one work item and reports its outcome.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, item RuleWorkItem) RuleEvaluation
}

// RuleWorkItem is the evaluation context for a single event.
type RuleWorkItem struct {
	Event      *model.Event
	SiteID     string
	Scope      string
	Domain     string
	DryRun     bool
	AlertMode  model.SiteAlertMode
	JobID      string
	EventID    string
	RequestURL string
	PageURL    string
	Referrer   string
	UserAgent  string
}

// RuleEvaluation is the outcome of one rule over one work item. ApplyFn
// mutates the aggregate results; it is deferred so a failed rule never
// half-applies.
type RuleEvaluation struct {
	RuleID  string
	ApplyFn func(*ProcessingResults)
	Err     error
}

// Apply runs the deferred mutation against the aggregate, when present.
func (e RuleEvaluation) Apply(results *ProcessingResults) {
	if e.ApplyFn == nil || results == nil {
		return
	}
	e.ApplyFn(results)
}

// RuleEngine evaluates a work item against every registered rule.
type RuleEngine interface {
	Evaluate(ctx context.Context, item RuleWorkItem) []RuleEvaluation
}

// RuleEngineFunc adapts a function to RuleEngine.
type RuleEngineFunc func(ctx context.Context, item RuleWorkItem) []RuleEvaluation

// Evaluate calls f(ctx, item).
func (f RuleEngineFunc) Evaluate(ctx context.Context, item RuleWorkItem) []RuleEvaluation {
	if f == nil {
		return nil
	}
	return f(ctx, item)
}

// RuleSet is an ordered rule registry. Rules run in registration order and
// every rule sees every work item; one rule's failure does not short the
// others.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet builds a RuleSet from the given rules, dropping nil entries.
func NewRuleSet(rules []Rule) *RuleSet {
	filtered := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule != nil {
			filtered = append(filtered, rule)
		}
	}
	return &RuleSet{rules: filtered}
}

// Evaluate runs every rule and collects their evaluations in order.
func (s *RuleSet) Evaluate(ctx context.Context, item RuleWorkItem) []RuleEvaluation {
	if s == nil || len(s.rules) == 0 {
		return nil
	}
	evaluations := make([]RuleEvaluation, 0, len(s.rules))
	for _, rule := range s.rules {
		eval := rule.Evaluate(ctx, item)
		if eval.RuleID == "" {
			eval.RuleID = rule.ID()
		}
		evaluations = append(evaluations, eval)
	}
	return evaluations
}

var _ RuleEngine = (*RuleSet)(nil)
