package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const maxAlertTitleLen = 255

// AlertRuleType names the detection that fired an alert.
type AlertRuleType string

const (
	AlertRuleTypeUnknownDomain AlertRuleType = "unknown_domain"
	AlertRuleTypeIOC           AlertRuleType = "ioc_domain"
	AlertRuleTypeYaraRule      AlertRuleType = "yara_rule"
	AlertRuleTypeCustom        AlertRuleType = "custom"
)

// Valid reports whether the rule type is one of the known detections.
func (t AlertRuleType) Valid() bool {
	switch t {
	case AlertRuleTypeUnknownDomain, AlertRuleTypeIOC, AlertRuleTypeYaraRule, AlertRuleTypeCustom:
		return true
	default:
		return false
	}
}

func (t AlertRuleType) String() string { return string(t) }

// AlertSeverity ranks how urgent an alert is.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityInfo     AlertSeverity = "info"
)

// Valid reports whether the severity is supported.
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityCritical, AlertSeverityHigh, AlertSeverityMedium, AlertSeverityLow, AlertSeverityInfo:
		return true
	default:
		return false
	}
}

func (s AlertSeverity) String() string { return string(s) }

// AlertDeliveryStatus tracks the outbound webhook lifecycle of an alert.
// Alerts start pending and end muted, dispatched, or failed.
type AlertDeliveryStatus string

const (
	AlertDeliveryStatusPending    AlertDeliveryStatus = "pending"
	AlertDeliveryStatusMuted      AlertDeliveryStatus = "muted"
	AlertDeliveryStatusDispatched AlertDeliveryStatus = "dispatched"
	AlertDeliveryStatusFailed     AlertDeliveryStatus = "failed"
)

// Valid reports whether the delivery status is recognized.
func (s AlertDeliveryStatus) Valid() bool {
	switch s {
	case AlertDeliveryStatusPending, AlertDeliveryStatusMuted, AlertDeliveryStatusDispatched, AlertDeliveryStatusFailed:
		return true
	default:
		return false
	}
}

// Alert is one fired detection. Sites own alerts; resolving an alert sets
// resolved_at without touching delivery state.
type Alert struct {
	ID             string              `json:"id"                    db:"id"`
	SiteID         string              `json:"site_id"               db:"site_id"`
	RuleType       AlertRuleType       `json:"rule_type"             db:"rule_type"`
	Severity       AlertSeverity       `json:"severity"              db:"severity"`
	Title          string              `json:"title"                 db:"title"`
	Description    string              `json:"description"           db:"description"`
	EventContext   json.RawMessage     `json:"event_context"         db:"event_context"`
	Metadata       json.RawMessage     `json:"metadata,omitempty"    db:"metadata"`
	DeliveryStatus AlertDeliveryStatus `json:"delivery_status"       db:"delivery_status"`
	FiredAt        time.Time           `json:"fired_at"              db:"fired_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy     *string             `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt      time.Time           `json:"created_at"            db:"created_at"`
}

// Resolved reports whether the alert has been acknowledged.
func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }

// CreateAlertRequest fires a new alert.
type CreateAlertRequest struct {
	SiteID         string              `json:"site_id"`
	RuleType       AlertRuleType       `json:"rule_type"`
	Severity       AlertSeverity       `json:"severity"`
	Title          string              `json:"title"`
	Description    string              `json:"description"`
	EventContext   json.RawMessage     `json:"event_context,omitempty"`
	Metadata       json.RawMessage     `json:"metadata,omitempty"`
	FiredAt        *time.Time          `json:"fired_at,omitempty"`
	DeliveryStatus AlertDeliveryStatus `json:"delivery_status,omitempty"`
}

// Normalize trims fields and defaults the delivery status to pending.
func (r *CreateAlertRequest) Normalize() {
	r.SiteID = strings.TrimSpace(r.SiteID)
	r.RuleType = AlertRuleType(strings.TrimSpace(string(r.RuleType)))
	r.Severity = AlertSeverity(strings.TrimSpace(string(r.Severity)))
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.DeliveryStatus = AlertDeliveryStatus(strings.ToLower(strings.TrimSpace(string(r.DeliveryStatus))))
	if r.DeliveryStatus == "" {
		r.DeliveryStatus = AlertDeliveryStatusPending
	}
}

// Validate checks the create request.
func (r *CreateAlertRequest) Validate() error {
	if r.SiteID == "" {
		return errors.New("site_id is required")
	}
	if !r.RuleType.Valid() {
		return errors.New("invalid rule_type")
	}
	if !r.Severity.Valid() {
		return errors.New("invalid severity")
	}
	if r.Title == "" {
		return errors.New("title is required")
	}
	if utf8.RuneCountInString(r.Title) > maxAlertTitleLen {
		return errors.New("title cannot exceed 255 characters")
	}
	if r.Description == "" {
		return errors.New("description is required")
	}
	if !r.DeliveryStatus.Valid() {
		return errors.New("invalid delivery_status")
	}
	return nil
}

// AlertListOptions filters and pages alert listings.
type AlertListOptions struct {
	SiteID     *string
	RuleType   *AlertRuleType
	Severity   *AlertSeverity
	Unresolved bool
	Sort       string // fired_at (default), severity, created_at
	Dir        string // asc, desc (default)
	Limit      int
	Offset     int
}

// AlertWithSiteName joins the owning site's name and alert mode onto an
// alert so list consumers avoid a second lookup.
type AlertWithSiteName struct {
	Alert
	SiteName      string        `json:"site_name"       db:"site_name"`
	SiteAlertMode SiteAlertMode `json:"site_alert_mode" db:"site_alert_mode"`
}

// AlertListResult is one page of alerts plus the unpaged total.
type AlertListResult struct {
	Alerts []*AlertWithSiteName
	Total  int
}

// AlertStats aggregates alert counts by severity.
type AlertStats struct {
	Total      int `json:"total"`
	Critical   int `json:"critical"`
	High       int `json:"high"`
	Medium     int `json:"medium"`
	Low        int `json:"low"`
	Info       int `json:"info"`
	Unresolved int `json:"unresolved"`
}
