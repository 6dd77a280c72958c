package model

import (
	"errors"
	"strings"
	"time"
)

// SiteAlertMode controls whether a site's detections produce dispatchable
// alerts or muted audit rows.
type SiteAlertMode string

const (
	SiteAlertModeActive SiteAlertMode = "active"
	SiteAlertModeMuted  SiteAlertMode = "muted"
)

// Valid reports whether the mode is supported.
func (m SiteAlertMode) Valid() bool {
	return m == SiteAlertModeActive || m == SiteAlertModeMuted
}

// ParseSiteAlertMode normalizes and validates an alert mode string.
func ParseSiteAlertMode(value string) (SiteAlertMode, bool) {
	mode := SiteAlertMode(strings.ToLower(strings.TrimSpace(value)))
	if mode.Valid() {
		return mode, true
	}
	return "", false
}

// Site is a monitored website: a source script plus its run cadence and
// alert wiring.
type Site struct {
	ID              string        `json:"id"                           db:"id"`
	Name            string        `json:"name"                         db:"name"`
	SourceID        string        `json:"source_id"                    db:"source_id"`
	RunEveryMinutes int           `json:"run_every_minutes"            db:"run_every_minutes"`
	Enabled         bool          `json:"enabled"                      db:"enabled"`
	AlertMode       SiteAlertMode `json:"alert_mode"                   db:"alert_mode"`
	Scope           *string       `json:"scope,omitempty"              db:"scope"`
	HTTPAlertSinkID *string       `json:"http_alert_sink_id,omitempty" db:"http_alert_sink_id"`
	LastRun         *time.Time    `json:"last_run,omitempty"           db:"last_run"`
	CreatedAt       time.Time     `json:"created_at"                   db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"                   db:"updated_at"`
}

// DetectionScope returns the scope detection state is partitioned by.
func (s *Site) DetectionScope() string {
	if s.Scope != nil {
		return NormalizeScope(*s.Scope)
	}
	return DefaultScope
}

// CreateSiteRequest creates a Site.
type CreateSiteRequest struct {
	Name            string        `json:"name"`
	SourceID        string        `json:"source_id"`
	RunEveryMinutes int           `json:"run_every_minutes"`
	Enabled         *bool         `json:"enabled,omitempty"`
	AlertMode       SiteAlertMode `json:"alert_mode,omitempty"`
	Scope           *string       `json:"scope,omitempty"`
	HTTPAlertSinkID *string       `json:"http_alert_sink_id,omitempty"`
}

// Normalize trims fields and applies defaults before validation.
func (r *CreateSiteRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.SourceID = strings.TrimSpace(r.SourceID)
	if r.AlertMode == "" {
		r.AlertMode = SiteAlertModeActive
	} else {
		r.AlertMode = SiteAlertMode(strings.ToLower(strings.TrimSpace(string(r.AlertMode))))
	}
	if r.Scope != nil {
		scope := NormalizeScope(*r.Scope)
		r.Scope = &scope
	}
}

// Validate checks the create request.
func (r *CreateSiteRequest) Validate() error {
	if err := requireName(r.Name, 1, 255); err != nil {
		return err
	}
	if r.SourceID == "" {
		return errors.New("source_id is required")
	}
	if r.RunEveryMinutes <= 0 {
		return errors.New("run_every_minutes must be positive")
	}
	if !r.AlertMode.Valid() {
		return errors.New("alert_mode must be active or muted")
	}
	return nil
}

// UpdateSiteRequest updates a Site; nil fields are left unchanged.
type UpdateSiteRequest struct {
	Name            *string        `json:"name,omitempty"`
	SourceID        *string        `json:"source_id,omitempty"`
	RunEveryMinutes *int           `json:"run_every_minutes,omitempty"`
	Enabled         *bool          `json:"enabled,omitempty"`
	AlertMode       *SiteAlertMode `json:"alert_mode,omitempty"`
	Scope           *string        `json:"scope,omitempty"`
	HTTPAlertSinkID *string        `json:"http_alert_sink_id,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateSiteRequest) HasUpdates() bool {
	return r.Name != nil || r.SourceID != nil || r.RunEveryMinutes != nil ||
		r.Enabled != nil || r.AlertMode != nil || r.Scope != nil ||
		r.HTTPAlertSinkID != nil
}

// Normalize trims set fields.
func (r *UpdateSiteRequest) Normalize() {
	if r.Name != nil {
		n := strings.TrimSpace(*r.Name)
		r.Name = &n
	}
	if r.AlertMode != nil {
		m := SiteAlertMode(strings.ToLower(strings.TrimSpace(string(*r.AlertMode))))
		r.AlertMode = &m
	}
	if r.Scope != nil {
		scope := NormalizeScope(*r.Scope)
		r.Scope = &scope
	}
}

// Validate checks the update request.
func (r *UpdateSiteRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil {
		if err := requireName(*r.Name, 1, 255); err != nil {
			return err
		}
	}
	if r.SourceID != nil && strings.TrimSpace(*r.SourceID) == "" {
		return errors.New("source_id cannot be empty")
	}
	if r.RunEveryMinutes != nil && *r.RunEveryMinutes <= 0 {
		return errors.New("run_every_minutes must be positive")
	}
	if r.AlertMode != nil && !r.AlertMode.Valid() {
		return errors.New("alert_mode must be active or muted")
	}
	return nil
}

// SiteListOptions filters and pages site listings.
type SiteListOptions struct {
	Limit   int
	Offset  int
	Q       *string // substring match on name
	Enabled *bool
	Scope   *string
	Sort    string // created_at (default), name
	Dir     string // asc, desc (default)
}
