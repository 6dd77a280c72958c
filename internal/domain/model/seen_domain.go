package model

import (
	"errors"
	"strings"
	"time"
)

// SeenDomain records that a domain has been observed for a site within a
// scope. Unique on (site_id, domain, scope); repeat observations bump
// hit_count and last_seen_at through RecordSeen.
type SeenDomain struct {
	ID          string    `json:"id"            db:"id"`
	SiteID      string    `json:"site_id"       db:"site_id"`
	Domain      string    `json:"domain"        db:"domain"`
	Scope       string    `json:"scope"         db:"scope"`
	FirstSeenAt time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"  db:"last_seen_at"`
	HitCount    int       `json:"hit_count"     db:"hit_count"`
	CreatedAt   time.Time `json:"created_at"    db:"created_at"`
}

func normalizeSeenDomainKey(siteID, domain, scope *string) {
	*siteID = strings.TrimSpace(*siteID)
	*domain = strings.TrimSpace(strings.ToLower(*domain))
	*scope = NormalizeScope(*scope)
}

func validateSeenDomainKey(siteID, domain string) error {
	if siteID == "" {
		return errors.New("site_id is required")
	}
	if domain == "" {
		return errors.New("domain is required")
	}
	if !strings.Contains(domain, ".") {
		return errors.New("domain must be a valid domain name")
	}
	return nil
}

// CreateSeenDomainRequest inserts an observation directly, mostly from
// backfills and tests; normal traffic goes through RecordSeen.
type CreateSeenDomainRequest struct {
	SiteID      string     `json:"site_id"`
	Domain      string     `json:"domain"`
	Scope       string     `json:"scope,omitempty"`
	FirstSeenAt *time.Time `json:"first_seen_at,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// Normalize lowercases the domain and applies the default scope.
func (r *CreateSeenDomainRequest) Normalize() {
	normalizeSeenDomainKey(&r.SiteID, &r.Domain, &r.Scope)
}

// Validate checks the create request.
func (r *CreateSeenDomainRequest) Validate() error {
	return validateSeenDomainKey(r.SiteID, r.Domain)
}

// UpdateSeenDomainRequest amends an observation; nil fields are left
// unchanged.
type UpdateSeenDomainRequest struct {
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	HitCount   *int       `json:"hit_count,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateSeenDomainRequest) HasUpdates() bool {
	return r.LastSeenAt != nil || r.HitCount != nil
}

// Validate checks the update request.
func (r *UpdateSeenDomainRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.HitCount != nil && *r.HitCount < 0 {
		return errors.New("hit_count must be >= 0")
	}
	return nil
}

// SeenDomainLookupRequest checks whether a domain has been observed.
type SeenDomainLookupRequest struct {
	SiteID string `json:"site_id"`
	Domain string `json:"domain"`
	Scope  string `json:"scope,omitempty"`
}

// Normalize lowercases the domain and applies the default scope.
func (r *SeenDomainLookupRequest) Normalize() {
	normalizeSeenDomainKey(&r.SiteID, &r.Domain, &r.Scope)
}

// Validate checks the lookup request.
func (r *SeenDomainLookupRequest) Validate() error {
	return validateSeenDomainKey(r.SiteID, r.Domain)
}

// RecordDomainSeenRequest upserts an observation: a new row starts at
// hit_count=1, an existing row increments and updates last_seen_at.
type RecordDomainSeenRequest struct {
	SiteID string     `json:"site_id"`
	Domain string     `json:"domain"`
	Scope  string     `json:"scope,omitempty"`
	SeenAt *time.Time `json:"seen_at,omitempty"`
}

// Normalize lowercases the domain and applies the default scope.
func (r *RecordDomainSeenRequest) Normalize() {
	normalizeSeenDomainKey(&r.SiteID, &r.Domain, &r.Scope)
}

// Validate checks the record request.
func (r *RecordDomainSeenRequest) Validate() error {
	return validateSeenDomainKey(r.SiteID, r.Domain)
}

// SeenDomainListOptions filters and pages seen-domain listings.
type SeenDomainListOptions struct {
	SiteID *string
	Scope  *string
	Domain *string // substring match
	Limit  int
	Offset int
}
