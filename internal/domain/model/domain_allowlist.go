package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxAllowlistPatternLen     = 255
	maxAllowlistScopeLen       = 100
	maxAllowlistDescriptionLen = 1000

	// DefaultAllowlistPriority orders entries that do not declare one.
	DefaultAllowlistPriority = 100
)

// PatternType selects how an allow-list pattern is matched against a domain.
type PatternType string

const (
	// PatternTypeExact matches the domain byte-for-byte after lowercasing.
	PatternTypeExact PatternType = "exact"
	// PatternTypeWildcard matches `*.example.com` style patterns on label
	// boundaries.
	PatternTypeWildcard PatternType = "wildcard"
	// PatternTypeGlob applies full glob matching (path.Match rules).
	PatternTypeGlob PatternType = "glob"
	// PatternTypeETLDPlusOne matches when the domain's registrable suffix
	// equals the pattern (example.com covers sub.example.com).
	PatternTypeETLDPlusOne PatternType = "etld_plus_one"
)

// Valid reports whether the pattern type is supported.
func (t PatternType) Valid() bool {
	switch t {
	case PatternTypeExact, PatternTypeWildcard, PatternTypeGlob, PatternTypeETLDPlusOne:
		return true
	default:
		return false
	}
}

func (t PatternType) String() string { return string(t) }

// ValidPatternTypes lists every supported pattern type.
func ValidPatternTypes() []PatternType {
	return []PatternType{PatternTypeExact, PatternTypeWildcard, PatternTypeGlob, PatternTypeETLDPlusOne}
}

func patternTypeNames() string {
	types := ValidPatternTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// DomainAllowlist is one allow-list entry. Entries in ScopeGlobal apply to
// every scope; lookups merge global and scoped entries ordered by priority.
type DomainAllowlist struct {
	ID          string      `json:"id"                    db:"id"`
	Scope       string      `json:"scope"                 db:"scope"`
	Pattern     string      `json:"pattern"               db:"pattern"`
	PatternType PatternType `json:"pattern_type"          db:"pattern_type"`
	Description string      `json:"description,omitempty" db:"description"`
	Enabled     bool        `json:"enabled"               db:"enabled"`
	Priority    int         `json:"priority"              db:"priority"`
	CreatedAt   time.Time   `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"            db:"updated_at"`
}

// IsGlobal reports whether the entry applies to all scopes.
func (d *DomainAllowlist) IsGlobal() bool { return d.Scope == ScopeGlobal }

// CreateDomainAllowlistRequest creates an allow-list entry.
type CreateDomainAllowlistRequest struct {
	Scope       string      `json:"scope,omitempty"`
	Pattern     string      `json:"pattern"`
	PatternType PatternType `json:"pattern_type,omitempty"`
	Description string      `json:"description,omitempty"`
	Enabled     *bool       `json:"enabled,omitempty"`
	Priority    *int        `json:"priority,omitempty"`
}

// Normalize lowercases the pattern, applies the default scope, pattern
// type, enabled flag, and priority.
func (r *CreateDomainAllowlistRequest) Normalize() {
	r.Pattern = strings.TrimSpace(strings.ToLower(r.Pattern))
	r.PatternType = PatternType(strings.TrimSpace(strings.ToLower(string(r.PatternType))))
	r.Scope = NormalizeScope(r.Scope)
	r.Description = strings.TrimSpace(r.Description)
	if r.PatternType == "" {
		r.PatternType = PatternTypeExact
	}
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	}
	if r.Priority == nil {
		priority := DefaultAllowlistPriority
		r.Priority = &priority
	}
}

// Validate checks the create request.
func (r *CreateDomainAllowlistRequest) Validate() error {
	if err := validateAllowlistPattern(r.Pattern); err != nil {
		return err
	}
	if !r.PatternType.Valid() {
		return fmt.Errorf("pattern_type must be one of: %s", patternTypeNames())
	}
	if err := validateAllowlistScope(r.Scope); err != nil {
		return err
	}
	if len(r.Description) > maxAllowlistDescriptionLen {
		return errors.New("description cannot exceed 1000 characters")
	}
	return validateAllowlistPriority(r.Priority)
}

// UpdateDomainAllowlistRequest updates an entry; nil fields are left unchanged.
type UpdateDomainAllowlistRequest struct {
	Scope       *string      `json:"scope,omitempty"`
	Pattern     *string      `json:"pattern,omitempty"`
	PatternType *PatternType `json:"pattern_type,omitempty"`
	Description *string      `json:"description,omitempty"`
	Enabled     *bool        `json:"enabled,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateDomainAllowlistRequest) HasUpdates() bool {
	return r.Scope != nil || r.Pattern != nil || r.PatternType != nil ||
		r.Description != nil || r.Enabled != nil || r.Priority != nil
}

// Normalize trims and lowercases set fields.
func (r *UpdateDomainAllowlistRequest) Normalize() {
	if r.Scope != nil {
		scope := NormalizeScope(*r.Scope)
		r.Scope = &scope
	}
	if r.Pattern != nil {
		pattern := strings.TrimSpace(strings.ToLower(*r.Pattern))
		r.Pattern = &pattern
	}
	if r.PatternType != nil {
		pt := PatternType(strings.TrimSpace(strings.ToLower(string(*r.PatternType))))
		r.PatternType = &pt
	}
	if r.Description != nil {
		d := strings.TrimSpace(*r.Description)
		r.Description = &d
	}
}

// Validate checks the update request.
func (r *UpdateDomainAllowlistRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Scope != nil {
		if err := validateAllowlistScope(*r.Scope); err != nil {
			return err
		}
	}
	if r.Pattern != nil {
		if err := validateAllowlistPattern(*r.Pattern); err != nil {
			return err
		}
	}
	if r.PatternType != nil && !r.PatternType.Valid() {
		return fmt.Errorf("pattern_type must be one of: %s", patternTypeNames())
	}
	if r.Description != nil && len(*r.Description) > maxAllowlistDescriptionLen {
		return errors.New("description cannot exceed 1000 characters")
	}
	return validateAllowlistPriority(r.Priority)
}

func validateAllowlistPattern(pattern string) error {
	if pattern == "" {
		return errors.New("pattern is required and cannot be empty")
	}
	if !utf8.ValidString(pattern) {
		return errors.New("pattern must be valid UTF-8")
	}
	if len(pattern) > maxAllowlistPatternLen {
		return errors.New("pattern cannot exceed 255 characters")
	}
	return nil
}

func validateAllowlistScope(scope string) error {
	if scope == "" {
		return errors.New("scope is required and cannot be empty")
	}
	if len(scope) > maxAllowlistScopeLen {
		return errors.New("scope cannot exceed 100 characters")
	}
	return nil
}

func validateAllowlistPriority(priority *int) error {
	if priority != nil && (*priority < 1 || *priority > 1000) {
		return errors.New("priority must be between 1 and 1000")
	}
	return nil
}

// DomainAllowlistListOptions filters and pages allow-list listings.
type DomainAllowlistListOptions struct {
	Scope       *string
	Pattern     *string // substring match
	PatternType *PatternType
	Enabled     *bool
	GlobalOnly  *bool
	Limit       int
	Offset      int
}

// DomainAllowlistStats summarizes the allow-list by scope, enablement, and
// pattern type.
type DomainAllowlistStats struct {
	Total         int `json:"total"`
	Global        int `json:"global"`
	Scoped        int `json:"scoped"`
	Enabled       int `json:"enabled"`
	Disabled      int `json:"disabled"`
	ExactCount    int `json:"exact_count"`
	WildcardCount int `json:"wildcard_count"`
	GlobCount     int `json:"glob_count"`
	ETLDCount     int `json:"etld_count"`
}

// DomainAllowlistLookupRequest asks for the entries a domain should be
// checked against within a scope. Domain may be empty when fetching all
// entries for the scope.
type DomainAllowlistLookupRequest struct {
	Scope  string `json:"scope"`
	Domain string `json:"domain"`
}

// Normalize lowercases the domain and trims the scope.
func (r *DomainAllowlistLookupRequest) Normalize() {
	r.Domain = strings.TrimSpace(strings.ToLower(r.Domain))
	r.Scope = strings.TrimSpace(r.Scope)
}

// Validate checks the lookup request.
func (r *DomainAllowlistLookupRequest) Validate() error {
	if r.Scope == "" {
		return errors.New("scope is required")
	}
	return nil
}
