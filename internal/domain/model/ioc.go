package model

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// Domain labels: alphanumeric first and last, hyphens inside, 1-63 chars.
var iocLabelPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// IOCType is the kind of indicator an IOC row carries.
type IOCType string

const (
	IOCTypeFQDN IOCType = "fqdn"
	IOCTypeIP   IOCType = "ip"
)

// Valid reports whether the IOC type is supported.
func (t IOCType) Valid() bool {
	return t == IOCTypeFQDN || t == IOCTypeIP
}

// IOC is a system-wide indicator of compromise. FQDN values are stored
// lowercased; IP values are stored in canonical netip form (address or CIDR).
type IOC struct {
	ID          string    `json:"id"                    db:"id"`
	Type        IOCType   `json:"type"                  db:"type"`
	Value       string    `json:"value"                 db:"value"`
	Enabled     bool      `json:"enabled"               db:"enabled"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"            db:"updated_at"`
}

// CreateIOCRequest creates an IOC.
type CreateIOCRequest struct {
	Type        IOCType `json:"type"`
	Value       string  `json:"value"`
	Enabled     *bool   `json:"enabled,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Normalize canonicalizes the value for its type and defaults enabled=true.
func (r *CreateIOCRequest) Normalize() {
	r.Type = IOCType(strings.TrimSpace(strings.ToLower(string(r.Type))))
	r.Value = CanonicalIOCValue(r.Type, r.Value)
	if r.Enabled == nil {
		enabled := true
		r.Enabled = &enabled
	}
	if r.Description != nil {
		d := strings.TrimSpace(*r.Description)
		r.Description = &d
	}
}

// Validate checks the create request.
func (r *CreateIOCRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid ioc type")
	}
	if strings.TrimSpace(r.Value) == "" {
		return errors.New("value is required")
	}
	return validateIOCValue(r.Type, r.Value)
}

// UpdateIOCRequest updates an IOC; nil fields are left unchanged.
type UpdateIOCRequest struct {
	Type        *IOCType `json:"type,omitempty"`
	Value       *string  `json:"value,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Description *string  `json:"description,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateIOCRequest) HasUpdates() bool {
	return r.Type != nil || r.Value != nil || r.Enabled != nil || r.Description != nil
}

// Normalize canonicalizes set fields. Value canonicalization needs the
// resolved final type: the existing row's type unless the update changes it.
func (r *UpdateIOCRequest) Normalize(finalType IOCType) {
	if r.Type != nil {
		t := IOCType(strings.TrimSpace(strings.ToLower(string(*r.Type))))
		r.Type = &t
		finalType = t
	}
	if r.Value != nil {
		v := CanonicalIOCValue(finalType, *r.Value)
		r.Value = &v
	}
	if r.Description != nil {
		d := strings.TrimSpace(*r.Description)
		r.Description = &d
	}
}

// Validate checks the update request against the resolved final type.
func (r *UpdateIOCRequest) Validate(finalType IOCType) error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Type != nil {
		if !r.Type.Valid() {
			return errors.New("invalid ioc type")
		}
		finalType = *r.Type
	}
	if r.Value == nil {
		return nil
	}
	if strings.TrimSpace(*r.Value) == "" {
		return errors.New("value cannot be empty")
	}
	return validateIOCValue(finalType, *r.Value)
}

// BulkCreateIOCsRequest imports many values of one type; duplicates collapse
// after canonicalization.
type BulkCreateIOCsRequest struct {
	Type        IOCType  `json:"type"`
	Values      []string `json:"values"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Description *string  `json:"description,omitempty"`
}

// Normalize canonicalizes and de-duplicates the values.
func (r *BulkCreateIOCsRequest) Normalize() {
	r.Type = IOCType(strings.TrimSpace(strings.ToLower(string(r.Type))))
	seen := make(map[string]struct{}, len(r.Values))
	out := make([]string, 0, len(r.Values))
	for _, v := range r.Values {
		c := CanonicalIOCValue(r.Type, v)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	r.Values = out
}

// Validate checks the bulk request.
func (r *BulkCreateIOCsRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid ioc type")
	}
	if len(r.Values) == 0 {
		return errors.New("values is required")
	}
	for _, v := range r.Values {
		if err := validateIOCValue(r.Type, v); err != nil {
			return fmt.Errorf("invalid value %q: %w", v, err)
		}
	}
	return nil
}

// IOCLookupRequest resolves a host (domain or IP literal) from an event
// against the IOC table.
type IOCLookupRequest struct {
	Host string `json:"host"`
}

// Normalize lowercases the host and strips a trailing dot.
func (r *IOCLookupRequest) Normalize() {
	r.Host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(r.Host)), ".")
}

// Validate checks the lookup request.
func (r *IOCLookupRequest) Validate() error {
	if r.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// IOCListOptions filters and pages IOC listings.
type IOCListOptions struct {
	Type    *IOCType
	Enabled *bool
	Search  *string // substring match on value
	Limit   int
	Offset  int
}

// Normalize clamps pagination and trims the search term.
func (o *IOCListOptions) Normalize() {
	if o.Limit < 0 {
		o.Limit = 0
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Search != nil {
		s := strings.TrimSpace(*o.Search)
		o.Search = &s
	}
}

// CanonicalIOCValue normalizes a raw indicator for storage and lookup:
// FQDNs lowercase with the trailing dot stripped, IPs in netip canonical
// form (CIDR tried first). Unparseable values pass through for Validate to
// reject.
func CanonicalIOCValue(t IOCType, raw string) string {
	raw = strings.TrimSpace(raw)
	switch t {
	case IOCTypeFQDN:
		return strings.TrimSuffix(strings.ToLower(raw), ".")
	case IOCTypeIP:
		if p, err := netip.ParsePrefix(raw); err == nil {
			return p.String()
		}
		if a, err := netip.ParseAddr(raw); err == nil {
			return a.String()
		}
		return raw
	default:
		return strings.ToLower(raw)
	}
}

func validateIOCValue(t IOCType, v string) error {
	switch t {
	case IOCTypeFQDN:
		return validateFQDNPattern(v)
	case IOCTypeIP:
		if _, err := netip.ParseAddr(v); err == nil {
			return nil
		}
		if _, err := netip.ParsePrefix(v); err == nil {
			return nil
		}
		return errors.New("invalid ip or cidr notation")
	default:
		return errors.New("unsupported ioc type")
	}
}

// validateFQDNPattern accepts exact domains ("evil.test") and full-label
// wildcards ("*.evil.test"); a wildcard inside a label or in the TLD is
// rejected.
func validateFQDNPattern(v string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return errors.New("domain is required")
	}
	labels := strings.Split(v, ".")
	if len(labels) < 2 {
		return errors.New("domain must contain a dot")
	}
	for i, label := range labels {
		switch {
		case label == "":
			return errors.New("domain contains empty label")
		case label == "*":
			if i == len(labels)-1 {
				return errors.New("wildcard not allowed in TLD")
			}
		case strings.Contains(label, "*"):
			return errors.New("wildcard must be a full label '*'")
		case !iocLabelPattern.MatchString(label):
			return fmt.Errorf("invalid domain label: %q", label)
		}
	}
	return nil
}
