package model

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const maxSecretNameLen = 255

// Secret names double as placeholder tokens (__NAME__), so the character
// set is restricted to what the placeholder grammar accepts.
var secretNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// Refresh lifecycle states recorded on dynamic secrets.
const (
	SecretRefreshStatusPending = "pending"
	SecretRefreshStatusSuccess = "success"
	SecretRefreshStatusFailed  = "failed"
)

// Secret is an opaque named value. Static secrets are set by operators;
// dynamic secrets re-run a provider script on a refresh interval. Values are
// encrypted at rest and decrypted by the repository on read.
type Secret struct {
	ID        string    `json:"id"              db:"id"`
	Name      string    `json:"name"            db:"name"`
	Value     string    `json:"value,omitempty" db:"value"`
	CreatedAt time.Time `json:"created_at"      db:"created_at"`
	UpdatedAt time.Time `json:"updated_at"      db:"updated_at"`

	RefreshEnabled     bool            `json:"refresh_enabled"                    db:"refresh_enabled"`
	ProviderScriptPath *string         `json:"provider_script_path,omitempty"     db:"provider_script_path"`
	EnvConfig          json.RawMessage `json:"env_config,omitempty"               db:"env_config"`
	RefreshInterval    *int64          `json:"refresh_interval_seconds,omitempty" db:"refresh_interval_seconds"`
	LastRefreshedAt    *time.Time      `json:"last_refreshed_at,omitempty"        db:"last_refreshed_at"`
	LastRefreshStatus  *string         `json:"last_refresh_status,omitempty"      db:"last_refresh_status"`
	LastRefreshError   *string         `json:"last_refresh_error,omitempty"       db:"last_refresh_error"`
}

func validateSecretName(name string) error {
	n := strings.TrimSpace(name)
	if n == "" {
		return errors.New("name is required and cannot be empty")
	}
	if utf8.RuneCountInString(n) > maxSecretNameLen {
		return errors.New("name cannot exceed 255 characters")
	}
	if !secretNamePattern.MatchString(n) {
		return errors.New(
			"name must start with a letter, digit, or underscore and contain only letters, digits, underscores, or hyphens",
		)
	}
	return nil
}

// CreateSecretRequest creates a secret. Static secrets need a value;
// dynamic secrets need provider configuration and get their first value on
// refresh.
type CreateSecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`

	ProviderScriptPath *string `json:"provider_script_path,omitempty"`
	EnvConfig          *string `json:"env_config,omitempty"`
	RefreshInterval    *int64  `json:"refresh_interval_seconds,omitempty"`
	RefreshEnabled     *bool   `json:"refresh_enabled,omitempty"`
}

// Validate checks the create request, enforcing the dynamic-secret invariant
// (refresh_enabled requires provider_script_path and a positive interval).
func (r *CreateSecretRequest) Validate() error {
	if err := validateSecretName(r.Name); err != nil {
		return err
	}
	if r.RefreshEnabled != nil && *r.RefreshEnabled {
		if r.ProviderScriptPath == nil || strings.TrimSpace(*r.ProviderScriptPath) == "" {
			return errors.New("provider_script_path is required when refresh_enabled is true")
		}
		if r.RefreshInterval == nil || *r.RefreshInterval <= 0 {
			return errors.New("refresh_interval_seconds must be positive when refresh_enabled is true")
		}
		return nil
	}
	if strings.TrimSpace(r.Value) == "" {
		return errors.New("value is required for static secrets")
	}
	return nil
}

// UpdateSecretRequest updates a secret; nil fields are left unchanged.
type UpdateSecretRequest struct {
	Name  *string `json:"name,omitempty"`
	Value *string `json:"value,omitempty"`

	ProviderScriptPath *string `json:"provider_script_path,omitempty"`
	EnvConfig          *string `json:"env_config,omitempty"`
	RefreshInterval    *int64  `json:"refresh_interval_seconds,omitempty"`
	RefreshEnabled     *bool   `json:"refresh_enabled,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateSecretRequest) HasUpdates() bool {
	return r.Name != nil || r.Value != nil || r.ProviderScriptPath != nil ||
		r.EnvConfig != nil || r.RefreshInterval != nil || r.RefreshEnabled != nil
}

// Validate checks the update request.
func (r *UpdateSecretRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil {
		if err := validateSecretName(*r.Name); err != nil {
			return err
		}
	}
	if r.Value != nil && strings.TrimSpace(*r.Value) == "" {
		return errors.New("value cannot be empty")
	}
	if r.RefreshEnabled != nil && *r.RefreshEnabled {
		if r.ProviderScriptPath != nil && strings.TrimSpace(*r.ProviderScriptPath) == "" {
			return errors.New("provider_script_path cannot be empty when refresh is enabled")
		}
		if r.RefreshInterval != nil && *r.RefreshInterval <= 0 {
			return errors.New("refresh_interval_seconds must be positive when refresh is enabled")
		}
	}
	return nil
}
