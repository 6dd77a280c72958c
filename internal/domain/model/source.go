package model

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

const (
	minSourceNameLen = 3
	maxSourceNameLen = 255
	minSourceBodyLen = 5
)

// Source is a browser script. The body may reference secrets with
// __NAME__ placeholders which are resolved at run preparation time.
type Source struct {
	ID        string    `json:"id"         db:"id"`
	Name      string    `json:"name"       db:"name"`
	Body      string    `json:"body"       db:"body"`
	Test      bool      `json:"test"       db:"test"`
	Secrets   []string  `json:"secrets"    db:"secrets"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CreateSourceRequest creates a Source.
type CreateSourceRequest struct {
	Name    string   `json:"name"`
	Body    string   `json:"body"`
	Test    bool     `json:"test,omitempty"`
	Secrets []string `json:"secrets,omitempty"`
}

// Normalize trims the name.
func (r *CreateSourceRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
}

// Validate checks the create request.
func (r *CreateSourceRequest) Validate() error {
	if err := requireName(r.Name, minSourceNameLen, maxSourceNameLen); err != nil {
		return err
	}
	if err := validateSourceName(r.Name); err != nil {
		return err
	}
	if err := validateSourceBody(r.Body); err != nil {
		return err
	}
	return validateSecretNames(r.Secrets)
}

// UpdateSourceRequest updates a Source; nil fields are left unchanged.
type UpdateSourceRequest struct {
	Name    *string  `json:"name,omitempty"`
	Body    *string  `json:"body,omitempty"`
	Test    *bool    `json:"test,omitempty"`
	Secrets []string `json:"secrets,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateSourceRequest) HasUpdates() bool {
	return r.Name != nil || r.Body != nil || r.Test != nil || r.Secrets != nil
}

// Validate checks the update request.
func (r *UpdateSourceRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil {
		if err := requireName(*r.Name, minSourceNameLen, maxSourceNameLen); err != nil {
			return err
		}
		if err := validateSourceName(*r.Name); err != nil {
			return err
		}
	}
	if r.Body != nil {
		if err := validateSourceBody(*r.Body); err != nil {
			return err
		}
	}
	if r.Secrets != nil {
		return validateSecretNames(r.Secrets)
	}
	return nil
}

func validateSourceName(name string) error {
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return errors.New("name must contain only printable characters")
		}
	}
	return nil
}

func validateSourceBody(body string) error {
	if len(strings.TrimSpace(body)) < minSourceBodyLen {
		return errors.New("body must be at least 5 characters")
	}
	return nil
}

func validateSecretNames(secrets []string) error {
	seen := make(map[string]bool, len(secrets))
	for _, name := range secrets {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return errors.New("secrets cannot contain empty entries")
		}
		if seen[trimmed] {
			return errors.New("secrets cannot contain duplicate entries")
		}
		seen[trimmed] = true
	}
	return nil
}
