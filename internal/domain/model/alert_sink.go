package model

import (
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	minSinkNameLen = 3
	maxSinkNameLen = 512
	maxSinkURILen  = 1024

	// DefaultSinkOkStatus is the status code treated as delivery success
	// when a sink does not configure one.
	DefaultSinkOkStatus = 200
	// DefaultSinkRetry is the delivery retry budget when unset.
	DefaultSinkRetry = 3
)

// HTTPAlertSink describes one outbound webhook target: the request shape
// plus the secrets its templates may reference.
type HTTPAlertSink struct {
	ID          string    `json:"id"                     db:"id"`
	Name        string    `json:"name"                   db:"name"`
	URI         string    `json:"uri"                    db:"uri"`
	Method      string    `json:"method"                 db:"method"`
	Body        *string   `json:"body,omitempty"         db:"body"`
	QueryParams *string   `json:"query_params,omitempty" db:"query_params"`
	Headers     *string   `json:"headers,omitempty"      db:"headers"`
	OkStatus    int       `json:"ok_status"              db:"ok_status"`
	Retry       int       `json:"retry"                  db:"retry"`
	Secrets     []string  `json:"secrets"                db:"secrets"`
	CreatedAt   time.Time `json:"created_at"             db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"             db:"updated_at"`
}

// CreateHTTPAlertSinkRequest creates a sink.
type CreateHTTPAlertSinkRequest struct {
	Name        string   `json:"name"`
	URI         string   `json:"uri"`
	Method      string   `json:"method"`
	Body        *string  `json:"body,omitempty"`
	QueryParams *string  `json:"query_params,omitempty"`
	Headers     *string  `json:"headers,omitempty"`
	OkStatus    *int     `json:"ok_status,omitempty"`
	Retry       *int     `json:"retry,omitempty"`
	Secrets     []string `json:"secrets,omitempty"`
}

// Normalize trims fields, uppercases the method, and applies defaults.
func (r *CreateHTTPAlertSinkRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.URI = strings.TrimSpace(r.URI)
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.OkStatus == nil {
		status := DefaultSinkOkStatus
		r.OkStatus = &status
	}
	if r.Retry == nil {
		retry := DefaultSinkRetry
		r.Retry = &retry
	}
}

// Validate checks the create request.
func (r *CreateHTTPAlertSinkRequest) Validate() error {
	if err := validateSinkName(r.Name); err != nil {
		return err
	}
	if err := validateSinkURI(r.URI); err != nil {
		return err
	}
	if err := validateSinkMethod(r.Method); err != nil {
		return err
	}
	if err := validateSinkOkStatus(r.OkStatus); err != nil {
		return err
	}
	if err := validateSinkRetry(r.Retry); err != nil {
		return err
	}
	return validateSecretNames(r.Secrets)
}

// UpdateHTTPAlertSinkRequest updates a sink; nil fields are left unchanged.
type UpdateHTTPAlertSinkRequest struct {
	Name        *string  `json:"name,omitempty"`
	URI         *string  `json:"uri,omitempty"`
	Method      *string  `json:"method,omitempty"`
	Body        *string  `json:"body,omitempty"`
	QueryParams *string  `json:"query_params,omitempty"`
	Headers     *string  `json:"headers,omitempty"`
	OkStatus    *int     `json:"ok_status,omitempty"`
	Retry       *int     `json:"retry,omitempty"`
	Secrets     []string `json:"secrets,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateHTTPAlertSinkRequest) HasUpdates() bool {
	return r.Name != nil || r.URI != nil || r.Method != nil ||
		r.Body != nil || r.QueryParams != nil || r.Headers != nil ||
		r.OkStatus != nil || r.Retry != nil || r.Secrets != nil
}

// Normalize trims set fields.
func (r *UpdateHTTPAlertSinkRequest) Normalize() {
	if r.Name != nil {
		n := strings.TrimSpace(*r.Name)
		r.Name = &n
	}
	if r.URI != nil {
		u := strings.TrimSpace(*r.URI)
		r.URI = &u
	}
	if r.Method != nil {
		m := strings.ToUpper(strings.TrimSpace(*r.Method))
		r.Method = &m
	}
}

// Validate checks the update request.
func (r *UpdateHTTPAlertSinkRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil {
		if err := validateSinkName(*r.Name); err != nil {
			return err
		}
	}
	if r.URI != nil {
		if err := validateSinkURI(*r.URI); err != nil {
			return err
		}
	}
	if r.Method != nil {
		if err := validateSinkMethod(*r.Method); err != nil {
			return err
		}
	}
	if err := validateSinkOkStatus(r.OkStatus); err != nil {
		return err
	}
	if err := validateSinkRetry(r.Retry); err != nil {
		return err
	}
	if r.Secrets != nil {
		return validateSecretNames(r.Secrets)
	}
	return nil
}

func validateSinkName(name string) error {
	return requireName(name, minSinkNameLen, maxSinkNameLen)
}

func validateSinkURI(uri string) error {
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return errors.New("uri is required and cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxSinkURILen {
		return errors.New("uri cannot exceed 1024 characters")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return errors.New("uri must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("uri must use http or https scheme")
	}
	if parsed.Host == "" {
		return errors.New("uri must have a valid host")
	}
	return nil
}

func validateSinkMethod(method string) error {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
		return nil
	case "":
		return errors.New("method is required and cannot be empty")
	default:
		return errors.New("method must be one of: GET, POST, PUT, PATCH, DELETE")
	}
}

func validateSinkOkStatus(okStatus *int) error {
	if okStatus != nil && (*okStatus < 100 || *okStatus > 599) {
		return errors.New("ok_status must be between 100 and 599")
	}
	return nil
}

func validateSinkRetry(retry *int) error {
	if retry != nil && *retry < 0 {
		return errors.New("retry must be non-negative")
	}
	return nil
}
