package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ProcessedFile marks a file hash as already scanned for a site and scope,
// so content rules skip re-scanning identical payloads.
type ProcessedFile struct {
	ID          string          `json:"id"                     db:"id"`
	SiteID      string          `json:"site_id"                db:"site_id"`
	FileHash    string          `json:"file_hash"              db:"file_hash"`
	StorageKey  string          `json:"storage_key"            db:"storage_key"`
	Scope       string          `json:"scope"                  db:"scope"`
	ScanResults json.RawMessage `json:"scan_results,omitempty" db:"scan_results"`
	ProcessedAt time.Time       `json:"processed_at"           db:"processed_at"`
	CreatedAt   time.Time       `json:"created_at"             db:"created_at"`
}

// CreateProcessedFileRequest records a completed scan.
type CreateProcessedFileRequest struct {
	SiteID      string          `json:"site_id"`
	FileHash    string          `json:"file_hash"`
	StorageKey  string          `json:"storage_key"`
	Scope       string          `json:"scope,omitempty"`
	ScanResults json.RawMessage `json:"scan_results,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Normalize lowercases the hash and applies the default scope.
func (r *CreateProcessedFileRequest) Normalize() {
	r.SiteID = strings.TrimSpace(r.SiteID)
	r.FileHash = strings.TrimSpace(strings.ToLower(r.FileHash))
	r.StorageKey = strings.TrimSpace(r.StorageKey)
	r.Scope = NormalizeScope(r.Scope)
}

// Validate checks the create request; the hash must be a lowercase
// 64-character SHA-256 digest.
func (r *CreateProcessedFileRequest) Validate() error {
	if r.SiteID == "" {
		return errors.New("site_id is required")
	}
	if err := ValidateFileHash(r.FileHash); err != nil {
		return err
	}
	if r.StorageKey == "" {
		return errors.New("storage_key is required")
	}
	return nil
}

// UpdateProcessedFileRequest amends a scan record; nil fields are left
// unchanged.
type UpdateProcessedFileRequest struct {
	ScanResults json.RawMessage `json:"scan_results,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// HasUpdates reports whether any field is set.
func (r *UpdateProcessedFileRequest) HasUpdates() bool {
	return r.ScanResults != nil || r.ProcessedAt != nil
}

// Validate checks the update request.
func (r *UpdateProcessedFileRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	return nil
}

// ProcessedFileListOptions filters and pages processed-file listings.
type ProcessedFileListOptions struct {
	SiteID   *string
	Scope    *string
	FileHash *string
	Limit    int
	Offset   int
}

// ProcessedFileStats summarizes scan outcomes.
type ProcessedFileStats struct {
	Total       int `json:"total"`
	WithMatches int `json:"with_matches"`
	NoMatches   int `json:"no_matches"`
	Errors      int `json:"errors"`
}

// ProcessedFileLookupRequest checks whether a hash was already scanned.
type ProcessedFileLookupRequest struct {
	SiteID   string `json:"site_id"`
	FileHash string `json:"file_hash"`
	Scope    string `json:"scope,omitempty"`
}

// Normalize lowercases the hash and applies the default scope.
func (r *ProcessedFileLookupRequest) Normalize() {
	r.SiteID = strings.TrimSpace(r.SiteID)
	r.FileHash = strings.TrimSpace(strings.ToLower(r.FileHash))
	r.Scope = NormalizeScope(r.Scope)
}

// Validate checks the lookup request.
func (r *ProcessedFileLookupRequest) Validate() error {
	if r.SiteID == "" {
		return errors.New("site_id is required")
	}
	return ValidateFileHash(r.FileHash)
}

// ValidateFileHash enforces the lowercase hex SHA-256 shape used as the
// processed-file key.
func ValidateFileHash(hash string) error {
	if hash == "" {
		return errors.New("file_hash is required")
	}
	if len(hash) != 64 {
		return errors.New("file_hash must be a 64-character SHA256 hash")
	}
	for _, c := range hash {
		if ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') {
			continue
		}
		return errors.New("file_hash must contain only hexadecimal characters")
	}
	return nil
}
