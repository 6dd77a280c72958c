package data

import "errors"

// Sentinel errors shared across repositories. Repo-specific sentinels
// live next to their repo type.
var (
	ErrJobResultsNotConfigured = errors.New("job results repository not configured")
	ErrJobResultsNotFound      = errors.New("job results not found")
	ErrJobIDRequired           = errors.New("job id is required")
	ErrAlertIDRequired         = errors.New("alert id is required")
)
