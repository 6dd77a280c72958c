// Package core defines the ports between the service layer and the data
// layer: repository interfaces, the cache port, and scheduler configuration.
// Services depend on these interfaces, never on the concrete data types.
package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// JobRepository is the durable queue port.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// ReserveNext atomically claims the next runnable job of the given type
	// and transitions it to running with a lease of leaseSeconds. Returns
	// model.ErrNoJobsAvailable when the queue is empty.
	ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error)

	// WaitForNotification blocks until a job of the given type is inserted
	// by any process, or ctx is done.
	WaitForNotification(ctx context.Context, jobType model.JobType) error

	// Heartbeat extends the lease of a job that is still running.
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)

	// Complete and Fail are idempotent: a job already in a terminal state
	// reports (false, nil). Fail re-pends the job while retry budget
	// remains; only the final attempt lands on failed.
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)

	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.JobWithEventCount, error)
	Delete(ctx context.Context, id string) error
	DeleteByPayloadField(ctx context.Context, params DeleteByPayloadFieldParams) (int, error)
}

// JobRepositoryTx is implemented by job repositories that can enqueue inside
// a caller-owned transaction (the scheduler's fire-key insert path).
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error)
}

// DeleteByPayloadFieldParams targets jobs whose payload carries a given
// top-level field value, e.g. pending secret_refresh jobs for one secret.
type DeleteByPayloadFieldParams struct {
	JobType    model.JobType
	FieldName  string
	FieldValue string
}

// UpsertJobResultParams carries one persisted job result document.
type UpsertJobResultParams struct {
	JobID   string
	JobType model.JobType
	Result  []byte
}

// JobResultRepository persists job result documents past job deletion.
type JobResultRepository interface {
	Upsert(ctx context.Context, params UpsertJobResultParams) error
	GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
	// ListByAlertID finds results whose document references the alert.
	ListByAlertID(ctx context.Context, alertID string) ([]*model.JobResult, error)
}

// EventRepository stores raw scan events.
type EventRepository interface {
	// BulkInsert writes the batch with a uniform should-process flag.
	BulkInsert(ctx context.Context, req model.BulkEventsRequest, process bool) (int, error)
	// BulkInsertWithProcessingFlags writes the batch with a per-index
	// should-process decision; absent indexes default to false.
	BulkInsertWithProcessingFlags(
		ctx context.Context,
		req model.BulkEventsRequest,
		shouldProcess map[int]bool,
	) (int, error)
	ListByJob(ctx context.Context, opts model.EventListOptions) (*model.EventPage, error)
	CountByJob(ctx context.Context, opts model.EventListOptions) (int, error)
	// GetByIDs returns events ordered by (created_at, id).
	GetByIDs(ctx context.Context, eventIDs []string) ([]*model.Event, error)
	// MarkProcessedByIDs flips processed on the given rows and reports how
	// many were still unprocessed.
	MarkProcessedByIDs(ctx context.Context, eventIDs []string) (int, error)
}

// SourceRepository stores browser scripts.
type SourceRepository interface {
	Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error)
	GetByID(ctx context.Context, id string) (*model.Source, error)
	GetByName(ctx context.Context, name string) (*model.Source, error)
	List(ctx context.Context, limit, offset int) ([]*model.Source, error)
	Update(ctx context.Context, id string, req model.UpdateSourceRequest) (*model.Source, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SecretRepository stores named secrets; implementations decrypt values on
// read and encrypt on write.
type SecretRepository interface {
	Create(ctx context.Context, req model.CreateSecretRequest) (*model.Secret, error)
	GetByID(ctx context.Context, id string) (*model.Secret, error)
	GetByName(ctx context.Context, name string) (*model.Secret, error)
	List(ctx context.Context, limit, offset int) ([]*model.Secret, error)
	Update(ctx context.Context, id string, req model.UpdateSecretRequest) (*model.Secret, error)
	Delete(ctx context.Context, id string) (bool, error)

	// FindDueForRefresh selects refresh-enabled secrets whose
	// last_refreshed_at is unset or older than their refresh interval.
	FindDueForRefresh(ctx context.Context, limit int) ([]*model.Secret, error)

	// UpdateRefreshStatus records the outcome of a refresh attempt.
	UpdateRefreshStatus(ctx context.Context, params UpdateSecretRefreshStatusParams) error
}

// UpdateSecretRefreshStatusParams records one refresh attempt outcome.
type UpdateSecretRefreshStatusParams struct {
	SecretID    string
	Status      string // model.SecretRefreshStatus* values
	ErrorMsg    *string
	RefreshedAt time.Time
}

// HTTPAlertSinkRepository stores alert delivery endpoint configurations.
type HTTPAlertSinkRepository interface {
	Create(ctx context.Context, req *model.CreateHTTPAlertSinkRequest) (*model.HTTPAlertSink, error)
	GetByID(ctx context.Context, id string) (*model.HTTPAlertSink, error)
	GetByName(ctx context.Context, name string) (*model.HTTPAlertSink, error)
	List(ctx context.Context, limit, offset int) ([]*model.HTTPAlertSink, error)
	Update(
		ctx context.Context,
		id string,
		req *model.UpdateHTTPAlertSinkRequest,
	) (*model.HTTPAlertSink, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SiteRepository stores monitored sites.
type SiteRepository interface {
	Create(ctx context.Context, req *model.CreateSiteRequest) (*model.Site, error)
	GetByID(ctx context.Context, id string) (*model.Site, error)
	GetByName(ctx context.Context, name string) (*model.Site, error)
	List(ctx context.Context, opts model.SiteListOptions) ([]*model.Site, error)
	Update(ctx context.Context, id string, req model.UpdateSiteRequest) (*model.Site, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// AlertRepository stores fired alerts.
type AlertRepository interface {
	Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error)
	GetByID(ctx context.Context, id string) (*model.Alert, error)
	List(ctx context.Context, opts *model.AlertListOptions) ([]*model.Alert, error)
	ListWithSiteNames(
		ctx context.Context,
		opts *model.AlertListOptions,
	) ([]*model.AlertWithSiteName, error)
	ListWithSiteNamesAndCount(
		ctx context.Context,
		opts *model.AlertListOptions,
	) (*model.AlertListResult, error)
	Count(ctx context.Context, opts *model.AlertListOptions) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context, siteID *string) (*model.AlertStats, error)
	Resolve(ctx context.Context, params ResolveAlertParams) (*model.Alert, error)
	UpdateDeliveryStatus(ctx context.Context, params UpdateAlertDeliveryStatusParams) (*model.Alert, error)
}

// ResolveAlertParams marks an alert resolved by an operator.
type ResolveAlertParams struct {
	ID         string
	ResolvedBy string
}

// UpdateAlertDeliveryStatusParams moves an alert through its delivery
// lifecycle (pending, dispatched, failed, muted).
type UpdateAlertDeliveryStatusParams struct {
	ID     string
	Status model.AlertDeliveryStatus
}

// DomainAllowlistRepository stores allow-list patterns.
type DomainAllowlistRepository interface {
	Create(
		ctx context.Context,
		req *model.CreateDomainAllowlistRequest,
	) (*model.DomainAllowlist, error)
	GetByID(ctx context.Context, id string) (*model.DomainAllowlist, error)
	Update(
		ctx context.Context,
		id string,
		req model.UpdateDomainAllowlistRequest,
	) (*model.DomainAllowlist, error)
	Delete(ctx context.Context, id string) error
	List(
		ctx context.Context,
		opts model.DomainAllowlistListOptions,
	) ([]*model.DomainAllowlist, error)
	// GetForScope returns enabled entries for the scope plus global ones,
	// ordered by priority.
	GetForScope(
		ctx context.Context,
		req model.DomainAllowlistLookupRequest,
	) ([]*model.DomainAllowlist, error)
	Stats(ctx context.Context, scope *string) (*model.DomainAllowlistStats, error)
}

// SeenDomainRepository stores first-seen domain records per detection scope.
type SeenDomainRepository interface {
	Create(ctx context.Context, req model.CreateSeenDomainRequest) (*model.SeenDomain, error)
	GetByID(ctx context.Context, id string) (*model.SeenDomain, error)
	List(ctx context.Context, opts model.SeenDomainListOptions) ([]*model.SeenDomain, error)
	Update(
		ctx context.Context,
		id string,
		req model.UpdateSeenDomainRequest,
	) (*model.SeenDomain, error)
	Delete(ctx context.Context, id string) (bool, error)
	Lookup(ctx context.Context, req model.SeenDomainLookupRequest) (*model.SeenDomain, error)
	// RecordSeen upserts the row, incrementing hit_count and bumping
	// last_seen_at. A returned HitCount of 1 means this was the first
	// sighting.
	RecordSeen(ctx context.Context, req model.RecordDomainSeenRequest) (*model.SeenDomain, error)
}

// IOCStats summarizes the indicator table.
type IOCStats struct {
	TotalCount   int `json:"total_count"`
	EnabledCount int `json:"enabled_count"`
	FQDNCount    int `json:"fqdn_count"`
	IPCount      int `json:"ip_count"`
}

// IOCRepository stores system-wide indicators of compromise.
type IOCRepository interface {
	Create(ctx context.Context, req model.CreateIOCRequest) (*model.IOC, error)
	GetByID(ctx context.Context, id string) (*model.IOC, error)
	List(ctx context.Context, opts model.IOCListOptions) ([]*model.IOC, error)
	Update(ctx context.Context, id string, req model.UpdateIOCRequest) (*model.IOC, error)
	Delete(ctx context.Context, id string) (bool, error)
	BulkCreate(ctx context.Context, req model.BulkCreateIOCsRequest) (int, error)
	LookupHost(ctx context.Context, req model.IOCLookupRequest) (*model.IOC, error)
	Stats(ctx context.Context) (*IOCStats, error)
}

// ProcessedFileRepository stores hashes of files already scanned.
type ProcessedFileRepository interface {
	Create(ctx context.Context, req model.CreateProcessedFileRequest) (*model.ProcessedFile, error)
	GetByID(ctx context.Context, id string) (*model.ProcessedFile, error)
	List(ctx context.Context, opts model.ProcessedFileListOptions) ([]*model.ProcessedFile, error)
	Update(
		ctx context.Context,
		id string,
		req model.UpdateProcessedFileRequest,
	) (*model.ProcessedFile, error)
	Delete(ctx context.Context, id string) (bool, error)
	Lookup(ctx context.Context, req model.ProcessedFileLookupRequest) (*model.ProcessedFile, error)
	Stats(ctx context.Context, siteID *string) (*model.ProcessedFileStats, error)
}

// DeleteOldJobsParams bounds one reaper deletion sweep.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldJobResultsParams bounds one job-result deletion sweep.
type DeleteOldJobResultsParams struct {
	JobType   model.JobType
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository is the cleanup port. All operations process bounded
// batches so callers can loop without holding long locks.
type ReaperRepository interface {
	// FailStalePendingJobs fails pending jobs older than maxAge, up to
	// batchSize rows, and returns the number failed.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs removes terminal jobs older than params.MaxAge.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// DeleteOldJobResults removes persisted results older than
	// params.MaxAge for one job type.
	DeleteOldJobResults(ctx context.Context, params DeleteOldJobResultsParams) (int64, error)
}
