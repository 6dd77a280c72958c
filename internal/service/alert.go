package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// AlertDispatcher schedules delivery of an alert to its site's HTTP sink.
// An interface here keeps the AlertService decoupled from the delivery
// mechanics (sink lookup, job enqueue).
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *model.Alert) error
}

// AlertServiceOptions groups dependencies for AlertService.
//
// All fields are required except Logger which is optional.
// Dispatcher is technically optional but recommended for production use.
type AlertServiceOptions struct {
	Repo       core.AlertRepository // Required: alert repository
	Sites      core.SiteRepository  // Optional: load site context for delivery decisions
	Dispatcher AlertDispatcher      // Optional: dispatches alerts to HTTP alert sinks
	Logger     *slog.Logger         // Optional: structured logger
}

// AlertService owns the alert lifecycle. Create persists the alert with a
// delivery status derived from the site's alert mode: active sites get
// pending alerts that are dispatched asynchronously, muted sites get muted
// audit rows and no dispatch.
type AlertService struct {
	repo       core.AlertRepository
	dispatcher AlertDispatcher
	sites      core.SiteRepository
	logger     *slog.Logger
}

// NewAlertService constructs a new AlertService.
//
// Returns an error if Repo is nil. Dispatcher and Logger are optional.
func NewAlertService(opts AlertServiceOptions) (*AlertService, error) {
	if opts.Repo == nil {
		return nil, errors.New("AlertRepository is required")
	}

	if opts.Logger != nil {
		opts.Logger.Info("AlertService initialized",
			"has_dispatcher", opts.Dispatcher != nil)
	}

	return &AlertService{
		repo:       opts.Repo,
		dispatcher: opts.Dispatcher,
		sites:      opts.Sites,
		logger:     opts.Logger,
	}, nil
}

// MustNewAlertService constructs a new AlertService and panics on error.
func MustNewAlertService(opts AlertServiceOptions) *AlertService {
	svc, err := NewAlertService(opts)
	if err != nil {
		panic(err) //nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
	}
	return svc
}

// Create persists a new alert.
//
// The delivery status is derived from the owning site's alert mode:
// active sites produce pending alerts which are handed to the dispatcher
// asynchronously; muted sites produce muted rows and skip dispatch
// entirely. Dispatch errors are logged but never fail the create.
func (s *AlertService) Create(
	ctx context.Context,
	req *model.CreateAlertRequest,
) (*model.Alert, error) {
	if req == nil {
		return nil, errors.New("create alert request is required")
	}

	siteMode := s.resolveSiteAlertMode(ctx, req.SiteID)

	deliveryStatus := model.AlertDeliveryStatusPending
	if siteMode == model.SiteAlertModeMuted {
		deliveryStatus = model.AlertDeliveryStatusMuted
	}
	req.DeliveryStatus = deliveryStatus

	alert, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	alert.DeliveryStatus = deliveryStatus

	if s.logger != nil {
		s.logger.InfoContext(ctx, "alert created",
			"alert_id", alert.ID,
			"site_id", alert.SiteID,
			"rule_type", alert.RuleType,
			"severity", alert.Severity,
			"alert_mode", siteMode,
			"delivery_status", alert.DeliveryStatus)
	}

	if deliveryStatus == model.AlertDeliveryStatusMuted {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "alert delivery muted; skipping dispatch",
				"alert_id", alert.ID,
				"site_id", alert.SiteID)
		}
		return alert, nil
	}

	if s.dispatcher == nil {
		return alert, nil
	}

	// Copy alert value to avoid potential data races if caller mutates the pointer
	alertCopy := *alert
	s.dispatchAlertAsync(ctx, alertCopy)

	return alert, nil
}

// resolveSiteAlertMode loads the site's alert mode, defaulting to active
// when the site cannot be loaded so alerts are never silently muted by a
// broken lookup.
func (s *AlertService) resolveSiteAlertMode(ctx context.Context, siteID string) model.SiteAlertMode {
	if s.sites == nil || strings.TrimSpace(siteID) == "" {
		return model.SiteAlertModeActive
	}
	site, err := s.sites.GetByID(ctx, siteID)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load site for alert creation",
				"site_id", siteID,
				"error", err)
		}
		return model.SiteAlertModeActive
	}
	if site != nil && site.AlertMode.Valid() {
		return site.AlertMode
	}
	return model.SiteAlertModeActive
}

// GetByID retrieves an alert by its ID.
func (s *AlertService) GetByID(ctx context.Context, id string) (*model.Alert, error) {
	alert, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get alert by id: %w", err)
	}
	return alert, nil
}

// List retrieves a list of alerts with the given options.
func (s *AlertService) List(
	ctx context.Context,
	opts *model.AlertListOptions,
) ([]*model.Alert, error) {
	alerts, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

// ListWithSiteNames retrieves alerts joined with their site names in a
// single query, avoiding N+1 site lookups.
func (s *AlertService) ListWithSiteNames(
	ctx context.Context,
	opts *model.AlertListOptions,
) ([]*model.AlertWithSiteName, error) {
	alerts, err := s.repo.ListWithSiteNames(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list alerts with site names: %w", err)
	}
	return alerts, nil
}

// ListWithSiteNamesAndCount retrieves alerts with site names and the total
// count in one round trip.
func (s *AlertService) ListWithSiteNamesAndCount(
	ctx context.Context,
	opts *model.AlertListOptions,
) (*model.AlertListResult, error) {
	result, err := s.repo.ListWithSiteNamesAndCount(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list alerts with site names and count: %w", err)
	}
	return result, nil
}

// Count returns the total number of alerts matching the given filter options.
func (s *AlertService) Count(ctx context.Context, opts *model.AlertListOptions) (int, error) {
	count, err := s.repo.Count(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return count, nil
}

// Delete deletes an alert by its ID.
//
// Returns true if the alert was deleted, false if it didn't exist.
func (s *AlertService) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete alert: %w", err)
	}

	if deleted && s.logger != nil {
		s.logger.InfoContext(ctx, "alert deleted", "alert_id", id)
	}

	return deleted, nil
}

func (s *AlertService) dispatchAlertAsync(ctx context.Context, alert model.Alert) {
	go func(a model.Alert) {
		defer s.recoverDispatchPanic(a)

		// Preserve request-scoped values (logging, tracing) while ignoring
		// cancellation so the dispatch completes even if the originating
		// request is cancelled.
		dispatchCtx := context.WithoutCancel(ctx)
		if err := s.dispatcher.Dispatch(dispatchCtx, &a); err != nil {
			s.logDispatchError(a, err)
		}
	}(alert)
}

func (s *AlertService) recoverDispatchPanic(alert model.Alert) {
	if r := recover(); r != nil && s.logger != nil {
		s.logger.Error("panic in alert dispatch",
			"alert_id", alert.ID,
			"panic", r)
	}
}

func (s *AlertService) logDispatchError(alert model.Alert, err error) {
	if s.logger == nil {
		return
	}

	s.logger.Error("alert dispatch failed",
		"alert_id", alert.ID,
		"error", err)
}

// Stats retrieves alert statistics, optionally filtered by site ID.
func (s *AlertService) Stats(ctx context.Context, siteID *string) (*model.AlertStats, error) {
	stats, err := s.repo.Stats(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("get alert stats: %w", err)
	}
	return stats, nil
}

// Resolve marks an alert as resolved, recording who resolved it and when.
func (s *AlertService) Resolve(
	ctx context.Context,
	params core.ResolveAlertParams,
) (*model.Alert, error) {
	alert, err := s.repo.Resolve(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "alert resolved",
			"alert_id", params.ID,
			"resolved_by", params.ResolvedBy,
			"resolved_at", alert.ResolvedAt)
	}

	return alert, nil
}
