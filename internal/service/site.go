package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain"
	"github.com/target/merrymaker-core/internal/domain/model"
)

// SiteServiceOptions groups dependencies for SiteService.
type SiteServiceOptions struct {
	SiteRepo core.SiteRepository
	Admin    core.ScheduledTaskAdminRepository
}

// SiteService orchestrates site CRUD with scheduler reconciliation: an
// enabled site always has a matching scheduled browser task, a disabled or
// deleted site never does.
type SiteService struct {
	sites core.SiteRepository
	adm   core.ScheduledTaskAdminRepository
}

// NewSiteService constructs a new SiteService.
func NewSiteService(opts SiteServiceOptions) *SiteService {
	return &SiteService{sites: opts.SiteRepo, adm: opts.Admin}
}

// Create creates a site and reconciles its scheduled task if enabled.
func (s *SiteService) Create(ctx context.Context, req *model.CreateSiteRequest) (*model.Site, error) {
	site, err := s.sites.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if reconcileErr := s.reconcileSchedule(ctx, site); reconcileErr != nil {
		return nil, fmt.Errorf("reconcile schedule: %w", reconcileErr)
	}
	return site, nil
}

// Update updates a site and reconciles its scheduled task.
func (s *SiteService) Update(ctx context.Context, id string, req model.UpdateSiteRequest) (*model.Site, error) {
	site, err := s.sites.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if reconcileErr := s.reconcileSchedule(ctx, site); reconcileErr != nil {
		return nil, fmt.Errorf("reconcile schedule: %w", reconcileErr)
	}
	return site, nil
}

// Delete deletes a site and removes its scheduled task if present.
func (s *SiteService) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.sites.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	_, delErr := s.adm.DeleteByTaskName(ctx, taskNameForSite(id))
	if delErr != nil {
		return ok, fmt.Errorf("delete schedule: %w", delErr)
	}
	return ok, nil
}

// GetByID retrieves a site by ID.
func (s *SiteService) GetByID(ctx context.Context, id string) (*model.Site, error) {
	return s.sites.GetByID(ctx, id)
}

// List returns a page of sites matching the given options.
func (s *SiteService) List(ctx context.Context, opts model.SiteListOptions) ([]*model.Site, error) {
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset
	return s.sites.List(ctx, opts)
}

func (s *SiteService) reconcileSchedule(ctx context.Context, site *model.Site) error {
	if s.adm == nil || site == nil {
		return nil
	}
	name := taskNameForSite(site.ID)
	if site.Enabled {
		interval := time.Duration(site.RunEveryMinutes) * time.Minute
		if interval <= 0 {
			interval = time.Minute
		}
		payload := siteSourcePayload{SiteID: site.ID, SourceID: site.SourceID}
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return s.adm.UpsertByTaskName(ctx, domain.UpsertTaskParams{
			TaskName: name,
			Payload:  b,
			Interval: interval,
			JobType:  model.JobTypeBrowser,
		})
	}
	_, err := s.adm.DeleteByTaskName(ctx, name)
	return err
}

func taskNameForSite(id string) string { return "site:" + id }
