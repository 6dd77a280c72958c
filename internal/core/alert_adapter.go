package core

import (
	"context"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// AlertService is a thin adapter satisfying the rule evaluators'
// AlertCreator port without pulling the full service layer (and its
// dispatcher wiring) into their package. Production wiring uses
// service.AlertService, which adds validation and async dispatch.
type AlertService struct {
	Repo AlertRepository
}

// Create persists the alert through the repository.
func (s *AlertService) Create(ctx context.Context, req *model.CreateAlertRequest) (*model.Alert, error) {
	return s.Repo.Create(ctx, req)
}
