package core

import (
	"context"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// AlertDispatcher schedules delivery of a persisted alert to its site's
// HTTP sink. Implementations log per-sink failures and only return an error
// when nothing could be scheduled.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *model.Alert) error
}
