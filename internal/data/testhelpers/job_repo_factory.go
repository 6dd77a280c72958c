package testhelpers

import (
	"database/sql"

	"github.com/target/merrymaker-core/internal/data"
)

// NewJobRepoWithClock builds a JobRepo pinned to the given clock for tests.
func NewJobRepoWithClock(db *sql.DB, cfg data.JobRepoConfig, clock data.Clock) *data.JobRepo {
	cfg.Clock = clock
	return data.NewJobRepo(db, cfg)
}
