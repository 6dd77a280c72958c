package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
	"github.com/target/merrymaker-core/internal/testutil"
)

func TestJobRepo_DeleteOldJobResults(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("deletes old rows", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			jobRepo := NewJobRepo(db, JobRepoConfig{})
			resultsRepo := NewJobResultRepo(db)
			ctx := context.Background()

			job, err := jobRepo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeAlert,
				Payload: json.RawMessage(`{"id":"alert-1"}`),
			})
			require.NoError(t, err)

			err = resultsRepo.Upsert(ctx, core.UpsertJobResultParams{
				JobID:   job.ID,
				JobType: model.JobTypeAlert,
				Result:  json.RawMessage(`{"alert_id":"alert-1"}`),
			})
			require.NoError(t, err)

			oldTime := time.Now().Add(-120 * 24 * time.Hour)
			_, err = db.ExecContext(ctx, `
				UPDATE job_results
				SET updated_at = $1, created_at = $1
				WHERE job_id = $2
			`, oldTime, job.ID)
			require.NoError(t, err)

			count, err := jobRepo.DeleteOldJobResults(ctx, core.DeleteOldJobResultsParams{
				JobType:   model.JobTypeAlert,
				MaxAge:    90 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			_, err = resultsRepo.GetByJobID(ctx, job.ID)
			assert.ErrorIs(t, err, ErrJobResultsNotFound)
		})
	})

	t.Run("skips recent rows", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			jobRepo := NewJobRepo(db, JobRepoConfig{})
			resultsRepo := NewJobResultRepo(db)
			ctx := context.Background()

			job, err := jobRepo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeAlert,
				Payload: json.RawMessage(`{"id":"alert-2"}`),
			})
			require.NoError(t, err)

			err = resultsRepo.Upsert(ctx, core.UpsertJobResultParams{
				JobID:   job.ID,
				JobType: model.JobTypeAlert,
				Result:  json.RawMessage(`{"alert_id":"alert-2"}`),
			})
			require.NoError(t, err)

			count, err := jobRepo.DeleteOldJobResults(ctx, core.DeleteOldJobResultsParams{
				JobType:   model.JobTypeAlert,
				MaxAge:    90 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)

			result, err := resultsRepo.GetByJobID(ctx, job.ID)
			require.NoError(t, err)
			require.NotNil(t, result.JobID)
			assert.Equal(t, job.ID, *result.JobID)
		})
	})

	t.Run("skips rows of other job types", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			jobRepo := NewJobRepo(db, JobRepoConfig{})
			resultsRepo := NewJobResultRepo(db)
			ctx := context.Background()

			job, err := jobRepo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeRules,
				Payload: json.RawMessage(`{"event_ids":["e1"]}`),
			})
			require.NoError(t, err)

			err = resultsRepo.Upsert(ctx, core.UpsertJobResultParams{
				JobID:   job.ID,
				JobType: model.JobTypeRules,
				Result:  json.RawMessage(`{"matched":0}`),
			})
			require.NoError(t, err)

			oldTime := time.Now().Add(-120 * 24 * time.Hour)
			_, err = db.ExecContext(ctx, `
				UPDATE job_results
				SET updated_at = $1, created_at = $1
				WHERE job_id = $2
			`, oldTime, job.ID)
			require.NoError(t, err)

			count, err := jobRepo.DeleteOldJobResults(ctx, core.DeleteOldJobResultsParams{
				JobType:   model.JobTypeAlert,
				MaxAge:    90 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)

			_, err = resultsRepo.GetByJobID(ctx, job.ID)
			require.NoError(t, err)
		})
	})

	t.Run("results outlive their parent job", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			jobRepo := NewJobRepo(db, JobRepoConfig{})
			resultsRepo := NewJobResultRepo(db)
			ctx := context.Background()

			alertID := fmt.Sprintf("alert-orphan-%d", time.Now().UnixNano())

			job, err := jobRepo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeAlert,
				Payload: json.RawMessage(fmt.Sprintf(`{"id":"%s"}`, alertID)),
			})
			require.NoError(t, err)

			err = resultsRepo.Upsert(ctx, core.UpsertJobResultParams{
				JobID:   job.ID,
				JobType: model.JobTypeAlert,
				Result:  json.RawMessage(fmt.Sprintf(`{"alert_id":"%s","status":"delivered"}`, alertID)),
			})
			require.NoError(t, err)

			_, err = jobRepo.ReserveNext(ctx, model.JobTypeAlert, 30)
			require.NoError(t, err)

			ok, err := jobRepo.Complete(ctx, job.ID)
			require.NoError(t, err)
			require.True(t, ok)

			err = jobRepo.Delete(ctx, job.ID)
			require.NoError(t, err)

			_, err = jobRepo.GetByID(ctx, job.ID)
			require.ErrorIs(t, err, ErrJobNotFound)

			// The result row survives with its job reference nulled.
			var jobID sql.NullString
			err = db.QueryRowContext(ctx, `
				SELECT job_id FROM job_results
				WHERE job_type = $1 AND result->>'alert_id' = $2
			`, model.JobTypeAlert, alertID).Scan(&jobID)
			require.NoError(t, err)
			assert.False(t, jobID.Valid)

			// Orphaned results stay findable by alert id.
			results, err := resultsRepo.ListByAlertID(ctx, alertID)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Nil(t, results[0].JobID)
			assert.Equal(t, model.JobTypeAlert, results[0].JobType)
		})
	})
}
