package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain/model"
	"github.com/target/merrymaker-core/internal/testutil"
)

func TestJobRepo_FailStalePendingJobs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("fails stale pending jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			oldJob, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{"url": "https://example.com"}`),
			})
			require.NoError(t, err)

			_, err = db.ExecContext(ctx, `
				UPDATE jobs
				SET created_at = $1
				WHERE id = $2
			`, time.Now().Add(-2*time.Hour), oldJob.ID)
			require.NoError(t, err)

			recentJob, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{"url": "https://example.com"}`),
			})
			require.NoError(t, err)

			count, err := repo.FailStalePendingJobs(ctx, 1*time.Hour, 1000)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			oldJobAfter, err := repo.GetByID(ctx, oldJob.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusFailed, oldJobAfter.Status)
			require.NotNil(t, oldJobAfter.LastError)
			assert.Contains(t, *oldJobAfter.LastError, "stale")
			assert.NotNil(t, oldJobAfter.CompletedAt)

			recentJobAfter, err := repo.GetByID(ctx, recentJob.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPending, recentJobAfter.Status)
		})
	})

	t.Run("no jobs to fail", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			_, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{"url": "https://example.com"}`),
			})
			require.NoError(t, err)

			count, err := repo.FailStalePendingJobs(ctx, 24*time.Hour, 1000)
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)
		})
	})

	t.Run("does not fail running jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			job, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{"url": "https://example.com"}`),
			})
			require.NoError(t, err)

			_, err = repo.ReserveNext(ctx, model.JobTypeBrowser, 30)
			require.NoError(t, err)

			_, err = db.ExecContext(ctx, `
				UPDATE jobs
				SET created_at = $1
				WHERE id = $2
			`, time.Now().Add(-2*time.Hour), job.ID)
			require.NoError(t, err)

			count, err := repo.FailStalePendingJobs(ctx, 1*time.Hour, 1000)
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)

			jobAfter, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusRunning, jobAfter.Status)
		})
	})

	t.Run("respects batch size", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			for range 3 {
				job, err := repo.Create(ctx, &model.CreateJobRequest{
					Type:    model.JobTypeBrowser,
					Payload: json.RawMessage(`{"url": "https://example.com"}`),
				})
				require.NoError(t, err)

				_, err = db.ExecContext(ctx, `
					UPDATE jobs
					SET created_at = $1
					WHERE id = $2
				`, time.Now().Add(-2*time.Hour), job.ID)
				require.NoError(t, err)
			}

			count, err := repo.FailStalePendingJobs(ctx, 1*time.Hour, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(2), count)

			count, err = repo.FailStalePendingJobs(ctx, 1*time.Hour, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	})

	t.Run("rejects non-positive bounds", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			_, err := repo.FailStalePendingJobs(ctx, 0, 1000)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "max age must be positive")

			_, err = repo.FailStalePendingJobs(ctx, time.Hour, 0)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "batch size must be positive")
		})
	})
}

func TestJobRepo_DeleteOldJobs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("deletes old completed jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			job, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{"url": "https://example.com"}`),
			})
			require.NoError(t, err)

			_, err = repo.ReserveNext(ctx, model.JobTypeBrowser, 30)
			require.NoError(t, err)

			success, err := repo.Complete(ctx, job.ID)
			require.NoError(t, err)
			require.True(t, success)

			jobAfter, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, model.JobStatusCompleted, jobAfter.Status)
			require.NotNil(t, jobAfter.CompletedAt)

			oldTime := time.Now().Add(-8 * 24 * time.Hour)
			_, err = db.ExecContext(ctx, `
				UPDATE jobs
				SET completed_at = $1, updated_at = $1
				WHERE id = $2
			`, oldTime, job.ID)
			require.NoError(t, err)

			count, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    model.JobStatusCompleted,
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			_, err = repo.GetByID(ctx, job.ID)
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	})

	t.Run("deletes old failed jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			job, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:       model.JobTypeBrowser,
				Payload:    json.RawMessage(`{"url": "https://example.com"}`),
				MaxRetries: intPtr(0),
			})
			require.NoError(t, err)

			reservedJob, err := repo.ReserveNext(ctx, model.JobTypeBrowser, 30)
			require.NoError(t, err)
			require.Equal(t, model.JobStatusRunning, reservedJob.Status)

			// MaxRetries 0 sends the first failure straight to failed.
			success, err := repo.Fail(ctx, job.ID, "test error")
			require.NoError(t, err)
			require.True(t, success)

			jobAfter, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, model.JobStatusFailed, jobAfter.Status)

			_, err = db.ExecContext(ctx, `
				UPDATE jobs
				SET completed_at = $1, updated_at = $1
				WHERE id = $2
			`, time.Now().Add(-8*24*time.Hour), job.ID)
			require.NoError(t, err)

			count, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    model.JobStatusFailed,
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			_, err = repo.GetByID(ctx, job.ID)
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	})

	t.Run("does not delete recent jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			job, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{"url": "https://example.com"}`),
			})
			require.NoError(t, err)

			_, err = repo.ReserveNext(ctx, model.JobTypeBrowser, 30)
			require.NoError(t, err)

			success, err := repo.Complete(ctx, job.ID)
			require.NoError(t, err)
			require.True(t, success)

			count, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    model.JobStatusCompleted,
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)

			_, err = repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
		})
	})

	t.Run("does not delete jobs with different status", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})
			ctx := context.Background()

			job, err := repo.Create(ctx, &model.CreateJobRequest{
				Type:    model.JobTypeBrowser,
				Payload: json.RawMessage(`{"url": "https://example.com"}`),
			})
			require.NoError(t, err)

			_, err = repo.ReserveNext(ctx, model.JobTypeBrowser, 30)
			require.NoError(t, err)

			success, err := repo.Complete(ctx, job.ID)
			require.NoError(t, err)
			require.True(t, success)

			_, err = db.ExecContext(ctx, `
				UPDATE jobs
				SET completed_at = $1, updated_at = $1
				WHERE id = $2
			`, time.Now().Add(-8*24*time.Hour), job.ID)
			require.NoError(t, err)

			count, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
				Status:    model.JobStatusFailed,
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)

			_, err = repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
		})
	})

	t.Run("invalid status returns error", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, JobRepoConfig{})

			_, err := repo.DeleteOldJobs(context.Background(), core.DeleteOldJobsParams{
				Status:    model.JobStatus("invalid"),
				MaxAge:    7 * 24 * time.Hour,
				BatchSize: 1000,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid job status")
		})
	})
}
