package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/domain"
	"github.com/target/merrymaker-core/internal/domain/model"
)

const (
	testTaskName     = "site:6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	testTaskSiteID   = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	testTaskSourceID = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
)

// fakeTaskRepo drives Tick without a database: the advisory lock runs the
// callback inline with a nil transaction.
type fakeTaskRepo struct {
	due            []domain.ScheduledTask
	findDueErr     error
	findDueTxFn    func(p domain.FindDueParams) ([]domain.ScheduledTask, error)
	lockBusy       map[string]bool
	markQueued     []domain.MarkQueuedParams
	fireKeyUpdates []domain.UpdateActiveFireKeyParams
}

func (f *fakeTaskRepo) FindDue(_ context.Context, _ time.Time, _ int) ([]domain.ScheduledTask, error) {
	if f.findDueErr != nil {
		return nil, f.findDueErr
	}
	return f.due, nil
}

// FindDueTx answers the under-lock re-read from the same due set, filtered
// like the real query. Tests override findDueTxFn to simulate a row that
// changed between the snapshot and the lock.
func (f *fakeTaskRepo) FindDueTx(
	_ context.Context,
	_ *sql.Tx,
	p domain.FindDueParams,
) ([]domain.ScheduledTask, error) {
	if f.findDueTxFn != nil {
		return f.findDueTxFn(p)
	}
	var out []domain.ScheduledTask
	for _, task := range f.due {
		if p.TaskName != "" && task.TaskName != p.TaskName {
			continue
		}
		if !task.Due(p.Now) {
			continue
		}
		out = append(out, task)
		if p.Limit > 0 && len(out) >= p.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) MarkQueued(_ context.Context, p domain.MarkQueuedParams) (bool, error) {
	f.markQueued = append(f.markQueued, p)
	return true, nil
}

func (f *fakeTaskRepo) MarkQueuedTx(_ context.Context, _ *sql.Tx, p domain.MarkQueuedParams) (bool, error) {
	f.markQueued = append(f.markQueued, p)
	return true, nil
}

func (f *fakeTaskRepo) UpdateActiveFireKeyTx(
	_ context.Context,
	_ *sql.Tx,
	p domain.UpdateActiveFireKeyParams,
) error {
	f.fireKeyUpdates = append(f.fireKeyUpdates, p)
	return nil
}

func (f *fakeTaskRepo) TryWithTaskLock(
	ctx context.Context,
	taskName string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	if f.lockBusy[taskName] {
		return false, nil
	}
	return true, fn(ctx, nil)
}

var _ core.ScheduledTaskRepository = (*fakeTaskRepo)(nil)

// fakeJobStates answers overrun questions with fixed values.
type fakeJobStates struct {
	mask     domain.OverrunStateMask
	inFlight bool
}

func (f *fakeJobStates) JobStatesByTaskName(
	context.Context,
	string,
	time.Time,
) (domain.OverrunStateMask, error) {
	return f.mask, nil
}

func (f *fakeJobStates) FireKeyInFlight(context.Context, string) (bool, error) {
	return f.inFlight, nil
}

func dueTask(interval time.Duration) domain.ScheduledTask {
	payload, _ := json.Marshal(siteSourcePayload{SiteID: testTaskSiteID, SourceID: testTaskSourceID})
	return domain.ScheduledTask{
		ID:       "task-1",
		TaskName: testTaskName,
		Payload:  payload,
		Interval: interval,
		JobType:  model.JobTypeBrowser,
	}
}

type schedulerFixture struct {
	repo   *fakeTaskRepo
	states *fakeJobStates
	jobs   *fakeJobRepo
	now    time.Time
	svc    *SchedulerService
}

func newSchedulerFixture(t *testing.T, repo *fakeTaskRepo, states *fakeJobStates, jobs *fakeJobRepo) *schedulerFixture {
	t.Helper()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	svc := NewSchedulerService(SchedulerServiceOptions{
		Repo:      repo,
		Jobs:      jobs,
		JobStates: states,
		Clock:     func() time.Time { return now },
	})
	return &schedulerFixture{repo: repo, states: states, jobs: jobs, now: now, svc: svc}
}

func TestSchedulerService_Tick_EnqueuesDueTask(t *testing.T) {
	repo := &fakeTaskRepo{due: []domain.ScheduledTask{dueTask(5 * time.Minute)}}
	var created *model.CreateJobRequest
	jobs := &fakeJobRepo{
		createFn: func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
			created = req
			return &model.Job{ID: "job-1"}, nil
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{}, jobs)

	processed, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	require.NotNil(t, created)
	assert.Equal(t, model.JobTypeBrowser, created.Type)
	assert.False(t, created.IsTest)
	require.NotNil(t, created.SiteID)
	assert.Equal(t, testTaskSiteID, *created.SiteID)
	require.NotNil(t, created.SourceID)
	assert.Equal(t, testTaskSourceID, *created.SourceID)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(created.Metadata, &meta))
	assert.Equal(t, testTaskName, meta[model.MetadataKeySchedulerTaskName])
	assert.Equal(t, domain.FireKey(testTaskName, fx.now), meta[model.MetadataKeySchedulerFireKey])
	assert.Equal(t, "5m0s", meta["scheduler.interval"])

	// Successful firing advances last_queued_at and pins the fire key.
	require.Len(t, repo.markQueued, 1)
	mq := repo.markQueued[0]
	assert.Equal(t, "task-1", mq.ID)
	assert.True(t, mq.QueuedAt.Equal(fx.now))
	require.NotNil(t, mq.ActiveFireKey)
	assert.Equal(t, domain.FireKey(testTaskName, fx.now), *mq.ActiveFireKey)
}

func TestSchedulerService_Tick_SkipsOverrunningTask(t *testing.T) {
	repo := &fakeTaskRepo{due: []domain.ScheduledTask{dueTask(5 * time.Minute)}}
	jobCreated := false
	jobs := &fakeJobRepo{
		createFn: func(context.Context, *model.CreateJobRequest) (*model.Job, error) {
			jobCreated = true
			return &model.Job{ID: "job-1"}, nil
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{mask: domain.OverrunStateRunning}, jobs)

	processed, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.False(t, jobCreated)

	// Skip still advances last_queued_at so the task is not re-examined
	// every tick; no fire key is recorded because nothing fired.
	require.Len(t, repo.markQueued, 1)
	assert.Nil(t, repo.markQueued[0].ActiveFireKey)
}

func TestSchedulerService_Tick_StaleSnapshotSkipped(t *testing.T) {
	// The snapshot said the task was due, but by the time the lock is
	// held another replica has fired it.
	repo := &fakeTaskRepo{
		due: []domain.ScheduledTask{dueTask(5 * time.Minute)},
		findDueTxFn: func(domain.FindDueParams) ([]domain.ScheduledTask, error) {
			return nil, nil
		},
	}
	jobCreated := false
	jobs := &fakeJobRepo{
		createFn: func(context.Context, *model.CreateJobRequest) (*model.Job, error) {
			jobCreated = true
			return &model.Job{ID: "job-1"}, nil
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{}, jobs)

	processed, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.False(t, jobCreated)
	assert.Empty(t, repo.markQueued)
}

func TestSchedulerService_Tick_LockHeldElsewhere(t *testing.T) {
	repo := &fakeTaskRepo{
		due:      []domain.ScheduledTask{dueTask(5 * time.Minute)},
		lockBusy: map[string]bool{testTaskName: true},
	}
	jobCreated := false
	jobs := &fakeJobRepo{
		createFn: func(context.Context, *model.CreateJobRequest) (*model.Job, error) {
			jobCreated = true
			return &model.Job{ID: "job-1"}, nil
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{}, jobs)

	processed, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.False(t, jobCreated)
	assert.Empty(t, repo.markQueued)
}

func TestSchedulerService_Tick_FireKeyConflictIsBenign(t *testing.T) {
	repo := &fakeTaskRepo{due: []domain.ScheduledTask{dueTask(5 * time.Minute)}}
	jobs := &fakeJobRepo{
		createFn: func(context.Context, *model.CreateJobRequest) (*model.Job, error) {
			return nil, &pgconn.PgError{Code: "23505"}
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{}, jobs)

	processed, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Zero(t, processed)
	// The winning replica already advanced the row; the loser leaves it alone.
	assert.Empty(t, repo.markQueued)
}

func TestSchedulerService_Tick_ReschedulesWhileFireKeyInFlight(t *testing.T) {
	task := dueTask(10 * time.Minute)
	reschedule := domain.OverrunPolicyReschedule
	task.OverrunPolicy = &reschedule
	fireKey := domain.FireKey(testTaskName, time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC))
	task.ActiveFireKey = &fireKey

	repo := &fakeTaskRepo{due: []domain.ScheduledTask{task}}
	jobCreated := false
	jobs := &fakeJobRepo{
		createFn: func(context.Context, *model.CreateJobRequest) (*model.Job, error) {
			jobCreated = true
			return &model.Job{ID: "job-1"}, nil
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{inFlight: true}, jobs)

	processed, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.False(t, jobCreated)

	// Backdated by half the interval so the task comes due again soon
	// instead of waiting a full period behind the outstanding job.
	require.Len(t, repo.markQueued, 1)
	assert.True(t, repo.markQueued[0].QueuedAt.Equal(fx.now.Add(-5*time.Minute)))
	assert.Nil(t, repo.markQueued[0].ActiveFireKey)
}

func TestSchedulerService_Tick_ClearsStaleFireKeyAndFires(t *testing.T) {
	task := dueTask(10 * time.Minute)
	reschedule := domain.OverrunPolicyReschedule
	task.OverrunPolicy = &reschedule
	fireKey := domain.FireKey(testTaskName, time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC))
	task.ActiveFireKey = &fireKey

	repo := &fakeTaskRepo{due: []domain.ScheduledTask{task}}
	jobCreated := false
	jobs := &fakeJobRepo{
		createFn: func(context.Context, *model.CreateJobRequest) (*model.Job, error) {
			jobCreated = true
			return &model.Job{ID: "job-1"}, nil
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{inFlight: false}, jobs)

	processed, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.True(t, jobCreated)

	require.Len(t, repo.fireKeyUpdates, 1)
	assert.Nil(t, repo.fireKeyUpdates[0].FireKey)
}

func TestSchedulerService_Tick_FindDueError(t *testing.T) {
	repo := &fakeTaskRepo{findDueErr: errors.New("db down")}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{}, &fakeJobRepo{})

	_, err := fx.svc.Tick(context.Background(), fx.now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find due tasks")
}

func TestSchedulerService_BuildJobRequest_Defaults(t *testing.T) {
	fx := newSchedulerFixture(t, &fakeTaskRepo{}, &fakeJobStates{}, &fakeJobRepo{})

	t.Run("empty task fields fall back to scheduler defaults", func(t *testing.T) {
		task := dueTask(time.Minute)
		task.JobType = ""
		task.Priority = 0
		task.MaxRetries = 0

		req, err := fx.svc.buildJobRequest(context.Background(), &task, siteSourcePayload{}, "fk")
		require.NoError(t, err)
		assert.Equal(t, model.JobTypeBrowser, req.Type)
		assert.Equal(t, 0, req.Priority)
		require.NotNil(t, req.MaxRetries)
		assert.Equal(t, 3, *req.MaxRetries)
	})

	t.Run("per-task overrides win", func(t *testing.T) {
		task := dueTask(time.Minute)
		task.JobType = model.JobTypeSecretRefresh
		task.Priority = 10
		task.MaxRetries = 7

		req, err := fx.svc.buildJobRequest(context.Background(), &task, siteSourcePayload{}, "fk")
		require.NoError(t, err)
		assert.Equal(t, model.JobTypeSecretRefresh, req.Type)
		assert.Equal(t, 10, req.Priority)
		require.NotNil(t, req.MaxRetries)
		assert.Equal(t, 7, *req.MaxRetries)
	})
}

func TestSchedulerService_BrowserPayloadKeepsExistingScript(t *testing.T) {
	task := dueTask(time.Minute)
	task.Payload = json.RawMessage(`{"script":"console.log('x')"}`)

	repo := &fakeTaskRepo{due: []domain.ScheduledTask{task}}
	var created *model.CreateJobRequest
	jobs := &fakeJobRepo{
		createFn: func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
			created = req
			return &model.Job{ID: "job-1"}, nil
		},
	}
	fx := newSchedulerFixture(t, repo, &fakeJobStates{}, jobs)

	_, err := fx.svc.Tick(context.Background(), fx.now)
	require.NoError(t, err)

	require.NotNil(t, created)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(created.Payload, &payload))
	assert.Equal(t, "console.log('x')", payload["script"])
}

func TestApplyJobAssociations(t *testing.T) {
	t.Run("valid UUIDs attach to the job", func(t *testing.T) {
		req := &model.CreateJobRequest{}
		applyJobAssociations(req, siteSourcePayload{SiteID: testTaskSiteID, SourceID: testTaskSourceID})
		require.NotNil(t, req.SiteID)
		assert.Equal(t, testTaskSiteID, *req.SiteID)
		require.NotNil(t, req.SourceID)
		assert.Equal(t, testTaskSourceID, *req.SourceID)
	})

	t.Run("non-UUID identifiers are dropped", func(t *testing.T) {
		req := &model.CreateJobRequest{}
		applyJobAssociations(req, siteSourcePayload{SiteID: "not-a-uuid", SourceID: "also-not"})
		assert.Nil(t, req.SiteID)
		assert.Nil(t, req.SourceID)
	})
}
