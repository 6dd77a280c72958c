// Package scheduler provides adapters for running the job scheduler.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"time"

	"github.com/target/merrymaker-core/internal/core"
	"github.com/target/merrymaker-core/internal/data"
	domainscheduler "github.com/target/merrymaker-core/internal/domain/scheduler"
	obserrors "github.com/target/merrymaker-core/internal/observability/errors"
	"github.com/target/merrymaker-core/internal/observability/metrics"
	"github.com/target/merrymaker-core/internal/observability/statsd"
	"github.com/target/merrymaker-core/internal/service"
)

// Runner provides a simple adapter to run the scheduler loop.
// It constructs the scheduler service and runs a tick loop with configurable interval.
type Runner struct {
	scheduler core.JobScheduler
	interval  time.Duration
	logger    *log.Logger
	metrics   statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB         *sql.DB
	Config     *core.SchedulerConfig
	Interval   time.Duration
	Logger     *log.Logger
	SlogLogger *slog.Logger
	Metrics    statsd.Sink

	// Optional dependency injections for testing/decoupling
	Jobs      core.JobRepository
	Scheduled core.ScheduledTaskRepository
	JobStates domainscheduler.JobStateReader

	// Optional caching dependencies
	Cache       core.CacheRepository
	Sources     core.SourceRepository
	Secrets     core.SecretRepository
	CacheConfig *core.SourceCacheConfig
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	deps := wireRunnerDependencies(opts)
	scheduler := service.NewSchedulerService(deps)

	return &Runner{
		scheduler: scheduler,
		interval:  opts.Interval,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil {
		return errors.New("database connection is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 1 * time.Second // Default to 1 second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.SlogLogger == nil {
		opts.SlogLogger = slog.Default()
	}
	return nil
}

// wireRunnerDependencies wires up all dependencies for the scheduler service.
func wireRunnerDependencies(opts RunnerOptions) service.SchedulerServiceOptions {
	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewJobRepo(opts.DB, data.JobRepoConfig{})
	}

	scheduled := opts.Scheduled
	if scheduled == nil {
		scheduled = data.NewScheduledTaskRepo(opts.DB)
	}

	jobStates := opts.JobStates
	if jobStates == nil {
		if x, ok := jobs.(domainscheduler.JobStateReader); ok {
			jobStates = x
		} else {
			jobStates = data.NewJobRepo(opts.DB, data.JobRepoConfig{})
		}
	}

	return service.SchedulerServiceOptions{
		Repo:        scheduled,
		Jobs:        jobs,
		JobStates:   jobStates,
		Config:      opts.Config,
		SourceCache: wireSourceCacheService(opts),
		Logger:      opts.SlogLogger,
	}
}

// wireSourceCacheService wires up the optional source cache service.
func wireSourceCacheService(opts RunnerOptions) *core.SourceCacheService {
	if opts.Cache == nil || opts.Sources == nil {
		return nil
	}

	cacheConfig := core.DefaultSourceCacheConfig()
	if opts.CacheConfig != nil {
		cacheConfig = *opts.CacheConfig
	}
	return core.NewSourceCacheService(core.SourceCacheServiceOptions{
		Cache:   opts.Cache,
		Sources: opts.Sources,
		Secrets: opts.Secrets,
		Config:  cacheConfig,
	})
}

// Run starts the scheduler loop and runs until the context is cancelled.
// It calls Tick() at the configured interval and logs the results.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Printf("Starting scheduler runner with interval %v", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("Scheduler runner stopping: %v", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			start := time.Now()
			processed, err := r.scheduler.Tick(ctx, now)
			elapsed := time.Since(start)

			r.emitTickMetrics(processed, elapsed, err)

			if err != nil {
				r.logger.Printf("Scheduler tick error: %v", err)
				// Continue running despite errors
			} else if processed > 0 {
				r.logger.Printf("Scheduler processed %d tasks", processed)
			}
		}
	}
}

func (r *Runner) emitTickMetrics(processed int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if processed == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if processed > 0 {
		r.metrics.Count("scheduler.tasks_enqueued", int64(processed), tags)
	}

	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
