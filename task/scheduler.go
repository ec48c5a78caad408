// Package task runs the periodic maintenance jobs: presence sweeps, the
// daily funnel rollup and in-process cache and limiter purges.
package task

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/robfig/cron/v3"
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler owns the cron instance. Every run gets a context derived from
// the one passed to NewScheduler, bounded by the job timeout.
type Scheduler struct {
	cron    *cron.Cron
	logger  slog.Logger
	ctx     context.Context
	timeout time.Duration
}

func NewScheduler(ctx context.Context, logger slog.Logger) *Scheduler {
	logger = logger.Named("cron")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{logger: logger}),
			NewPanicRecoveryWrapper(logger),
			NewLoggingWrapper(logger),
		),
	)
	return &Scheduler{cron: c, logger: logger, ctx: ctx, timeout: 10 * time.Minute}
}

// Register adds j on the given six-field spec (seconds first).
func (s *Scheduler) Register(spec string, j Job) error {
	if _, err := s.cron.AddJob(spec, &runner{job: j, scheduler: s}); err != nil {
		return err
	}
	s.logger.Info(s.ctx, "registered job", slog.F("job_name", j.Name()), slog.F("schedule", spec))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info(s.ctx, "cron scheduler started", slog.F("jobs", len(s.cron.Entries())))
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info(context.Background(), "cron scheduler stopped")
}

// runner adapts a Job to cron.Job.
type runner struct {
	job       Job
	scheduler *Scheduler
}

func (r *runner) Name() string { return r.job.Name() }

func (r *runner) Run() {
	ctx, cancel := context.WithTimeout(r.scheduler.ctx, r.scheduler.timeout)
	defer cancel()
	if err := r.job.Run(ctx); err != nil {
		r.scheduler.logger.Error(ctx, "job failed", slog.F("job_name", r.job.Name()), slog.Error(err))
	}
}
