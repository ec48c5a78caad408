package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAggregator struct {
	days []time.Time
}

func (f *fakeAggregator) AggregateDay(_ context.Context, day time.Time) (int, error) {
	f.days = append(f.days, day)
	return 1, nil
}

type fakeSweeper struct {
	calls int
	err   error
}

func (f *fakeSweeper) Sweep(context.Context) (int64, error) {
	f.calls++
	return 3, f.err
}

type countPurger struct{ n int }

func (c *countPurger) Purge() int {
	c.n++
	return 2
}

func TestFunnelRollupJobUsesPreviousDay(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 3, 15, 2, 15, 0, 0, time.UTC))
	agg := &fakeAggregator{}
	require.NoError(t, FunnelRollupJob{Aggregator: agg, Clock: clock}.Run(context.Background()))
	require.Len(t, agg.days, 1)
	assert.Equal(t, 14, agg.days[0].Day())
	assert.Equal(t, time.March, agg.days[0].Month())
}

func TestJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sw := &fakeSweeper{}
	job := PresenceSweepJob{Presence: sw}
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, 1, sw.calls)
	assert.Equal(t, "presence_sweep", job.Name())

	sw.err = errors.New("db down")
	require.Error(t, job.Run(ctx))

	p := &countPurger{}
	purge := PurgeJob{Label: "login_limiter", Target: p, Logger: slogtest.Make(t, nil)}
	require.NoError(t, purge.Run(ctx))
	assert.Equal(t, 1, p.n)
	assert.Equal(t, "login_limiter_purge", purge.Name())
}

func TestWrappers(t *testing.T) {
	t.Parallel()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	ran := false
	j := NewLoggingWrapper(logger)(cron.FuncJob(func() { ran = true }))
	j.Run()
	assert.True(t, ran)
	assert.Equal(t, "cron.FuncJob", jobName(j))

	panicky := NewPanicRecoveryWrapper(logger)(cron.FuncJob(func() { panic("boom") }))
	assert.NotPanics(t, panicky.Run)

	s := NewScheduler(context.Background(), logger)
	r := &runner{job: PresenceSweepJob{Presence: &fakeSweeper{}}, scheduler: s}
	wrapped := NewPanicRecoveryWrapper(logger)(NewLoggingWrapper(logger)(r))
	assert.Equal(t, "presence_sweep", jobName(wrapped))
}

func TestSchedulerRegister(t *testing.T) {
	t.Parallel()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	s := NewScheduler(context.Background(), logger)
	require.NoError(t, s.Register(PresenceSweepSpec, PresenceSweepJob{Presence: &fakeSweeper{}}))
	require.NoError(t, s.Register(FunnelRollupSpec, FunnelRollupJob{Aggregator: &fakeAggregator{}, Clock: quartz.NewReal()}))
	require.NoError(t, s.Register(PurgeSpec, PurgeJob{Label: "cache", Target: &countPurger{}, Logger: logger}))
	require.Error(t, s.Register("every minute", PresenceSweepJob{Presence: &fakeSweeper{}}))
	require.Len(t, s.cron.Entries(), 3)

	s.Start()
	s.Stop()
}

func TestRunnerLogsFailure(t *testing.T) {
	t.Parallel()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	sw := &fakeSweeper{err: errors.New("db down")}
	s := NewScheduler(context.Background(), logger)
	r := &runner{job: PresenceSweepJob{Presence: sw}, scheduler: s}
	assert.NotPanics(t, r.Run)
	assert.Equal(t, 1, sw.calls)
}
