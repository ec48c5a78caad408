package task

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

// Schedules, seconds first.
const (
	PresenceSweepSpec = "0 * * * * *"
	FunnelRollupSpec  = "0 15 2 * * *"
	PurgeSpec         = "30 */5 * * * *"
)

// Sweeper deletes stale presence rows.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// DayAggregator rolls funnel progress up for one UTC day.
type DayAggregator interface {
	AggregateDay(ctx context.Context, day time.Time) (int, error)
}

// Purger drops expired in-memory entries.
type Purger interface {
	Purge() int
}

type PresenceSweepJob struct {
	Presence Sweeper
}

func (PresenceSweepJob) Name() string { return "presence_sweep" }

func (j PresenceSweepJob) Run(ctx context.Context) error {
	_, err := j.Presence.Sweep(ctx)
	return err
}

// FunnelRollupJob aggregates the previous UTC day.
type FunnelRollupJob struct {
	Aggregator DayAggregator
	Clock      quartz.Clock
}

func (FunnelRollupJob) Name() string { return "funnel_rollup" }

func (j FunnelRollupJob) Run(ctx context.Context) error {
	day := j.Clock.Now().UTC().AddDate(0, 0, -1)
	_, err := j.Aggregator.AggregateDay(ctx, day)
	return err
}

// PurgeJob drops expired entries from a process-local structure.
type PurgeJob struct {
	Label  string
	Target Purger
	Logger slog.Logger
}

func (j PurgeJob) Name() string { return j.Label + "_purge" }

func (j PurgeJob) Run(ctx context.Context) error {
	if n := j.Target.Purge(); n > 0 {
		j.Logger.Debug(ctx, "purged expired entries", slog.F("target", j.Label), slog.F("count", n))
	}
	return nil
}
