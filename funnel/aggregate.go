package funnel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/errgroup"

	"trackwell/api/models"
	"trackwell/api/store"
)

// Aggregator rolls matched funnel sessions up into daily statistics. It
// only reads progress rows written by the Engine.
type Aggregator struct {
	store       store.Store
	logger      slog.Logger
	concurrency int
}

func NewAggregator(st store.Store, logger slog.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger.Named("funnel_rollup"), concurrency: 4}
}

// AggregateDay computes and stores stats for every funnel for the UTC day
// containing day. It returns the number of funnels processed.
func (a *Aggregator) AggregateDay(ctx context.Context, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	funnels, err := a.store.ListAllFunnels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list funnels: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, f := range funnels {
		g.Go(func() error {
			sessions, err := a.store.ListFunnelSessionsCreatedBetween(gctx, f.ID, start, end)
			if err != nil {
				return fmt.Errorf("funnel %d sessions: %w", f.ID, err)
			}
			st := Summarize(f, start, sessions)
			if err := a.store.UpsertFunnelDailyStat(gctx, st); err != nil {
				return fmt.Errorf("funnel %d stat: %w", f.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	a.logger.Info(ctx, "funnel rollup complete", slog.F("day", start.Format("2006-01-02")), slog.F("funnels", len(funnels)))
	return len(funnels), nil
}

// Summarize computes one day's stat from the sessions that entered f that day.
func Summarize(f models.Funnel, day time.Time, sessions []models.FunnelSession) models.FunnelDailyStat {
	orders := make([]int, 0, len(f.Steps))
	for _, s := range f.Steps {
		orders = append(orders, s.Order)
	}
	sort.Ints(orders)

	st := models.FunnelDailyStat{
		FunnelID:    f.ID,
		Day:         day,
		Entered:     int64(len(sessions)),
		StepReached: make([]int64, len(orders)),
	}

	var totalSeconds int64
	var timed int64
	for _, fs := range sessions {
		for i, o := range orders {
			if fs.LastStep >= o {
				st.StepReached[i]++
			}
		}
		if fs.Converted {
			st.Conversions++
			if fs.ConversionSeconds != nil {
				totalSeconds += *fs.ConversionSeconds
				timed++
			}
		}
	}
	if st.Entered > 0 {
		st.ConversionRate = float64(st.Conversions) / float64(st.Entered)
	}
	if timed > 0 {
		st.AvgConversionSeconds = float64(totalSeconds) / float64(timed)
	}
	return st
}
