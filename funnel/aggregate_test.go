package funnel_test

import (
	"context"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackwell/api/funnel"
	"trackwell/api/models"
	"trackwell/api/store/storefake"
)

func secs(n int64) *int64 { return &n }

func TestSummarize(t *testing.T) {
	t.Parallel()

	f := models.Funnel{ID: 9, Steps: []models.FunnelStep{{Order: 3}, {Order: 1}, {Order: 2}}}
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	st := funnel.Summarize(f, day, []models.FunnelSession{
		{LastStep: 1},
		{LastStep: 2},
		{LastStep: 3, Converted: true, ConversionSeconds: secs(100)},
		{LastStep: 3, Converted: true, ConversionSeconds: secs(200)},
	})

	assert.EqualValues(t, 9, st.FunnelID)
	assert.EqualValues(t, 4, st.Entered)
	assert.Equal(t, []int64{4, 3, 2}, st.StepReached)
	assert.EqualValues(t, 2, st.Conversions)
	assert.InDelta(t, 0.5, st.ConversionRate, 1e-9)
	assert.InDelta(t, 150, st.AvgConversionSeconds, 1e-9)
	assert.Equal(t, []int64{0, 1, 1}, st.DropOff())

	empty := funnel.Summarize(f, day, nil)
	assert.Zero(t, empty.ConversionRate)
	assert.Equal(t, []int64{0, 0, 0}, empty.StepReached)
}

func TestAggregateDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storefake.New()
	f := checkoutFunnel(t, st, 1)
	e, _ := newEngine(t, st)

	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	// s1 converts, s2 stops after step one, s3 entered the day before.
	require.NoError(t, e.Evaluate(ctx, at(pv("/product/1"), 1, "s1", day.Add(8*time.Hour))))
	require.NoError(t, e.Evaluate(ctx, at(ev("add_to_cart", "", ""), 1, "s1", day.Add(8*time.Hour+time.Minute))))
	require.NoError(t, e.Evaluate(ctx, at(pv("/checkout/done"), 1, "s1", day.Add(8*time.Hour+2*time.Minute))))
	require.NoError(t, e.Evaluate(ctx, at(pv("/product/2"), 1, "s2", day.Add(23*time.Hour))))
	require.NoError(t, e.Evaluate(ctx, at(pv("/product/3"), 1, "s3", day.Add(-time.Minute))))

	agg := funnel.NewAggregator(st, slogtest.Make(t, nil))
	n, err := agg.AggregateDay(ctx, day.Add(13*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := st.GetFunnelDailyStats(ctx, f.ID, day, day)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	got := stats[0]
	assert.True(t, got.Day.Equal(day))
	assert.EqualValues(t, 2, got.Entered)
	assert.Equal(t, []int64{2, 1, 1}, got.StepReached)
	assert.EqualValues(t, 1, got.Conversions)
	assert.InDelta(t, 120, got.AvgConversionSeconds, 1e-9)

	// Re-running the rollup replaces the row.
	_, err = agg.AggregateDay(ctx, day)
	require.NoError(t, err)
	stats, err = st.GetFunnelDailyStats(ctx, f.ID, day.AddDate(0, 0, -1), day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, stats, 1)
}
