package tracking_test

import (
	"context"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"trackwell/api/store/storefake"
	"trackwell/api/tracking"
)

func TestPresenceTracker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := quartz.NewMock(t)
	clock.Set(start)
	st := storefake.New()
	p := tracking.NewPresenceTracker(st, clock, 5*time.Minute, 10*time.Minute, slogtest.Make(t, nil))

	require.NoError(t, p.Touch(ctx, 1, "s1", "/a"))
	require.NoError(t, p.Touch(ctx, 1, "s2", "/a"))
	require.NoError(t, p.Touch(ctx, 2, "s3", "/other-site"))

	clock.Advance(4 * time.Minute)
	require.NoError(t, p.Touch(ctx, 1, "s1", "/b"))

	n, err := p.LiveCount(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	pages, err := p.LivePages(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	// s2 falls out of the live window but is not yet purged.
	clock.Advance(2 * time.Minute)
	n, err = p.LiveCount(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	deleted, err := p.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)

	clock.Advance(5 * time.Minute)
	deleted, err = p.Sweep(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted, "s2 and s3 are older than the purge window")

	n, err = p.LiveCount(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, n)
}
