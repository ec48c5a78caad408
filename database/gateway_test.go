package database_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"trackwell/api/cache"
	"trackwell/api/database"
)

type site struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestGatewayCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := quartz.NewMock(t)
	mem := cache.NewMemory(clock)
	g := database.NewGateway(nil, mem, slogtest.Make(t, nil), database.GatewayOptions{Clock: clock})

	var loads atomic.Int32
	load := func(context.Context) (any, error) {
		loads.Add(1)
		return site{ID: 7, Name: "docs"}, nil
	}

	var got site
	require.NoError(t, g.Cached(ctx, "site:7", time.Minute, &got, load))
	require.Equal(t, site{ID: 7, Name: "docs"}, got)

	got = site{}
	require.NoError(t, g.Cached(ctx, "site:7", time.Minute, &got, load))
	require.Equal(t, int64(7), got.ID)
	require.EqualValues(t, 1, loads.Load())

	clock.Advance(2 * time.Minute)
	require.NoError(t, g.Cached(ctx, "site:7", time.Minute, &got, load))
	require.EqualValues(t, 2, loads.Load())

	g.Invalidate(ctx, "site:7")
	require.NoError(t, g.Cached(ctx, "site:7", time.Minute, &got, load))
	require.EqualValues(t, 3, loads.Load())
}

func TestGatewayCachedLoadError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := cache.NewMemory(quartz.NewReal())
	g := database.NewGateway(nil, mem, slogtest.Make(t, nil), database.GatewayOptions{})

	boom := errors.New("boom")
	var got site
	err := g.Cached(ctx, "site:1", time.Minute, &got, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := mem.Get(ctx, "site:1")
	require.NoError(t, err)
	require.False(t, ok, "failed loads must not be cached")
}

func TestGatewayWithoutDatabase(t *testing.T) {
	t.Parallel()

	g := database.NewGateway(nil, nil, slogtest.Make(t, nil), database.GatewayOptions{})
	require.Error(t, g.Ping(context.Background()))
	err := g.WithTx(context.Background(), func(*database.Gateway) error { return nil })
	require.Error(t, err)
}
