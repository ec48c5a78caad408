package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

type delayQuerier struct {
	clock *quartz.Mock
	delay time.Duration
}

func (d delayQuerier) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	d.clock.Advance(d.delay)
	return driver.RowsAffected(1), nil
}

func (d delayQuerier) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	d.clock.Advance(d.delay)
	return nil, sql.ErrNoRows
}

func (d delayQuerier) QueryRowContext(context.Context, string, ...any) *sql.Row {
	d.clock.Advance(d.delay)
	return nil
}

func TestGatewaySlowQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := quartz.NewMock(t)
	var slow []string

	g := NewGateway(nil, nil, slogtest.Make(t, nil), GatewayOptions{
		SlowQuery: 200 * time.Millisecond,
		Clock:     clock,
		OnSlow:    func(kind string) { slow = append(slow, kind) },
	})

	g.q = delayQuerier{clock: clock, delay: 50 * time.Millisecond}
	_, err := g.Exec(ctx, "UPDATE sessions SET page_count = page_count + 1")
	require.NoError(t, err)
	require.Empty(t, slow)

	g.q = delayQuerier{clock: clock, delay: 250 * time.Millisecond}
	_, err = g.Exec(ctx, "UPDATE sessions SET page_count = page_count + 1")
	require.NoError(t, err)
	_, _ = g.Query(ctx, "SELECT 1")
	require.Equal(t, []string{"exec", "query"}, slow)
}

func TestCompactQuery(t *testing.T) {
	t.Parallel()

	require.Equal(t, "SELECT id FROM sites WHERE id = $1", compactQuery(`
		SELECT id
		FROM sites
		WHERE id = $1`))
}
