package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"trackwell/api/cache"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type GatewayOptions struct {
	// SlowQuery is the duration at or above which a statement is logged.
	// Zero disables slow query logging.
	SlowQuery time.Duration
	Clock     quartz.Clock
	// OnSlow is called with the statement kind ("exec", "query", "query_row")
	// whenever a slow statement is observed.
	OnSlow func(kind string)
}

// Gateway is the single path to the relational store. It times every
// statement, runs transactional units and fronts read-mostly lookups with a
// read-through cache.
type Gateway struct {
	db     *sql.DB
	q      Querier
	inTx   bool
	cache  cache.Service
	logger slog.Logger
	opts   GatewayOptions
	group  *singleflight.Group
}

func NewGateway(db *sql.DB, c cache.Service, logger slog.Logger, opts GatewayOptions) *Gateway {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	g := &Gateway{
		db:     db,
		cache:  c,
		logger: logger.Named("gateway"),
		opts:   opts,
		group:  &singleflight.Group{},
	}
	if db != nil {
		g.q = db
	}
	return g
}

// InTx reports whether the gateway is bound to a transaction.
func (g *Gateway) InTx() bool { return g.inTx }

func (g *Gateway) Ping(ctx context.Context) error {
	if g.db == nil {
		return errors.New("no database configured")
	}
	return g.db.PingContext(ctx)
}

func (g *Gateway) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := g.opts.Clock.Now()
	res, err := g.q.ExecContext(ctx, query, args...)
	g.observe(ctx, "exec", query, start)
	return res, err
}

func (g *Gateway) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := g.opts.Clock.Now()
	rows, err := g.q.QueryContext(ctx, query, args...)
	g.observe(ctx, "query", query, start)
	return rows, err
}

func (g *Gateway) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	start := g.opts.Clock.Now()
	row := g.q.QueryRowContext(ctx, query, args...)
	g.observe(ctx, "query_row", query, start)
	return row
}

func (g *Gateway) observe(ctx context.Context, kind, query string, start time.Time) {
	if g.opts.SlowQuery <= 0 {
		return
	}
	elapsed := g.opts.Clock.Since(start)
	if elapsed < g.opts.SlowQuery {
		return
	}
	g.logger.Warn(ctx, "slow query",
		slog.F("kind", kind),
		slog.F("elapsed_ms", elapsed.Milliseconds()),
		slog.F("query", compactQuery(query)),
	)
	if g.opts.OnSlow != nil {
		g.opts.OnSlow(kind)
	}
}

func compactQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 200 {
		q = q[:200] + "..."
	}
	return q
}

// WithTx runs fn inside a transaction. Any error returned by fn, or a panic,
// rolls the whole unit back. Nested calls reuse the outer transaction.
func (g *Gateway) WithTx(ctx context.Context, fn func(tx *Gateway) error) (err error) {
	if g.inTx {
		return fn(g)
	}
	if g.db == nil {
		return errors.New("no database configured")
	}

	sqlTx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txg := *g
	txg.q = sqlTx
	txg.inTx = true

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txg); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			g.logger.Error(ctx, "rollback failed", slog.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Cached decodes the value stored under key into dest, calling load on a miss
// and storing its JSON encoding for ttl. Concurrent misses for the same key
// share one load. Inside a transaction the cache is bypassed.
func (g *Gateway) Cached(ctx context.Context, key string, ttl time.Duration, dest any, load func(ctx context.Context) (any, error)) error {
	if g.inTx || g.cache == nil {
		v, err := load(ctx)
		if err != nil {
			return err
		}
		return remarshal(v, dest)
	}

	raw, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn(ctx, "cache get failed", slog.F("key", key), slog.Error(err))
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), dest); err == nil {
			return nil
		}
		g.logger.Warn(ctx, "discarding undecodable cache entry", slog.F("key", key))
	}

	b, err, _ := g.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", key, err)
		}
		if err := g.cache.Set(ctx, key, string(b), ttl); err != nil {
			g.logger.Warn(ctx, "cache set failed", slog.F("key", key), slog.Error(err))
		}
		return b, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(b.([]byte), dest)
}

// Invalidate drops cached entries. Failures are logged, not returned.
func (g *Gateway) Invalidate(ctx context.Context, keys ...string) {
	if g.cache == nil || len(keys) == 0 {
		return
	}
	if err := g.cache.Delete(ctx, keys...); err != nil {
		g.logger.Warn(ctx, "cache invalidate failed", slog.F("keys", keys), slog.Error(err))
	}
}

func remarshal(v, dest any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}
