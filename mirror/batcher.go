// Package mirror copies persisted pageviews and events into the ClickHouse
// analytics table in the background. Mirroring is best effort: rows are
// dropped when the queue is full or a flush fails.
package mirror

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"trackwell/api/metrics"
	"trackwell/api/models"
)

const (
	defaultBatchSize  = 500
	defaultFlushEvery = time.Second
	defaultQueueSize  = 10000
	flushTimeout      = 10 * time.Second
)

// Writer persists a batch of mirrored rows.
type Writer interface {
	InsertAnalyticsEvents(ctx context.Context, events []models.AnalyticsEvent) error
}

type Option func(*Batcher)

func WithClock(c quartz.Clock) Option { return func(b *Batcher) { b.clock = c } }

func WithLogger(l slog.Logger) Option { return func(b *Batcher) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Batcher) { b.metrics = m } }

func WithBatchSize(n int) Option { return func(b *Batcher) { b.batchSize = n } }

func WithFlushInterval(d time.Duration) Option { return func(b *Batcher) { b.interval = d } }

func WithQueueSize(n int) Option { return func(b *Batcher) { b.queueSize = n } }

// Batcher buffers rows and writes them when the batch is full, on every
// tick, and once more on close.
type Batcher struct {
	writer    Writer
	clock     quartz.Clock
	log       slog.Logger
	metrics   *metrics.Metrics
	batchSize int
	interval  time.Duration
	queueSize int

	queue  chan models.AnalyticsEvent
	ticker *quartz.Ticker
	batch  []models.AnalyticsEvent
}

// NewBatcher starts the flush loop. The returned closer stops it after a
// final flush and blocks until it has exited.
func NewBatcher(ctx context.Context, w Writer, opts ...Option) (*Batcher, func()) {
	b := &Batcher{
		writer:    w,
		clock:     quartz.NewReal(),
		batchSize: defaultBatchSize,
		interval:  defaultFlushEvery,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.batchSize <= 0 {
		b.batchSize = defaultBatchSize
	}
	if b.interval <= 0 {
		b.interval = defaultFlushEvery
	}
	if b.queueSize <= 0 {
		b.queueSize = defaultQueueSize
	}
	b.log = b.log.Named("mirror")
	b.queue = make(chan models.AnalyticsEvent, b.queueSize)
	b.batch = make([]models.AnalyticsEvent, 0, b.batchSize)
	b.ticker = b.clock.NewTicker(b.interval, "mirror", "flush")

	cancelCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.run(cancelCtx)
	}()

	return b, func() {
		cancel()
		<-done
		b.ticker.Stop()
	}
}

// Enqueue adds ev without blocking. It reports false when the row was
// dropped because the queue is full.
func (b *Batcher) Enqueue(ev models.AnalyticsEvent) bool {
	select {
	case b.queue <- ev:
		return true
	default:
		b.metrics.MirrorRows("dropped", 1)
		return false
	}
}

func (b *Batcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			b.flush(context.WithoutCancel(ctx))
			return
		case ev := <-b.queue:
			b.batch = append(b.batch, ev)
			if len(b.batch) >= b.batchSize {
				b.flush(ctx)
			}
		case <-b.ticker.C:
			b.flush(ctx)
		}
	}
}

func (b *Batcher) drain() {
	for {
		select {
		case ev := <-b.queue:
			b.batch = append(b.batch, ev)
		default:
			return
		}
	}
}

func (b *Batcher) flush(ctx context.Context) {
	if len(b.batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	n := len(b.batch)
	if err := b.writer.InsertAnalyticsEvents(ctx, b.batch); err != nil {
		b.log.Error(ctx, "mirror batch insert failed", slog.F("dropped", n), slog.Error(err))
		b.metrics.MirrorRows("failed", n)
	} else {
		b.log.Debug(ctx, "mirror batch inserted", slog.F("rows", n))
		b.metrics.MirrorRows("sent", n)
	}
	b.batch = make([]models.AnalyticsEvent, 0, b.batchSize)
}
