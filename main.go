// api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackwell/api/cache"
	"trackwell/api/config"
	"trackwell/api/database"
	"trackwell/api/funnel"
	"trackwell/api/handlers"
	"trackwell/api/metrics"
	"trackwell/api/middleware"
	"trackwell/api/mirror"
	"trackwell/api/store"
	"trackwell/api/task"
	"trackwell/api/tracking"
	"trackwell/api/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if err := run(ctx, logger); err != nil {
		logger.Fatal(ctx, "server exited with error", slog.Error(err))
	}
}

func run(ctx context.Context, logger slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		logger = logger.Leveled(slog.LevelDebug)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = uuid.NewString()
		logger.Warn(ctx, "JWT_SECRET_KEY not set, using a random secret; sessions will not survive a restart")
	}
	clock := quartz.NewReal()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	// --- PostgreSQL: sites, sessions, pageviews, events, funnels, users ---
	db, err := database.NewPostgresDB(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return err
	}

	// --- Cache: Redis when reachable, in-memory otherwise ---
	rdb := database.NewRedisClient(ctx, logger, cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}
	cacheSvc := cache.NewWithFallback(ctx, logger, rdb, clock)

	gw := database.NewGateway(db, cacheSvc, logger.Named("db"), database.GatewayOptions{
		SlowQuery: cfg.SlowQuery,
		Clock:     clock,
		OnSlow:    m.SlowQuery,
	})
	st := store.NewPostgresStore(gw, cfg.CacheTTL)
	userStore := store.NewUserStore(gw)

	// --- ClickHouse mirror (optional) ---
	var (
		analytics   handlers.AnalyticsReader
		mirrorSink  tracking.Mirror
		closeMirror = func() {}
	)
	if cfg.ClickHouse.Enabled() {
		ch, err := database.NewClickHouseDB(ctx, logger, cfg.ClickHouse)
		if err != nil {
			return err
		}
		defer ch.Close()
		analyticsStore := store.NewAnalyticsStore(ch, logger)
		batcher, closer := mirror.NewBatcher(context.WithoutCancel(ctx), analyticsStore,
			mirror.WithClock(clock),
			mirror.WithLogger(logger.Named("mirror")),
			mirror.WithMetrics(m),
			mirror.WithBatchSize(cfg.Mirror.BatchSize),
			mirror.WithFlushInterval(cfg.Mirror.FlushEvery),
			mirror.WithQueueSize(cfg.Mirror.QueueSize),
		)
		analytics, mirrorSink, closeMirror = analyticsStore, batcher, closer
	} else {
		logger.Info(ctx, "clickhouse not configured, analytics mirror disabled")
	}

	// --- Ingest pipeline ---
	engine := funnel.NewEngine(st, clock, logger, m)
	ids := tracking.NewIdentityResolver(cfg.VisitorSalt, clock)
	presence := tracking.NewPresenceTracker(st, clock, cfg.Realtime.LiveWindow, cfg.Realtime.PurgeWindow, logger)
	ingestor := tracking.NewIngestor(tracking.Options{
		Store:        st,
		Sessions:     tracking.NewSessionManager(st, ids, clock, cfg.Ingest.SessionTimeout, logger),
		Limiter:      tracking.NewEventLimiter(cfg.Ingest.MaxEventsPerSession),
		Presence:     presence,
		Funnels:      engine,
		Mirror:       mirrorSink,
		Metrics:      m,
		Clock:        clock,
		Logger:       logger,
		MaxBatchSize: cfg.Ingest.MaxBatchSize,
	})

	coder, err := utils.NewTrackingCoder(cfg.TrackingCodeAlphabet)
	if err != nil {
		return err
	}
	throttle := middleware.NewIngestThrottle(clock, cfg.Ingest.IPRequestsPerMinute, cfg.Ingest.IPBurst)
	loginLimiter := utils.NewLoginLimiter(clock, cfg.Login.MaxAttempts, cfg.Login.Window)

	// --- Scheduled maintenance ---
	type scheduled struct {
		spec string
		job  task.Job
	}
	scheduler := task.NewScheduler(ctx, logger)
	jobs := []scheduled{
		{task.PresenceSweepSpec, task.PresenceSweepJob{Presence: presence}},
		{task.FunnelRollupSpec, task.FunnelRollupJob{Aggregator: funnel.NewAggregator(st, logger), Clock: clock}},
		{task.PurgeSpec, task.PurgeJob{Label: "login_limiter", Target: loginLimiter, Logger: logger}},
		{task.PurgeSpec, task.PurgeJob{Label: "ingest_throttle", Target: throttle, Logger: logger}},
	}
	if mem, ok := cacheSvc.(*cache.Memory); ok {
		jobs = append(jobs, scheduled{task.PurgeSpec, task.PurgeJob{Label: "memory_cache", Target: mem, Logger: logger}})
	}
	for _, j := range jobs {
		if err := scheduler.Register(j.spec, j.job); err != nil {
			return err
		}
	}
	scheduler.Start()

	// --- HTTP ---
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return err
	}
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))

	handlers.Routes{
		Collect:   handlers.NewCollectHandlers(ingestor, logger),
		Auth:      handlers.NewAuthHandlers(userStore, []byte(cfg.JWTSecret), loginLimiter, clock, logger, cfg.ReleaseMode),
		Sites:     handlers.NewSiteHandlers(st, coder, presence, logger),
		Funnels:   handlers.NewFunnelHandlers(st, clock, logger),
		Analytics: handlers.NewAnalyticsHandlers(analytics, st, clock, logger),
		Collector: []gin.HandlerFunc{
			middleware.CollectorCORS(),
			throttle.Middleware(),
			middleware.BodyLimit(cfg.Ingest.MaxBodyBytes),
		},
		Dashboard: []gin.HandlerFunc{middleware.CORSMiddleware(cfg.FEOrigin)},
		Protected: []gin.HandlerFunc{middleware.AuthRequired([]byte(cfg.JWTSecret), cfg.DefaultAPIKey, clock, logger)},
		Health:    handlers.Health(gw, logger),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "api server starting", slog.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		scheduler.Stop()
		closeMirror()
		return err
	}
	logger.Info(context.Background(), "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server forced to shutdown", slog.Error(err))
	}
	scheduler.Stop()
	closeMirror()

	logger.Info(context.Background(), "server exiting")
	return nil
}
