package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/learnsync/internal/platform/analytics"
	"github.com/example/learnsync/internal/platform/auth"
	"github.com/example/learnsync/internal/platform/config"
	"github.com/example/learnsync/internal/platform/db"
	"github.com/example/learnsync/internal/platform/httpserver"
	"github.com/example/learnsync/internal/platform/logging"
	"github.com/example/learnsync/internal/platform/natsconn"
	"github.com/example/learnsync/internal/platform/run"
	syncconfig "github.com/example/learnsync/services/sync/internal/config"
	"github.com/example/learnsync/services/sync/internal/coordinator"
	"github.com/example/learnsync/services/sync/internal/handlers"
	"github.com/example/learnsync/services/sync/internal/lock"
	"github.com/example/learnsync/services/sync/internal/metrics"
	"github.com/example/learnsync/services/sync/internal/outbox"
	"github.com/example/learnsync/services/sync/internal/ratelimit"
	"github.com/example/learnsync/services/sync/internal/store"
)

// backend is what both store implementations provide.
type backend interface {
	store.Store
	outbox.Source
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.Build(logging.Options{Level: cfg.LogLevel, Service: cfg.ServiceName, Format: cfg.LogFormat})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	scfg, err := syncconfig.Load()
	if err != nil {
		log.Error("sync config", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}

	st, closePool, err := initStore(log, cfg, scfg)
	if err != nil {
		log.Error("sync store", zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}

	locker := lock.NewLocker(scfg.RedisDSN, scfg.LockTTL)
	closer, redisLock := locker.(io.Closer)
	log.Info("sync lock ready", zap.Bool("redis", redisLock))

	m := metrics.New()

	// NATS is optional: without it the outbox keeps accumulating and
	// analytics events are dropped.
	var pub *outbox.Publisher
	var events *analytics.Publisher
	nc, err := natsconn.Connect(natsconn.Options{URL: scfg.NATSURL, Name: cfg.ServiceName, Logger: log})
	if err != nil {
		log.Warn("nats unavailable, events disabled", zap.Error(err))
	} else {
		if pub, err = outbox.NewPublisher(log, st, nc, m); err != nil {
			log.Warn("jetstream unavailable, outbox publisher disabled", zap.Error(err))
		}
		if js, err := nc.JetStream(); err == nil {
			events = analytics.New(js, log)
		}
	}

	coord := coordinator.New(coordinator.Options{
		Store:      st,
		Locker:     locker,
		Logger:     log,
		Metrics:    m,
		Analytics:  events,
		Timeout:    scfg.Timeout,
		ContentLag: scfg.ContentLag,
	})

	lim := handlers.Limits{MaxBatch: scfg.MaxBatch, StatusLogLimit: scfg.StatusLogLimit}
	verifier := auth.JWTVerifier{Secret: []byte(scfg.JWTSecret)}
	limiter := ratelimit.New(scfg.RateLimit, scfg.RateBurst)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return coord.Ping(ctx)
		},
		Metrics: m.Handler(),
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		r.With(limiter.Middleware).Post("/v1/sync/delta", handlers.SyncDelta(coord, lim, log))
		r.Get("/v1/sync/status", handlers.SyncStatus(coord, lim, log))
		r.Get("/v1/sync/logs/{batch_id}", handlers.SyncLogByBatch(coord, log))

		r.Get("/v1/progress", handlers.ListProgress(coord, log))
		r.With(limiter.Middleware).Post("/v1/progress", handlers.PostProgress(coord, log))
		r.Get("/v1/progress/lesson/{lesson_id}", handlers.LessonProgress(coord, log))

		r.With(auth.RequireAdmin).Get("/v1/admin/sync/users/{user_id}/logs", handlers.AdminUserLogs(coord, lim, log))
	})

	srv := httpserver.New(httpserver.Options{
		Addr:         cfg.HTTP.Addr,
		Logger:       log,
		Router:       r,
		WriteTimeout: scfg.Timeout + 5*time.Second,
	})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		if pub != nil {
			runner.Go(ctx, "outbox", pub.Run)
		}
		return srv.Start()
	})
	runner.Graceful("http", srv.Shutdown)
	runner.Wait()

	if nc != nil {
		runner.Graceful("analytics", events.Flush)
		runner.Graceful("nats", func(context.Context) error { return nc.Drain() })
		if n := events.Dropped(); n > 0 {
			log.Warn("analytics events dropped", zap.Int64("count", n))
		}
	}
	if redisLock {
		_ = closer.Close()
	}
	if closePool != nil {
		closePool()
	}
	log.Info("exit", zap.Int("code", code))
	_ = log.Sync()
	run.Exit(code)
}

// initStore selects the store backend. Without DATABASE_URL, or when
// Postgres is unreachable, development falls back to the in-memory store;
// production (APP_ENV=production) returns an error instead.
func initStore(log *zap.Logger, cfg config.AppConfig, scfg syncconfig.Config) (backend, func(), error) {
	if cfg.DatabaseURL == "" {
		if cfg.IsProd() {
			return nil, nil, errors.New("DATABASE_URL is required in production")
		}
		log.Warn("DATABASE_URL not set, using in-memory sync store (development only)")
		return store.NewInMemoryStore(), nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), scfg.Timeout)
	defer cancel()

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
		MaxConns:        scfg.DBMaxConns,
		ApplicationName: cfg.ServiceName,
		ConnectTimeout:  5 * time.Second,
	})
	if err != nil {
		if cfg.IsProd() {
			return nil, nil, fmt.Errorf("postgres is required in production: %w", err)
		}
		log.Warn("postgres unavailable, falling back to in-memory sync store", zap.Error(err))
		return store.NewInMemoryStore(), nil, nil
	}

	pg := store.NewPostgresStore(pool)
	if scfg.ApplySchema {
		if err := pg.ApplySchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		log.Info("schema applied")
	}

	log.Info("sync store: postgres")
	return pg, pool.Close, nil
}
