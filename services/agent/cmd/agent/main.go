package main

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/learnsync/internal/platform/auth"
	"github.com/example/learnsync/internal/platform/httpserver"
	"github.com/example/learnsync/internal/platform/logging"
	"github.com/example/learnsync/internal/platform/run"
	"github.com/example/learnsync/services/agent/internal/config"
	"github.com/example/learnsync/services/agent/internal/localapi"
	"github.com/example/learnsync/services/agent/internal/queue"
	"github.com/example/learnsync/services/agent/internal/runner"
	"github.com/example/learnsync/services/agent/internal/scheduler"
	"github.com/example/learnsync/services/agent/internal/syncclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.Build(logging.Options{Level: cfg.LogLevel, Service: "learnsync-agent", Format: cfg.LogFormat})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	q, err := queue.Open(cfg.QueuePath)
	if err != nil {
		log.Error("open queue", zap.String("path", cfg.QueuePath), zap.Error(err))
		_ = log.Sync()
		run.Exit(1)
	}

	client := syncclient.New(cfg.ServerURL, tokenSource(cfg))
	rn := runner.New(q, client, log)
	rn.MaxBatch = cfg.MaxBatch
	rn.MaxRetries = cfg.MaxRetries

	runr := run.New(log)
	code := runr.WithSignals(func(ctx context.Context) error {
		sch, err := scheduler.New(ctx, cfg.Interval, func(ctx context.Context) error {
			rep, err := rn.SyncOnce(ctx)
			if err != nil {
				return err
			}
			log.Info("sync round done",
				zap.Int("batches", rep.Batches),
				zap.Int("progress_synced", rep.ProgressSynced),
				zap.Int("attempts_synced", rep.AttemptsSynced),
				zap.Int("conflicts", rep.Conflicts),
				zap.Int("server_changes", rep.ServerChanges))
			return nil
		}, log)
		if err != nil {
			return err
		}
		sch.Start()
		defer sch.Stop()

		if cfg.LocalAddr == "" {
			<-ctx.Done()
			return nil
		}

		r := chi.NewRouter()
		httpserver.SetupRouter(r)
		localapi.Mount(r, localapi.Deps{Queue: q, Trigger: sch.RunNow})
		srv := httpserver.New(httpserver.Options{Addr: cfg.LocalAddr, Logger: log, Router: r})
		go func() {
			<-ctx.Done()
			runr.Graceful("local-api", srv.Shutdown)
		}()
		return srv.Start()
	})

	if err := q.Close(); err != nil {
		log.Warn("close queue", zap.Error(err))
	}
	log.Info("exit", zap.Int("code", code))
	_ = log.Sync()
	run.Exit(code)
}

// tokenSource prefers a configured token; otherwise it mints a short-lived
// one per request from the shared secret.
func tokenSource(cfg config.Config) syncclient.TokenSource {
	if cfg.Token != "" {
		return syncclient.StaticToken(cfg.Token)
	}
	secret := []byte(cfg.JWTSecret)
	return func(context.Context) (string, error) {
		return auth.Sign(secret, cfg.UserID, "user", 15*time.Minute)
	}
}
