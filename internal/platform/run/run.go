package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownTimeout bounds every Graceful call.
const ShutdownTimeout = 10 * time.Second

type Runner struct {
	Logger *zap.Logger

	bg sync.WaitGroup
}

func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Logger: log}
}

// WithSignals runs start until it returns or SIGINT/SIGTERM arrives and
// maps the outcome to a process exit code. The context passed to start
// is cancelled in both cases, which stops anything started with Go.
func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.run(ctx, start)
}

func (r *Runner) run(parent context.Context, start func(ctx context.Context) error) int {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- start(ctx)
	}()

	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
		return 0
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		r.Logger.Error("service exited with error", zap.Error(err))
		return 1
	}
}

// Go runs a background loop tied to ctx, such as the outbox publisher.
// A return other than context cancellation is logged. Wait blocks until
// every such loop has returned.
func (r *Runner) Go(ctx context.Context, name string, fn func(context.Context) error) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.Logger.Error("background loop stopped", zap.String("component", name), zap.Error(err))
		}
	}()
}

// Wait blocks until loops started with Go return, or ShutdownTimeout.
func (r *Runner) Wait() bool {
	done := make(chan struct{})
	go func() {
		r.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(ShutdownTimeout):
		r.Logger.Warn("background loops still running after shutdown timeout")
		return false
	}
}

// Graceful calls shutdown with a fresh context bounded by ShutdownTimeout.
func (r *Runner) Graceful(name string, shutdown func(context.Context) error) {
	c, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := shutdown(c); err != nil {
		r.Logger.Warn("graceful shutdown failed", zap.String("component", name), zap.Error(err))
	}
}

func Exit(code int) {
	os.Exit(code)
}
