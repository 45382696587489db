// Package runner replays the offline queue against the sync service.
package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/learnsync/services/agent/internal/queue"
	"github.com/example/learnsync/services/agent/internal/syncclient"
	"github.com/example/learnsync/services/agent/internal/wire"
)

type Queue interface {
	Drain(ctx context.Context, limit int) (queue.Batch, error)
	Acknowledge(ctx context.Context, b queue.Batch, res wire.DeltaResponse) error
}

type Transport interface {
	Delta(ctx context.Context, req wire.DeltaRequest) (*wire.DeltaResponse, error)
}

type Runner struct {
	Queue      Queue
	Transport  Transport
	Log        *zap.Logger
	MaxBatch   int
	MaxRetries int
	// MaxRounds bounds how many full batches one SyncOnce sends.
	MaxRounds int

	sleep func(ctx context.Context, d time.Duration) error
}

func New(q Queue, t Transport, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Queue: q, Transport: t, Log: log, MaxBatch: 500, MaxRetries: 5, MaxRounds: 10}
}

// Report summarizes one SyncOnce.
type Report struct {
	Batches        int
	ProgressSynced int
	AttemptsSynced int
	Conflicts      int
	ServerChanges  int
}

// SyncOnce sends the queue in batches until it is empty. The first batch is
// sent even when empty so server changes are pulled. A batch stays queued on
// any failure; transient failures are retried with backoff first.
func (r *Runner) SyncOnce(ctx context.Context) (Report, error) {
	var rep Report
	for round := 0; round < r.rounds(); round++ {
		b, err := r.Queue.Drain(ctx, r.MaxBatch)
		if err != nil {
			return rep, err
		}
		if round > 0 && b.Len() == 0 {
			break
		}
		log := r.Log.With(zap.String("batch_id", b.ID), zap.Int("records", b.Len()))

		res, err := r.send(ctx, log, b)
		if err != nil {
			return rep, err
		}
		if err := r.Queue.Acknowledge(ctx, b, *res); err != nil {
			// The server committed; resending is harmless.
			log.Error("acknowledge failed, batch will be resent", zap.Error(err))
			return rep, err
		}

		rep.Batches++
		rep.ProgressSynced += res.Counts.ProgressSynced
		rep.AttemptsSynced += res.Counts.AttemptsSynced
		rep.Conflicts += len(res.Conflicts.Progress) + len(res.Conflicts.QuizAttempts)
		rep.ServerChanges += len(res.ServerChanges.Content) + len(res.ServerChanges.Progress)
		log.Info("batch synced",
			zap.Time("cursor", res.Cursor),
			zap.Int("conflicts", len(res.Conflicts.Progress)+len(res.Conflicts.QuizAttempts)))

		if b.Len() < r.MaxBatch {
			break
		}
	}
	return rep, nil
}

func (r *Runner) send(ctx context.Context, log *zap.Logger, b queue.Batch) (*wire.DeltaResponse, error) {
	req := b.Request()
	for attempt := 1; ; attempt++ {
		res, err := r.Transport.Delta(ctx, req)
		if err == nil {
			return res, nil
		}
		if !syncclient.IsRetryable(err) || attempt > r.MaxRetries {
			log.Warn("batch rejected, kept in queue", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		var retryAfter time.Duration
		var apiErr *syncclient.APIError
		if errors.As(err, &apiErr) {
			retryAfter = apiErr.RetryAfter
		}
		wait := syncclient.Backoff(attempt, retryAfter)
		log.Info("sync failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		if err := r.wait(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (r *Runner) rounds() int {
	if r.MaxRounds <= 0 {
		return 1
	}
	return r.MaxRounds
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
