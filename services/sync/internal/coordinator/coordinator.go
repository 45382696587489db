// Package coordinator applies client batches and builds the change feed
// inside one per-user transaction.
//
// A call either commits everything (merged records, advanced cursor, audit
// entry, outbox event) or nothing. Failures are recorded afterwards in a
// separate audit entry and returned classified as one of the domain errors.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learnsync/internal/platform/analytics"
	"github.com/example/learnsync/services/sync/internal/domain"
	"github.com/example/learnsync/services/sync/internal/feed"
	"github.com/example/learnsync/services/sync/internal/lock"
	"github.com/example/learnsync/services/sync/internal/metrics"
	"github.com/example/learnsync/services/sync/internal/outbox"
	"github.com/example/learnsync/services/sync/internal/policy"
	"github.com/example/learnsync/services/sync/internal/store"
)

// DefaultTimeout bounds a call including lock wait.
const DefaultTimeout = 15 * time.Second

// EventPublisher receives fire-and-forget notifications. *analytics.Publisher
// satisfies it.
type EventPublisher interface {
	Publish(subject, eventName, userID string, props map[string]any)
}

// Options wires a Coordinator. Store is required.
type Options struct {
	Store      store.Store
	Locker     lock.Locker
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Analytics  EventPublisher
	Timeout    time.Duration
	Now        func() time.Time
	ContentLag time.Duration // see feed.Generator.ContentLag
}

type Coordinator struct {
	store     store.Store
	locker    lock.Locker
	log       *zap.Logger
	metrics   *metrics.Metrics
	analytics EventPublisher
	timeout   time.Duration
	now       func() time.Time
	feed      feed.Generator
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:     opts.Store,
		locker:    opts.Locker,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		analytics: opts.Analytics,
		timeout:   opts.Timeout,
		now:       opts.Now,
	}
	if c.locker == nil {
		c.locker = lock.NewLocal()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.feed = feed.Generator{Now: c.now, Log: c.log, ContentLag: opts.ContentLag}
	return c
}

// Request is one delta sync call. Records carry their own client-side
// UpdatedAt; UserID comes from the authenticated caller.
type Request struct {
	UserID   string
	Cursor   *time.Time
	BatchID  string
	Progress []domain.ProgressRecord
	Attempts []domain.QuizAttemptRecord
}

type Counts struct {
	ProgressSynced int `json:"progress_synced"`
	AttemptsSynced int `json:"attempts_synced"`
}

// Conflicts lists server versions that won over an incoming record.
type Conflicts struct {
	Progress     []domain.ProgressRecord    `json:"progress"`
	QuizAttempts []domain.QuizAttemptRecord `json:"quiz_attempts"`
}

type Result struct {
	Cursor        time.Time `json:"cursor"`
	ServerChanges feed.Feed `json:"server_changes"`
	Counts        Counts    `json:"counts"`
	Conflicts     Conflicts `json:"conflicts"`
}

// Synchronize merges the batches, computes the feed for req.Cursor and
// advances the user's cursor, atomically.
func (c *Coordinator) Synchronize(ctx context.Context, req Request) (Result, error) {
	started := c.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := c.log.With(zap.String("user_id", req.UserID), zap.String("batch_id", req.BatchID))
	processed := len(req.Progress) + len(req.Attempts)

	var (
		res          Result
		stats        mergeStats
		cursorBefore *time.Time
	)
	progress, attempts, err := c.validateShape(req.UserID, req.Progress, req.Attempts)
	if err == nil {
		req.Progress, req.Attempts = progress, attempts
		err = c.inUserScope(ctx, req.UserID, func(ctx context.Context, tx store.Tx) error {
			var err error
			cursorBefore, err = tx.Cursor(ctx)
			if err != nil {
				return err
			}
			res, stats, err = c.synchronize(ctx, tx, req, started, cursorBefore)
			return err
		})
	}
	elapsed := c.now().Sub(started)
	if err != nil {
		err = classify(ctx, err)
		c.recordFailure(log, domain.SyncLogEntry{
			UserID:           req.UserID,
			BatchID:          req.BatchID,
			SyncType:         domain.SyncTypeDelta,
			Direction:        domain.DirectionBidirectional,
			RecordsProcessed: processed,
			CursorBefore:     cursorBefore,
			StartedAt:        started,
		}, err)
		c.metrics.ObserveSync(domain.SyncTypeDelta, outcomeLabel(err), elapsed)
		return Result{}, err
	}

	c.metrics.ObserveSync(domain.SyncTypeDelta, string(domain.OutcomeCompleted), elapsed)
	c.metrics.ObserveFeed(len(res.ServerChanges.Content), len(res.ServerChanges.Progress))
	c.metrics.AddRecords(domain.KindProgress, "written", stats.progressWritten)
	c.metrics.AddRecords(domain.KindQuizAttempt, "written", stats.attemptsWritten)
	c.metrics.AddConflicts(domain.KindProgress, len(res.Conflicts.Progress))
	c.metrics.AddConflicts(domain.KindQuizAttempt, len(res.Conflicts.QuizAttempts))
	log.Info("sync completed",
		zap.Int("progress", res.Counts.ProgressSynced),
		zap.Int("attempts", res.Counts.AttemptsSynced),
		zap.Int("conflicts", len(res.Conflicts.Progress)+len(res.Conflicts.QuizAttempts)),
		zap.Int("feed_content", len(res.ServerChanges.Content)),
		zap.Int("feed_progress", len(res.ServerChanges.Progress)),
		zap.Time("cursor", res.Cursor),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (c *Coordinator) synchronize(ctx context.Context, tx store.Tx, req Request, started time.Time, cursorBefore *time.Time) (Result, mergeStats, error) {
	if err := checkReferences(ctx, tx, req.UserID, req.Progress, req.Attempts); err != nil {
		return Result{}, mergeStats{}, err
	}

	now := policy.Normalize(c.now())
	pm, err := c.mergeProgress(ctx, tx, req.UserID, req.Progress, now)
	if err != nil {
		return Result{}, mergeStats{}, err
	}
	am, err := c.mergeAttempts(ctx, tx, req.UserID, req.Attempts, now)
	if err != nil {
		return Result{}, mergeStats{}, err
	}
	if err := tx.WriteProgress(ctx, pm.writes); err != nil {
		return Result{}, mergeStats{}, err
	}
	if err := tx.WriteAttempts(ctx, am.writes); err != nil {
		return Result{}, mergeStats{}, err
	}

	changes, err := c.feed.Changes(ctx, tx, req.Cursor, pm.accepted)
	if err != nil {
		return Result{}, mergeStats{}, err
	}

	// The new cursor is server time and never moves backwards.
	cursor := now
	if cursorBefore != nil && cursorBefore.After(cursor) {
		cursor = *cursorBefore
	}
	if err := tx.SetCursor(ctx, cursor); err != nil {
		return Result{}, mergeStats{}, err
	}

	res := Result{
		Cursor:        cursor,
		ServerChanges: changes,
		Counts:        Counts{ProgressSynced: len(req.Progress), AttemptsSynced: len(req.Attempts)},
		Conflicts:     Conflicts{Progress: pm.conflicts, QuizAttempts: am.conflicts},
	}

	entry := domain.SyncLogEntry{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		BatchID:           req.BatchID,
		SyncType:          domain.SyncTypeDelta,
		Direction:         domain.DirectionBidirectional,
		Status:            domain.OutcomeCompleted,
		RecordsProcessed:  len(req.Progress) + len(req.Attempts),
		RecordsSuccessful: len(req.Progress) + len(req.Attempts),
		CursorBefore:      cursorBefore,
		CursorAfter:       &cursor,
		StartedAt:         started,
		CompletedAt:       c.now().UTC(),
	}
	if err := tx.AppendSyncLog(ctx, entry); err != nil {
		return Result{}, mergeStats{}, err
	}

	payload, err := json.Marshal(outbox.SyncCompleted{
		EventID:        uuid.NewString(),
		UserID:         req.UserID,
		BatchID:        req.BatchID,
		SyncLogID:      entry.ID,
		Cursor:         cursor,
		ProgressSynced: res.Counts.ProgressSynced,
		AttemptsSynced: res.Counts.AttemptsSynced,
		Conflicts:      len(pm.conflicts) + len(am.conflicts),
		OccurredAt:     entry.CompletedAt,
	})
	if err != nil {
		return Result{}, mergeStats{}, err
	}
	if err := tx.EnqueueEvent(ctx, outbox.SubjectSyncCompleted, payload); err != nil {
		return Result{}, mergeStats{}, err
	}

	return res, mergeStats{progressWritten: len(pm.writes), attemptsWritten: len(am.writes)}, nil
}

type mergeStats struct {
	progressWritten int
	attemptsWritten int
}

// inUserScope runs fn in a transaction while holding the user's lock, and
// commits if fn succeeds.
func (c *Coordinator) inUserScope(ctx context.Context, userID string, fn func(context.Context, store.Tx) error) error {
	waitStart := time.Now()
	release, err := c.locker.Acquire(ctx, userID)
	if err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	defer release()
	c.metrics.ObserveLockWait(time.Since(waitStart))

	tx, err := c.store.BeginUserTx(ctx, userID)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// recordFailure appends a failed audit entry outside the rolled-back
// transaction. It never changes the error returned to the caller.
func (c *Coordinator) recordFailure(log *zap.Logger, e domain.SyncLogEntry, cause error) {
	e.ID = uuid.NewString()
	e.Status = domain.OutcomeFailed
	e.RecordsSuccessful = 0
	e.CompletedAt = c.now().UTC()
	e.ErrorMessage = cause.Error()

	fields := []zap.Field{zap.String("sync_type", e.SyncType), zap.Error(cause)}
	if errors.Is(cause, domain.ErrConflictPolicy) || errors.Is(cause, domain.ErrStorage) {
		log.Error("sync failed", fields...)
	} else {
		log.Warn("sync rejected", fields...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.AppendSyncLog(ctx, e); err != nil {
		log.Warn("failed to record failed sync", zap.Error(err))
	}

	if c.analytics != nil {
		c.analytics.Publish(analytics.SubjectSyncFailed, "sync_failed", e.UserID, map[string]any{
			"sync_type": e.SyncType,
			"batch_id":  e.BatchID,
			"outcome":   outcomeLabel(cause),
			"records":   e.RecordsProcessed,
		})
	}
}

// classify maps any failure onto the domain taxonomy.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConflictPolicy),
		errors.Is(err, domain.ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: rolled back: %v", domain.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: canceled, rolled back: %v", domain.ErrTimeout, err)
	}
	return domain.Storage("sync", err)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return string(domain.OutcomeCompleted)
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrConflictPolicy):
		return "conflict_policy"
	}
	return "storage"
}
