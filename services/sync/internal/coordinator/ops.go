package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learnsync/internal/platform/analytics"
	"github.com/example/learnsync/services/sync/internal/domain"
	"github.com/example/learnsync/services/sync/internal/outbox"
	"github.com/example/learnsync/services/sync/internal/policy"
	"github.com/example/learnsync/services/sync/internal/store"
)

// ProgressResult is the outcome of a direct progress update.
type ProgressResult struct {
	Progress domain.ProgressRecord `json:"progress"`
	// Accepted is false when the stored version was newer and kept.
	Accepted bool `json:"accepted"`
}

// ApplyProgress stores a single full progress record through the same
// policy as Synchronize. It does not touch the sync cursor.
func (c *Coordinator) ApplyProgress(ctx context.Context, userID string, p domain.ProgressRecord) (ProgressResult, error) {
	started := c.now().UTC()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	log := c.log.With(zap.String("user_id", userID), zap.String("lesson_id", p.LessonID))

	var out ProgressResult
	batch, _, err := c.validateShape(userID, []domain.ProgressRecord{p}, nil)
	if err == nil {
		err = c.inUserScope(ctx, userID, func(ctx context.Context, tx store.Tx) error {
			if err := checkReferences(ctx, tx, userID, batch, nil); err != nil {
				return err
			}
			pm, err := c.mergeProgress(ctx, tx, userID, batch, policy.Normalize(c.now()))
			if err != nil {
				return err
			}
			if err := tx.WriteProgress(ctx, pm.writes); err != nil {
				return err
			}
			out = ProgressResult{Progress: pm.records[0], Accepted: len(pm.conflicts) == 0}

			if err := tx.AppendSyncLog(ctx, domain.SyncLogEntry{
				UserID:            userID,
				SyncType:          domain.SyncTypeDirect,
				Direction:         domain.DirectionUpload,
				Status:            domain.OutcomeCompleted,
				RecordsProcessed:  1,
				RecordsSuccessful: 1,
				StartedAt:         started,
				CompletedAt:       c.now().UTC(),
			}); err != nil {
				return err
			}
			payload, err := json.Marshal(outbox.ProgressApplied{
				EventID:    uuid.NewString(),
				UserID:     userID,
				LessonID:   out.Progress.LessonID,
				Status:     string(out.Progress.Status),
				Accepted:   out.Accepted,
				OccurredAt: c.now().UTC(),
			})
			if err != nil {
				return err
			}
			return tx.EnqueueEvent(ctx, outbox.SubjectProgressApplied, payload)
		})
	}
	elapsed := c.now().Sub(started)
	if err != nil {
		err = classify(ctx, err)
		c.recordFailure(log, domain.SyncLogEntry{
			UserID:           userID,
			SyncType:         domain.SyncTypeDirect,
			Direction:        domain.DirectionUpload,
			RecordsProcessed: 1,
			StartedAt:        started,
		}, err)
		c.metrics.ObserveSync(domain.SyncTypeDirect, outcomeLabel(err), elapsed)
		return ProgressResult{}, err
	}

	c.metrics.ObserveSync(domain.SyncTypeDirect, string(domain.OutcomeCompleted), elapsed)
	if !out.Accepted {
		c.metrics.AddConflicts(domain.KindProgress, 1)
	}
	if c.analytics != nil {
		c.analytics.Publish(analytics.SubjectProgressUpdated, "progress_updated", userID, map[string]any{
			"lesson_id": out.Progress.LessonID,
			"status":    string(out.Progress.Status),
			"accepted":  out.Accepted,
		})
	}
	log.Debug("progress applied", zap.Bool("accepted", out.Accepted))
	return out, nil
}

// Status is the read-only view behind the status endpoint.
type Status struct {
	Cursor        *time.Time            `json:"cursor"`
	ServerPending domain.PendingCounts  `json:"server_pending"`
	RecentSyncs   []domain.SyncLogEntry `json:"recent_syncs"`
}

// Status reports the user's cursor, rows modified since their last sync and
// the most recent audit entries.
func (c *Coordinator) Status(ctx context.Context, userID string, limit int) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cursor, err := c.store.Cursor(ctx, userID)
	if err != nil {
		return Status{}, readErr(ctx, err)
	}
	pending, err := c.store.PendingCounts(ctx, userID)
	if err != nil {
		return Status{}, readErr(ctx, err)
	}
	logs, err := c.store.RecentSyncLogs(ctx, userID, limit)
	if err != nil {
		return Status{}, readErr(ctx, err)
	}
	if logs == nil {
		logs = []domain.SyncLogEntry{}
	}
	return Status{Cursor: cursor, ServerPending: pending, RecentSyncs: logs}, nil
}

func (c *Coordinator) ListProgress(ctx context.Context, userID string) ([]domain.ProgressRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.store.ListProgress(ctx, userID)
	if err != nil {
		return nil, readErr(ctx, err)
	}
	if out == nil {
		out = []domain.ProgressRecord{}
	}
	return out, nil
}

// LessonProgress returns domain.ErrNotFound when the user has no row.
func (c *Coordinator) LessonProgress(ctx context.Context, userID, lessonID string) (domain.ProgressRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	p, err := c.store.GetProgress(ctx, userID, lessonID)
	if err != nil {
		return domain.ProgressRecord{}, readErr(ctx, err)
	}
	return p, nil
}

// SyncLogByBatch answers "did this batch already complete?".
func (c *Coordinator) SyncLogByBatch(ctx context.Context, userID, batchID string) (domain.SyncLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	e, err := c.store.SyncLogByBatch(ctx, userID, batchID)
	if err != nil {
		return domain.SyncLogEntry{}, readErr(ctx, err)
	}
	return e, nil
}

// UserSyncLogs is the operator view of a user's audit trail.
func (c *Coordinator) UserSyncLogs(ctx context.Context, userID string, limit int) ([]domain.SyncLogEntry, error) {
	st, err := c.Status(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return st.RecentSyncs, nil
}

// Ping reports store health for readiness probes.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func readErr(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return classify(ctx, err)
}
