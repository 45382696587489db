// Package store persists learner progress, quiz attempts, sync cursors, the
// sync audit log and the event outbox.
//
// Primary backend: Postgres (env DATABASE_URL), see schema.sql.
// Fallback: an in-memory store for development and tests.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/learnsync/services/sync/internal/domain"
)

// Store is the long-lived handle. It is constructed once at startup and
// passed to the coordinator; it owns no global state.
type Store interface {
	// BeginUserTx opens a transaction holding the user's exclusive scope
	// until Commit or Rollback.
	BeginUserTx(ctx context.Context, userID string) (Tx, error)

	// AppendSyncLog writes an entry in its own transaction. Used for failed
	// attempts, after the attempt's transaction was rolled back.
	AppendSyncLog(ctx context.Context, e domain.SyncLogEntry) error

	Cursor(ctx context.Context, userID string) (*time.Time, error)
	RecentSyncLogs(ctx context.Context, userID string, limit int) ([]domain.SyncLogEntry, error)
	// SyncLogByBatch returns the newest entry for batchID or domain.ErrNotFound.
	SyncLogByBatch(ctx context.Context, userID, batchID string) (domain.SyncLogEntry, error)
	// PendingCounts counts rows modified after their last sync.
	PendingCounts(ctx context.Context, userID string) (domain.PendingCounts, error)
	ListProgress(ctx context.Context, userID string) ([]domain.ProgressRecord, error)
	GetProgress(ctx context.Context, userID, lessonID string) (domain.ProgressRecord, error)

	Ping(ctx context.Context) error
}

// Tx is a unit of work scoped to one user. Writes become visible to other
// transactions only on Commit.
type Tx interface {
	UserExists(ctx context.Context) (bool, error)
	// ExistingLessons returns the subset of ids that name a lesson.
	ExistingLessons(ctx context.Context, ids []string) (map[string]struct{}, error)
	Cursor(ctx context.Context) (*time.Time, error)

	// ProgressByLesson returns the user's rows for the given lessons, keyed
	// by lesson id.
	ProgressByLesson(ctx context.Context, lessonIDs []string) (map[string]domain.ProgressRecord, error)
	// AttemptsByID returns attempts with the given ids regardless of owner.
	AttemptsByID(ctx context.Context, ids []string) (map[string]domain.QuizAttemptRecord, error)

	// WriteProgress upserts full records keyed by (user, lesson).
	WriteProgress(ctx context.Context, recs []domain.ProgressRecord) error
	// WriteAttempts upserts full records keyed by id.
	WriteAttempts(ctx context.Context, recs []domain.QuizAttemptRecord) error

	ContentChangedSince(ctx context.Context, since time.Time) ([]domain.ContentChange, error)
	ProgressChangedSince(ctx context.Context, since time.Time) ([]domain.ProgressRecord, error)

	// SetCursor stores t unless the stored cursor is already later.
	SetCursor(ctx context.Context, t time.Time) error
	AppendSyncLog(ctx context.Context, e domain.SyncLogEntry) error
	// EnqueueEvent adds an outbox row published after commit.
	EnqueueEvent(ctx context.Context, subject string, payload []byte) error

	Commit(ctx context.Context) error
	// Rollback is safe to call after Commit.
	Rollback(ctx context.Context) error
}

// OutboxEvent is a row of the event outbox.
type OutboxEvent struct {
	ID        string
	Subject   string
	Payload   []byte
	CreatedAt time.Time
}

// attemptNumberTaken is returned when a new attempt id reuses the
// (user, lesson, attempt number) of another attempt.
func attemptNumberTaken(lessonID string, number int) error {
	return &domain.ValidationError{
		Kind:   domain.KindQuizAttempt,
		Index:  -1,
		Field:  "attempt_number",
		Reason: fmt.Sprintf("%d already used by another attempt for lesson %s", number, lessonID),
	}
}

// progressIDTaken is returned when a new progress record reuses the id of
// another row.
func progressIDTaken() error {
	return &domain.ValidationError{
		Kind:   domain.KindProgress,
		Index:  -1,
		Field:  "id",
		Reason: "already used by another progress record",
	}
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// DrainFunc publishes a batch of outbox rows. A nil error marks every row in
// the batch as published.
type DrainFunc func(ctx context.Context, events []OutboxEvent) error
