package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/learnsync/services/sync/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seeded() *InMemoryStore {
	s := NewInMemoryStore()
	s.AddUser("u1")
	s.AddUser("u2")
	s.PutContent(domain.ContentLesson, "l1", t0)
	s.PutContent(domain.ContentLesson, "l2", t0)
	s.PutContent(domain.ContentModule, "m1", t0)
	return s
}

func TestInMemory_CommitPublishesStagedWrites(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	tx, err := s.BeginUserTx(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tx.WriteProgress(ctx, []domain.ProgressRecord{{
		ID: "p1", LessonID: "l1", Status: domain.StatusInProgress, UpdatedAt: t0,
	}}))
	require.NoError(t, tx.SetCursor(ctx, t0))
	require.NoError(t, tx.EnqueueEvent(ctx, "learnsync.sync.completed", []byte(`{}`)))

	_, err = s.GetProgress(ctx, "u1", "l1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "staged writes are invisible before commit")

	got, err := tx.ProgressByLesson(ctx, []string{"l1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", got["l1"].ID, "tx reads its own writes")

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx), "rollback after commit is a no-op")

	p, err := s.GetProgress(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	c, _ := s.Cursor(ctx, "u1")
	require.NotNil(t, c)
	assert.True(t, c.Equal(t0))
	assert.Len(t, s.Events(), 1)
}

func TestInMemory_RollbackDiscards(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	tx, err := s.BeginUserTx(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, tx.WriteProgress(ctx, []domain.ProgressRecord{{ID: "p1", LessonID: "l1", UpdatedAt: t0}}))
	require.NoError(t, tx.SetCursor(ctx, t0))
	require.NoError(t, tx.Rollback(ctx))

	list, _ := s.ListProgress(ctx, "u1")
	assert.Empty(t, list)
	c, _ := s.Cursor(ctx, "u1")
	assert.Nil(t, c)
	assert.Empty(t, s.Events())
}

func TestInMemory_UserTxSerialized(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	tx, err := s.BeginUserTx(ctx, "u1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.BeginUserTx(short, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := s.BeginUserTx(short, "u2")
	require.NoError(t, err, "other users are not blocked")
	require.NoError(t, other.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
}

func TestInMemory_SetCursorNeverMovesBack(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	s.SetUserCursor("u1", t0.Add(time.Hour))

	tx, _ := s.BeginUserTx(ctx, "u1")
	require.NoError(t, tx.SetCursor(ctx, t0))
	require.NoError(t, tx.Commit(ctx))

	c, _ := s.Cursor(ctx, "u1")
	assert.True(t, c.Equal(t0.Add(time.Hour)))
}

func TestInMemory_AttemptNumberCollision(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	s.PutAttempt(domain.QuizAttemptRecord{ID: "a1", UserID: "u1", LessonID: "l1", AttemptNumber: 1})

	tx, _ := s.BeginUserTx(ctx, "u1")
	defer func() { _ = tx.Rollback(ctx) }()
	err := tx.WriteAttempts(ctx, []domain.QuizAttemptRecord{{ID: "a2", UserID: "u1", LessonID: "l1", AttemptNumber: 1}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInMemory_AttemptOwnerIsImmutable(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	s.PutAttempt(domain.QuizAttemptRecord{ID: "a1", UserID: "u1", LessonID: "l1", AttemptNumber: 1})

	tx, _ := s.BeginUserTx(ctx, "u2")
	defer func() { _ = tx.Rollback(ctx) }()
	err := tx.WriteAttempts(ctx, []domain.QuizAttemptRecord{{ID: "a1", UserID: "u2", LessonID: "l1", AttemptNumber: 1}})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)
}

func TestInMemory_ProgressIDIsUnique(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	tx, _ := s.BeginUserTx(ctx, "u1")
	require.NoError(t, tx.WriteProgress(ctx, []domain.ProgressRecord{{ID: "p1", LessonID: "l1", UpdatedAt: t0}}))
	err := tx.WriteProgress(ctx, []domain.ProgressRecord{{ID: "p1", LessonID: "l2", UpdatedAt: t0}})
	assert.ErrorIs(t, err, domain.ErrValidation, "same id staged for another lesson")
	require.NoError(t, tx.Commit(ctx))

	tx, _ = s.BeginUserTx(ctx, "u2")
	defer func() { _ = tx.Rollback(ctx) }()
	err = tx.WriteProgress(ctx, []domain.ProgressRecord{{ID: "p1", LessonID: "l1", UpdatedAt: t0}})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.KindProgress, ve.Kind)
	assert.Equal(t, "id", ve.Field)

	assert.NoError(t, tx.WriteProgress(ctx, []domain.ProgressRecord{{LessonID: "l1", UpdatedAt: t0}}), "empty ids never collide")
}

func TestInMemory_HookAbortsOperation(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	boom := errors.New("disk full")
	s.OnOp("commit", func(context.Context) error { return boom })

	tx, _ := s.BeginUserTx(ctx, "u1")
	require.NoError(t, tx.WriteProgress(ctx, []domain.ProgressRecord{{ID: "p1", LessonID: "l1", UpdatedAt: t0}}))
	assert.ErrorIs(t, tx.Commit(ctx), boom)
	require.NoError(t, tx.Rollback(ctx))

	s.OnOp("commit", nil)
	tx, err := s.BeginUserTx(ctx, "u1")
	require.NoError(t, err, "lock released after failed commit and rollback")
	require.NoError(t, tx.Rollback(ctx))
}

func TestInMemory_ExistingLessons(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	tx, _ := s.BeginUserTx(ctx, "u1")
	defer func() { _ = tx.Rollback(ctx) }()

	got, err := tx.ExistingLessons(ctx, []string{"l1", "m1", "nope"})
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"l1": {}}, got, "modules are not lessons")
}

func TestInMemory_SyncLogs(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	for i, batch := range []string{"b1", "b2", ""} {
		require.NoError(t, s.AppendSyncLog(ctx, domain.SyncLogEntry{
			UserID: "u1", BatchID: batch, Status: domain.OutcomeCompleted,
			StartedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendSyncLog(ctx, domain.SyncLogEntry{UserID: "u2", BatchID: "b1"}))

	recent, err := s.RecentSyncLogs(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "", recent[0].BatchID, "newest first")
	assert.NotEmpty(t, recent[0].ID)

	e, err := s.SyncLogByBatch(ctx, "u1", "b1")
	require.NoError(t, err)
	assert.Equal(t, "u1", e.UserID)

	_, err = s.SyncLogByBatch(ctx, "u1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInMemory_PendingCounts(t *testing.T) {
	s := seeded()
	synced := t0
	s.PutProgress(domain.ProgressRecord{UserID: "u1", LessonID: "l1", UpdatedAt: t0, LastSyncedAt: &synced})
	s.PutProgress(domain.ProgressRecord{UserID: "u1", LessonID: "l2", UpdatedAt: t0.Add(time.Minute), LastSyncedAt: &synced})
	s.PutAttempt(domain.QuizAttemptRecord{ID: "a1", UserID: "u1", UpdatedAt: t0})

	c, err := s.PendingCounts(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PendingCounts{Progress: 1, QuizAttempts: 1}, c)
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"user_progress", "quiz_attempts", "sync_cursors", "sync_logs", "sync_outbox"} {
		assert.True(t, strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 10, clampLimit(0, 10, 50))
	assert.Equal(t, 50, clampLimit(500, 10, 50))
	assert.Equal(t, 7, clampLimit(7, 10, 50))
}
