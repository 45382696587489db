package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/learnsync/services/sync/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production backend.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ApplySchema creates missing tables and indexes.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) BeginUserTx(ctx context.Context, userID string) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	// Released by commit or rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &pgTx{tx: tx, userID: userID}, nil
}

func (s *PostgresStore) AppendSyncLog(ctx context.Context, e domain.SyncLogEntry) error {
	return insertSyncLog(ctx, s.db, e)
}

func (s *PostgresStore) Cursor(ctx context.Context, userID string) (*time.Time, error) {
	return readCursor(ctx, s.db, userID)
}

const syncLogCols = `id::text, user_id, COALESCE(batch_id, ''), sync_type, direction, status,
records_processed, records_successful, cursor_before, cursor_after, started_at, completed_at,
COALESCE(error_message, '')`

func (s *PostgresStore) RecentSyncLogs(ctx context.Context, userID string, limit int) ([]domain.SyncLogEntry, error) {
	limit = clampLimit(limit, 10, 50)
	rows, err := s.db.Query(ctx, `SELECT `+syncLogCols+` FROM sync_logs
WHERE user_id=$1 ORDER BY started_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SyncLogEntry, 0, limit)
	for rows.Next() {
		e, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SyncLogByBatch(ctx context.Context, userID, batchID string) (domain.SyncLogEntry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+syncLogCols+` FROM sync_logs
WHERE user_id=$1 AND batch_id=$2 ORDER BY started_at DESC, id DESC LIMIT 1`, userID, batchID)
	e, err := scanSyncLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SyncLogEntry{}, domain.ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) PendingCounts(ctx context.Context, userID string) (domain.PendingCounts, error) {
	var c domain.PendingCounts
	err := s.db.QueryRow(ctx, `
SELECT
  (SELECT count(*) FROM user_progress
    WHERE user_id=$1 AND (last_synced_at IS NULL OR updated_at > last_synced_at)),
  (SELECT count(*) FROM quiz_attempts
    WHERE user_id=$1 AND (last_synced_at IS NULL OR updated_at > last_synced_at))`, userID).
		Scan(&c.Progress, &c.QuizAttempts)
	return c, err
}

const progressCols = `id::text, user_id, lesson_id, status, progress_percentage, time_spent_seconds,
last_position_seconds, completion_data, started_at, completed_at, updated_at, last_synced_at`

func (s *PostgresStore) ListProgress(ctx context.Context, userID string) ([]domain.ProgressRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+progressCols+` FROM user_progress
WHERE user_id=$1 ORDER BY updated_at DESC, lesson_id`, userID)
	if err != nil {
		return nil, err
	}
	return collectProgress(rows)
}

func (s *PostgresStore) GetProgress(ctx context.Context, userID, lessonID string) (domain.ProgressRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+progressCols+` FROM user_progress
WHERE user_id=$1 AND lesson_id=$2`, userID, lessonID)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}
	return p, err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readCursor(ctx context.Context, q querier, userID string) (*time.Time, error) {
	var c time.Time
	err := q.QueryRow(ctx, `SELECT cursor_at FROM sync_cursors WHERE user_id=$1`, userID).Scan(&c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c = c.UTC()
	return &c, nil
}

func insertSyncLog(ctx context.Context, q querier, e domain.SyncLogEntry) error {
	e = withLogID(e)
	_, err := q.Exec(ctx, `
INSERT INTO sync_logs (id, user_id, batch_id, sync_type, direction, status, records_processed,
  records_successful, cursor_before, cursor_after, started_at, completed_at, error_message)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''))`,
		e.ID, e.UserID, e.BatchID, e.SyncType, e.Direction, string(e.Status), e.RecordsProcessed,
		e.RecordsSuccessful, e.CursorBefore, e.CursorAfter, e.StartedAt, e.CompletedAt, e.ErrorMessage)
	return err
}

func scanSyncLog(row pgx.Row) (domain.SyncLogEntry, error) {
	var e domain.SyncLogEntry
	var status string
	err := row.Scan(&e.ID, &e.UserID, &e.BatchID, &e.SyncType, &e.Direction, &status,
		&e.RecordsProcessed, &e.RecordsSuccessful, &e.CursorBefore, &e.CursorAfter,
		&e.StartedAt, &e.CompletedAt, &e.ErrorMessage)
	e.Status = domain.SyncOutcome(status)
	return e, err
}

func scanProgress(row pgx.Row) (domain.ProgressRecord, error) {
	var p domain.ProgressRecord
	var status string
	var data []byte
	err := row.Scan(&p.ID, &p.UserID, &p.LessonID, &status, &p.ProgressPercentage, &p.TimeSpentSeconds,
		&p.LastPositionSeconds, &data, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt, &p.LastSyncedAt)
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	p.Status = domain.ProgressStatus(status)
	if len(data) > 0 {
		p.CompletionData = json.RawMessage(data)
	}
	return p, nil
}

func collectProgress(rows pgx.Rows) ([]domain.ProgressRecord, error) {
	defer rows.Close()
	out := make([]domain.ProgressRecord, 0)
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// pgTx holds the user's advisory lock for its lifetime.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) UserExists(ctx context.Context) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id=$1)`, t.userID).Scan(&ok)
	return ok, err
}

func (t *pgTx) ExistingLessons(ctx context.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT id FROM lessons WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (t *pgTx) Cursor(ctx context.Context) (*time.Time, error) {
	return readCursor(ctx, t.tx, t.userID)
}

func (t *pgTx) ProgressByLesson(ctx context.Context, lessonIDs []string) (map[string]domain.ProgressRecord, error) {
	out := make(map[string]domain.ProgressRecord, len(lessonIDs))
	if len(lessonIDs) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT `+progressCols+` FROM user_progress
WHERE user_id=$1 AND lesson_id = ANY($2) FOR UPDATE`, t.userID, lessonIDs)
	if err != nil {
		return nil, err
	}
	recs, err := collectProgress(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range recs {
		out[p.LessonID] = p
	}
	return out, nil
}

const attemptCols = `id::text, user_id, lesson_id, attempt_number, answers, score, max_possible_score,
completion_time_seconds, is_completed, created_at, updated_at, last_synced_at`

func (t *pgTx) AttemptsByID(ctx context.Context, ids []string) (map[string]domain.QuizAttemptRecord, error) {
	out := make(map[string]domain.QuizAttemptRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT `+attemptCols+` FROM quiz_attempts
WHERE id = ANY($1::uuid[]) FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.QuizAttemptRecord
		var answers []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.LessonID, &a.AttemptNumber, &answers, &a.Score,
			&a.MaxPossibleScore, &a.CompletionTimeSeconds, &a.Completed, &a.CreatedAt, &a.UpdatedAt,
			&a.LastSyncedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for %s: %w", a.ID, err)
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// WriteProgress sends every upsert in one pipelined batch.
func (t *pgTx) WriteProgress(ctx context.Context, recs []domain.ProgressRecord) error {
	if len(recs) == 0 {
		return nil
	}
	const q = `
INSERT INTO user_progress (id, user_id, lesson_id, status, progress_percentage, time_spent_seconds,
  last_position_seconds, completion_data, started_at, completed_at, updated_at, last_synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id, lesson_id) DO UPDATE SET
  status                = EXCLUDED.status,
  progress_percentage   = EXCLUDED.progress_percentage,
  time_spent_seconds    = EXCLUDED.time_spent_seconds,
  last_position_seconds = EXCLUDED.last_position_seconds,
  completion_data       = EXCLUDED.completion_data,
  started_at            = EXCLUDED.started_at,
  completed_at          = EXCLUDED.completed_at,
  updated_at            = EXCLUDED.updated_at,
  last_synced_at        = EXCLUDED.last_synced_at`

	b := &pgx.Batch{}
	for _, p := range recs {
		var data any
		if len(p.CompletionData) > 0 {
			data = p.CompletionData
		}
		b.Queue(q, p.ID, t.userID, p.LessonID, string(p.Status), p.ProgressPercentage, p.TimeSpentSeconds,
			p.LastPositionSeconds, data, p.StartedAt, p.CompletedAt, p.UpdatedAt, p.LastSyncedAt)
	}
	return writeError(domain.KindProgress, execBatch(ctx, t.tx, b, nil))
}

func (t *pgTx) WriteAttempts(ctx context.Context, recs []domain.QuizAttemptRecord) error {
	if len(recs) == 0 {
		return nil
	}
	const q = `
INSERT INTO quiz_attempts (id, user_id, lesson_id, attempt_number, answers, score, max_possible_score,
  completion_time_seconds, is_completed, created_at, updated_at, last_synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
  answers                 = EXCLUDED.answers,
  score                   = EXCLUDED.score,
  max_possible_score      = EXCLUDED.max_possible_score,
  completion_time_seconds = EXCLUDED.completion_time_seconds,
  is_completed            = EXCLUDED.is_completed,
  updated_at              = EXCLUDED.updated_at,
  last_synced_at          = EXCLUDED.last_synced_at
WHERE quiz_attempts.user_id = EXCLUDED.user_id
  AND quiz_attempts.lesson_id = EXCLUDED.lesson_id
  AND quiz_attempts.attempt_number = EXCLUDED.attempt_number`

	b := &pgx.Batch{}
	for _, a := range recs {
		answers := a.Answers
		if answers == nil {
			answers = []domain.Answer{}
		}
		raw, err := json.Marshal(answers)
		if err != nil {
			return fmt.Errorf("encode answers for %s: %w", a.ID, err)
		}
		b.Queue(q, a.ID, a.UserID, a.LessonID, a.AttemptNumber, json.RawMessage(raw), a.Score,
			a.MaxPossibleScore, a.CompletionTimeSeconds, a.Completed, a.CreatedAt, a.UpdatedAt, a.LastSyncedAt)
	}
	// A guarded upsert that touches no row hit an id owned by another
	// user, lesson or attempt number.
	err := execBatch(ctx, t.tx, b, func(i int, tag pgconn.CommandTag) error {
		if tag.RowsAffected() == 0 {
			return domain.IdentityChanged(-1, "id")
		}
		return nil
	})
	return writeError(domain.KindQuizAttempt, err)
}

// writeError turns constraint violations caused by client data into
// validation errors. Anything else stays a storage failure.
func writeError(kind string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "23505" && pgErr.ConstraintName == "quiz_attempts_identity_key":
		return &domain.ValidationError{Kind: domain.KindQuizAttempt, Index: -1, Field: "attempt_number",
			Reason: "collides with another attempt: " + pgErr.Detail}
	case pgErr.Code == "23505" && pgErr.ConstraintName == "user_progress_pkey":
		return progressIDTaken()
	case pgErr.Code == "22003":
		field := pgErr.ColumnName
		if field == "" {
			field = "record"
		}
		return &domain.ValidationError{Kind: kind, Index: -1, Field: field, Reason: "value out of range"}
	}
	return err
}

// execBatch runs b and passes each command tag to check when set.
func execBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch, check func(int, pgconn.CommandTag) error) error {
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err == nil && check != nil {
			err = check(i, tag)
		}
		if err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (t *pgTx) ContentChangedSince(ctx context.Context, since time.Time) ([]domain.ContentChange, error) {
	rows, err := t.tx.Query(ctx, `
SELECT 'subject', id, updated_at FROM subjects WHERE updated_at > $1
UNION ALL
SELECT 'module', id, updated_at FROM content_modules WHERE updated_at > $1
UNION ALL
SELECT 'lesson', id, updated_at FROM lessons WHERE updated_at > $1
ORDER BY 3, 2`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.ContentChange, 0)
	for rows.Next() {
		var c domain.ContentChange
		var kind string
		if err := rows.Scan(&kind, &c.ID, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Type = domain.ContentKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) ProgressChangedSince(ctx context.Context, since time.Time) ([]domain.ProgressRecord, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+progressCols+` FROM user_progress
WHERE user_id=$1 AND GREATEST(updated_at, COALESCE(last_synced_at, updated_at)) > $2
ORDER BY GREATEST(updated_at, COALESCE(last_synced_at, updated_at)), id`, t.userID, since)
	if err != nil {
		return nil, err
	}
	return collectProgress(rows)
}

func (t *pgTx) SetCursor(ctx context.Context, c time.Time) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO sync_cursors (user_id, cursor_at, updated_at) VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE SET
  cursor_at  = GREATEST(sync_cursors.cursor_at, EXCLUDED.cursor_at),
  updated_at = now()`, t.userID, c)
	return err
}

func (t *pgTx) AppendSyncLog(ctx context.Context, e domain.SyncLogEntry) error {
	return insertSyncLog(ctx, t.tx, e)
}

func (t *pgTx) EnqueueEvent(ctx context.Context, subject string, payload []byte) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sync_outbox (id, event_type, payload) VALUES ($1, $2, $3)`,
		uuid.New(), subject, json.RawMessage(payload))
	return err
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// DrainOutbox locks up to limit unpublished rows, hands them to fn and marks
// them published in the same transaction. Concurrent drainers skip each
// other's rows.
func (s *PostgresStore) DrainOutbox(ctx context.Context, limit int, fn DrainFunc) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id::text, event_type, payload, created_at
FROM sync_outbox
WHERE published_at IS NULL
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, err
	}
	items := make([]OutboxEvent, 0, limit)
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Subject, &ev.Payload, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		items = append(items, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	if err := fn(ctx, items); err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(items))
	for _, ev := range items {
		ids = append(ids, ev.ID)
	}
	if _, err := tx.Exec(ctx, `UPDATE sync_outbox SET published_at = now() WHERE id::text = ANY($1)`, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(items), nil
}
