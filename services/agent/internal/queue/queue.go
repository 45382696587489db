// Package queue is the device-side offline queue: local mutations wait here
// until the sync service acknowledges them.
//
// Pending rows are coalesced per record (one row per lesson for progress,
// one per attempt id). Every enqueue stamps a fresh sequence number, so an
// acknowledgement only removes the versions that were actually sent.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/learnsync/services/agent/internal/wire"
)

const (
	KindProgress    = "progress"
	KindQuizAttempt = "quiz_attempt"
)

const timeLayout = time.RFC3339Nano

var ErrInvalidMutation = errors.New("invalid mutation")

// Mutation is one locally changed record, serialized as the server expects it.
type Mutation struct {
	Kind    string
	Key     string
	Payload json.RawMessage
}

// ProgressMutation wraps a full progress record.
func ProgressMutation(p wire.Progress) (Mutation, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Kind: KindProgress, Key: p.LessonID, Payload: b}, nil
}

// AttemptMutation wraps a quiz attempt. Attempts need a client-generated id.
func AttemptMutation(a wire.QuizAttempt) (Mutation, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Kind: KindQuizAttempt, Key: a.ID, Payload: b}, nil
}

// Batch is a drained snapshot of the queue. It is not removed from the
// queue until Acknowledge.
type Batch struct {
	ID       string
	Cursor   *time.Time
	Progress []wire.Progress
	Attempts []wire.QuizAttempt

	refs []pendingRef
}

func (b Batch) Len() int { return len(b.Progress) + len(b.Attempts) }

// Request is the delta request for this batch.
func (b Batch) Request() wire.DeltaRequest {
	return wire.DeltaRequest{Cursor: b.Cursor, BatchID: b.ID, Progress: b.Progress, Attempts: b.Attempts}
}

type pendingRef struct {
	Kind string `db:"kind"`
	Key  string `db:"record_key"`
	Seq  int64  `db:"seq"`
}

type pendingRow struct {
	pendingRef
	Payload string `db:"payload"`
}

type Queue struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (or creates) the queue database at path. ":memory:" is allowed.
func Open(path string) (*Queue, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create queue directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// on one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init queue schema: %w", err)
		}
	}
	return &Queue{db: db, now: time.Now}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue stores m, replacing any pending version of the same record.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) error {
	if (m.Kind != KindProgress && m.Kind != KindQuizAttempt) || strings.TrimSpace(m.Key) == "" || len(m.Payload) == 0 {
		return fmt.Errorf("%w: kind=%q key=%q", ErrInvalidMutation, m.Kind, m.Key)
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidMutation)
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.GetContext(ctx, &seq, `SELECT next_seq FROM sync_state WHERE id = 1`); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_state SET next_seq = ? WHERE id = 1`, seq+1); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_mutations (kind, record_key, payload, seq, queued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, record_key) DO UPDATE SET
			payload = excluded.payload, seq = excluded.seq, queued_at = excluded.queued_at`,
		m.Kind, m.Key, string(m.Payload), seq, q.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return tx.Commit()
}

// Drain returns up to limit pending mutations, oldest first, together with
// the stored cursor. An empty batch still carries the cursor so the caller
// can pull server changes.
func (q *Queue) Drain(ctx context.Context, limit int) (Batch, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []pendingRow
	if err := q.db.SelectContext(ctx, &rows, `
		SELECT kind, record_key, seq, payload FROM pending_mutations
		ORDER BY seq LIMIT ?`, limit); err != nil {
		return Batch{}, fmt.Errorf("drain: %w", err)
	}
	cursor, err := q.Cursor(ctx)
	if err != nil {
		return Batch{}, err
	}

	b := Batch{
		ID:       uuid.NewString(),
		Cursor:   cursor,
		Progress: []wire.Progress{},
		Attempts: []wire.QuizAttempt{},
	}
	for _, r := range rows {
		switch r.Kind {
		case KindProgress:
			var p wire.Progress
			if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
				return Batch{}, fmt.Errorf("decode progress %s: %w", r.Key, err)
			}
			b.Progress = append(b.Progress, p)
		case KindQuizAttempt:
			var a wire.QuizAttempt
			if err := json.Unmarshal([]byte(r.Payload), &a); err != nil {
				return Batch{}, fmt.Errorf("decode attempt %s: %w", r.Key, err)
			}
			b.Attempts = append(b.Attempts, a)
		}
		b.refs = append(b.refs, r.pendingRef)
	}
	return b, nil
}

// Acknowledge clears the batch after a successful response and stores the
// new cursor, server changes and conflicts. Records re-enqueued after Drain
// keep their newer version. Call only with a response for b.
func (q *Queue) Acknowledge(ctx context.Context, b Batch, res wire.DeltaResponse) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range b.refs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_mutations WHERE kind = ? AND record_key = ? AND seq <= ?`,
			r.Kind, r.Key, r.Seq); err != nil {
			return fmt.Errorf("ack %s/%s: %w", r.Kind, r.Key, err)
		}
	}

	now := q.now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_state SET cursor = ?, last_sync_at = ? WHERE id = 1`,
		res.Cursor.UTC().Format(timeLayout), now); err != nil {
		return fmt.Errorf("store cursor: %w", err)
	}

	for _, p := range res.ServerChanges.Progress {
		if err := cacheProgress(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, c := range res.ServerChanges.Content {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO content_changes (type, id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (type, id) DO UPDATE SET updated_at = excluded.updated_at`,
			c.Type, c.ID, c.UpdatedAt.UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("cache content change: %w", err)
		}
	}

	// The server version of a conflicting record is authoritative.
	for _, p := range res.Conflicts.Progress {
		if err := cacheProgress(ctx, tx, p); err != nil {
			return err
		}
		if err := insertConflict(ctx, tx, KindProgress, p.LessonID, p, now); err != nil {
			return err
		}
	}
	for _, a := range res.Conflicts.QuizAttempts {
		if err := insertConflict(ctx, tx, KindQuizAttempt, a.ID, a, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func cacheProgress(ctx context.Context, tx *sqlx.Tx, p wire.Progress) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO server_progress (lesson_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (lesson_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		p.LessonID, string(b), p.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("cache progress %s: %w", p.LessonID, err)
	}
	return nil
}

func insertConflict(ctx context.Context, tx *sqlx.Tx, kind, key string, v any, at string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conflicts (kind, record_key, payload, received_at) VALUES (?, ?, ?, ?)`,
		kind, key, string(b), at); err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

// Cursor returns the last acknowledged cursor, nil before the first sync.
func (q *Queue) Cursor(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	if err := q.db.GetContext(ctx, &raw, `SELECT cursor FROM sync_state WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}
	return &t, nil
}

type Counts struct {
	Progress     int `db:"progress" json:"progress"`
	QuizAttempts int `db:"quiz_attempts" json:"quiz_attempts"`
}

// Pending counts queued mutations per kind.
func (q *Queue) Pending(ctx context.Context) (Counts, error) {
	var c Counts
	err := q.db.GetContext(ctx, &c, `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'progress' THEN 1 ELSE 0 END), 0) AS progress,
			COALESCE(SUM(CASE WHEN kind = 'quiz_attempt' THEN 1 ELSE 0 END), 0) AS quiz_attempts
		FROM pending_mutations`)
	if err != nil {
		return Counts{}, fmt.Errorf("pending counts: %w", err)
	}
	return c, nil
}

// ServerProgress returns the cached server version of a lesson's progress.
func (q *Queue) ServerProgress(ctx context.Context, lessonID string) (wire.Progress, bool, error) {
	var payload string
	err := q.db.GetContext(ctx, &payload, `SELECT payload FROM server_progress WHERE lesson_id = ?`, lessonID)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Progress{}, false, nil
	}
	if err != nil {
		return wire.Progress{}, false, err
	}
	var p wire.Progress
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return wire.Progress{}, false, err
	}
	return p, true, nil
}

// Conflict is a server version that won over a local mutation.
type Conflict struct {
	ID         int64  `db:"id" json:"id"`
	Kind       string `db:"kind" json:"kind"`
	Key        string `db:"record_key" json:"record_key"`
	Payload    string `db:"payload" json:"-"`
	ReceivedAt string `db:"received_at" json:"received_at"`
}

func (q *Queue) Conflicts(ctx context.Context, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Conflict
	if err := q.db.SelectContext(ctx, &out,
		`SELECT id, kind, record_key, payload, received_at FROM conflicts ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, err
	}
	return out, nil
}
