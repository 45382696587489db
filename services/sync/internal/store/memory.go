package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/learnsync/services/sync/internal/domain"
	"github.com/example/learnsync/services/sync/internal/lock"
)

// Hook runs before the named operation; a non-nil error aborts it.
// Operation names: begin, write_progress, write_attempts, set_cursor,
// append_log, commit.
type Hook func(ctx context.Context) error

// InMemoryStore is a development-only implementation. Each user's
// transactions are serialized through a keyed lock, mirroring the advisory
// lock of the Postgres backend.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]struct{}
	content  map[string]domain.ContentChange // kind:id -> change
	progress map[string]map[string]domain.ProgressRecord
	attempts map[string]domain.QuizAttemptRecord
	cursors  map[string]time.Time
	logs     []domain.SyncLogEntry
	outbox   []OutboxEvent
	hooks    map[string]Hook

	published int // outbox rows already drained

	userLocks *lock.Local
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]struct{}),
		content:   make(map[string]domain.ContentChange),
		progress:  make(map[string]map[string]domain.ProgressRecord),
		attempts:  make(map[string]domain.QuizAttemptRecord),
		cursors:   make(map[string]time.Time),
		hooks:     make(map[string]Hook),
		userLocks: lock.NewLocal(),
	}
}

// AddUser registers a user id.
func (s *InMemoryStore) AddUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = struct{}{}
}

// PutContent inserts or touches a catalog entity.
func (s *InMemoryStore) PutContent(kind domain.ContentKind, id string, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[string(kind)+":"+id] = domain.ContentChange{Type: kind, ID: id, UpdatedAt: updatedAt.UTC()}
}

// PutProgress stores a server-side row as if written by another path.
func (s *InMemoryStore) PutProgress(p domain.ProgressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.putProgressLocked(p)
}

// PutAttempt stores a server-side quiz attempt.
func (s *InMemoryStore) PutAttempt(a domain.QuizAttemptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
}

// SetUserCursor overrides a user's stored cursor.
func (s *InMemoryStore) SetUserCursor(userID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[userID] = t.UTC()
}

// OnOp installs a hook for op; nil removes it.
func (s *InMemoryStore) OnOp(op string, h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = h
}

// Events returns the committed outbox rows in insertion order.
func (s *InMemoryStore) Events() []OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]OutboxEvent(nil), s.outbox...)
}

// Attempts returns the user's quiz attempts ordered by id.
func (s *InMemoryStore) Attempts(userID string) []domain.QuizAttemptRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.QuizAttemptRecord
	for _, a := range s.attempts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemoryStore) hook(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	h := s.hooks[op]
	s.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx)
}

func (s *InMemoryStore) putProgressLocked(p domain.ProgressRecord) {
	m, ok := s.progress[p.UserID]
	if !ok {
		m = make(map[string]domain.ProgressRecord)
		s.progress[p.UserID] = m
	}
	m[p.LessonID] = p
}

func (s *InMemoryStore) BeginUserTx(ctx context.Context, userID string) (Tx, error) {
	if err := s.hook(ctx, "begin"); err != nil {
		return nil, err
	}
	release, err := s.userLocks.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &memTx{
		s:        s,
		userID:   userID,
		release:  release,
		progress: make(map[string]domain.ProgressRecord),
		attempts: make(map[string]domain.QuizAttemptRecord),
	}, nil
}

func (s *InMemoryStore) AppendSyncLog(ctx context.Context, e domain.SyncLogEntry) error {
	if err := s.hook(ctx, "append_log"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, withLogID(e))
	return nil
}

func (s *InMemoryStore) Cursor(_ context.Context, userID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.cursors[userID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryStore) RecentSyncLogs(_ context.Context, userID string, limit int) ([]domain.SyncLogEntry, error) {
	limit = clampLimit(limit, 10, 50)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SyncLogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.logs[i].UserID == userID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) SyncLogByBatch(_ context.Context, userID, batchID string) (domain.SyncLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.logs) - 1; i >= 0; i-- {
		e := s.logs[i]
		if e.UserID == userID && e.BatchID != "" && e.BatchID == batchID {
			return e, nil
		}
	}
	return domain.SyncLogEntry{}, domain.ErrNotFound
}

func (s *InMemoryStore) PendingCounts(_ context.Context, userID string) (domain.PendingCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c domain.PendingCounts
	for _, p := range s.progress[userID] {
		if unsynced(p.UpdatedAt, p.LastSyncedAt) {
			c.Progress++
		}
	}
	for _, a := range s.attempts {
		if a.UserID == userID && unsynced(a.UpdatedAt, a.LastSyncedAt) {
			c.QuizAttempts++
		}
	}
	return c, nil
}

func unsynced(updated time.Time, synced *time.Time) bool {
	return synced == nil || updated.After(*synced)
}

func (s *InMemoryStore) ListProgress(_ context.Context, userID string) ([]domain.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProgressRecord, 0, len(s.progress[userID]))
	for _, p := range s.progress[userID] {
		out = append(out, p)
	}
	sortByUpdatedDesc(out)
	return out, nil
}

func (s *InMemoryStore) GetProgress(_ context.Context, userID, lessonID string) (domain.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[userID][lessonID]
	if !ok {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func sortByUpdatedDesc(ps []domain.ProgressRecord) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].UpdatedAt.Equal(ps[j].UpdatedAt) {
			return ps[i].UpdatedAt.After(ps[j].UpdatedAt)
		}
		return ps[i].LessonID < ps[j].LessonID
	})
}

func withLogID(e domain.SyncLogEntry) domain.SyncLogEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e
}

// memTx stages writes and applies them on Commit.
type memTx struct {
	s       *InMemoryStore
	userID  string
	release func()
	done    bool

	progress map[string]domain.ProgressRecord // lesson id -> staged
	attempts map[string]domain.QuizAttemptRecord
	cursor   *time.Time
	logs     []domain.SyncLogEntry
	events   []OutboxEvent
}

func (t *memTx) UserExists(context.Context) (bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.users[t.userID]
	return ok, nil
}

func (t *memTx) ExistingLessons(_ context.Context, ids []string) (map[string]struct{}, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := t.s.content[string(domain.ContentLesson)+":"+id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (t *memTx) Cursor(ctx context.Context) (*time.Time, error) {
	if t.cursor != nil {
		c := *t.cursor
		return &c, nil
	}
	return t.s.Cursor(ctx, t.userID)
}

func (t *memTx) ProgressByLesson(_ context.Context, lessonIDs []string) (map[string]domain.ProgressRecord, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make(map[string]domain.ProgressRecord, len(lessonIDs))
	for _, id := range lessonIDs {
		if p, ok := t.progress[id]; ok {
			out[id] = p
		} else if p, ok := t.s.progress[t.userID][id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) AttemptsByID(_ context.Context, ids []string) (map[string]domain.QuizAttemptRecord, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	out := make(map[string]domain.QuizAttemptRecord, len(ids))
	for _, id := range ids {
		if a, ok := t.attempts[id]; ok {
			out[id] = a
		} else if a, ok := t.s.attempts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (t *memTx) WriteProgress(ctx context.Context, recs []domain.ProgressRecord) error {
	if err := t.s.hook(ctx, "write_progress"); err != nil {
		return err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, p := range recs {
		p.UserID = t.userID
		if t.s.progressIDTaken(p) || stagedIDTaken(t.progress, p) {
			return progressIDTaken()
		}
		t.progress[p.LessonID] = p
	}
	return nil
}

// progressIDTaken mirrors the primary key on progress ids.
func (s *InMemoryStore) progressIDTaken(p domain.ProgressRecord) bool {
	if p.ID == "" {
		return false
	}
	for uid, byLesson := range s.progress {
		for lid, other := range byLesson {
			if other.ID == p.ID && (uid != p.UserID || lid != p.LessonID) {
				return true
			}
		}
	}
	return false
}

func stagedIDTaken(staged map[string]domain.ProgressRecord, p domain.ProgressRecord) bool {
	for lid, other := range staged {
		if p.ID != "" && other.ID == p.ID && lid != p.LessonID {
			return true
		}
	}
	return false
}

func (t *memTx) WriteAttempts(ctx context.Context, recs []domain.QuizAttemptRecord) error {
	if err := t.s.hook(ctx, "write_attempts"); err != nil {
		return err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, a := range recs {
		if cur, ok := t.s.attempts[a.ID]; ok &&
			(cur.UserID != a.UserID || cur.LessonID != a.LessonID || cur.AttemptNumber != a.AttemptNumber) {
			return domain.IdentityChanged(-1, "id")
		}
		if numberTaken(t.s.attempts, a) || numberTaken(t.attempts, a) {
			return attemptNumberTaken(a.LessonID, a.AttemptNumber)
		}
		t.attempts[a.ID] = a
	}
	return nil
}

func numberTaken(m map[string]domain.QuizAttemptRecord, a domain.QuizAttemptRecord) bool {
	for _, other := range m {
		if other.ID != a.ID && other.UserID == a.UserID && other.LessonID == a.LessonID && other.AttemptNumber == a.AttemptNumber {
			return true
		}
	}
	return false
}

func (t *memTx) ContentChangedSince(_ context.Context, since time.Time) ([]domain.ContentChange, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []domain.ContentChange
	for _, c := range t.s.content {
		if c.UpdatedAt.After(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) ProgressChangedSince(_ context.Context, since time.Time) ([]domain.ProgressRecord, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	merged := make(map[string]domain.ProgressRecord, len(t.s.progress[t.userID])+len(t.progress))
	for id, p := range t.s.progress[t.userID] {
		merged[id] = p
	}
	for id, p := range t.progress {
		merged[id] = p
	}
	var out []domain.ProgressRecord
	for _, p := range merged {
		if p.ChangedAt().After(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) SetCursor(ctx context.Context, c time.Time) error {
	if err := t.s.hook(ctx, "set_cursor"); err != nil {
		return err
	}
	c = c.UTC()
	cur, _ := t.Cursor(ctx)
	if cur != nil && cur.After(c) {
		return nil
	}
	t.cursor = &c
	return nil
}

func (t *memTx) AppendSyncLog(ctx context.Context, e domain.SyncLogEntry) error {
	if err := t.s.hook(ctx, "append_log"); err != nil {
		return err
	}
	t.logs = append(t.logs, withLogID(e))
	return nil
}

func (t *memTx) EnqueueEvent(_ context.Context, subject string, payload []byte) error {
	t.events = append(t.events, OutboxEvent{
		ID:        uuid.NewString(),
		Subject:   subject,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	if err := t.s.hook(ctx, "commit"); err != nil {
		return err
	}
	t.s.mu.Lock()
	for _, p := range t.progress {
		t.s.putProgressLocked(p)
	}
	for id, a := range t.attempts {
		t.s.attempts[id] = a
	}
	if t.cursor != nil {
		t.s.cursors[t.userID] = *t.cursor
	}
	t.s.logs = append(t.s.logs, t.logs...)
	t.s.outbox = append(t.s.outbox, t.events...)
	t.s.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.finish()
	return nil
}

func (t *memTx) finish() {
	if t.done {
		return
	}
	t.done = true
	t.release()
}

// DrainOutbox hands up to limit unpublished rows to fn, oldest first.
// It assumes a single drainer.
func (s *InMemoryStore) DrainOutbox(ctx context.Context, limit int, fn DrainFunc) (int, error) {
	s.mu.RLock()
	end := s.published + limit
	if end > len(s.outbox) {
		end = len(s.outbox)
	}
	batch := append([]OutboxEvent(nil), s.outbox[s.published:end]...)
	s.mu.RUnlock()
	if len(batch) == 0 {
		return 0, nil
	}
	if err := fn(ctx, batch); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.published += len(batch)
	s.mu.Unlock()
	return len(batch), nil
}

// Unpublished counts outbox rows not yet drained.
func (s *InMemoryStore) Unpublished() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outbox) - s.published
}
