package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/learnsync/internal/platform/analytics"
	"github.com/example/learnsync/services/sync/internal/domain"
	"github.com/example/learnsync/services/sync/internal/lock"
	"github.com/example/learnsync/services/sync/internal/metrics"
	"github.com/example/learnsync/services/sync/internal/outbox"
	"github.com/example/learnsync/services/sync/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAnalytics struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingAnalytics) Publish(subject, _, _ string, _ map[string]any) {
	r.mu.Lock()
	r.subjects = append(r.subjects, subject)
	r.mu.Unlock()
}

type fixture struct {
	store     *store.InMemoryStore
	clock     *fakeClock
	locker    *lock.Local
	analytics *recordingAnalytics
	coord     *Coordinator
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	s := store.NewInMemoryStore()
	s.AddUser("u1")
	s.AddUser("u2")
	for i := 1; i <= 12; i++ {
		s.PutContent(domain.ContentLesson, fmt.Sprintf("L%d", i), base.Add(-48*time.Hour))
	}
	s.PutContent(domain.ContentModule, "M1", base.Add(-48*time.Hour))

	f := &fixture{
		store:     s,
		clock:     &fakeClock{t: base},
		locker:    lock.NewLocal(),
		analytics: &recordingAnalytics{},
	}
	f.coord = New(Options{
		Store:     s,
		Locker:    f.locker,
		Metrics:   metrics.New(),
		Analytics: f.analytics,
		Timeout:   timeout,
		Now:       f.clock.Now,
	})
	return f
}

func ptr(t time.Time) *time.Time { return &t }

func progress(lesson string, status domain.ProgressStatus, pct int, updated time.Time) domain.ProgressRecord {
	return domain.ProgressRecord{
		LessonID:           lesson,
		Status:             status,
		ProgressPercentage: pct,
		UpdatedAt:          updated,
	}
}

func attempt(id, lesson string, n, score int, updated time.Time) domain.QuizAttemptRecord {
	return domain.QuizAttemptRecord{
		ID:               id,
		LessonID:         lesson,
		AttemptNumber:    n,
		Answers:          []domain.Answer{{QuestionID: "q1", Response: []byte(`"b"`)}, {QuestionID: "q2", Response: []byte(`3`)}},
		Score:            score,
		MaxPossibleScore: 10,
		Completed:        true,
		UpdatedAt:        updated,
	}
}

func TestFirstSyncCreatesRecord(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	res, err := f.coord.Synchronize(ctx, Request{
		UserID:   "u1",
		Progress: []domain.ProgressRecord{progress("L1", domain.StatusInProgress, 40, base.Add(-time.Minute))},
	})
	require.NoError(t, err)

	assert.True(t, res.Cursor.Equal(base), "cursor is server now")
	assert.Empty(t, res.ServerChanges.Progress)
	assert.Empty(t, res.ServerChanges.Content)
	assert.Equal(t, Counts{ProgressSynced: 1}, res.Counts)

	p, err := f.coord.LessonProgress(ctx, "u1", "L1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, p.Status)
	assert.Equal(t, 40, p.ProgressPercentage)
	assert.Nil(t, p.CompletedAt)
	require.NotNil(t, p.StartedAt)
	assert.True(t, p.StartedAt.Equal(base))

	c, _ := f.store.Cursor(ctx, "u1")
	require.NotNil(t, c)
	assert.True(t, c.Equal(base))
}

func TestNewerServerVersionWins(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	t1 := base.Add(-10 * time.Minute)
	t2 := base.Add(-20 * time.Minute)
	f.store.PutProgress(domain.ProgressRecord{
		UserID: "u1", LessonID: "L1", Status: domain.StatusInProgress, ProgressPercentage: 40,
		StartedAt: ptr(t1), UpdatedAt: t1, LastSyncedAt: ptr(t1),
	})

	res, err := f.coord.Synchronize(ctx, Request{
		UserID:   "u1",
		Cursor:   ptr(base.Add(-time.Hour)),
		Progress: []domain.ProgressRecord{progress("L1", domain.StatusCompleted, 100, t2)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.ProgressSynced)
	require.Len(t, res.Conflicts.Progress, 1)
	assert.Equal(t, 40, res.Conflicts.Progress[0].ProgressPercentage)
	require.Len(t, res.ServerChanges.Progress, 1, "the winning server version is in the feed")

	p, _ := f.coord.LessonProgress(ctx, "u1", "L1")
	assert.Equal(t, domain.StatusInProgress, p.Status)
	assert.Equal(t, 40, p.ProgressPercentage)
	assert.Nil(t, p.CompletedAt)
}

func TestResubmittedAttemptIsNotDuplicated(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	a1 := attempt(uuid.NewString(), "L2", 1, 8, base.Add(-time.Minute))
	req := Request{UserID: "u1", Attempts: []domain.QuizAttemptRecord{a1}}

	_, err := f.coord.Synchronize(ctx, req)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	res, err := f.coord.Synchronize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.AttemptsSynced)

	got := f.store.Attempts("u1")
	require.Len(t, got, 1)
	assert.Equal(t, a1.ID, got[0].ID)
	assert.Equal(t, 8, got[0].Score)
	assert.Equal(t, []string{"q1", "q2"}, []string{got[0].Answers[0].QuestionID, got[0].Answers[1].QuestionID})
}

func TestContentChangedSinceCursor(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.PutContent(domain.ContentLesson, "L5", base.Add(-30*time.Minute))
	f.store.PutContent(domain.ContentLesson, "L3", base.Add(-31*time.Minute))

	res, err := f.coord.Synchronize(context.Background(), Request{UserID: "u1", Cursor: ptr(base.Add(-time.Hour))})
	require.NoError(t, err)
	require.Len(t, res.ServerChanges.Content, 2)
	assert.Equal(t, "L3", res.ServerChanges.Content[0].ID)
	assert.Equal(t, "L5", res.ServerChanges.Content[1].ID)
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	req := Request{
		UserID: "u1",
		Cursor: ptr(base.Add(-time.Hour)),
		Progress: []domain.ProgressRecord{
			progress("L1", domain.StatusCompleted, 100, base.Add(-5*time.Minute)),
			progress("L2", domain.StatusInProgress, 10, base.Add(-4*time.Minute)),
		},
		Attempts: []domain.QuizAttemptRecord{attempt(uuid.NewString(), "L1", 1, 7, base.Add(-5*time.Minute))},
	}

	_, err := f.coord.Synchronize(ctx, req)
	require.NoError(t, err)
	firstProgress, _ := f.coord.ListProgress(ctx, "u1")
	firstAttempts := f.store.Attempts("u1")

	f.clock.Advance(time.Minute)
	_, err = f.coord.Synchronize(ctx, req)
	require.NoError(t, err)
	secondProgress, _ := f.coord.ListProgress(ctx, "u1")

	assert.Equal(t, firstProgress, secondProgress)
	assert.Equal(t, firstAttempts, f.store.Attempts("u1"))
}

func TestCursorIsMonotonicAndUnchangedOnFailure(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	r1, err := f.coord.Synchronize(ctx, Request{UserID: "u1"})
	require.NoError(t, err)

	// Server clock stepped backwards; the cursor must not.
	f.clock.Advance(-time.Hour)
	r2, err := f.coord.Synchronize(ctx, Request{UserID: "u1", Cursor: &r1.Cursor})
	require.NoError(t, err)
	assert.False(t, r2.Cursor.Before(r1.Cursor))

	f.clock.Advance(2 * time.Hour)
	_, err = f.coord.Synchronize(ctx, Request{
		UserID:   "u1",
		Cursor:   &r2.Cursor,
		Progress: []domain.ProgressRecord{progress("nope", domain.StatusInProgress, 1, base)},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	c, _ := f.store.Cursor(ctx, "u1")
	assert.True(t, c.Equal(r2.Cursor))
}

func TestValidationRejectsWholeBatch(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	_, err := f.coord.Synchronize(ctx, Request{
		UserID:  "u1",
		BatchID: "batch-7",
		Progress: []domain.ProgressRecord{
			progress("L1", domain.StatusInProgress, 10, base),
			progress("missing", domain.StatusInProgress, 10, base),
		},
	})
	require.Error(t, err)
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, domain.KindProgress, ve.Kind)
	assert.Equal(t, 1, ve.Index)
	assert.Equal(t, "lesson_id", ve.Field)

	_, err = f.coord.LessonProgress(ctx, "u1", "L1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "valid record was not committed")
	assert.Empty(t, f.store.Events())

	entry, err := f.coord.SyncLogByBatch(ctx, "u1", "batch-7")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, entry.Status)
	assert.Equal(t, 2, entry.RecordsProcessed)
	assert.Zero(t, entry.RecordsSuccessful)
	assert.Contains(t, entry.ErrorMessage, "missing")
	assert.Equal(t, []string{analytics.SubjectSyncFailed}, f.analytics.subjects)
}

func TestValidationShapeAndReferences(t *testing.T) {
	cases := map[string]Request{
		"unknown user": {UserID: "ghost"},
		"missing user": {UserID: ""},
		"foreign record": {UserID: "u1", Progress: []domain.ProgressRecord{func() domain.ProgressRecord {
			p := progress("L1", domain.StatusInProgress, 1, base)
			p.UserID = "u2"
			return p
		}()}},
		"bad percentage": {UserID: "u1", Progress: []domain.ProgressRecord{progress("L1", domain.StatusInProgress, 120, base)}},
		"attempt unknown lesson": {UserID: "u1", Attempts: []domain.QuizAttemptRecord{attempt(uuid.NewString(), "nope", 1, 1, base)}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, time.Second)
			_, err := f.coord.Synchronize(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestAttemptIdentityIsImmutable(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	id := uuid.NewString()
	_, err := f.coord.Synchronize(ctx, Request{UserID: "u1", Attempts: []domain.QuizAttemptRecord{attempt(id, "L1", 1, 5, base)}})
	require.NoError(t, err)

	changed := attempt(id, "L1", 2, 5, base.Add(time.Minute))
	_, err = f.coord.Synchronize(ctx, Request{UserID: "u1", Attempts: []domain.QuizAttemptRecord{changed}})
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "attempt_number", ve.Field)

	// Another user cannot claim the id either.
	_, err = f.coord.Synchronize(ctx, Request{UserID: "u2", Attempts: []domain.QuizAttemptRecord{attempt(id, "L1", 1, 9, base.Add(time.Hour))}})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "user_id", ve.Field)
}

func TestStorageFailureRollsBack(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.store.OnOp("commit", func(context.Context) error { return errors.New("connection reset") })

	_, err := f.coord.Synchronize(ctx, Request{
		UserID:   "u1",
		Progress: []domain.ProgressRecord{progress("L1", domain.StatusInProgress, 10, base)},
	})
	require.ErrorIs(t, err, domain.ErrStorage)

	f.store.OnOp("commit", nil)
	list, _ := f.coord.ListProgress(ctx, "u1")
	assert.Empty(t, list)
	c, _ := f.store.Cursor(ctx, "u1")
	assert.Nil(t, c)
	assert.Empty(t, f.store.Events(), "outbox rows only on commit")

	st, err := f.coord.Status(ctx, "u1", 5)
	require.NoError(t, err)
	require.Len(t, st.RecentSyncs, 1)
	assert.Equal(t, domain.OutcomeFailed, st.RecentSyncs[0].Status)
}

func TestTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()
	f.store.OnOp("write_progress", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := f.coord.Synchronize(ctx, Request{
		UserID:   "u1",
		Progress: []domain.ProgressRecord{progress("L1", domain.StatusInProgress, 10, base)},
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	c, _ := f.store.Cursor(ctx, "u1")
	assert.Nil(t, c)
}

func TestLockWaitCountsAgainstTimeout(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	release, err := f.locker.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	defer release()

	_, err = f.coord.Synchronize(context.Background(), Request{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrTimeout)

	// Other users are not blocked by u1's scope.
	_, err = f.coord.Synchronize(context.Background(), Request{UserID: "u2"})
	assert.NoError(t, err)
}

func TestFutureCursorIsClamped(t *testing.T) {
	f := newFixture(t, time.Second)
	f.store.PutContent(domain.ContentLesson, "L4", base.Add(-time.Minute))

	res, err := f.coord.Synchronize(context.Background(), Request{UserID: "u1", Cursor: ptr(base.Add(24 * time.Hour))})
	require.NoError(t, err)
	assert.Empty(t, res.ServerChanges.Content)
	assert.True(t, res.Cursor.Equal(base), "returned cursor is server derived")
}

func TestAcceptedRecordsAreNotEchoed(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.store.PutProgress(domain.ProgressRecord{
		UserID: "u1", LessonID: "L2", Status: domain.StatusInProgress, ProgressPercentage: 50,
		UpdatedAt: base.Add(-10 * time.Minute), LastSyncedAt: ptr(base.Add(-10 * time.Minute)),
	})

	res, err := f.coord.Synchronize(ctx, Request{
		UserID:   "u1",
		Cursor:   ptr(base.Add(-time.Hour)),
		Progress: []domain.ProgressRecord{progress("L1", domain.StatusInProgress, 20, base.Add(-time.Minute))},
	})
	require.NoError(t, err)
	require.Len(t, res.ServerChanges.Progress, 1)
	assert.Equal(t, "L2", res.ServerChanges.Progress[0].LessonID)
	assert.Empty(t, res.Conflicts.Progress)
}

func TestDuplicateLessonInBatchLaterEntryWinsTie(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	at := base.Add(-time.Minute)

	_, err := f.coord.Synchronize(ctx, Request{
		UserID: "u1",
		Progress: []domain.ProgressRecord{
			progress("L1", domain.StatusInProgress, 10, at),
			progress("L1", domain.StatusInProgress, 30, at),
		},
	})
	require.NoError(t, err)
	p, _ := f.coord.LessonProgress(ctx, "u1", "L1")
	assert.Equal(t, 30, p.ProgressPercentage)
}

func TestConcurrentSameUserSyncsLoseNothing(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.Synchronize(ctx, Request{
				UserID:   "u1",
				Progress: []domain.ProgressRecord{progress(fmt.Sprintf("L%d", i), domain.StatusInProgress, i, base)},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, _ := f.coord.ListProgress(ctx, "u1")
	assert.Len(t, list, 10)
	assert.Len(t, f.store.Events(), 10)
}

func TestConcurrentRaceOnSameLessonKeepsNewest(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t, 5*time.Second)
		ctx := context.Background()
		older := progress("L1", domain.StatusInProgress, 20, base.Add(-2*time.Minute))
		newer := progress("L1", domain.StatusInProgress, 80, base.Add(-time.Minute))

		var wg sync.WaitGroup
		for _, p := range []domain.ProgressRecord{older, newer} {
			wg.Add(1)
			go func(p domain.ProgressRecord) {
				defer wg.Done()
				_, err := f.coord.Synchronize(ctx, Request{UserID: "u1", Progress: []domain.ProgressRecord{p}})
				assert.NoError(t, err)
			}(p)
		}
		wg.Wait()

		got, err := f.coord.LessonProgress(ctx, "u1", "L1")
		require.NoError(t, err)
		require.Equal(t, 80, got.ProgressPercentage, "round %d", round)
	}
}

func TestOutboxEventOnCommit(t *testing.T) {
	f := newFixture(t, time.Second)
	_, err := f.coord.Synchronize(context.Background(), Request{UserID: "u1", BatchID: "b1"})
	require.NoError(t, err)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, outbox.SubjectSyncCompleted, events[0].Subject)
	assert.Contains(t, string(events[0].Payload), `"batch_id":"b1"`)
}

func TestApplyProgressUsesSamePolicy(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	out, err := f.coord.ApplyProgress(ctx, "u1", progress("L1", domain.StatusCompleted, 100, base.Add(-time.Minute)))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	require.NotNil(t, out.Progress.CompletedAt)

	stale, err := f.coord.ApplyProgress(ctx, "u1", progress("L1", domain.StatusInProgress, 5, base.Add(-time.Hour)))
	require.NoError(t, err)
	assert.False(t, stale.Accepted)
	assert.Equal(t, domain.StatusCompleted, stale.Progress.Status)

	c, _ := f.store.Cursor(ctx, "u1")
	assert.Nil(t, c, "direct updates do not move the cursor")

	st, err := f.coord.Status(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, st.RecentSyncs, 2)
	assert.Equal(t, domain.SyncTypeDirect, st.RecentSyncs[0].SyncType)

	_, err = f.coord.ApplyProgress(ctx, "u1", domain.ProgressRecord{LessonID: "L1", UpdatedAt: base})
	assert.ErrorIs(t, err, domain.ErrValidation, "partial records are rejected")
}

func TestStatusReportsPending(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.store.PutProgress(domain.ProgressRecord{UserID: "u1", LessonID: "L9", Status: domain.StatusInProgress, UpdatedAt: base})

	_, err := f.coord.Synchronize(ctx, Request{UserID: "u1"})
	require.NoError(t, err)

	st, err := f.coord.Status(ctx, "u1", 0)
	require.NoError(t, err)
	require.NotNil(t, st.Cursor)
	assert.Equal(t, 1, st.ServerPending.Progress)
	assert.Len(t, st.RecentSyncs, 1)

	logs, err := f.coord.UserSyncLogs(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, classify(ctx, context.DeadlineExceeded), domain.ErrTimeout)
	assert.ErrorIs(t, classify(ctx, fmt.Errorf("begin: %w", context.Canceled)), domain.ErrTimeout)
	assert.ErrorIs(t, classify(ctx, errors.New("eof")), domain.ErrStorage)
	ve := domain.UnknownUser("x")
	assert.Same(t, ve, classify(ctx, ve))
	assert.Equal(t, "conflict_policy", outcomeLabel(fmt.Errorf("%w: x", domain.ErrConflictPolicy)))
}

func TestAttemptIDSpellingsResolveToOneRecord(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	id := uuid.NewString()

	first := attempt(strings.ToUpper(id), "L1", 1, 6, base.Add(-time.Minute))
	_, err := f.coord.Synchronize(ctx, Request{UserID: "u1", Attempts: []domain.QuizAttemptRecord{first}})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	retry := attempt(id, "L1", 1, 6, base.Add(-time.Minute))
	res, err := f.coord.Synchronize(ctx, Request{UserID: "u1", Attempts: []domain.QuizAttemptRecord{retry}})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts.QuizAttempts)

	older := attempt("{"+id+"}", "L1", 1, 2, base.Add(-time.Hour))
	res, err = f.coord.Synchronize(ctx, Request{UserID: "u1", Attempts: []domain.QuizAttemptRecord{older}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts.QuizAttempts, 1)
	assert.Equal(t, 6, res.Conflicts.QuizAttempts[0].Score)

	got := f.store.Attempts("u1")
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, 6, got[0].Score)

	// Another user spelling the same id differently is still rejected.
	_, err = f.coord.Synchronize(ctx, Request{UserID: "u2",
		Attempts: []domain.QuizAttemptRecord{attempt("urn:uuid:"+strings.ToUpper(id), "L1", 1, 10, base.Add(time.Hour))}})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "user_id", ve.Field)
	assert.Equal(t, 6, f.store.Attempts("u1")[0].Score)
}

func TestProgressIDIsCanonicalAndUnique(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	id := uuid.NewString()

	p := progress("L1", domain.StatusInProgress, 10, base.Add(-time.Minute))
	p.ID = strings.ToUpper(id)
	_, err := f.coord.Synchronize(ctx, Request{UserID: "u1", Progress: []domain.ProgressRecord{p}})
	require.NoError(t, err)
	stored, err := f.coord.LessonProgress(ctx, "u1", "L1")
	require.NoError(t, err)
	assert.Equal(t, id, stored.ID)

	q := progress("L1", domain.StatusInProgress, 20, base.Add(-time.Minute))
	q.ID = id
	_, err = f.coord.Synchronize(ctx, Request{UserID: "u2", Progress: []domain.ProgressRecord{q}})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.KindProgress, ve.Kind)
	assert.Equal(t, "id", ve.Field)
}

func TestOversizedCountersAreValidationErrors(t *testing.T) {
	f := newFixture(t, time.Second)
	p := progress("L1", domain.StatusInProgress, 10, base.Add(-time.Minute))
	p.TimeSpentSeconds = domain.MaxCounter + 1

	_, err := f.coord.Synchronize(context.Background(), Request{UserID: "u1", Progress: []domain.ProgressRecord{p}})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "time_spent_seconds", ve.Field)
}
