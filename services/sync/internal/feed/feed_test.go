package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/learnsync/services/sync/internal/domain"
)

type fakeSource struct {
	content  []domain.ContentChange
	progress []domain.ProgressRecord
	err      error
	calls    int
}

func (f *fakeSource) ContentChangedSince(_ context.Context, _ time.Time) ([]domain.ContentChange, error) {
	f.calls++
	return f.content, f.err
}

func (f *fakeSource) ProgressChangedSince(_ context.Context, _ time.Time) ([]domain.ProgressRecord, error) {
	return f.progress, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func gen() Generator { return Generator{Now: func() time.Time { return now }} }

func TestChangesAbsentCursorIsEmpty(t *testing.T) {
	src := &fakeSource{content: []domain.ContentChange{{Type: domain.ContentLesson, ID: "l1", UpdatedAt: now}}}
	f, err := gen().Changes(context.Background(), src, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, f.Content)
	assert.NotNil(t, f.Content)
	assert.NotNil(t, f.Progress)
	assert.Zero(t, src.calls, "no reads for a first sync")
}

func TestChangesContentSinceHourAgo(t *testing.T) {
	cursor := now.Add(-time.Hour)
	half := now.Add(-30 * time.Minute)
	src := &fakeSource{content: []domain.ContentChange{
		{Type: domain.ContentLesson, ID: "lesson-b", UpdatedAt: half},
		{Type: domain.ContentLesson, ID: "lesson-a", UpdatedAt: half.Add(-time.Minute)},
		{Type: domain.ContentModule, ID: "old", UpdatedAt: cursor},
	}}

	f, err := gen().Changes(context.Background(), src, &cursor, nil)
	require.NoError(t, err)
	require.Len(t, f.Content, 2, "changes at exactly the cursor are excluded")
	assert.Equal(t, "lesson-a", f.Content[0].ID)
	assert.Equal(t, "lesson-b", f.Content[1].ID)
}

func TestChangesTieBrokenByID(t *testing.T) {
	cursor := now.Add(-time.Hour)
	at := now.Add(-time.Minute)
	src := &fakeSource{
		content: []domain.ContentChange{
			{Type: domain.ContentLesson, ID: "z", UpdatedAt: at},
			{Type: domain.ContentSubject, ID: "a", UpdatedAt: at},
		},
		progress: []domain.ProgressRecord{
			{ID: "p2", LessonID: "l2", UpdatedAt: at},
			{ID: "p1", LessonID: "l1", UpdatedAt: at},
		},
	}
	f, err := gen().Changes(context.Background(), src, &cursor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, []string{f.Content[0].ID, f.Content[1].ID})
	assert.Equal(t, []string{"p1", "p2"}, []string{f.Progress[0].ID, f.Progress[1].ID})
}

func TestChangesProgressUsesLastSynced(t *testing.T) {
	cursor := now.Add(-time.Hour)
	synced := now.Add(-10 * time.Minute)
	src := &fakeSource{progress: []domain.ProgressRecord{
		{ID: "old-but-resynced", LessonID: "l1", UpdatedAt: now.Add(-2 * time.Hour), LastSyncedAt: &synced},
		{ID: "stale", LessonID: "l2", UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "fresh", LessonID: "l3", UpdatedAt: now.Add(-20 * time.Minute)},
	}}
	f, err := gen().Changes(context.Background(), src, &cursor, nil)
	require.NoError(t, err)
	require.Len(t, f.Progress, 2)
	assert.Equal(t, "fresh", f.Progress[0].ID)
	assert.Equal(t, "old-but-resynced", f.Progress[1].ID)
}

func TestChangesExcludesAccepted(t *testing.T) {
	cursor := now.Add(-time.Hour)
	src := &fakeSource{progress: []domain.ProgressRecord{
		{ID: "p1", LessonID: "l1", UpdatedAt: now},
		{ID: "p2", LessonID: "l2", UpdatedAt: now},
	}}
	f, err := gen().Changes(context.Background(), src, &cursor, map[string]struct{}{"l1": {}})
	require.NoError(t, err)
	require.Len(t, f.Progress, 1)
	assert.Equal(t, "l2", f.Progress[0].LessonID)
}

func TestChangesClampsFutureCursor(t *testing.T) {
	future := now.Add(24 * time.Hour)
	src := &fakeSource{content: []domain.ContentChange{
		{Type: domain.ContentLesson, ID: "l1", UpdatedAt: now.Add(-time.Minute)},
	}}
	since, clamped, ok := gen().Boundary(&future)
	require.True(t, ok)
	assert.True(t, clamped)
	assert.True(t, since.Equal(now))

	f, err := gen().Changes(context.Background(), src, &future, nil)
	require.NoError(t, err)
	assert.Empty(t, f.Content)
}

func TestChangesSourceError(t *testing.T) {
	cursor := now.Add(-time.Hour)
	boom := errors.New("boom")
	_, err := gen().Changes(context.Background(), &fakeSource{err: boom}, &cursor, nil)
	assert.ErrorIs(t, err, boom)
}

func TestChangesContentLagRedeliversLateCommits(t *testing.T) {
	cursor := now.Add(-time.Minute)
	src := &fakeSource{
		content: []domain.ContentChange{
			{Type: domain.ContentLesson, ID: "late", UpdatedAt: cursor.Add(-2 * time.Second)},
			{Type: domain.ContentLesson, ID: "stale", UpdatedAt: cursor.Add(-10 * time.Second)},
		},
		progress: []domain.ProgressRecord{
			{ID: "p1", LessonID: "l1", UpdatedAt: cursor.Add(-2 * time.Second)},
		},
	}

	f, err := gen().Changes(context.Background(), src, &cursor, nil)
	require.NoError(t, err)
	assert.Empty(t, f.Content, "without lag the late edit is behind the cursor")

	g := gen()
	g.ContentLag = 5 * time.Second
	f, err = g.Changes(context.Background(), src, &cursor, nil)
	require.NoError(t, err)
	require.Len(t, f.Content, 1)
	assert.Equal(t, "late", f.Content[0].ID)
	assert.Empty(t, f.Progress, "progress window is not widened")
}
