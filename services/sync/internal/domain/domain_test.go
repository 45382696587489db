package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProgress() ProgressRecord {
	return ProgressRecord{
		LessonID:           "lesson-1",
		Status:             StatusInProgress,
		ProgressPercentage: 40,
		UpdatedAt:          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func validAttempt() QuizAttemptRecord {
	return QuizAttemptRecord{
		ID:               uuid.NewString(),
		LessonID:         "lesson-1",
		AttemptNumber:    1,
		Answers:          []Answer{{QuestionID: "q1", Response: []byte(`"b"`)}},
		Score:            8,
		MaxPossibleScore: 10,
		UpdatedAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestValidateProgress(t *testing.T) {
	require.NoError(t, ValidateProgress(0, validProgress()))

	cases := map[string]func(p *ProgressRecord){
		"lesson_id":             func(p *ProgressRecord) { p.LessonID = " " },
		"status":                func(p *ProgressRecord) { p.Status = "paused" },
		"progress_percentage":   func(p *ProgressRecord) { p.ProgressPercentage = 101 },
		"time_spent_seconds":    func(p *ProgressRecord) { p.TimeSpentSeconds = -1 },
		"last_position_seconds": func(p *ProgressRecord) { p.LastPositionSeconds = -5 },
		"updated_at":            func(p *ProgressRecord) { p.UpdatedAt = time.Time{} },
		"id":                    func(p *ProgressRecord) { p.ID = "not-a-uuid" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			p := validProgress()
			mutate(&p)
			err := ValidateProgress(3, p)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, field, ve.Field)
			assert.Equal(t, 3, ve.Index)
			assert.Equal(t, KindProgress, ve.Kind)
		})
	}
}

func TestValidateAttempt(t *testing.T) {
	require.NoError(t, ValidateAttempt(0, validAttempt()))

	cases := map[string]func(a *QuizAttemptRecord){
		"id":             func(a *QuizAttemptRecord) { a.ID = "" },
		"lesson_id":      func(a *QuizAttemptRecord) { a.LessonID = "" },
		"attempt_number": func(a *QuizAttemptRecord) { a.AttemptNumber = 0 },
		"score":          func(a *QuizAttemptRecord) { a.Score = 11 },
		"answers": func(a *QuizAttemptRecord) {
			a.Answers = append(a.Answers, Answer{QuestionID: "q1"})
		},
		"updated_at": func(a *QuizAttemptRecord) { a.UpdatedAt = time.Time{} },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			a := validAttempt()
			mutate(&a)
			var ve *ValidationError
			require.ErrorAs(t, ValidateAttempt(1, a), &ve)
			assert.Equal(t, field, ve.Field)
		})
	}
}

func TestValidationErrorDetails(t *testing.T) {
	d := UnknownUser("u-1").Details()
	assert.NotContains(t, d, "index")
	assert.Equal(t, "user_id", d["field"])

	d = UnknownLesson(KindProgress, 2, "l-9").Details()
	assert.Equal(t, 2, d["index"])
}

func TestStorageWrapping(t *testing.T) {
	assert.Nil(t, Storage("op", nil))

	err := Storage("write progress", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "write progress")

	ve := UnknownUser("u")
	assert.Same(t, ve, Storage("op", ve).(*ValidationError))
	assert.ErrorIs(t, Storage("op", ErrTimeout), ErrTimeout)
}

func TestProgressChangedAt(t *testing.T) {
	p := validProgress()
	assert.Equal(t, p.UpdatedAt, p.ChangedAt())

	later := p.UpdatedAt.Add(time.Minute)
	p.LastSyncedAt = &later
	assert.Equal(t, later, p.ChangedAt())

	earlier := p.UpdatedAt.Add(-time.Minute)
	p.LastSyncedAt = &earlier
	assert.Equal(t, p.UpdatedAt, p.ChangedAt())
}

func TestCanonicalID(t *testing.T) {
	const want = "9b2f8f1e-63a5-4c36-9c9c-1b0c3f6d2a11"
	for _, in := range []string{
		want,
		"9B2F8F1E-63A5-4C36-9C9C-1B0C3F6D2A11",
		"{9b2f8f1e-63a5-4c36-9c9c-1b0c3f6d2a11}",
		"urn:uuid:9B2F8F1E-63A5-4C36-9C9C-1B0C3F6D2A11",
		"9b2f8f1e63a54c369c9c1b0c3f6d2a11",
		" " + want + " ",
	} {
		got, ok := CanonicalID(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := CanonicalID("attempt-1")
	assert.False(t, ok)
}

func TestCanonicalizeRewritesIDs(t *testing.T) {
	a := validAttempt()
	a.ID = strings.ToUpper(a.ID)
	got, err := CanonicalizeAttempt(0, a)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(a.ID), got.ID)

	p := validProgress()
	got2, err := CanonicalizeProgress(0, p)
	require.NoError(t, err)
	assert.Empty(t, got2.ID, "absent progress id stays absent")

	p.ID = "{" + uuid.NewString() + "}"
	got2, err = CanonicalizeProgress(0, p)
	require.NoError(t, err)
	assert.Len(t, got2.ID, 36)

	_, err = CanonicalizeAttempt(2, QuizAttemptRecord{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCountersBoundedToColumnRange(t *testing.T) {
	p := validProgress()
	p.LastPositionSeconds = MaxCounter + 1
	var ve *ValidationError
	require.ErrorAs(t, ValidateProgress(0, p), &ve)
	assert.Equal(t, "last_position_seconds", ve.Field)

	p = validProgress()
	p.TimeSpentSeconds = MaxCounter
	assert.NoError(t, ValidateProgress(0, p))

	a := validAttempt()
	a.MaxPossibleScore = MaxCounter + 1
	a.Score = MaxCounter + 1
	require.ErrorAs(t, ValidateAttempt(0, a), &ve)
	assert.Equal(t, "max_possible_score", ve.Field)

	a = validAttempt()
	a.CompletionTimeSeconds = MaxCounter + 1
	require.ErrorAs(t, ValidateAttempt(0, a), &ve)
	assert.Equal(t, "completion_time_seconds", ve.Field)
}
