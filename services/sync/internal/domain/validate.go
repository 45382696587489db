package domain

import (
	"math"
	"strings"

	"github.com/google/uuid"
)

// MaxCounter bounds integer fields stored in 32-bit columns.
const MaxCounter = math.MaxInt32

// CanonicalID returns s in the lowercase hyphenated UUID form. Uppercase,
// braced and urn:uuid: spellings of one id map to the same value.
func CanonicalID(s string) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// CanonicalizeProgress validates p and rewrites its id into canonical form.
func CanonicalizeProgress(idx int, p ProgressRecord) (ProgressRecord, error) {
	if err := ValidateProgress(idx, p); err != nil {
		return ProgressRecord{}, err
	}
	if p.ID != "" {
		p.ID, _ = CanonicalID(p.ID)
	}
	return p, nil
}

// CanonicalizeAttempt validates a and rewrites its id into canonical form.
func CanonicalizeAttempt(idx int, a QuizAttemptRecord) (QuizAttemptRecord, error) {
	if err := ValidateAttempt(idx, a); err != nil {
		return QuizAttemptRecord{}, err
	}
	a.ID, _ = CanonicalID(a.ID)
	return a, nil
}

// ValidateProgress checks the shape of a full progress record submitted at
// position idx. Referential checks (lesson exists) happen in the store.
func ValidateProgress(idx int, p ProgressRecord) error {
	if strings.TrimSpace(p.LessonID) == "" {
		return invalid(KindProgress, idx, "lesson_id", "is required")
	}
	if p.ID != "" {
		if _, ok := CanonicalID(p.ID); !ok {
			return invalid(KindProgress, idx, "id", "must be a UUID")
		}
	}
	if !p.Status.Valid() {
		return invalid(KindProgress, idx, "status", "must be one of not_started, in_progress, completed")
	}
	if p.ProgressPercentage < 0 || p.ProgressPercentage > 100 {
		return invalid(KindProgress, idx, "progress_percentage", "must be within 0..100")
	}
	if p.TimeSpentSeconds < 0 || p.TimeSpentSeconds > MaxCounter {
		return invalid(KindProgress, idx, "time_spent_seconds", "must be within 0..2147483647")
	}
	if p.LastPositionSeconds < 0 || p.LastPositionSeconds > MaxCounter {
		return invalid(KindProgress, idx, "last_position_seconds", "must be within 0..2147483647")
	}
	if p.UpdatedAt.IsZero() {
		return invalid(KindProgress, idx, "updated_at", "is required")
	}
	return nil
}

// ValidateAttempt checks the shape of a quiz attempt submitted at position idx.
func ValidateAttempt(idx int, a QuizAttemptRecord) error {
	if _, ok := CanonicalID(a.ID); !ok {
		return invalid(KindQuizAttempt, idx, "id", "must be a client-generated UUID")
	}
	if strings.TrimSpace(a.LessonID) == "" {
		return invalid(KindQuizAttempt, idx, "lesson_id", "is required")
	}
	if a.AttemptNumber < 1 || a.AttemptNumber > MaxCounter {
		return invalid(KindQuizAttempt, idx, "attempt_number", "must be within 1..2147483647")
	}
	if a.MaxPossibleScore < 0 || a.Score < 0 {
		return invalid(KindQuizAttempt, idx, "score", "must not be negative")
	}
	if a.MaxPossibleScore > MaxCounter {
		return invalid(KindQuizAttempt, idx, "max_possible_score", "must not exceed 2147483647")
	}
	if a.Score > a.MaxPossibleScore {
		return invalid(KindQuizAttempt, idx, "score", "exceeds max_possible_score")
	}
	if a.CompletionTimeSeconds < 0 || a.CompletionTimeSeconds > MaxCounter {
		return invalid(KindQuizAttempt, idx, "completion_time_seconds", "must be within 0..2147483647")
	}
	seen := make(map[string]struct{}, len(a.Answers))
	for _, ans := range a.Answers {
		if strings.TrimSpace(ans.QuestionID) == "" {
			return invalid(KindQuizAttempt, idx, "answers", "question_id is required")
		}
		if _, dup := seen[ans.QuestionID]; dup {
			return invalid(KindQuizAttempt, idx, "answers", "duplicate question_id "+ans.QuestionID)
		}
		seen[ans.QuestionID] = struct{}{}
	}
	if a.UpdatedAt.IsZero() {
		return invalid(KindQuizAttempt, idx, "updated_at", "is required")
	}
	return nil
}

// UnknownLesson builds the referential error for a missing lesson.
func UnknownLesson(kind string, idx int, lessonID string) *ValidationError {
	return invalid(kind, idx, "lesson_id", "references unknown lesson "+lessonID)
}

// UnknownUser builds the referential error for a missing user.
func UnknownUser(userID string) *ValidationError {
	return invalid(KindUser, -1, "user_id", "references unknown user "+userID)
}

// IdentityChanged rejects a resubmitted attempt whose identity differs.
func IdentityChanged(idx int, field string) *ValidationError {
	return invalid(KindQuizAttempt, idx, field, "cannot change for an existing attempt")
}

// MissingUser rejects a call without an authenticated user id.
func MissingUser() *ValidationError {
	return invalid(KindUser, -1, "user_id", "is required")
}

// ForeignRecord rejects a record whose user_id names someone else.
func ForeignRecord(kind string, idx int) *ValidationError {
	return invalid(kind, idx, "user_id", "does not match the authenticated user")
}
