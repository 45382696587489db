// Package policy decides which version of a record survives a merge.
//
// The rule is last-write-wins on UpdatedAt with whole-record replacement:
// the strictly newer side wins and a tie goes to the incoming (client)
// version. Functions here are pure; the same inputs always produce the same
// decision, which is what lets a retried batch converge to the same state.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/example/learnsync/services/sync/internal/domain"
)

// Outcome tells the caller whether a write is needed.
type Outcome int

const (
	// Inserted: no server version existed.
	Inserted Outcome = iota
	// Replaced: the incoming version won and differs from the server's.
	Replaced
	// Unchanged: the incoming version won but is identical to the server's.
	Unchanged
	// Kept: the server version is newer and stays.
	Kept
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Unchanged:
		return "unchanged"
	case Kept:
		return "kept"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// NeedsWrite reports whether the decision must be persisted.
func (o Outcome) NeedsWrite() bool { return o == Inserted || o == Replaced }

// IncomingAccepted reports whether the client's version is the result.
func (o Outcome) IncomingAccepted() bool { return o != Kept }

// Precision is the timestamp resolution shared with the store.
const Precision = time.Microsecond

// Normalize truncates t to Precision in UTC.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

func normalizePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := Normalize(*t)
	return &n
}

// incomingWins is the total order: strictly newer wins, ties go to incoming.
func incomingWins(incoming, existing time.Time) bool {
	return !Normalize(incoming).Before(Normalize(existing))
}

// ProgressDecision is the merged progress record and how it was reached.
type ProgressDecision struct {
	Record  domain.ProgressRecord
	Outcome Outcome
}

// ResolveProgress merges incoming over existing (nil when the server has no
// row for the (user, lesson) pair). now stamps StartedAt defaults and
// LastSyncedAt for written records.
func ResolveProgress(incoming domain.ProgressRecord, existing *domain.ProgressRecord, now time.Time) (ProgressDecision, error) {
	now = Normalize(now)
	in := normalizeProgress(incoming)

	if existing == nil {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if in.StartedAt == nil {
			in.StartedAt = &now
		}
		in.CompletedAt = completedAt(in, nil)
		in.LastSyncedAt = &now
		return checkProgress(ProgressDecision{Record: in, Outcome: Inserted})
	}

	cur := normalizeProgress(*existing)
	if cur.UserID != in.UserID || cur.LessonID != in.LessonID {
		return ProgressDecision{}, fmt.Errorf("%w: progress key mismatch (%s/%s vs %s/%s)",
			domain.ErrConflictPolicy, cur.UserID, cur.LessonID, in.UserID, in.LessonID)
	}
	if !incomingWins(in.UpdatedAt, cur.UpdatedAt) {
		return checkProgress(ProgressDecision{Record: cur, Outcome: Kept})
	}

	in.ID = cur.ID
	in.StartedAt = earliest(cur.StartedAt, in.StartedAt)
	if in.StartedAt == nil {
		in.StartedAt = &now
	}
	in.CompletedAt = completedAt(in, &cur)

	if sameProgress(in, cur) {
		return checkProgress(ProgressDecision{Record: cur, Outcome: Unchanged})
	}
	in.LastSyncedAt = &now
	return checkProgress(ProgressDecision{Record: in, Outcome: Replaced})
}

// completedAt enforces "set exactly once, when status becomes completed".
func completedAt(in domain.ProgressRecord, cur *domain.ProgressRecord) *time.Time {
	if in.Status != domain.StatusCompleted {
		return nil
	}
	if cur != nil && cur.Status == domain.StatusCompleted && cur.CompletedAt != nil {
		return cur.CompletedAt
	}
	if in.CompletedAt != nil {
		return in.CompletedAt
	}
	t := in.UpdatedAt
	return &t
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}

func normalizeProgress(p domain.ProgressRecord) domain.ProgressRecord {
	p.UpdatedAt = Normalize(p.UpdatedAt)
	p.StartedAt = normalizePtr(p.StartedAt)
	p.CompletedAt = normalizePtr(p.CompletedAt)
	p.LastSyncedAt = normalizePtr(p.LastSyncedAt)
	return p
}

func sameProgress(a, b domain.ProgressRecord) bool {
	return a.Status == b.Status &&
		a.ProgressPercentage == b.ProgressPercentage &&
		a.TimeSpentSeconds == b.TimeSpentSeconds &&
		a.LastPositionSeconds == b.LastPositionSeconds &&
		sameJSON(a.CompletionData, b.CompletionData) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		timeEq(a.StartedAt, b.StartedAt) &&
		timeEq(a.CompletedAt, b.CompletedAt)
}

func checkProgress(d ProgressDecision) (ProgressDecision, error) {
	r := d.Record
	if (r.Status == domain.StatusCompleted) != (r.CompletedAt != nil) {
		return ProgressDecision{}, fmt.Errorf("%w: completed_at invariant broken for lesson %s (status %s)",
			domain.ErrConflictPolicy, r.LessonID, r.Status)
	}
	return d, nil
}

// AttemptDecision is the merged quiz attempt and how it was reached.
type AttemptDecision struct {
	Record  domain.QuizAttemptRecord
	Outcome Outcome
}

// ResolveAttempt merges a quiz attempt keyed by its client ID. The caller
// validates identity first; a mismatch here is a policy defect.
func ResolveAttempt(incoming domain.QuizAttemptRecord, existing *domain.QuizAttemptRecord, now time.Time) (AttemptDecision, error) {
	now = Normalize(now)
	in := normalizeAttempt(incoming)

	if existing == nil {
		if in.CreatedAt.IsZero() {
			in.CreatedAt = in.UpdatedAt
		}
		in.LastSyncedAt = &now
		return AttemptDecision{Record: in, Outcome: Inserted}, nil
	}

	cur := normalizeAttempt(*existing)
	if cur.ID != in.ID || cur.UserID != in.UserID || cur.LessonID != in.LessonID || cur.AttemptNumber != in.AttemptNumber {
		return AttemptDecision{}, fmt.Errorf("%w: attempt identity mismatch for %s", domain.ErrConflictPolicy, in.ID)
	}
	if !incomingWins(in.UpdatedAt, cur.UpdatedAt) {
		return AttemptDecision{Record: cur, Outcome: Kept}, nil
	}

	in.CreatedAt = cur.CreatedAt
	if sameAttempt(in, cur) {
		return AttemptDecision{Record: cur, Outcome: Unchanged}, nil
	}
	in.LastSyncedAt = &now
	return AttemptDecision{Record: in, Outcome: Replaced}, nil
}

func normalizeAttempt(a domain.QuizAttemptRecord) domain.QuizAttemptRecord {
	a.UpdatedAt = Normalize(a.UpdatedAt)
	if !a.CreatedAt.IsZero() {
		a.CreatedAt = Normalize(a.CreatedAt)
	}
	a.LastSyncedAt = normalizePtr(a.LastSyncedAt)
	return a
}

func sameAttempt(a, b domain.QuizAttemptRecord) bool {
	if len(a.Answers) != len(b.Answers) {
		return false
	}
	for i := range a.Answers {
		if a.Answers[i].QuestionID != b.Answers[i].QuestionID ||
			!sameJSON(a.Answers[i].Response, b.Answers[i].Response) {
			return false
		}
	}
	return a.Score == b.Score &&
		a.MaxPossibleScore == b.MaxPossibleScore &&
		a.CompletionTimeSeconds == b.CompletionTimeSeconds &&
		a.Completed == b.Completed &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func timeEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// sameJSON compares payloads by value. jsonb read-backs reorder object
// keys, drop duplicate keys and reformat numbers, so bytes are not enough.
// Absent and null are equal.
func sameJSON(a, b []byte) bool {
	va, okA := decodeJSON(a)
	vb, okB := decodeJSON(b)
	if !okA || !okB {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return reflect.DeepEqual(va, vb)
}

func decodeJSON(raw []byte) (any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}
