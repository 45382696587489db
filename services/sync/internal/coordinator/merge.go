package coordinator

import (
	"context"
	"time"

	"github.com/example/learnsync/services/sync/internal/domain"
	"github.com/example/learnsync/services/sync/internal/policy"
	"github.com/example/learnsync/services/sync/internal/store"
)

// validateShape rejects malformed records before any I/O and returns copies
// with ids in canonical form, so an id matches its stored row however the
// client spelled it.
func (c *Coordinator) validateShape(userID string, progress []domain.ProgressRecord, attempts []domain.QuizAttemptRecord) ([]domain.ProgressRecord, []domain.QuizAttemptRecord, error) {
	if userID == "" {
		return nil, nil, domain.MissingUser()
	}
	outP := make([]domain.ProgressRecord, len(progress))
	for i, p := range progress {
		if p.UserID != "" && p.UserID != userID {
			return nil, nil, domain.ForeignRecord(domain.KindProgress, i)
		}
		cp, err := domain.CanonicalizeProgress(i, p)
		if err != nil {
			return nil, nil, err
		}
		outP[i] = cp
	}
	outA := make([]domain.QuizAttemptRecord, len(attempts))
	for i, a := range attempts {
		if a.UserID != "" && a.UserID != userID {
			return nil, nil, domain.ForeignRecord(domain.KindQuizAttempt, i)
		}
		ca, err := domain.CanonicalizeAttempt(i, a)
		if err != nil {
			return nil, nil, err
		}
		outA[i] = ca
	}
	return outP, outA, nil
}

// checkReferences verifies the user and every referenced lesson exist.
func checkReferences(ctx context.Context, tx store.Tx, userID string, progress []domain.ProgressRecord, attempts []domain.QuizAttemptRecord) error {
	ok, err := tx.UserExists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return domain.UnknownUser(userID)
	}

	ids := make([]string, 0, len(progress)+len(attempts))
	seen := make(map[string]struct{}, cap(ids))
	add := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, p := range progress {
		add(p.LessonID)
	}
	for _, a := range attempts {
		add(a.LessonID)
	}
	if len(ids) == 0 {
		return nil
	}

	known, err := tx.ExistingLessons(ctx, ids)
	if err != nil {
		return err
	}
	for i, p := range progress {
		if _, ok := known[p.LessonID]; !ok {
			return domain.UnknownLesson(domain.KindProgress, i, p.LessonID)
		}
	}
	for i, a := range attempts {
		if _, ok := known[a.LessonID]; !ok {
			return domain.UnknownLesson(domain.KindQuizAttempt, i, a.LessonID)
		}
	}
	return nil
}

type progressMerge struct {
	records   []domain.ProgressRecord // final version per lesson, first-seen order
	writes    []domain.ProgressRecord
	conflicts []domain.ProgressRecord
	accepted  map[string]struct{} // lessons where the client's version stands
}

// mergeProgress folds the batch over the server rows in submission order.
// Repeated lessons resolve against the previous entry, so a later entry wins
// a tie.
func (c *Coordinator) mergeProgress(ctx context.Context, tx store.Tx, userID string, batch []domain.ProgressRecord, now time.Time) (progressMerge, error) {
	out := progressMerge{accepted: make(map[string]struct{}), conflicts: []domain.ProgressRecord{}}
	if len(batch) == 0 {
		return out, nil
	}

	order := make([]string, 0, len(batch))
	for _, p := range batch {
		if !containsString(order, p.LessonID) {
			order = append(order, p.LessonID)
		}
	}
	current, err := tx.ProgressByLesson(ctx, order)
	if err != nil {
		return out, err
	}

	last := make(map[string]policy.Outcome, len(order))
	dirty := make(map[string]bool, len(order))
	for _, p := range batch {
		p.UserID = userID
		var existing *domain.ProgressRecord
		if cur, ok := current[p.LessonID]; ok {
			existing = &cur
		}
		d, err := policy.ResolveProgress(p, existing, now)
		if err != nil {
			return out, err
		}
		current[p.LessonID] = d.Record
		last[p.LessonID] = d.Outcome
		if d.Outcome.NeedsWrite() {
			dirty[p.LessonID] = true
		}
	}

	for _, id := range order {
		rec := current[id]
		out.records = append(out.records, rec)
		if dirty[id] {
			out.writes = append(out.writes, rec)
		}
		if last[id].IncomingAccepted() {
			out.accepted[id] = struct{}{}
		} else {
			out.conflicts = append(out.conflicts, rec)
		}
	}
	return out, nil
}

type attemptMerge struct {
	writes    []domain.QuizAttemptRecord
	conflicts []domain.QuizAttemptRecord
}

// mergeAttempts resolves attempts by client id. An id that already exists
// must keep its user, lesson and attempt number.
func (c *Coordinator) mergeAttempts(ctx context.Context, tx store.Tx, userID string, batch []domain.QuizAttemptRecord, now time.Time) (attemptMerge, error) {
	out := attemptMerge{conflicts: []domain.QuizAttemptRecord{}}
	if len(batch) == 0 {
		return out, nil
	}

	order := make([]string, 0, len(batch))
	for _, a := range batch {
		if !containsString(order, a.ID) {
			order = append(order, a.ID)
		}
	}
	current, err := tx.AttemptsByID(ctx, order)
	if err != nil {
		return out, err
	}

	last := make(map[string]policy.Outcome, len(order))
	dirty := make(map[string]bool, len(order))
	for i, a := range batch {
		a.UserID = userID
		var existing *domain.QuizAttemptRecord
		if cur, ok := current[a.ID]; ok {
			if err := checkIdentity(i, a, cur); err != nil {
				return out, err
			}
			existing = &cur
		}
		d, err := policy.ResolveAttempt(a, existing, now)
		if err != nil {
			return out, err
		}
		current[a.ID] = d.Record
		last[a.ID] = d.Outcome
		if d.Outcome.NeedsWrite() {
			dirty[a.ID] = true
		}
	}

	for _, id := range order {
		rec := current[id]
		if dirty[id] {
			out.writes = append(out.writes, rec)
		}
		if !last[id].IncomingAccepted() {
			out.conflicts = append(out.conflicts, rec)
		}
	}
	return out, nil
}

func checkIdentity(idx int, in, cur domain.QuizAttemptRecord) error {
	switch {
	case cur.UserID != in.UserID:
		return domain.IdentityChanged(idx, "user_id")
	case cur.LessonID != in.LessonID:
		return domain.IdentityChanged(idx, "lesson_id")
	case cur.AttemptNumber != in.AttemptNumber:
		return domain.IdentityChanged(idx, "attempt_number")
	}
	return nil
}

// containsString is linear; batches are small.
func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
