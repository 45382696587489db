package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects the whole batch; nothing is committed.
	ErrValidation = errors.New("validation failed")
	// ErrConflictPolicy signals a broken resolution invariant (a defect).
	ErrConflictPolicy = errors.New("conflict policy violated")
	// ErrStorage wraps persistence failures; the caller may retry unchanged.
	ErrStorage = errors.New("storage failure")
	// ErrTimeout means the call exceeded its deadline and was rolled back.
	ErrTimeout = errors.New("sync timed out")
	// ErrNotFound is returned by point reads.
	ErrNotFound = errors.New("not found")
)

// Batch kinds used in ValidationError.Kind.
const (
	KindProgress    = "progress"
	KindQuizAttempt = "quiz_attempt"
	KindUser        = "user"
)

// ValidationError pins a rejected batch to the offending record.
// Index is -1 when the error is not tied to a single record.
type ValidationError struct {
	Kind   string
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid %s: %s %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s[%d]: %s %s", e.Kind, e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Details renders the error for API responses.
func (e *ValidationError) Details() map[string]any {
	d := map[string]any{"kind": e.Kind, "field": e.Field, "reason": e.Reason}
	if e.Index >= 0 {
		d["index"] = e.Index
	}
	return d
}

func invalid(kind string, idx int, field, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Index: idx, Field: field, Reason: reason}
}

// Storage wraps err as a storage failure unless it already carries a kind.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflictPolicy) ||
		errors.Is(err, ErrStorage) || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
