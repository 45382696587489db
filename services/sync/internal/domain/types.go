// Package domain holds the records exchanged by the sync engine and its
// error taxonomy.
package domain

import (
	"encoding/json"
	"time"
)

// ProgressStatus is the lifecycle state of a learner's lesson progress.
type ProgressStatus string

const (
	StatusNotStarted ProgressStatus = "not_started"
	StatusInProgress ProgressStatus = "in_progress"
	StatusCompleted  ProgressStatus = "completed"
)

// Valid reports whether s is one of the known statuses.
func (s ProgressStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// ProgressRecord is the per (user, lesson) progress row.
// CompletedAt is non-nil iff Status is completed.
type ProgressRecord struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	LessonID            string          `json:"lesson_id"`
	Status              ProgressStatus  `json:"status"`
	ProgressPercentage  int             `json:"progress_percentage"`
	TimeSpentSeconds    int             `json:"time_spent_seconds"`
	LastPositionSeconds int             `json:"last_position_seconds"`
	CompletionData      json.RawMessage `json:"completion_data,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
	LastSyncedAt        *time.Time      `json:"last_synced_at,omitempty"`
}

// ChangedAt is the feed ordering key: the later of UpdatedAt and LastSyncedAt.
func (p ProgressRecord) ChangedAt() time.Time {
	if p.LastSyncedAt != nil && p.LastSyncedAt.After(p.UpdatedAt) {
		return *p.LastSyncedAt
	}
	return p.UpdatedAt
}

// Answer is one response inside a quiz attempt. Order within the attempt
// is significant and preserved end to end.
type Answer struct {
	QuestionID string          `json:"question_id"`
	Response   json.RawMessage `json:"response"`
}

// QuizAttemptRecord is keyed by its client-generated ID. The identity
// (ID, UserID, LessonID, AttemptNumber) never changes after creation.
type QuizAttemptRecord struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	LessonID              string     `json:"lesson_id"`
	AttemptNumber         int        `json:"attempt_number"`
	Answers               []Answer   `json:"answers"`
	Score                 int        `json:"score"`
	MaxPossibleScore      int        `json:"max_possible_score"`
	CompletionTimeSeconds int        `json:"completion_time_seconds"`
	Completed             bool       `json:"is_completed"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
}

// ContentKind names a catalog entity type.
type ContentKind string

const (
	ContentSubject ContentKind = "subject"
	ContentModule  ContentKind = "module"
	ContentLesson  ContentKind = "lesson"
)

// ContentChange describes a catalog entity modified after a cursor.
type ContentChange struct {
	Type      ContentKind `json:"type"`
	ID        string      `json:"id"`
	UpdatedAt time.Time   `json:"updated_at"`
}
