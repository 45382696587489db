// Package wire holds the JSON shapes exchanged with the sync service.
package wire

import (
	"encoding/json"
	"time"
)

type Progress struct {
	ID                  string          `json:"id,omitempty"`
	LessonID            string          `json:"lesson_id"`
	Status              string          `json:"status"`
	ProgressPercentage  int             `json:"progress_percentage"`
	TimeSpentSeconds    int             `json:"time_spent_seconds"`
	LastPositionSeconds int             `json:"last_position_seconds"`
	CompletionData      json.RawMessage `json:"completion_data,omitempty"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
	LastSyncedAt        *time.Time      `json:"last_synced_at,omitempty"`
}

type Answer struct {
	QuestionID string          `json:"question_id"`
	Response   json.RawMessage `json:"response"`
}

type QuizAttempt struct {
	ID                    string     `json:"id"`
	LessonID              string     `json:"lesson_id"`
	AttemptNumber         int        `json:"attempt_number"`
	Answers               []Answer   `json:"answers"`
	Score                 int        `json:"score"`
	MaxPossibleScore      int        `json:"max_possible_score"`
	CompletionTimeSeconds int        `json:"completion_time_seconds"`
	Completed             bool       `json:"is_completed"`
	CreatedAt             time.Time  `json:"created_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
}

type ContentChange struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeltaRequest struct {
	Cursor   *time.Time    `json:"cursor,omitempty"`
	BatchID  string        `json:"batch_id,omitempty"`
	Progress []Progress    `json:"progress"`
	Attempts []QuizAttempt `json:"quiz_attempts"`
}

type DeltaResponse struct {
	Cursor        time.Time `json:"cursor"`
	ServerChanges struct {
		Content  []ContentChange `json:"content"`
		Progress []Progress      `json:"progress"`
	} `json:"server_changes"`
	Counts struct {
		ProgressSynced int `json:"progress_synced"`
		AttemptsSynced int `json:"attempts_synced"`
	} `json:"counts"`
	Conflicts struct {
		Progress     []Progress    `json:"progress"`
		QuizAttempts []QuizAttempt `json:"quiz_attempts"`
	} `json:"conflicts"`
}

// StatusResponse is the subset of the status endpoint the agent reads.
type StatusResponse struct {
	Cursor        *time.Time `json:"cursor"`
	ServerPending struct {
		Progress     int `json:"progress"`
		QuizAttempts int `json:"quiz_attempts"`
	} `json:"server_pending"`
	ClientPending struct {
		Progress     int `json:"progress"`
		QuizAttempts int `json:"quiz_attempts"`
	} `json:"client_pending"`
}
