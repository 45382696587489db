package domain

import "time"

const (
	SyncTypeDelta  = "delta"
	SyncTypeDirect = "direct"

	DirectionBidirectional = "bidirectional"
	DirectionUpload        = "upload"
)

// SyncOutcome is the terminal state of a sync attempt.
type SyncOutcome string

const (
	OutcomeCompleted SyncOutcome = "completed"
	OutcomeFailed    SyncOutcome = "failed"
)

// SyncLogEntry is written once at the end of an attempt and never updated.
type SyncLogEntry struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	BatchID           string      `json:"batch_id,omitempty"`
	SyncType          string      `json:"sync_type"`
	Direction         string      `json:"direction"`
	Status            SyncOutcome `json:"status"`
	RecordsProcessed  int         `json:"records_processed"`
	RecordsSuccessful int         `json:"records_successful"`
	CursorBefore      *time.Time  `json:"cursor_before,omitempty"`
	CursorAfter       *time.Time  `json:"cursor_after,omitempty"`
	StartedAt         time.Time   `json:"started_at"`
	CompletedAt       time.Time   `json:"completed_at"`
	ErrorMessage      string      `json:"error_message,omitempty"`
}

// PendingCounts counts rows whose last modification has not been synced.
type PendingCounts struct {
	Progress     int `json:"progress"`
	QuizAttempts int `json:"quiz_attempts"`
}
