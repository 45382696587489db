package outbox

import "time"

const (
	StreamName    = "LEARNSYNC_EVENTS"
	StreamSubject = "learnsync.>"

	SubjectSyncCompleted   = "learnsync.sync.completed"
	SubjectProgressApplied = "learnsync.progress.applied"
)

// SyncCompleted is emitted once per committed delta sync.
type SyncCompleted struct {
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	BatchID        string    `json:"batch_id,omitempty"`
	SyncLogID      string    `json:"sync_log_id"`
	Cursor         time.Time `json:"cursor"`
	ProgressSynced int       `json:"progress_synced"`
	AttemptsSynced int       `json:"attempts_synced"`
	Conflicts      int       `json:"conflicts"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ProgressApplied is emitted when a direct progress update commits.
type ProgressApplied struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	LessonID   string    `json:"lesson_id"`
	Status     string    `json:"status"`
	Accepted   bool      `json:"accepted"`
	OccurredAt time.Time `json:"occurred_at"`
}
