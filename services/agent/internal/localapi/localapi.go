// Package localapi is the on-device HTTP surface apps use to record
// mutations while offline.
package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/learnsync/internal/platform/api"
	"github.com/example/learnsync/internal/platform/httpserver"
	"github.com/example/learnsync/services/agent/internal/queue"
	"github.com/example/learnsync/services/agent/internal/wire"
)

type Queue interface {
	Enqueue(ctx context.Context, m queue.Mutation) error
	Pending(ctx context.Context) (queue.Counts, error)
	Cursor(ctx context.Context) (*time.Time, error)
	Conflicts(ctx context.Context, limit int) ([]queue.Conflict, error)
}

// Deps wires the handlers. Trigger requests an immediate sync and may be nil.
type Deps struct {
	Queue   Queue
	Trigger func()
	Now     func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Mount registers the local routes on r.
func Mount(r chi.Router, d Deps) {
	r.Post("/local/progress", RecordProgress(d))
	r.Post("/local/attempts", RecordAttempt(d))
	r.Get("/local/status", LocalStatus(d))
	r.Post("/local/sync", TriggerSync(d))
}

// RecordProgress queues a full progress record. A missing updated_at is
// stamped with the device clock.
func RecordProgress(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var p wire.Progress
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
			api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
			return
		}
		if strings.TrimSpace(p.LessonID) == "" {
			api.BadRequest(w, "MISSING_ID", "lesson_id is required", rid, nil)
			return
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = d.now()
		}
		m, err := queue.ProgressMutation(p)
		if err == nil {
			err = d.Queue.Enqueue(r.Context(), m)
		}
		if err != nil {
			writeEnqueueErr(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, p)
	}
}

// RecordAttempt queues a quiz attempt, generating its id when absent.
func RecordAttempt(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var a wire.QuizAttempt
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&a); err != nil {
			api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
			return
		}
		if strings.TrimSpace(a.LessonID) == "" {
			api.BadRequest(w, "MISSING_ID", "lesson_id is required", rid, nil)
			return
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		now := d.now()
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = a.UpdatedAt
		}
		m, err := queue.AttemptMutation(a)
		if err == nil {
			err = d.Queue.Enqueue(r.Context(), m)
		}
		if err != nil {
			writeEnqueueErr(w, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, a)
	}
}

type statusResponse struct {
	Cursor    *time.Time       `json:"cursor"`
	Pending   queue.Counts     `json:"pending"`
	Conflicts []queue.Conflict `json:"recent_conflicts"`
}

func LocalStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		pending, err := d.Queue.Pending(r.Context())
		if err != nil {
			api.Internal(w, rid)
			return
		}
		cursor, err := d.Queue.Cursor(r.Context())
		if err != nil {
			api.Internal(w, rid)
			return
		}
		conflicts, err := d.Queue.Conflicts(r.Context(), 20)
		if err != nil {
			api.Internal(w, rid)
			return
		}
		if conflicts == nil {
			conflicts = []queue.Conflict{}
		}
		api.WriteJSON(w, http.StatusOK, statusResponse{Cursor: cursor, Pending: pending, Conflicts: conflicts})
	}
}

func TriggerSync(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Trigger != nil {
			d.Trigger()
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeEnqueueErr(w http.ResponseWriter, rid string, err error) {
	if errors.Is(err, queue.ErrInvalidMutation) {
		api.BadRequest(w, "INVALID_MUTATION", err.Error(), rid, nil)
		return
	}
	api.Internal(w, rid)
}
