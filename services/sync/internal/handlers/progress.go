package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/learnsync/internal/platform/api"
	"github.com/example/learnsync/services/sync/internal/domain"
)

// ListProgress returns every progress row of the caller.
func ListProgress(svc Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requireUser(w, r)
		if !ok {
			return
		}
		items, err := svc.ListProgress(r.Context(), uid)
		if err != nil {
			writeError(w, log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"progress": items})
	}
}

func LessonProgress(svc Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requireUser(w, r)
		if !ok {
			return
		}
		lessonID := strings.TrimSpace(chi.URLParam(r, "lesson_id"))
		if lessonID == "" {
			api.BadRequest(w, "MISSING_ID", "lesson_id is required", rid, nil)
			return
		}
		p, err := svc.LessonProgress(r.Context(), uid, lessonID)
		if err != nil {
			writeError(w, log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, p)
	}
}

// PostProgress submits one full progress record outside a sync batch. It is
// resolved with the same last-write-wins rule as the delta endpoint; a
// losing record comes back with accepted=false and the server version.
func PostProgress(svc Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requireUser(w, r)
		if !ok {
			return
		}
		var p domain.ProgressRecord
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
			api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
			return
		}
		res, err := svc.ApplyProgress(r.Context(), uid, p)
		if err != nil {
			writeError(w, log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}
