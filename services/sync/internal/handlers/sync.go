package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/learnsync/internal/platform/api"
	"github.com/example/learnsync/services/sync/internal/coordinator"
	"github.com/example/learnsync/services/sync/internal/domain"
)

type deltaRequest struct {
	Cursor   *time.Time                 `json:"cursor"`
	BatchID  string                     `json:"batch_id"`
	Progress []domain.ProgressRecord    `json:"progress"`
	Attempts []domain.QuizAttemptRecord `json:"quiz_attempts"`
}

type clientPending struct {
	Progress     int `json:"progress"`
	QuizAttempts int `json:"quiz_attempts"`
}

type statusResponse struct {
	coordinator.Status
	ClientPending clientPending `json:"client_pending"`
}

// SyncDelta runs one delta sync for the authenticated user.
func SyncDelta(svc Service, lim Limits, log *zap.Logger) http.HandlerFunc {
	lim = lim.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req deltaRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, lim.MaxBodyBytes)).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				api.BadRequest(w, "BATCH_TOO_LARGE", "Request body too large", rid, nil)
				return
			}
			api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
			return
		}
		if n := len(req.Progress) + len(req.Attempts); n > lim.MaxBatch {
			api.BadRequest(w, "BATCH_TOO_LARGE", "Too many records in one batch", rid,
				map[string]any{"records": n, "max": lim.MaxBatch})
			return
		}

		res, err := svc.Synchronize(r.Context(), coordinator.Request{
			UserID:   uid,
			Cursor:   req.Cursor,
			BatchID:  strings.TrimSpace(req.BatchID),
			Progress: req.Progress,
			Attempts: req.Attempts,
		})
		if err != nil {
			writeError(w, log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}

// SyncStatus reports the cursor, pending counts and recent audit entries.
// Client-side queue sizes arrive as query params and are echoed back.
func SyncStatus(svc Service, lim Limits, log *zap.Logger) http.HandlerFunc {
	lim = lim.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requireUser(w, r)
		if !ok {
			return
		}
		limit := queryInt(r, "limit")
		if limit == 0 {
			limit = lim.StatusLogLimit
		}
		st, err := svc.Status(r.Context(), uid, limit)
		if err != nil {
			writeError(w, log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, statusResponse{
			Status: st,
			ClientPending: clientPending{
				Progress:     queryInt(r, "pending_progress"),
				QuizAttempts: queryInt(r, "pending_attempts"),
			},
		})
	}
}

func SyncLogByBatch(svc Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, rid, ok := requireUser(w, r)
		if !ok {
			return
		}
		batchID := strings.TrimSpace(chi.URLParam(r, "batch_id"))
		if batchID == "" {
			api.BadRequest(w, "MISSING_ID", "batch_id is required", rid, nil)
			return
		}
		entry, err := svc.SyncLogByBatch(r.Context(), uid, batchID)
		if err != nil {
			writeError(w, log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, entry)
	}
}

// AdminUserLogs is mounted behind auth.RequireAdmin.
func AdminUserLogs(svc Service, lim Limits, log *zap.Logger) http.HandlerFunc {
	lim = lim.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		_, rid, ok := requireUser(w, r)
		if !ok {
			return
		}
		target := strings.TrimSpace(chi.URLParam(r, "user_id"))
		if target == "" {
			api.BadRequest(w, "MISSING_ID", "user_id is required", rid, nil)
			return
		}
		limit := queryInt(r, "limit")
		if limit == 0 {
			limit = lim.StatusLogLimit
		}
		logs, err := svc.UserSyncLogs(r.Context(), target, limit)
		if err != nil {
			writeError(w, log, rid, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"user_id": target, "logs": logs})
	}
}
