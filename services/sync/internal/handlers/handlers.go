package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/learnsync/internal/platform/api"
	"github.com/example/learnsync/internal/platform/auth"
	"github.com/example/learnsync/internal/platform/httpserver"
	"github.com/example/learnsync/services/sync/internal/coordinator"
	"github.com/example/learnsync/services/sync/internal/domain"
)

// Service is the slice of the coordinator the HTTP layer calls.
type Service interface {
	Synchronize(ctx context.Context, req coordinator.Request) (coordinator.Result, error)
	Status(ctx context.Context, userID string, limit int) (coordinator.Status, error)
	ApplyProgress(ctx context.Context, userID string, p domain.ProgressRecord) (coordinator.ProgressResult, error)
	ListProgress(ctx context.Context, userID string) ([]domain.ProgressRecord, error)
	LessonProgress(ctx context.Context, userID, lessonID string) (domain.ProgressRecord, error)
	SyncLogByBatch(ctx context.Context, userID, batchID string) (domain.SyncLogEntry, error)
	UserSyncLogs(ctx context.Context, userID string, limit int) ([]domain.SyncLogEntry, error)
}

// Limits bounds request sizes. Zero fields fall back to defaults.
type Limits struct {
	MaxBatch       int
	MaxBodyBytes   int64
	StatusLogLimit int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBatch <= 0 {
		l.MaxBatch = 500
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = 8 << 20
	}
	if l.StatusLogLimit <= 0 {
		l.StatusLogLimit = 10
	}
	return l
}

// requireUser pulls the authenticated user id or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok || strings.TrimSpace(uid) == "" {
		api.Unauthorized(w, "AUTH_MISSING", "Access token is required", rid)
		return "", rid, false
	}
	return uid, rid, true
}

func queryInt(r *http.Request, key string) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeError maps the domain error taxonomy onto the API envelope.
func writeError(w http.ResponseWriter, log *zap.Logger, rid string, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		api.BadRequest(w, "VALIDATION_FAILED", ve.Error(), rid, ve.Details())
	case errors.Is(err, domain.ErrValidation):
		api.BadRequest(w, "VALIDATION_FAILED", err.Error(), rid, nil)
	case errors.Is(err, domain.ErrTimeout):
		api.Unavailable(w, "SYNC_TIMEOUT", "Sync timed out, retry the same batch", rid, 1)
	case errors.Is(err, domain.ErrNotFound):
		api.NotFound(w, "NOT_FOUND", "Not found", rid)
	case errors.Is(err, domain.ErrConflictPolicy):
		log.Error("conflict policy violated", zap.String("request_id", rid), zap.Error(err))
		api.InternalWithCode(w, "CONFLICT_POLICY", "Conflict resolution failed", rid)
	default:
		log.Error("storage failure", zap.String("request_id", rid), zap.Error(err))
		api.InternalWithCode(w, "STORAGE_FAILURE", "Storage failure, retry the same batch", rid)
	}
}
