package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]any) {
	WriteJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message, Details: details, RequestID: requestID}})
}

func BadRequest(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusBadRequest, code, message, requestID, details)
}

func Unauthorized(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusUnauthorized, code, message, requestID, nil)
}

func Forbidden(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusForbidden, code, message, requestID, nil)
}

func NotFound(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusNotFound, code, message, requestID, nil)
}

// Unavailable reports a retryable failure. retryAfterSec <= 0 omits Retry-After.
func Unavailable(w http.ResponseWriter, code, message, requestID string, retryAfterSec int) {
	if retryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	}
	WriteError(w, http.StatusServiceUnavailable, code, message, requestID, nil)
}

func InternalWithCode(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusInternalServerError, code, message, requestID, nil)
}

func Internal(w http.ResponseWriter, requestID string) {
	InternalWithCode(w, "INTERNAL", "Internal server error", requestID)
}

// RateLimited writes 429. retryAfterSec <= 0 omits Retry-After.
func RateLimited(w http.ResponseWriter, code, message, requestID string, retryAfterSec int) {
	if retryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	}
	WriteError(w, http.StatusTooManyRequests, code, message, requestID, nil)
}

// DecodeError parses an error envelope written by WriteError. It reports
// false when b is not one, for example a proxy's HTML error page.
func DecodeError(b []byte) (APIError, bool) {
	var env ErrorResponse
	if err := json.Unmarshal(b, &env); err != nil || env.Error.Code == "" {
		return APIError{}, false
	}
	return env.Error, true
}

// RetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Missing, malformed or past values yield zero.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if s, err := strconv.Atoi(v); err == nil {
		if s <= 0 {
			return 0
		}
		return time.Duration(s) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
