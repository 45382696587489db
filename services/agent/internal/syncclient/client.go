// Package syncclient talks to the sync service over HTTP.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/learnsync/internal/platform/api"
	"github.com/example/learnsync/services/agent/internal/wire"
)

// TokenSource returns a bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      TokenSource
}

func New(baseURL string, token TokenSource) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Token:      token,
	}
}

// APIError is a non-2xx answer from the sync service.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RequestID  string
	RetryAfter time.Duration
	// Details carries per-record validation failures.
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync service: status %d code=%s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether resending the same batch may succeed.
// Validation failures and auth errors need a change on the device first.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsRetryable reports whether err is transient: transport errors and
// retryable API errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// Delta posts one batch and returns the server's answer.
func (c *Client) Delta(ctx context.Context, req wire.DeltaRequest) (*wire.DeltaResponse, error) {
	var out wire.DeltaResponse
	if err := c.do(ctx, http.MethodPost, c.BaseURL+"/v1/sync/delta", req.BatchID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status reads the server view, reporting the local queue size.
func (c *Client) Status(ctx context.Context, pendingProgress, pendingAttempts int) (*wire.StatusResponse, error) {
	q := url.Values{}
	q.Set("pending_progress", strconv.Itoa(pendingProgress))
	q.Set("pending_attempts", strconv.Itoa(pendingAttempts))
	var out wire.StatusResponse
	if err := c.do(ctx, http.MethodGet, c.BaseURL+"/v1/sync/status?"+q.Encode(), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends requestID as X-Request-Id when set, so retries of one batch
// share an id in the server logs.
func (c *Client) do(ctx context.Context, method, rawURL, requestID string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "learnsync-agent/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}
	if c.Token != nil {
		tok, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp, b)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("sync service: decode error: %w body=%q", err, string(b[:min(len(b), 200)]))
	}
	return nil
}

func decodeError(resp *http.Response, b []byte) error {
	apiErr := &APIError{
		Status:     resp.StatusCode,
		RetryAfter: api.RetryAfter(resp.Header, time.Now()),
	}
	if env, ok := api.DecodeError(b); ok {
		apiErr.Code = env.Code
		apiErr.Message = env.Message
		apiErr.RequestID = env.RequestID
		apiErr.Details = env.Details
	} else {
		apiErr.Message = string(b[:min(len(b), 200)])
	}
	return apiErr
}
