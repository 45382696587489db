package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/learnsync/services/agent/internal/queue"
	"github.com/example/learnsync/services/agent/internal/syncclient"
	"github.com/example/learnsync/services/agent/internal/wire"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scriptedTransport struct {
	errs  []error
	calls []wire.DeltaRequest
}

func (s *scriptedTransport) Delta(_ context.Context, req wire.DeltaRequest) (*wire.DeltaResponse, error) {
	s.calls = append(s.calls, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	res := &wire.DeltaResponse{Cursor: t0}
	res.Counts.ProgressSynced = len(req.Progress)
	res.Counts.AttemptsSynced = len(req.Attempts)
	return res, nil
}

func newRunner(t *testing.T, tr Transport) (*Runner, *queue.Queue, *[]time.Duration) {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	var waits []time.Duration
	r := New(q, tr, nil)
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return r, q, &waits
}

func enqueue(t *testing.T, q *queue.Queue, lessons ...string) {
	t.Helper()
	for _, l := range lessons {
		m, err := queue.ProgressMutation(wire.Progress{LessonID: l, Status: "in_progress", UpdatedAt: t0})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(context.Background(), m))
	}
}

func pending(t *testing.T, q *queue.Queue) int {
	t.Helper()
	c, err := q.Pending(context.Background())
	require.NoError(t, err)
	return c.Progress + c.QuizAttempts
}

func TestSyncOnce_AcknowledgesOnSuccess(t *testing.T) {
	tr := &scriptedTransport{}
	r, q, _ := newRunner(t, tr)
	enqueue(t, q, "L1", "L2")

	rep, err := r.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Batches)
	assert.Equal(t, 2, rep.ProgressSynced)
	assert.Equal(t, 0, pending(t, q))

	cur, err := q.Cursor(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.True(t, cur.Equal(t0))
}

func TestSyncOnce_EmptyQueueStillPulls(t *testing.T) {
	tr := &scriptedTransport{}
	r, _, _ := newRunner(t, tr)

	rep, err := r.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Batches)
	require.Len(t, tr.calls, 1)
	assert.Empty(t, tr.calls[0].Progress)
}

func TestSyncOnce_RetriesTransientFailure(t *testing.T) {
	tr := &scriptedTransport{errs: []error{
		&syncclient.APIError{Status: 503, Code: "SYNC_TIMEOUT", RetryAfter: time.Second},
		errors.New("connection reset"),
	}}
	r, q, waits := newRunner(t, tr)
	enqueue(t, q, "L1")

	_, err := r.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, tr.calls, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
	assert.Equal(t, tr.calls[0].BatchID, tr.calls[2].BatchID, "the same batch is resent")
	assert.Equal(t, 0, pending(t, q))
}

func TestSyncOnce_KeepsBatchOnRejection(t *testing.T) {
	tr := &scriptedTransport{errs: []error{&syncclient.APIError{Status: 400, Code: "VALIDATION_FAILED"}}}
	r, q, waits := newRunner(t, tr)
	enqueue(t, q, "L1")

	_, err := r.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, tr.calls, 1)
	assert.Empty(t, *waits)
	assert.Equal(t, 1, pending(t, q))
}

func TestSyncOnce_GivesUpAfterMaxRetries(t *testing.T) {
	fail := &syncclient.APIError{Status: 500, Code: "STORAGE_FAILURE"}
	tr := &scriptedTransport{errs: []error{fail, fail, fail}}
	r, q, _ := newRunner(t, tr)
	r.MaxRetries = 2
	enqueue(t, q, "L1")

	_, err := r.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, tr.calls, 3)
	assert.Equal(t, 1, pending(t, q))
}

func TestSyncOnce_SendsFullBatchesUntilEmpty(t *testing.T) {
	tr := &scriptedTransport{}
	r, q, _ := newRunner(t, tr)
	r.MaxBatch = 2
	enqueue(t, q, "L1", "L2", "L3", "L4", "L5")

	rep, err := r.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Batches)
	assert.Equal(t, 5, rep.ProgressSynced)
	assert.Equal(t, 0, pending(t, q))
}
