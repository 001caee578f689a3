package compensate_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-analyzer/internal/compensate"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/jobstore"
	"github.com/tendant/simple-analyzer/internal/persistence"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

type eventLog struct {
	mu     sync.Mutex
	events []schema.JobEvent
}

func (l *eventLog) Publish(_ context.Context, ev schema.JobEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

type refundSink struct {
	mu   sync.Mutex
	reqs []schema.RefundRequest
	err  error
}

func (s *refundSink) PublishRefund(_ context.Context, req schema.RefundRequest) error {
	return s.take(req)
}

func (s *refundSink) Refund(_ context.Context, req schema.RefundRequest) error {
	return s.take(req)
}

func (s *refundSink) take(req schema.RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func (s *refundSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func newJobs(t *testing.T, ids ...string) (*jobstore.Store, persistence.Backend) {
	t.Helper()
	backend := persistence.NewMemoryBackend()
	for _, id := range ids {
		require.NoError(t, backend.CreateJob(context.Background(), &persistence.JobRecord{
			ID: id, UserID: "u1", AssessmentName: "personality", Status: persistence.StatusProcessing,
		}))
	}
	return jobstore.New(backend, jobstore.Config{}, nil), backend
}

var target = compensate.Target{JobID: "job-1", UserID: "u1", AssessmentName: "personality", RetryCount: 2, Elapsed: 1500 * time.Millisecond}

func TestCompensate_FailsAnnouncesAndRefunds(t *testing.T) {
	ctx := context.Background()
	jobs, backend := newJobs(t, "job-1")
	events := &eventLog{}
	pub := &refundSink{}
	c := compensate.New(compensate.Config{}, jobs, events, pub, nil)

	require.NoError(t, c.Compensate(ctx, target, joberr.Provider("analyze", errors.New("model overloaded"))))

	job, err := backend.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "model overloaded")

	require.Len(t, events.events, 1)
	ev := events.events[0]
	assert.Equal(t, schema.StageFailed, ev.Stage)
	assert.Equal(t, schema.FailureTypeProvider, ev.FailureType)
	assert.Equal(t, int64(1500), ev.Metadata.ProcessingTimeMs)
	assert.Equal(t, 2, ev.Metadata.RetryCount)

	require.Equal(t, 1, pub.count())
	assert.Equal(t, compensate.RefundID("job-1"), pub.reqs[0].ID)
	assert.Equal(t, "u1", pub.reqs[0].UserID)
}

func TestCompensate_SkipsTerminalJob(t *testing.T) {
	ctx := context.Background()
	jobs, _ := newJobs(t, "job-1")
	_, err := jobs.Complete(ctx, "job-1", "res-1", time.Second)
	require.NoError(t, err)

	events := &eventLog{}
	pub := &refundSink{}
	c := compensate.New(compensate.Config{}, jobs, events, pub, nil)

	require.NoError(t, c.Compensate(ctx, target, errors.New("late failure")))
	assert.Empty(t, events.events)
	assert.Zero(t, pub.count(), "a completed job is never refunded")
}

func TestCompensate_RefundsEvenWhenFailWriteFails(t *testing.T) {
	ctx := context.Background()
	jobs, _ := newJobs(t) // job unknown to persistence
	pub := &refundSink{}
	c := compensate.New(compensate.Config{}, jobs, &eventLog{}, pub, nil)

	err := c.Compensate(ctx, target, errors.New("boom"))
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.Equal(t, 1, pub.count())
}

func TestRefund_FallbackChain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	pub := &refundSink{err: errors.New("nats: no responders")}
	direct := &refundSink{err: errors.New("billing down")}
	c := compensate.New(compensate.Config{BaseDelay: time.Minute, MaxAttempts: 2}, nil, nil, pub, direct,
		compensate.WithClock(func() time.Time { return now }))

	c.Refund(ctx, target, "timeout")
	assert.Equal(t, 1, c.Pending(), "both paths failed, refund is queued")

	assert.Equal(t, 0, c.Drain(ctx), "not due yet")
	assert.Equal(t, 1, c.Pending())

	now = now.Add(time.Minute)
	assert.Equal(t, 0, c.Drain(ctx))
	assert.Equal(t, 1, c.Pending())

	direct.err = nil
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Drain(ctx))
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 1, direct.count())
}

func TestRefund_AbandonedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	direct := &refundSink{err: errors.New("billing down")}
	c := compensate.New(compensate.Config{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 2}, nil, nil, nil, direct,
		compensate.WithClock(func() time.Time { return now }))

	c.Refund(ctx, target, "timeout")
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		c.Drain(ctx)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestHTTPRefunder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/refunds", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req schema.RefundRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, req.ID, r.Header.Get("Idempotency-Key"))

		switch n {
		case 1:
			w.WriteHeader(http.StatusCreated)
		case 2:
			w.WriteHeader(http.StatusConflict)
		default:
			http.Error(w, "ledger locked", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	r := compensate.NewHTTPRefunder(srv.URL+"/", "secret", nil)
	req := schema.RefundRequest{ID: compensate.RefundID("job-1"), JobID: "job-1", UserID: "u1"}

	require.NoError(t, r.Refund(context.Background(), req))
	require.NoError(t, r.Refund(context.Background(), req), "already refunded")

	err := r.Refund(context.Background(), req)
	var be *compensate.BillingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusServiceUnavailable, be.StatusCode())
	assert.Contains(t, be.Body, "ledger locked")
}
