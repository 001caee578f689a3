package jobstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-analyzer/internal/jobstore"
	"github.com/tendant/simple-analyzer/internal/persistence"
)

// countingBackend records UpdateJobStatus calls.
type countingBackend struct {
	*persistence.MemoryBackend
	mu      sync.Mutex
	updates int
}

func (c *countingBackend) UpdateJobStatus(ctx context.Context, id string, patch persistence.StatusPatch) (*persistence.JobRecord, error) {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.MemoryBackend.UpdateJobStatus(ctx, id, patch)
}

func (c *countingBackend) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func newStore(t *testing.T, cfg jobstore.Config) (*jobstore.Store, *countingBackend) {
	t.Helper()
	backend := &countingBackend{MemoryBackend: persistence.NewMemoryBackend()}
	return jobstore.New(backend, cfg, nil), backend
}

func record(id string) *persistence.JobRecord {
	return &persistence.JobRecord{ID: id, UserID: "u1", AssessmentName: "personality", RetryCount: 1}
}

func TestMarkProcessing_IsBatchedAndCoalesced(t *testing.T) {
	ctx := context.Background()
	s, backend := newStore(t, jobstore.Config{FlushInterval: time.Hour, MaxBatch: 100})
	require.NoError(t, backend.CreateJob(ctx, record("job-1")))

	s.MarkProcessing(record("job-1"))
	s.Heartbeat("job-1", time.Now(), 30*time.Second)
	s.Heartbeat("job-1", time.Now(), 60*time.Second)

	assert.Equal(t, 0, backend.count(), "progress writes must not hit the backend synchronously")
	assert.Equal(t, 1, s.Pending())

	assert.Equal(t, 1, s.Flush(ctx))
	assert.Equal(t, 1, backend.count(), "three writes coalesce into one update")

	job, err := backend.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProcessing, job.Status)
	assert.Equal(t, int64(60000), job.ProcessingMs)
	assert.Equal(t, 1, job.RetryCount)
	assert.NotNil(t, job.LastHeartbeatAt)
}

func TestFlush_CreatesUnknownJob(t *testing.T) {
	ctx := context.Background()
	s, backend := newStore(t, jobstore.Config{})

	s.MarkProcessing(record("job-new"))
	s.Flush(ctx)

	job, err := backend.GetJob(ctx, "job-new")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProcessing, job.Status)
	assert.Equal(t, "u1", job.UserID)
}

func TestComplete_IsSynchronousAndFoldsPending(t *testing.T) {
	ctx := context.Background()
	s, backend := newStore(t, jobstore.Config{FlushInterval: time.Hour})

	s.MarkProcessing(record("job-1"))
	job, err := s.Complete(ctx, "job-1", "res-1", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, job.Status)
	assert.Equal(t, "res-1", job.ResultRef)
	assert.Equal(t, int64(3000), job.ProcessingMs)
	assert.Equal(t, 0, s.Pending())

	stored, err := backend.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, stored.Status)
}

func TestTerminalWritesAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s, backend := newStore(t, jobstore.Config{})
	require.NoError(t, backend.CreateJob(ctx, record("job-1")))

	_, err := s.Fail(ctx, "job-1", "provider rejected input", time.Second)
	require.NoError(t, err)

	_, err = s.Complete(ctx, "job-1", "res-late", time.Second)
	assert.ErrorIs(t, err, persistence.ErrConflict)

	// a late heartbeat is dropped at flush time
	s.Heartbeat("job-1", time.Now(), time.Minute)
	assert.Equal(t, 0, s.Flush(ctx))

	job, err := backend.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, job.Status)
	assert.Equal(t, "provider rejected input", job.ErrorMessage)
}

func TestRun_FlushesOnBatchSignalAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, backend := newStore(t, jobstore.Config{FlushInterval: time.Hour, MaxBatch: 2})

	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.MarkProcessing(record("a"))
	s.MarkProcessing(record("b"))
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)

	s.MarkProcessing(record("c"))
	cancel()
	<-done

	for _, id := range []string{"a", "b", "c"} {
		job, err := backend.GetJob(context.Background(), id)
		require.NoError(t, err, id)
		assert.Equal(t, persistence.StatusProcessing, job.Status)
	}
}

func TestSaveResult_Overwrite(t *testing.T) {
	ctx := context.Background()
	s, backend := newStore(t, jobstore.Config{})

	res := &persistence.Result{ID: "res-1", JobID: "job-1", UserID: "u1", Data: map[string]any{"v": 1}}
	require.NoError(t, s.SaveResult(ctx, res, false))
	assert.ErrorIs(t, s.SaveResult(ctx, res, false), persistence.ErrConflict)

	res.Data = map[string]any{"v": 2}
	require.NoError(t, s.SaveResult(ctx, res, true))
	got, err := backend.GetResult(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Data["v"])

	require.NoError(t, s.SaveResult(ctx, &persistence.Result{ID: "res-2", Data: map[string]any{}}, true),
		"overwrite of a missing result creates it")
}
