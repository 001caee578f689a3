package process_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-analyzer/internal/dedup"
	"github.com/tendant/simple-analyzer/internal/heartbeat"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/jobstore"
	"github.com/tendant/simple-analyzer/internal/persistence"
	"github.com/tendant/simple-analyzer/internal/process"
	"github.com/tendant/simple-analyzer/internal/ratelimit"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

type events struct {
	mu  sync.Mutex
	evs []schema.JobEvent
}

func (e *events) Publish(_ context.Context, ev schema.JobEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
	return nil
}

func (e *events) stages(jobID string) []schema.ProcessingStage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []schema.ProcessingStage
	for _, ev := range e.evs {
		if ev.JobID == jobID {
			out = append(out, ev.Stage)
		}
	}
	return out
}

type harness struct {
	pipeline *process.Pipeline
	backend  *persistence.MemoryBackend
	jobs     *jobstore.Store
	guard    *dedup.Guard
	events   *events
	calls    atomic.Int32
	analyze  func(ctx context.Context, req process.Request) (map[string]any, error)
}

func newHarness(t *testing.T, cfg process.Config, limiter *ratelimit.Limiter) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, limiter, nil)
}

// newHarnessWith lets wrap decorate the backend the job store writes through.
func newHarnessWith(t *testing.T, cfg process.Config, limiter *ratelimit.Limiter, wrap func(persistence.Backend) persistence.Backend) *harness {
	t.Helper()
	h := &harness{backend: persistence.NewMemoryBackend(), events: &events{}}
	h.analyze = func(context.Context, process.Request) (map[string]any, error) {
		return map[string]any{"score": 42, "summary": "calm"}, nil
	}
	var backend persistence.Backend = h.backend
	if wrap != nil {
		backend = wrap(backend)
	}
	h.jobs = jobstore.New(backend, jobstore.Config{FlushInterval: time.Hour}, nil)
	h.guard = dedup.NewGuard(dedup.Config{}, dedup.NewMemoryStore(0),
		process.NewResultChecker(h.jobs, []string{"score"}, nil))

	registry := process.NewRegistry(nil)
	registry.Register("personality", process.AnalyzerFunc(func(ctx context.Context, req process.Request) (map[string]any, error) {
		h.calls.Add(1)
		return h.analyze(ctx, req)
	}))

	h.pipeline = process.New(cfg, process.Deps{
		Limiter:   limiter,
		Guard:     h.guard,
		Jobs:      h.jobs,
		Heartbeat: heartbeat.New(heartbeat.Config{Interval: time.Hour}, h.jobs, nil),
		Analyzers: registry,
		Events:    h.events,
	})
	return h
}

// resetOnComplete fails the first completion write with a connection reset.
type resetOnComplete struct {
	persistence.Backend
	tripped atomic.Bool
}

func (b *resetOnComplete) UpdateJobStatus(ctx context.Context, id string, patch persistence.StatusPatch) (*persistence.JobRecord, error) {
	if patch.To == persistence.StatusCompleted && b.tripped.CompareAndSwap(false, true) {
		return nil, syscall.ECONNRESET
	}
	return b.Backend.UpdateJobStatus(ctx, id, patch)
}

func msg(jobID, payload string) process.Job {
	return process.Job{Msg: schema.JobMessage{
		JobID:          jobID,
		UserID:         "u1",
		AssessmentName: "personality",
		Payload:        json.RawMessage(payload),
		Timestamp:      time.Now().Unix(),
	}}
}

func TestRun_Success(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, process.Config{}, nil)

	out, err := h.pipeline.Run(ctx, msg("job-1", `{"answers":[1,2,3]}`))
	require.NoError(t, err)
	assert.NotEmpty(t, out.ResultRef)
	assert.False(t, out.Duplicate)

	job, err := h.backend.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, job.Status)
	assert.Equal(t, out.ResultRef, job.ResultRef)
	assert.NotNil(t, job.LastHeartbeatAt)

	res, err := h.backend.GetResult(ctx, out.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 42, res.Data["score"])

	assert.Equal(t, []schema.ProcessingStage{schema.StageStarted, schema.StageCompleted}, h.events.stages("job-1"))
	assert.Equal(t, 0, h.jobs.Pending(), "the processing write folded into completion")
}

func TestRun_CompletedDuplicateServesCachedResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, process.Config{}, nil)

	first, err := h.pipeline.Run(ctx, msg("job-1", `{"answers":[1,2,3]}`))
	require.NoError(t, err)

	second, err := h.pipeline.Run(ctx, msg("job-2", `{"answers": [1, 2, 3], "request_id": "r-9"}`))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ResultRef, second.ResultRef)
	assert.Equal(t, int32(1), h.calls.Load(), "the provider is called once")

	job, err := h.backend.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, job.Status)
	assert.Equal(t, first.ResultRef, job.ResultRef)
}

func TestRun_InFlightDuplicateIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, process.Config{}, nil)

	release := make(chan struct{})
	entered := make(chan struct{})
	h.analyze = func(context.Context, process.Request) (map[string]any, error) {
		close(entered)
		<-release
		return map[string]any{"score": 1}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(ctx, msg("job-1", `{"answers":[1]}`))
		done <- err
	}()
	<-entered

	_, err := h.pipeline.Run(ctx, msg("job-2", `{"answers":[1]}`))
	require.Error(t, err)
	assert.Equal(t, schema.FailureTypeDuplicate, joberr.KindOf(err))
	var je *joberr.Error
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "job-1", je.Ref)

	close(release)
	require.NoError(t, <-done)
}

func TestRun_ProviderFailureReleasesDedupEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, process.Config{}, nil)
	h.analyze = func(context.Context, process.Request) (map[string]any, error) {
		return nil, &process.ProviderError{Status: 502, Body: "upstream"}
	}

	_, err := h.pipeline.Run(ctx, msg("job-1", `{"answers":[1]}`))
	require.Error(t, err)
	assert.Equal(t, schema.FailureTypeProvider, joberr.KindOf(err))

	hash, err := h.guard.Hash("u1", "personality", []byte(`{"answers":[1]}`))
	require.NoError(t, err)
	dec, err := h.guard.Admit(ctx, hash, "job-2")
	require.NoError(t, err)
	assert.True(t, dec.Admitted, "a failed job must not block later attempts")
}

func TestRun_TimeoutAbandonsProviderCall(t *testing.T) {
	h := newHarness(t, process.Config{JobTimeout: 20 * time.Millisecond}, nil)
	h.analyze = func(ctx context.Context, _ process.Request) (map[string]any, error) {
		assert.NoError(t, ctx.Err(), "cancellation does not reach the provider")
		time.Sleep(100 * time.Millisecond)
		return map[string]any{"score": 1}, nil
	}

	start := time.Now()
	_, err := h.pipeline.Run(context.Background(), msg("job-1", `{}`))
	require.Error(t, err)
	assert.Equal(t, schema.FailureTypeTimeout, joberr.KindOf(err))
	assert.Less(t, time.Since(start), 90*time.Millisecond)
}

func TestRun_RetryAfterFailedCompletionReusesResult(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, process.Config{}, nil, func(b persistence.Backend) persistence.Backend {
		return &resetOnComplete{Backend: b}
	})
	job := msg("job-1", `{"a":1}`)

	_, err := h.pipeline.Run(ctx, job)
	require.Error(t, err)
	assert.True(t, joberr.Retryable(joberr.KindOf(err)))
	assert.Equal(t, int32(1), h.calls.Load())

	job.RetryCount = 1
	out, err := h.pipeline.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.calls.Load(), "the retry must not call the provider again")

	stored, err := h.backend.FindResult(ctx, persistence.ResultQuery{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, out.ResultRef)

	rec, err := h.backend.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, rec.Status)
	assert.Equal(t, out.ResultRef, rec.ResultRef)
}

func TestRun_Validation(t *testing.T) {
	h := newHarness(t, process.Config{}, nil)

	tests := []struct {
		name string
		job  process.Job
	}{
		{"missing user", process.Job{Msg: schema.JobMessage{JobID: "j", AssessmentName: "personality"}}},
		{"unknown assessment", process.Job{Msg: schema.JobMessage{JobID: "j", UserID: "u", AssessmentName: "tarot"}}},
		{"bad payload", process.Job{Msg: schema.JobMessage{JobID: "j", UserID: "u", AssessmentName: "personality", Payload: json.RawMessage(`{"a":`)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.Run(context.Background(), tt.job)
			assert.Equal(t, schema.FailureTypeValidation, joberr.KindOf(err))
		})
	}
	assert.Zero(t, h.calls.Load())
}

func TestRun_RateLimitedAdmission(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Rules{
		User: ratelimit.Rule{Capacity: 1, Window: time.Hour},
	}, ratelimit.NewMemoryStore())
	h := newHarness(t, process.Config{}, limiter)

	_, err := h.pipeline.Run(context.Background(), msg("job-1", `{"a":1}`))
	require.NoError(t, err)

	_, err = h.pipeline.Run(context.Background(), msg("job-2", `{"a":2}`))
	require.Error(t, err)
	assert.Equal(t, schema.FailureTypeRateLimited, joberr.KindOf(err))
	assert.InDelta(t, time.Hour.Seconds(), joberr.RetryAfterOf(err).Seconds(), 1)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestRun_IncompleteCachedResultIsOverwritten(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, process.Config{}, nil)
	h.analyze = func(context.Context, process.Request) (map[string]any, error) {
		return map[string]any{"summary": "partial"}, nil
	}
	first, err := h.pipeline.Run(ctx, msg("job-1", `{"a":1}`))
	require.NoError(t, err)

	h.analyze = func(context.Context, process.Request) (map[string]any, error) {
		return map[string]any{"score": 7, "summary": "full"}, nil
	}
	second, err := h.pipeline.Run(ctx, msg("job-2", `{"a":1}`))
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.Equal(t, first.ResultRef, second.ResultRef, "the existing result is updated in place")
	assert.Equal(t, int32(2), h.calls.Load())

	res, err := h.backend.GetResult(ctx, first.ResultRef)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Data["score"])
}

func TestRun_LateResultForTerminalJobIsDiscarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, process.Config{}, nil)
	require.NoError(t, h.backend.CreateJob(ctx, &persistence.JobRecord{ID: "job-1", UserID: "u1", Status: persistence.StatusFailed}))

	out, err := h.pipeline.Run(ctx, msg("job-1", `{"a":1}`))
	require.NoError(t, err)
	assert.True(t, out.Abandoned)

	job, err := h.backend.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusFailed, job.Status)
}

func TestRegistry(t *testing.T) {
	r := process.NewRegistry(nil)
	_, err := r.Get("personality")
	require.Error(t, err)

	fallback := process.AnalyzerFunc(func(context.Context, process.Request) (map[string]any, error) {
		return nil, errors.New("unused")
	})
	r = process.NewRegistry(fallback)
	a, err := r.Get("anything")
	require.NoError(t, err)
	assert.Equal(t, "func", a.Name())
}
