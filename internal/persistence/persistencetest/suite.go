// Package persistencetest holds behaviour tests shared by every
// persistence.Backend implementation.
package persistencetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-analyzer/internal/persistence"
)

// Factory builds an empty backend that reads time from now.
type Factory func(t *testing.T, now func() time.Time) persistence.Backend

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

// Run executes the shared behaviour tests against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGetJob(t, newBackend) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newBackend) })
	t.Run("ListStaleJobs", func(t *testing.T) { testListStaleJobs(t, newBackend) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newBackend) })
	t.Run("Results", func(t *testing.T) { testResults(t, newBackend) })
	t.Run("FindResultCorrelation", func(t *testing.T) { testFindResult(t, newBackend) })
}

func start() *clock {
	return &clock{t: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)}
}

func testCreateAndGetJob(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	c := start()
	b := newBackend(t, c.now)

	job := &persistence.JobRecord{
		ID:             "job-1",
		UserID:         "user-1",
		AssessmentName: "personality",
		Payload:        json.RawMessage(`{"answers":[1,2,3]}`),
	}
	require.NoError(t, b.CreateJob(ctx, job))

	got, err := b.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusQueued, got.Status)
	assert.Equal(t, "user-1", got.UserID)
	assert.JSONEq(t, `{"answers":[1,2,3]}`, string(got.Payload))
	assert.True(t, got.CreatedAt.Equal(c.t))

	err = b.CreateJob(ctx, &persistence.JobRecord{ID: "job-1", UserID: "u", AssessmentName: "a"})
	assert.ErrorIs(t, err, persistence.ErrConflict)

	_, err = b.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func testConditionalUpdate(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	c := start()
	b := newBackend(t, c.now)
	require.NoError(t, b.CreateJob(ctx, &persistence.JobRecord{ID: "job-1", UserID: "u", AssessmentName: "a"}))

	c.t = c.t.Add(time.Minute)
	hb := c.t
	got, err := b.UpdateJobStatus(ctx, "job-1", persistence.StatusPatch{
		To:          persistence.StatusProcessing,
		HeartbeatAt: &hb,
	})
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusProcessing, got.Status)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, got.LastHeartbeatAt.Equal(hb))

	c.t = c.t.Add(time.Minute)
	ms := int64(120000)
	got, err = b.UpdateJobStatus(ctx, "job-1", persistence.StatusPatch{
		From:         []persistence.Status{persistence.StatusProcessing},
		To:           persistence.StatusCompleted,
		ResultRef:    "res-1",
		ProcessingMs: &ms,
	})
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCompleted, got.Status)
	assert.Equal(t, "res-1", got.ResultRef)
	assert.Equal(t, ms, got.ProcessingMs)
	assert.True(t, got.UpdatedAt.Equal(c.t))

	_, err = b.UpdateJobStatus(ctx, "job-1", persistence.StatusPatch{
		From: []persistence.Status{persistence.StatusProcessing},
		To:   persistence.StatusFailed,
	})
	assert.ErrorIs(t, err, persistence.ErrConflict, "completed jobs never move to failed")

	_, err = b.UpdateJobStatus(ctx, "job-1", persistence.StatusPatch{To: persistence.StatusQueued})
	assert.ErrorIs(t, err, persistence.ErrConflict)

	_, err = b.UpdateJobStatus(ctx, "missing", persistence.StatusPatch{To: persistence.StatusFailed})
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func testListStaleJobs(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	c := start()
	b := newBackend(t, c.now)

	for _, id := range []string{"old", "mid", "new"} {
		require.NoError(t, b.CreateJob(ctx, &persistence.JobRecord{ID: id, UserID: "u", AssessmentName: "a"}))
		_, err := b.UpdateJobStatus(ctx, id, persistence.StatusPatch{To: persistence.StatusProcessing})
		require.NoError(t, err)
		c.t = c.t.Add(time.Hour)
	}
	require.NoError(t, b.CreateJob(ctx, &persistence.JobRecord{ID: "queued", UserID: "u", AssessmentName: "a"}))

	jobs, err := b.ListJobs(ctx, persistence.ListFilter{
		Statuses:      []persistence.Status{persistence.StatusProcessing},
		UpdatedBefore: c.t.Add(-90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "old", jobs[0].ID)
	assert.Equal(t, "mid", jobs[1].ID)

	jobs, err = b.ListJobs(ctx, persistence.ListFilter{
		Statuses: []persistence.Status{persistence.StatusProcessing},
		Limit:    1,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "old", jobs[0].ID)
}

func testStats(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	c := start()
	b := newBackend(t, c.now)
	first := c.t

	require.NoError(t, b.CreateJob(ctx, &persistence.JobRecord{ID: "a", UserID: "u", AssessmentName: "x"}))
	_, err := b.UpdateJobStatus(ctx, "a", persistence.StatusPatch{To: persistence.StatusProcessing})
	require.NoError(t, err)

	c.t = c.t.Add(30 * time.Minute)
	second := c.t
	require.NoError(t, b.CreateJob(ctx, &persistence.JobRecord{ID: "b", UserID: "u", AssessmentName: "x"}))

	c.t = c.t.Add(30 * time.Minute)
	require.NoError(t, b.CreateJob(ctx, &persistence.JobRecord{ID: "c", UserID: "u", AssessmentName: "x"}))
	_, err = b.UpdateJobStatus(ctx, "c", persistence.StatusPatch{To: persistence.StatusFailed})
	require.NoError(t, err)

	st, err := b.Stats(ctx, c.t.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts[persistence.StatusProcessing])
	assert.Equal(t, 1, st.Counts[persistence.StatusQueued])
	assert.Equal(t, 1, st.Counts[persistence.StatusFailed])
	assert.Equal(t, 2, st.Stuck)
	require.NotNil(t, st.OldestStuckAt)
	require.NotNil(t, st.LatestStuckAt)
	assert.True(t, st.OldestStuckAt.Equal(first))
	assert.True(t, st.LatestStuckAt.Equal(second))
}

func testResults(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	c := start()
	b := newBackend(t, c.now)

	res := &persistence.Result{
		ID:             "res-1",
		JobID:          "job-1",
		UserID:         "u",
		AssessmentName: "personality",
		Data:           map[string]any{"summary": "calm", "score": 7.5},
	}
	require.NoError(t, b.CreateResult(ctx, res))
	assert.ErrorIs(t, b.CreateResult(ctx, &persistence.Result{ID: "res-1", Data: map[string]any{}}), persistence.ErrConflict)

	c.t = c.t.Add(time.Minute)
	res.JobID = "job-2"
	res.Data = map[string]any{"summary": "bold"}
	require.NoError(t, b.UpdateResult(ctx, res))

	got, err := b.GetResult(ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, "job-2", got.JobID)
	assert.Equal(t, "bold", got.Data["summary"])
	assert.True(t, got.UpdatedAt.Equal(c.t))
	assert.True(t, got.CreatedAt.Before(got.UpdatedAt))

	err = b.UpdateResult(ctx, &persistence.Result{ID: "missing", Data: map[string]any{}})
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func testFindResult(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	c := start()
	b := newBackend(t, c.now)
	created := c.t

	require.NoError(t, b.CreateResult(ctx, &persistence.Result{
		ID: "res-1", JobID: "job-1", UserID: "u", AssessmentName: "personality",
		Data: map[string]any{"ok": true},
	}))

	got, err := b.FindResult(ctx, persistence.ResultQuery{JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "res-1", got.ID)

	got, err = b.FindResult(ctx, persistence.ResultQuery{
		JobID:          "job-lost",
		UserID:         "u",
		AssessmentName: "personality",
		CreatedAfter:   created.Add(-time.Minute),
		CreatedBefore:  created.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "res-1", got.ID)

	_, err = b.FindResult(ctx, persistence.ResultQuery{
		JobID:         "job-lost",
		UserID:        "u",
		CreatedAfter:  created.Add(time.Minute),
		CreatedBefore: created.Add(time.Hour),
	})
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	_, err = b.FindResult(ctx, persistence.ResultQuery{JobID: "job-lost"})
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
