package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-process Backend for tests and single-process
// development.
type MemoryBackend struct {
	mu      sync.RWMutex
	jobs    map[string]*JobRecord
	results map[string]*Result
	now     func() time.Time
}

type MemoryOption func(*MemoryBackend)

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		jobs:    make(map[string]*JobRecord),
		results: make(map[string]*Result),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryBackend) CreateJob(_ context.Context, job *JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("create job %s: %w", job.ID, ErrConflict)
	}
	now := m.now()
	cp := cloneJob(job)
	if cp.Status == "" {
		cp.Status = StatusQueued
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.jobs[job.ID] = cp
	*job = *cloneJob(cp)
	return nil
}

func (m *MemoryBackend) GetJob(_ context.Context, id string) (*JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *MemoryBackend) UpdateJobStatus(_ context.Context, id string, patch StatusPatch) (*JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !patch.Allows(job.Status) {
		return nil, fmt.Errorf("job %s is %s, patch to %q: %w", id, job.Status, patch.To, ErrConflict)
	}
	patch.Apply(job, m.now())
	return cloneJob(job), nil
}

func (m *MemoryBackend) ListJobs(_ context.Context, filter ListFilter) ([]*JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*JobRecord
	for _, job := range m.jobs {
		if !matchStatus(job.Status, filter.Statuses) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) Stats(_ context.Context, stuckBefore time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &Stats{Counts: make(map[Status]int)}
	for _, job := range m.jobs {
		st.Counts[job.Status]++
		if job.Status.Terminal() || !job.UpdatedAt.Before(stuckBefore) {
			continue
		}
		st.Stuck++
		at := job.UpdatedAt
		if st.OldestStuckAt == nil || at.Before(*st.OldestStuckAt) {
			st.OldestStuckAt = &at
		}
		if st.LatestStuckAt == nil || at.After(*st.LatestStuckAt) {
			st.LatestStuckAt = &at
		}
	}
	return st, nil
}

func (m *MemoryBackend) CreateResult(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[res.ID]; ok {
		return fmt.Errorf("create result %s: %w", res.ID, ErrConflict)
	}
	now := m.now()
	cp := cloneResult(res)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.results[res.ID] = cp
	*res = *cloneResult(cp)
	return nil
}

func (m *MemoryBackend) UpdateResult(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.results[res.ID]
	if !ok {
		return fmt.Errorf("result %s: %w", res.ID, ErrNotFound)
	}
	cp := cloneResult(res)
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = m.now()
	m.results[res.ID] = cp
	*res = *cloneResult(cp)
	return nil
}

func (m *MemoryBackend) GetResult(_ context.Context, id string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[id]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	return cloneResult(res), nil
}

func (m *MemoryBackend) FindResult(_ context.Context, q ResultQuery) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q.JobID != "" {
		for _, res := range m.results {
			if res.JobID == q.JobID {
				return cloneResult(res), nil
			}
		}
	}
	if q.UserID == "" {
		return nil, fmt.Errorf("result for job %s: %w", q.JobID, ErrNotFound)
	}
	var best *Result
	for _, res := range m.results {
		if res.UserID != q.UserID {
			continue
		}
		if q.AssessmentName != "" && res.AssessmentName != q.AssessmentName {
			continue
		}
		if !q.CreatedAfter.IsZero() && res.CreatedAt.Before(q.CreatedAfter) {
			continue
		}
		if !q.CreatedBefore.IsZero() && res.CreatedAt.After(q.CreatedBefore) {
			continue
		}
		if best == nil || res.CreatedAt.Before(best.CreatedAt) {
			best = res
		}
	}
	if best == nil {
		return nil, fmt.Errorf("result for job %s: %w", q.JobID, ErrNotFound)
	}
	return cloneResult(best), nil
}

func (m *MemoryBackend) Health(context.Context) error { return nil }

func matchStatus(s Status, want []Status) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

func cloneJob(j *JobRecord) *JobRecord {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.LastHeartbeatAt != nil {
		hb := *j.LastHeartbeatAt
		cp.LastHeartbeatAt = &hb
	}
	return &cp
}

func cloneResult(r *Result) *Result {
	cp := *r
	if r.Data != nil {
		cp.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
