package persistence

import (
	"context"
	"time"

	"github.com/tendant/simple-analyzer/internal/resilience"
)

var _ Backend = (*Resilient)(nil)

// Resilient routes every Backend call through a resilience.Client so a
// struggling dependency trips the circuit breaker instead of tying up
// workers.
type Resilient struct {
	next   Backend
	client *resilience.Client
}

func NewResilient(next Backend, client *resilience.Client) *Resilient {
	return &Resilient{next: next, client: client}
}

func (r *Resilient) CreateJob(ctx context.Context, job *JobRecord) error {
	return r.client.Do(ctx, "create job", func(ctx context.Context) error {
		return r.next.CreateJob(ctx, job)
	})
}

func (r *Resilient) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	var out *JobRecord
	err := r.client.Do(ctx, "get job", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetJob(ctx, id)
		return err
	})
	return out, err
}

func (r *Resilient) UpdateJobStatus(ctx context.Context, id string, patch StatusPatch) (*JobRecord, error) {
	var out *JobRecord
	err := r.client.Do(ctx, "update job status", func(ctx context.Context) error {
		var err error
		out, err = r.next.UpdateJobStatus(ctx, id, patch)
		return err
	})
	return out, err
}

func (r *Resilient) ListJobs(ctx context.Context, filter ListFilter) ([]*JobRecord, error) {
	var out []*JobRecord
	err := r.client.Do(ctx, "list jobs", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListJobs(ctx, filter)
		return err
	})
	return out, err
}

func (r *Resilient) Stats(ctx context.Context, stuckBefore time.Time) (*Stats, error) {
	var out *Stats
	err := r.client.Do(ctx, "job stats", func(ctx context.Context) error {
		var err error
		out, err = r.next.Stats(ctx, stuckBefore)
		return err
	})
	return out, err
}

func (r *Resilient) CreateResult(ctx context.Context, res *Result) error {
	return r.client.Do(ctx, "create result", func(ctx context.Context) error {
		return r.next.CreateResult(ctx, res)
	})
}

func (r *Resilient) UpdateResult(ctx context.Context, res *Result) error {
	return r.client.Do(ctx, "update result", func(ctx context.Context) error {
		return r.next.UpdateResult(ctx, res)
	})
}

func (r *Resilient) GetResult(ctx context.Context, id string) (*Result, error) {
	var out *Result
	err := r.client.Do(ctx, "get result", func(ctx context.Context) error {
		var err error
		out, err = r.next.GetResult(ctx, id)
		return err
	})
	return out, err
}

func (r *Resilient) FindResult(ctx context.Context, q ResultQuery) (*Result, error) {
	var out *Result
	err := r.client.Do(ctx, "find result", func(ctx context.Context) error {
		var err error
		out, err = r.next.FindResult(ctx, q)
		return err
	})
	return out, err
}

func (r *Resilient) Health(ctx context.Context) error {
	return r.client.Do(ctx, "health", r.next.Health)
}
