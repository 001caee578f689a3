// Package reconcile finds jobs stuck in queued or processing and settles
// them against the stored results.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-analyzer/internal/compensate"
	"github.com/tendant/simple-analyzer/internal/persistence"
	"github.com/tendant/simple-analyzer/internal/telemetry"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

// Store is the subset of jobstore.Store the reconciler needs.
type Store interface {
	List(ctx context.Context, filter persistence.ListFilter) ([]*persistence.JobRecord, error)
	FindResult(ctx context.Context, q persistence.ResultQuery) (*persistence.Result, error)
	Transition(ctx context.Context, jobID string, patch persistence.StatusPatch) (*persistence.JobRecord, error)
	Stats(ctx context.Context, stuckBefore time.Time) (*persistence.Stats, error)
}

type Refunder interface {
	Refund(ctx context.Context, t compensate.Target, reason string)
}

type EventSink interface {
	Publish(ctx context.Context, ev schema.JobEvent) error
}

type Options struct {
	// DryRun reports what would change without writing.
	DryRun bool

	ProcessingTimeout time.Duration
	QueuedTimeout     time.Duration

	// CorrelationWindow bounds how long after a job's creation a result of
	// the same user and assessment still counts as that job's result.
	CorrelationWindow time.Duration

	// Limit caps the jobs examined per status. Zero means no cap.
	Limit int
}

func DefaultOptions() Options {
	return Options{
		ProcessingTimeout: 2 * time.Hour,
		QueuedTimeout:     24 * time.Hour,
		CorrelationWindow: 2 * time.Hour,
		Limit:             500,
	}
}

type Action string

const (
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionSkipped   Action = "skipped"
)

// Entry is one examined job.
type Entry struct {
	JobID     string
	From      persistence.Status
	Action    Action
	ResultRef string
	StaleFor  time.Duration
	Err       error
}

type Report struct {
	DryRun    bool
	Examined  int
	Completed int
	Failed    int
	Skipped   int
	Errors    int
	Entries   []Entry
}

// Changed is the number of jobs whose status actually moved.
func (r *Report) Changed() int { return r.Completed + r.Failed }

type Reconciler struct {
	store    Store
	refunder Refunder
	events   EventSink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func WithMetrics(m *telemetry.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

// New returns a Reconciler. refunder and events may be nil.
func New(store Store, refunder Refunder, events EventSink, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		refunder: refunder,
		events:   events,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep settles every stale job. A job with a correlated result is
// completed with it; any other is failed and refunded. Transitions are
// conditional on the status the job was listed with, so a job that moved in
// the meantime is skipped and a second sweep over the same jobs changes
// nothing.
func (r *Reconciler) Sweep(ctx context.Context, opts Options) (*Report, error) {
	def := DefaultOptions()
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = def.ProcessingTimeout
	}
	if opts.QueuedTimeout <= 0 {
		opts.QueuedTimeout = def.QueuedTimeout
	}
	if opts.CorrelationWindow <= 0 {
		opts.CorrelationWindow = def.CorrelationWindow
	}

	now := r.now()
	rep := &Report{DryRun: opts.DryRun}
	for _, sel := range []struct {
		status  persistence.Status
		timeout time.Duration
	}{
		{persistence.StatusProcessing, opts.ProcessingTimeout},
		{persistence.StatusQueued, opts.QueuedTimeout},
	} {
		jobs, err := r.store.List(ctx, persistence.ListFilter{
			Statuses:      []persistence.Status{sel.status},
			UpdatedBefore: now.Add(-sel.timeout),
			Limit:         opts.Limit,
		})
		if err != nil {
			return rep, fmt.Errorf("list %s jobs: %w", sel.status, err)
		}
		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			rep.add(r.settle(ctx, job, now, sel.timeout, opts))
		}
	}

	if !opts.DryRun {
		r.metrics.Reconciled(ctx, string(ActionCompleted), rep.Completed)
		r.metrics.Reconciled(ctx, string(ActionFailed), rep.Failed)
	}
	r.logger.Info("reconcile sweep finished",
		"dry_run", opts.DryRun,
		"examined", rep.Examined,
		"completed", rep.Completed,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"errors", rep.Errors,
	)
	return rep, nil
}

func (rep *Report) add(e Entry) {
	rep.Examined++
	rep.Entries = append(rep.Entries, e)
	switch {
	case e.Err != nil:
		rep.Errors++
	case e.Action == ActionCompleted:
		rep.Completed++
	case e.Action == ActionFailed:
		rep.Failed++
	default:
		rep.Skipped++
	}
}

func (r *Reconciler) settle(ctx context.Context, job *persistence.JobRecord, now time.Time, timeout time.Duration, opts Options) Entry {
	logger := r.logger.With("job_id", job.ID, "status", job.Status)
	e := Entry{JobID: job.ID, From: job.Status, StaleFor: now.Sub(lastSeen(job))}

	res, err := r.store.FindResult(ctx, persistence.ResultQuery{
		JobID:          job.ID,
		UserID:         job.UserID,
		AssessmentName: job.AssessmentName,
		CreatedAfter:   job.CreatedAt,
		CreatedBefore:  job.CreatedAt.Add(opts.CorrelationWindow),
	})
	switch {
	case err == nil:
		e.Action, e.ResultRef = ActionCompleted, res.ID
	case errors.Is(err, persistence.ErrNotFound):
		e.Action = ActionFailed
	default:
		logger.Warn("result lookup failed", "err", err)
		e.Err = err
		return e
	}

	if opts.DryRun {
		logger.Info("dry run: would reconcile", "action", e.Action, "result_ref", e.ResultRef, "stale_for", e.StaleFor)
		return e
	}

	patch := persistence.StatusPatch{
		From: []persistence.Status{job.Status},
		To:   persistence.Status(e.Action),
	}
	if e.Action == ActionCompleted {
		patch.ResultRef = e.ResultRef
	} else {
		patch.ErrorMessage = fmt.Sprintf("timeout: no progress for %s (limit %s)", e.StaleFor.Round(time.Second), timeout)
	}
	if _, err := r.store.Transition(ctx, job.ID, patch); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			logger.Info("job moved since listing, skipping")
			e.Action = ActionSkipped
			return e
		}
		logger.Error("reconcile transition failed", "err", err)
		e.Err = err
		return e
	}

	if e.Action == ActionFailed {
		t := compensate.Target{
			JobID:          job.ID,
			UserID:         job.UserID,
			AssessmentName: job.AssessmentName,
			RetryCount:     job.RetryCount,
			Elapsed:        e.StaleFor,
		}
		if r.refunder != nil {
			r.refunder.Refund(ctx, t, patch.ErrorMessage)
		}
		r.publish(ctx, logger, schema.JobEvent{
			Stage:          schema.StageFailed,
			JobID:          job.ID,
			UserID:         job.UserID,
			AssessmentName: job.AssessmentName,
			Error:          patch.ErrorMessage,
			FailureType:    schema.FailureTypeTimeout,
			Metadata:       schema.EventMetadata{RetryCount: job.RetryCount},
		})
	} else {
		r.publish(ctx, logger, schema.JobEvent{
			Stage:           schema.StageCompleted,
			JobID:           job.ID,
			UserID:          job.UserID,
			AssessmentName:  job.AssessmentName,
			ResultReference: e.ResultRef,
			Metadata:        schema.EventMetadata{RetryCount: job.RetryCount},
		})
	}
	logger.Info("job reconciled", "action", e.Action, "result_ref", e.ResultRef, "stale_for", e.StaleFor)
	return e
}

func (r *Reconciler) publish(ctx context.Context, logger *slog.Logger, ev schema.JobEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		logger.Warn("publish event", "stage", ev.Stage, "err", err)
	}
}

// Stats reports the status breakdown and the age range of jobs not updated
// within stuckAfter.
func (r *Reconciler) Stats(ctx context.Context, stuckAfter time.Duration) (*persistence.Stats, error) {
	if stuckAfter <= 0 {
		stuckAfter = DefaultOptions().ProcessingTimeout
	}
	return r.store.Stats(ctx, r.now().Add(-stuckAfter))
}

func lastSeen(job *persistence.JobRecord) time.Time {
	if job.LastHeartbeatAt != nil && job.LastHeartbeatAt.After(job.UpdatedAt) {
		return *job.LastHeartbeatAt
	}
	return job.UpdatedAt
}
