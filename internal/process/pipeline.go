// Package process runs one analysis job end to end: admission, duplicate
// suppression, the provider call and the result and status writes.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tendant/simple-analyzer/internal/dedup"
	"github.com/tendant/simple-analyzer/internal/heartbeat"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/jobstore"
	"github.com/tendant/simple-analyzer/internal/persistence"
	"github.com/tendant/simple-analyzer/internal/ratelimit"
	"github.com/tendant/simple-analyzer/internal/telemetry"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

type EventSink interface {
	Publish(ctx context.Context, ev schema.JobEvent) error
}

type Config struct {
	// JobTimeout bounds the whole pipeline. A job that exceeds it is
	// abandoned; a provider reply arriving later is discarded.
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{JobTimeout: 10 * time.Minute}
}

// Deps are the collaborators of a Pipeline. Limiter, Gate and Heartbeat are
// optional.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Gate      *ratelimit.ProviderGate
	Guard     *dedup.Guard
	Jobs      *jobstore.Store
	Heartbeat *heartbeat.Monitor
	Analyzers *Registry
	Events    EventSink
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Job is one decoded delivery.
type Job struct {
	Msg schema.JobMessage

	// RetryCount is the resolved retry count of this attempt.
	RetryCount int

	// Extend pushes out the broker's ack deadline.
	Extend func() error
}

type Outcome struct {
	ResultRef string

	// Duplicate is set when a cached result was served.
	Duplicate bool

	// Abandoned is set when the job was already terminal by the time its
	// result was ready; the result is kept but the job stays as it was.
	Abandoned bool

	Elapsed time.Duration
}

type Pipeline struct {
	cfg Config
	Deps
	now func() time.Time
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, Deps: deps, now: time.Now}
}

// Run processes job. Errors carry a joberr kind, or are classified by
// joberr.KindOf, for the dead-letter router.
func (p *Pipeline) Run(ctx context.Context, job Job) (Outcome, error) {
	msg := job.Msg
	logger := p.Logger.With("job_id", msg.JobID, "user_id", msg.UserID,
		"assessment", msg.AssessmentName, "retry_count", job.RetryCount)

	ctx, span := telemetry.Tracer().Start(ctx, "analyzer.job", trace.WithAttributes(
		attribute.String("job.id", msg.JobID),
		attribute.String("job.assessment", msg.AssessmentName),
		attribute.Int("job.retry_count", job.RetryCount),
	))
	defer span.End()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	out, err := p.run(ctx, job, logger)
	if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = joberr.Timeout("job", p.cfg.JobTimeout)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(joberr.KindOf(err)))
	}
	return out, err
}

func (p *Pipeline) run(ctx context.Context, job Job, logger *slog.Logger) (Outcome, error) {
	start := p.now()
	msg := job.Msg
	if err := validate(msg); err != nil {
		return Outcome{}, err
	}
	analyzer, err := p.Analyzers.Get(msg.AssessmentName)
	if err != nil {
		return Outcome{}, joberr.Validation("route", "%v", err)
	}

	if p.Limiter != nil {
		dec, err := p.Limiter.Allow(ctx, ratelimit.Subject{UserID: msg.UserID, IP: msg.ClientIP})
		if err != nil {
			return Outcome{}, fmt.Errorf("rate limit: %w", err)
		}
		if !dec.Allowed {
			logger.Info("rate limited", "scope", dec.Scope, "retry_after", dec.RetryAfter)
			return Outcome{}, joberr.RateLimited("admission "+string(dec.Scope), dec.RetryAfter)
		}
	}

	hash, err := p.Guard.Hash(msg.UserID, msg.AssessmentName, msg.Payload)
	if err != nil {
		return Outcome{}, joberr.Validation("fingerprint", "%v", err)
	}
	dec, err := p.Guard.Admit(ctx, hash, msg.JobID)
	if err != nil {
		return Outcome{}, err
	}
	if !dec.Admitted {
		return p.duplicate(ctx, job, dec, start, logger)
	}

	out, err := p.process(ctx, job, analyzer, dec, start, logger)
	if err != nil || out.Abandoned {
		p.Guard.Fail(context.WithoutCancel(ctx), hash, msg.JobID)
		return out, err
	}
	if err := p.Guard.Complete(ctx, hash, msg.JobID, out.ResultRef); err != nil {
		logger.Warn("record dedup completion", "err", err)
	}
	return out, nil
}

func (p *Pipeline) process(ctx context.Context, job Job, analyzer Analyzer, dec dedup.Decision, start time.Time, logger *slog.Logger) (Outcome, error) {
	msg := job.Msg
	p.Jobs.MarkProcessing(seed(job))
	if p.Heartbeat != nil {
		p.Heartbeat.Start(ctx, msg.JobID, job.Extend)
		defer p.Heartbeat.Stop(msg.JobID)
	}
	p.publish(ctx, logger, p.event(schema.StageStarted, job, 0))
	logger.Info("job started", "overwrite", dec.Overwrite, "analyzer", analyzer.Name())

	ref, err := p.produce(ctx, job, analyzer, dec, logger)
	if err != nil {
		return Outcome{}, err
	}

	// stop beating first so the final beat folds into the terminal write
	if p.Heartbeat != nil {
		p.Heartbeat.Stop(msg.JobID)
	}
	elapsed := p.now().Sub(start)
	if _, err := p.Jobs.Complete(ctx, msg.JobID, ref, elapsed); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			logger.Warn("job already terminal, discarding late result", "result_ref", ref)
			return Outcome{ResultRef: ref, Abandoned: true, Elapsed: elapsed}, nil
		}
		return Outcome{}, fmt.Errorf("complete job: %w", err)
	}

	ev := p.event(schema.StageCompleted, job, elapsed)
	ev.ResultReference = ref
	p.publish(ctx, logger, ev)
	p.Metrics.JobFinished(ctx, msg.AssessmentName, "completed", elapsed)
	logger.Info("job completed", "result_ref", ref, "processing_time_ms", elapsed.Milliseconds())
	return Outcome{ResultRef: ref, Elapsed: elapsed}, nil
}

// produce returns the reference of a stored result for job. A result an
// earlier attempt of the same job already saved is reused, so a retry after a
// failed status write never pays for a second provider call.
func (p *Pipeline) produce(ctx context.Context, job Job, analyzer Analyzer, dec dedup.Decision, logger *slog.Logger) (string, error) {
	msg := job.Msg
	prev, err := p.Jobs.FindResult(ctx, persistence.ResultQuery{JobID: msg.JobID})
	if errors.Is(err, persistence.ErrNotFound) {
		prev, err = nil, nil
	}
	if err != nil {
		return "", fmt.Errorf("find earlier result: %w", err)
	}
	if prev != nil && len(prev.Data) > 0 {
		logger.Info("reusing result of an earlier attempt", "result_ref", prev.ID)
		return prev.ID, nil
	}

	if p.Gate != nil {
		if err := p.Gate.Wait(ctx); err != nil {
			return "", err
		}
	}

	data, err := p.analyze(ctx, analyzer, Request{
		JobID:          msg.JobID,
		UserID:         msg.UserID,
		AssessmentName: msg.AssessmentName,
		Payload:        msg.Payload,
	})
	if err != nil {
		return "", err
	}

	ref, overwrite := uuid.NewString(), dec.Overwrite
	switch {
	case prev != nil:
		ref, overwrite = prev.ID, true
	case dec.Overwrite:
		ref = dec.ResultRef
	}
	res := &persistence.Result{
		ID:             ref,
		JobID:          msg.JobID,
		UserID:         msg.UserID,
		AssessmentName: msg.AssessmentName,
		Data:           data,
	}
	if err := p.Jobs.SaveResult(ctx, res, overwrite); err != nil {
		return "", fmt.Errorf("save result: %w", err)
	}
	return ref, nil
}

// duplicate settles a job the dedup guard rejected. A duplicate of a
// completed job is completed with the cached result and never reaches the
// provider; a duplicate of an in-flight job fails.
func (p *Pipeline) duplicate(ctx context.Context, job Job, dec dedup.Decision, start time.Time, logger *slog.Logger) (Outcome, error) {
	msg := job.Msg
	if dec.State != dedup.StateCompleted || dec.ResultRef == "" {
		logger.Info("duplicate of in-flight job", "duplicate_of", dec.DuplicateOf)
		return Outcome{}, joberr.Duplicate("admit", dec.DuplicateOf)
	}

	p.Jobs.MarkProcessing(seed(job))
	elapsed := p.now().Sub(start)
	_, err := p.Jobs.Complete(ctx, msg.JobID, dec.ResultRef, elapsed)
	if err != nil && !errors.Is(err, persistence.ErrConflict) {
		return Outcome{}, fmt.Errorf("complete duplicate: %w", err)
	}

	ev := p.event(schema.StageCompleted, job, elapsed)
	ev.ResultReference = dec.ResultRef
	p.publish(ctx, logger, ev)
	p.Metrics.JobFinished(ctx, msg.AssessmentName, "duplicate", elapsed)
	logger.Info("served cached result", "duplicate_of", dec.DuplicateOf, "result_ref", dec.ResultRef)
	return Outcome{ResultRef: dec.ResultRef, Duplicate: true, Elapsed: elapsed}, nil
}

// analyze calls the provider without propagating cancellation to it. When
// ctx ends first the call is abandoned and its reply dropped.
func (p *Pipeline) analyze(ctx context.Context, a Analyzer, req Request) (map[string]any, error) {
	type reply struct {
		data map[string]any
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: fmt.Errorf("analyzer panic: %v", r)}
			}
		}()
		data, err := a.Analyze(context.WithoutCancel(ctx), req)
		ch <- reply{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, joberr.Provider("analyze", r.err)
		}
		return r.data, nil
	}
}

func (p *Pipeline) event(stage schema.ProcessingStage, job Job, elapsed time.Duration) schema.JobEvent {
	return schema.JobEvent{
		Stage:          stage,
		JobID:          job.Msg.JobID,
		UserID:         job.Msg.UserID,
		AssessmentName: job.Msg.AssessmentName,
		Metadata: schema.EventMetadata{
			ProcessingTimeMs: elapsed.Milliseconds(),
			RetryCount:       job.RetryCount,
		},
	}
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, ev schema.JobEvent) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Publish(ctx, ev); err != nil {
		logger.Warn("publish event", "stage", ev.Stage, "err", err)
	}
}

func seed(job Job) *persistence.JobRecord {
	rec := &persistence.JobRecord{
		ID:             job.Msg.JobID,
		UserID:         job.Msg.UserID,
		AssessmentName: job.Msg.AssessmentName,
		Payload:        job.Msg.Payload,
		Status:         persistence.StatusQueued,
		RetryCount:     job.RetryCount,
	}
	if job.Msg.Timestamp > 0 {
		rec.CreatedAt = time.Unix(job.Msg.Timestamp, 0).UTC()
	}
	return rec
}

func validate(msg schema.JobMessage) error {
	switch {
	case msg.JobID == "":
		return joberr.Validation("validate", "missing job_id")
	case msg.UserID == "":
		return joberr.Validation("validate", "missing user_id")
	case msg.AssessmentName == "":
		return joberr.Validation("validate", "missing assessment_name")
	}
	return nil
}
