// Package deadletter decides what happens to a job message whose processing
// failed: redelivery later, a delayed retry or the dead-letter subject.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-analyzer/internal/backoff"
	"github.com/tendant/simple-analyzer/internal/bus"
	"github.com/tendant/simple-analyzer/internal/compensate"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/telemetry"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

type Compensator interface {
	Compensate(ctx context.Context, t compensate.Target, cause error) error
}

type Outcome string

const (
	// OutcomeRequeued leaves the message with the broker for later redelivery.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeRetried republished the message with a higher retry count.
	OutcomeRetried Outcome = "retried"
	// OutcomeDeadLettered compensated the job and terminated the message.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

type Config struct {
	MaxRetries   int
	RetrySubject string
	DeadSubject  string

	// UnavailableDelay is how long to hold a message back while the
	// persistence breaker is open. It should be at least the breaker cooldown.
	UnavailableDelay time.Duration

	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultConfig() Config {
	t := bus.DefaultTopology()
	return Config{
		MaxRetries:       3,
		RetrySubject:     t.RetrySubject,
		DeadSubject:      t.DeadSubject,
		UnavailableDelay: 30 * time.Second,
		BaseDelay:        5 * time.Second,
		MaxDelay:         5 * time.Minute,
	}
}

// Failure describes one failed delivery.
type Failure struct {
	// Msg is nil when the body could not be decoded.
	Msg        *schema.JobMessage
	Raw        []byte
	RetryCount int
	Elapsed    time.Duration
	Err        error
}

type Router struct {
	cfg        Config
	pub        bus.MsgPublisher
	compensate Compensator
	backoff    backoff.Strategy
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(r *Router) { r.metrics = m } }

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

func New(cfg Config, pub bus.MsgPublisher, comp Compensator, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetrySubject == "" {
		cfg.RetrySubject = def.RetrySubject
	}
	if cfg.DeadSubject == "" {
		cfg.DeadSubject = def.DeadSubject
	}
	if cfg.UnavailableDelay <= 0 {
		cfg.UnavailableDelay = def.UnavailableDelay
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	r := &Router{
		cfg:        cfg,
		pub:        pub,
		compensate: comp,
		backoff:    backoff.NewExponential(cfg.BaseDelay, cfg.MaxDelay),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route settles the delivery for f and reports what it did.
//
// An open breaker holds the message back without spending retry budget.
// Retryable kinds with budget left are republished with an incremented
// Retry-Count and a Not-Before delay. Everything else is terminal: the job is
// compensated, a DeadLetter is published and the delivery is terminated.
// Provider failures are always terminal so the provider is never billed
// twice for one job.
func (r *Router) Route(ctx context.Context, d bus.Delivery, f Failure) Outcome {
	kind := joberr.KindOf(f.Err)
	logger := r.logger.With("failure_type", kind, "retry_count", f.RetryCount)
	if f.Msg != nil {
		logger = logger.With("job_id", f.Msg.JobID)
	}

	if kind == schema.FailureTypeUnavailable {
		logger.Warn("dependency unavailable, requeueing", "delay", r.cfg.UnavailableDelay, "err", f.Err)
		if err := d.NakWithDelay(r.cfg.UnavailableDelay); err != nil {
			logger.Error("nak delivery", "err", err)
		}
		return OutcomeRequeued
	}

	if f.Msg != nil && joberr.Retryable(kind) && f.RetryCount < r.cfg.MaxRetries {
		return r.retry(ctx, d, f, kind, logger)
	}
	return r.deadLetter(ctx, d, f, kind, logger)
}

func (r *Router) retry(ctx context.Context, d bus.Delivery, f Failure, kind schema.FailureType, logger *slog.Logger) Outcome {
	next := f.RetryCount + 1
	delay := r.backoff.Delay(next)
	if kind == schema.FailureTypeRateLimited {
		if ra := joberr.RetryAfterOf(f.Err); ra > 0 {
			delay = ra
		}
	}

	msg := *f.Msg
	msg.RetryCount = next
	body, err := json.Marshal(msg)
	if err != nil {
		logger.Error("encode retry message", "err", err)
		_ = d.NakWithDelay(delay)
		return OutcomeRequeued
	}

	out := bus.NewJobMsg(r.cfg.RetrySubject, body, next, r.now().Add(delay))
	out.Header.Set(schema.HeaderFailure, string(kind))
	if err := r.pub.PublishMsg(ctx, out); err != nil {
		logger.Warn("republish failed, requeueing original", "delay", delay, "err", err)
		if err := d.NakWithDelay(delay); err != nil {
			logger.Error("nak delivery", "err", err)
		}
		return OutcomeRequeued
	}
	if err := d.Ack(); err != nil {
		logger.Warn("ack original after retry publish", "err", err)
	}
	logger.Info("scheduled retry", "next_retry", next, "delay", delay, "err", f.Err)
	r.metrics.JobFinished(ctx, f.Msg.AssessmentName, "retry", f.Elapsed)
	return OutcomeRetried
}

func (r *Router) deadLetter(ctx context.Context, d bus.Delivery, f Failure, kind schema.FailureType, logger *slog.Logger) Outcome {
	cause := f.Err
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	var jm schema.JobMessage
	if f.Msg != nil {
		jm = *f.Msg
		err := r.compensate.Compensate(ctx, compensate.Target{
			JobID:          jm.JobID,
			UserID:         jm.UserID,
			AssessmentName: jm.AssessmentName,
			RetryCount:     f.RetryCount,
			Elapsed:        f.Elapsed,
		}, cause)
		if err != nil {
			logger.Error("compensation incomplete, reconciler will retry", "err", err)
		}
		r.metrics.JobFinished(ctx, jm.AssessmentName, "failed", f.Elapsed)
	}

	dl := schema.DeadLetter{
		ID:          uuid.NewString(),
		Message:     jm,
		Error:       cause.Error(),
		FailureType: kind,
		RetryCount:  f.RetryCount,
		FailedAt:    r.now().Unix(),
	}
	body, err := json.Marshal(dl)
	if err == nil {
		msg := nats.NewMsg(r.cfg.DeadSubject)
		msg.Data = body
		msg.Header.Set(schema.HeaderFailure, string(kind))
		msg.Header.Set(nats.MsgIdHdr, dl.ID)
		err = r.pub.PublishMsg(ctx, msg)
	}
	if err != nil {
		// The job is already failed and compensated; redelivering would
		// reprocess it, so the message is terminated regardless.
		logger.Error("publish dead letter", "raw", string(f.Raw), "err", err)
	}

	if err := d.Term(); err != nil {
		logger.Error("term delivery", "err", err)
	}
	logger.Warn("job dead-lettered", "err", cause)
	return OutcomeDeadLettered
}
