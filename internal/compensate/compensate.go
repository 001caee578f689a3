// Package compensate undoes the user-visible effects of a failed job: the
// job is marked failed, a failed event goes out and the charged tokens are
// refunded.
package compensate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-analyzer/internal/backoff"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/persistence"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

// refundNamespace scopes deterministic refund IDs so billing can drop repeats.
var refundNamespace = uuid.MustParse("5b0f4d6e-58a8-4e59-9a3b-1f2f3c9f7a10")

// JobFailer is the synchronous terminal write. jobstore.Store implements it.
type JobFailer interface {
	Fail(ctx context.Context, jobID, msg string, elapsed time.Duration) (*persistence.JobRecord, error)
}

type EventSink interface {
	Publish(ctx context.Context, ev schema.JobEvent) error
}

// RefundPublisher hands a refund to the durable refunds subject.
type RefundPublisher interface {
	PublishRefund(ctx context.Context, req schema.RefundRequest) error
}

// Refunder calls billing directly.
type Refunder interface {
	Refund(ctx context.Context, req schema.RefundRequest) error
}

// Target identifies the job being compensated.
type Target struct {
	JobID          string
	UserID         string
	AssessmentName string
	RetryCount     int
	Elapsed        time.Duration
}

type Config struct {
	RetryInterval time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryInterval: 30 * time.Second,
		MaxAttempts:   10,
		BaseDelay:     30 * time.Second,
		MaxDelay:      30 * time.Minute,
	}
}

type queued struct {
	req      schema.RefundRequest
	attempts int
	nextAt   time.Time
}

type Compensator struct {
	cfg       Config
	jobs      JobFailer
	events    EventSink
	publisher RefundPublisher
	refunder  Refunder
	backoff   backoff.Strategy
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	queue []*queued
}

type Option func(*Compensator)

func WithLogger(l *slog.Logger) Option { return func(c *Compensator) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Compensator) { c.now = now } }

// New wires a Compensator. events, publisher and refunder may be nil; with neither,
// refunds go straight to the retry queue and are dropped after MaxAttempts.
func New(cfg Config, jobs JobFailer, events EventSink, publisher RefundPublisher, refunder Refunder, opts ...Option) *Compensator {
	def := DefaultConfig()
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	c := &Compensator{
		cfg:       cfg,
		jobs:      jobs,
		events:    events,
		publisher: publisher,
		refunder:  refunder,
		backoff:   backoff.NewExponential(cfg.BaseDelay, cfg.MaxDelay),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compensate marks the job failed, announces it and refunds the user.
//
// A job that is already terminal is left alone: it was completed or was
// compensated by someone else. Any other failure of the terminal write is
// returned, but the event and refund still go out so the user is never left
// charged for a job that will not finish.
func (c *Compensator) Compensate(ctx context.Context, t Target, cause error) error {
	logger := c.logger.With("job_id", t.JobID, "user_id", t.UserID)
	kind := joberr.KindOf(cause)
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	_, failErr := c.jobs.Fail(ctx, t.JobID, msg, t.Elapsed)
	if errors.Is(failErr, persistence.ErrConflict) {
		logger.Info("job already terminal, skipping compensation", "failure_type", kind)
		return nil
	}
	if failErr != nil {
		logger.Error("mark job failed", "failure_type", kind, "err", failErr)
	}

	ev := schema.JobEvent{
		Stage:          schema.StageFailed,
		JobID:          t.JobID,
		UserID:         t.UserID,
		AssessmentName: t.AssessmentName,
		Error:          msg,
		FailureType:    kind,
		Metadata: schema.EventMetadata{
			ProcessingTimeMs: t.Elapsed.Milliseconds(),
			RetryCount:       t.RetryCount,
		},
	}
	if c.events != nil {
		if err := c.events.Publish(ctx, ev); err != nil {
			logger.Warn("publish failed event", "err", err)
		}
	}

	c.Refund(ctx, t, string(kind)+": "+msg)

	if failErr != nil {
		return fmt.Errorf("compensate job %s: %w", t.JobID, failErr)
	}
	return nil
}

// RefundID is the idempotency key of the refund for jobID.
func RefundID(jobID string) string {
	return uuid.NewSHA1(refundNamespace, []byte(jobID)).String()
}

// Refund requests a refund for the job. The request goes to the refunds
// subject first, then directly to billing, then to the retry queue. It never
// blocks on billing beyond a single attempt.
func (c *Compensator) Refund(ctx context.Context, t Target, reason string) {
	req := schema.RefundRequest{
		ID:          RefundID(t.JobID),
		JobID:       t.JobID,
		UserID:      t.UserID,
		Reason:      reason,
		RequestedAt: c.now().Unix(),
	}
	logger := c.logger.With("job_id", t.JobID, "refund_id", req.ID)

	if c.publisher != nil {
		err := c.publisher.PublishRefund(ctx, req)
		if err == nil {
			logger.Info("refund requested")
			return
		}
		logger.Warn("publish refund failed, calling billing directly", "err", err)
	}
	if c.refunder != nil {
		err := c.refunder.Refund(ctx, req)
		if err == nil {
			logger.Info("refund issued")
			return
		}
		logger.Warn("direct refund failed, queueing for retry", "err", err)
	}
	c.enqueue(req)
}

func (c *Compensator) enqueue(req schema.RefundRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, &queued{req: req, attempts: 1, nextAt: c.now().Add(c.backoff.Delay(1))})
}

// Pending reports queued refunds.
func (c *Compensator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Drain retries every queued refund that is due and returns how many
// succeeded. Refunds that fail MaxAttempts times are dropped with an error
// log.
func (c *Compensator) Drain(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	var due, later []*queued
	for _, q := range c.queue {
		if now.Before(q.nextAt) {
			later = append(later, q)
		} else {
			due = append(due, q)
		}
	}
	c.queue = later
	c.mu.Unlock()

	done := 0
	var retry []*queued
	for _, q := range due {
		err := c.retry(ctx, q.req)
		if err == nil {
			done++
			continue
		}
		q.attempts++
		if q.attempts > c.cfg.MaxAttempts {
			c.logger.Error("refund abandoned", "job_id", q.req.JobID, "refund_id", q.req.ID, "attempts", q.attempts-1, "err", err)
			continue
		}
		q.nextAt = now.Add(c.backoff.Delay(q.attempts))
		retry = append(retry, q)
	}

	if len(retry) > 0 {
		c.mu.Lock()
		c.queue = append(c.queue, retry...)
		c.mu.Unlock()
	}
	return done
}

func (c *Compensator) retry(ctx context.Context, req schema.RefundRequest) error {
	if c.refunder != nil {
		return c.refunder.Refund(ctx, req)
	}
	if c.publisher != nil {
		return c.publisher.PublishRefund(ctx, req)
	}
	return errors.New("compensate: no refund path configured")
}

// Run drains the retry queue every RetryInterval until ctx is done.
func (c *Compensator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if n := c.Pending(); n > 0 {
				c.logger.Warn("refunds still queued at shutdown", "count", n)
			}
			return nil
		case <-ticker.C:
			c.Drain(ctx)
		}
	}
}
