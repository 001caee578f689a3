// Package consumer pulls job deliveries and dispatches them to the pipeline
// under a fixed concurrency limit.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-analyzer/internal/bus"
	"github.com/tendant/simple-analyzer/internal/deadletter"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/process"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

type Runner interface {
	Run(ctx context.Context, job process.Job) (process.Outcome, error)
}

type Router interface {
	Route(ctx context.Context, d bus.Delivery, f deadletter.Failure) deadletter.Outcome
}

type Config struct {
	Concurrency int
}

type Consumer struct {
	runner Runner
	router Router
	sem    *semaphore.Weighted
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

type Option func(*Consumer)

func WithLogger(l *slog.Logger) Option { return func(c *Consumer) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Consumer) { c.now = now } }

func New(cfg Config, runner Runner, router Router, opts ...Option) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	c := &Consumer{
		runner: runner,
		router: router,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch waits for a free slot and handles d on its own goroutine. It
// blocks the caller while all slots are busy. If ctx ends first the delivery
// is returned to the broker.
//
// Once dispatched, a job is detached from ctx: a paid provider call in
// flight at shutdown runs to completion, bounded only by the job timeout.
// Wait blocks until such jobs settle.
func (c *Consumer) Dispatch(ctx context.Context, d bus.Delivery) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		_ = d.Nak()
		return
	}
	jobCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		c.Handle(jobCtx, d)
	}()
}

// Wait blocks until every dispatched delivery is settled.
func (c *Consumer) Wait() { c.wg.Wait() }

// Handle processes one delivery and settles it. Nothing escapes: failures
// and panics are routed to the dead-letter router. A panic raised after the
// delivery was handed to a settling call is only logged; the router may
// already have compensated the job.
func (c *Consumer) Handle(ctx context.Context, d bus.Delivery) {
	start := c.now()
	var (
		msg     *schema.JobMessage
		retry   int
		settled bool
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		c.logger.Error("panic while handling job", "panic", r, "settled", settled, "stack", string(debug.Stack()))
		if settled {
			return
		}
		c.router.Route(ctx, d, deadletter.Failure{
			Msg:        msg,
			Raw:        d.Data(),
			RetryCount: retry,
			Elapsed:    c.now().Sub(start),
			Err:        joberr.Internal("handle", fmt.Errorf("panic: %v", r)),
		})
	}()

	var m schema.JobMessage
	if err := json.Unmarshal(d.Data(), &m); err != nil {
		settled = true
		c.router.Route(ctx, d, deadletter.Failure{
			Raw: d.Data(),
			Err: joberr.Validation("decode", "%v", err),
		})
		return
	}
	msg = &m

	var disagree bool
	retry, disagree = ResolveRetryCount(d.Headers(), m.RetryCount)
	logger := c.logger.With("job_id", m.JobID, "retry_count", retry)
	if disagree {
		logger.Warn("retry count mismatch, using header", "payload_retry_count", m.RetryCount)
	}

	if nb, ok := bus.NotBefore(d.Headers()); ok {
		if wait := nb.Sub(c.now()); wait > 0 {
			logger.Debug("retry not due yet", "wait", wait)
			settled = true
			if err := d.NakWithDelay(wait); err != nil {
				logger.Warn("nak early retry", "err", err)
			}
			return
		}
	}

	out, err := c.runner.Run(ctx, process.Job{Msg: m, RetryCount: retry, Extend: d.InProgress})
	settled = true
	if err == nil {
		if err := d.Ack(); err != nil {
			logger.Warn("ack delivery", "err", err)
		}
		logger.Debug("job settled", "result_ref", out.ResultRef, "duplicate", out.Duplicate, "abandoned", out.Abandoned)
		return
	}

	if ctx.Err() != nil {
		// the job context ended; let the broker redeliver
		logger.Info("worker stopping, returning job to queue", "err", err)
		_ = d.Nak()
		return
	}
	c.router.Route(ctx, d, deadletter.Failure{
		Msg:        msg,
		Raw:        d.Data(),
		RetryCount: retry,
		Elapsed:    c.now().Sub(start),
		Err:        err,
	})
}

// ResolveRetryCount merges the Retry-Count header with the payload value.
// The header is authoritative; the larger value wins so a stale header never
// hands out extra attempts. disagree reports a header and payload mismatch.
func ResolveRetryCount(h nats.Header, payload int) (n int, disagree bool) {
	header, ok := bus.RetryCount(h)
	if payload < 0 {
		payload = 0
	}
	if !ok {
		return payload, false
	}
	return max(header, payload), header != payload
}
