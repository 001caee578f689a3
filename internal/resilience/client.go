package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-analyzer/internal/backoff"
)

// ClientConfig bounds retries of a single logical call.
type ClientConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int

	// BaseDelay is the delay before the first retry; later retries double it.
	BaseDelay time.Duration

	// MaxDelay caps a single retry delay. Zero means uncapped.
	MaxDelay time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Client runs downstream calls through the breaker and the retry policy.
type Client struct {
	breaker *Breaker
	cfg     ClientConfig
	backoff backoff.Strategy
	logger  *slog.Logger
}

func NewClient(breaker *Breaker, cfg ClientConfig, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		breaker: breaker,
		cfg:     cfg,
		backoff: backoff.NewExponential(cfg.BaseDelay, cfg.MaxDelay),
		logger:  logger,
	}
}

func (c *Client) Breaker() *Breaker { return c.breaker }

// Do invokes fn until it succeeds, fails with a non-retryable error, the
// attempt budget runs out, or the breaker opens. Every outcome is recorded on
// the breaker.
func (c *Client) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := c.breaker.Allow(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		err := fn(ctx)
		c.record(ctx, err)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= c.cfg.MaxAttempts || ctx.Err() != nil {
			return err
		}

		delay := c.backoff.Delay(attempt)
		c.logger.Warn("retrying downstream call", "op", op, "attempt", attempt, "delay", delay, "err", err)
		if sleepErr := backoff.Sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

func (c *Client) record(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.breaker.Record(ctx, !countsAsFailure(err))
}
