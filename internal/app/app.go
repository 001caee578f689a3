// Package app builds the shared infrastructure both commands start from:
// the logger, the Redis client and the persistence backend.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-analyzer/internal/config"
	"github.com/tendant/simple-analyzer/internal/persistence"
	"github.com/tendant/simple-analyzer/internal/persistence/httpapi"
	"github.com/tendant/simple-analyzer/internal/persistence/sqlstore"
	"github.com/tendant/simple-analyzer/internal/resilience"
	"github.com/tendant/simple-analyzer/internal/telemetry"
)

func NewLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// NewRedis returns nil when no Redis URL is configured.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Backend is an opened persistence backend wrapped in the circuit breaker.
type Backend struct {
	persistence.Backend
	Breaker *resilience.Breaker
	close   func() error
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackend opens the configured driver and wraps it with retries and a
// circuit breaker whose state lives in Redis when rdb is set.
func OpenBackend(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *slog.Logger, metrics *telemetry.Metrics) (*Backend, error) {
	var (
		next    persistence.Backend
		closeFn func() error
	)
	switch cfg.Persistence.Driver {
	case "memory":
		next = persistence.NewMemoryBackend()
	case "postgres", "sqlite", "sqlite3":
		dialect := sqlstore.Postgres
		if cfg.Persistence.Driver != "postgres" {
			dialect = sqlstore.SQLite
		}
		store, err := sqlstore.Open(ctx, dialect, cfg.Persistence.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		next, closeFn = store, store.Close
	case "http":
		opts := []httpapi.Option{httpapi.WithHTTPClient(&http.Client{Timeout: cfg.Persistence.Timeout})}
		if cfg.Persistence.APIToken != "" {
			opts = append(opts, httpapi.WithToken(cfg.Persistence.APIToken))
		}
		next = httpapi.New(cfg.Persistence.APIURL, opts...)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Persistence.Driver)
	}

	var state resilience.StateStore = resilience.NewMemoryStateStore()
	if rdb != nil {
		state = resilience.NewRedisStateStore(rdb, cfg.Redis.Prefix)
	}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:           "persistence",
		Threshold:      cfg.Breaker.Threshold,
		Cooldown:       cfg.Breaker.Cooldown,
		TrialSuccesses: cfg.Breaker.TrialSuccesses,
	}, state, resilience.WithBreakerLogger(logger), resilience.WithBreakerMetrics(metrics))
	client := resilience.NewClient(breaker, resilience.ClientConfig{
		MaxAttempts: cfg.Breaker.MaxAttempts,
		BaseDelay:   cfg.Breaker.BaseDelay,
		MaxDelay:    cfg.Breaker.MaxDelay,
	}, logger)

	logger.Info("persistence ready", "driver", cfg.Persistence.Driver)
	return &Backend{Backend: persistence.NewResilient(next, client), Breaker: breaker, close: closeFn}, nil
}
