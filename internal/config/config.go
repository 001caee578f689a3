// Package config loads the worker and reconciler configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Log         LogConfig
	NATS        NATSConfig
	Persistence PersistenceConfig
	Redis       RedisConfig
	RateLimit   RateLimitConfig
	Breaker     BreakerConfig
	Dedup       DedupConfig
	Heartbeat   HeartbeatConfig
	Reconciler  ReconcilerConfig
	Pipeline    PipelineConfig
	Provider    ProviderConfig
	Billing     BillingConfig
}

type LogConfig struct {
	Level slog.Level
}

// NATSConfig names the JetStream topology.
type NATSConfig struct {
	URL           string
	Stream        string
	SubmitSubject string
	RetrySubject  string
	DeadSubject   string
	RefundSubject string
	EventPrefix   string
	Durable       string
	AckWait       time.Duration
	MaxAge        time.Duration
}

// PersistenceConfig selects the job store backend: memory, postgres, sqlite
// or http.
type PersistenceConfig struct {
	Driver   string
	DSN      string
	APIURL   string
	APIToken string
	Timeout  time.Duration
}

// RedisConfig enables shared state. With an empty URL rate-limit buckets,
// dedup entries and breaker state stay in process.
type RedisConfig struct {
	URL    string
	Prefix string
}

type RateLimitConfig struct {
	GlobalPerMinute     int
	UserPerHour         int
	IPPerHour           int
	ProviderPerMinute   int
	ProviderMaxAttempts int
	CleanupInterval     time.Duration
}

type BreakerConfig struct {
	Threshold      int
	Cooldown       time.Duration
	TrialSuccesses int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

type DedupConfig struct {
	StaleAfter    time.Duration
	Retention     time.Duration
	MaxEntries    int
	EvictInterval time.Duration
}

type HeartbeatConfig struct {
	Interval      time.Duration
	SweepInterval time.Duration
	MaxAge        time.Duration
}

type ReconcilerConfig struct {
	Enabled           bool
	Schedule          string
	ProcessingTimeout time.Duration
	QueuedTimeout     time.Duration
	CorrelationWindow time.Duration
	Limit             int
}

type PipelineConfig struct {
	Concurrency      int
	JobTimeout       time.Duration
	MaxRetries       int
	UnavailableDelay time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	FlushInterval    time.Duration
	MaxBatch         int
}

// ProviderConfig points at the analysis provider. RequiredFields lists the
// result fields a cached result must carry to be served to a duplicate.
type ProviderConfig struct {
	Endpoint       string
	Token          string
	Timeout        time.Duration
	Assessments    []string
	RequiredFields []string
}

type BillingConfig struct {
	URL   string
	Token string
}

// Load reads the configuration. Malformed values are reported together;
// Load does not validate cross-field rules, see Validate.
func Load() (*Config, error) {
	var e env
	cfg := &Config{
		Log: LogConfig{
			Level: e.getLevelEnv("LOG_LEVEL", slog.LevelInfo),
		},
		NATS: NATSConfig{
			URL:           e.getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			Stream:        e.getEnv("NATS_STREAM", "JOBS"),
			SubmitSubject: e.getEnv("JOB_SUBJECT", "jobs.submit"),
			RetrySubject:  e.getEnv("RETRY_SUBJECT", "jobs.retry"),
			DeadSubject:   e.getEnv("DLQ_SUBJECT", "jobs.dead"),
			RefundSubject: e.getEnv("REFUND_SUBJECT", "jobs.refund"),
			EventPrefix:   e.getEnv("EVENT_PREFIX", "analysis.events"),
			Durable:       e.getEnv("WORKER_DURABLE", "analyzer-worker"),
			AckWait:       e.getDurationEnv("NATS_ACK_WAIT", 2*time.Minute),
			MaxAge:        e.getDurationEnv("NATS_STREAM_MAX_AGE", 7*24*time.Hour),
		},
		Persistence: PersistenceConfig{
			Driver:   e.getEnv("PERSISTENCE_DRIVER", "memory"),
			DSN:      e.getEnv("DATABASE_URL", ""),
			APIURL:   e.getEnv("PERSISTENCE_API_URL", ""),
			APIToken: e.getEnv("PERSISTENCE_API_TOKEN", ""),
			Timeout:  e.getDurationEnv("PERSISTENCE_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:    e.getEnv("REDIS_URL", ""),
			Prefix: e.getEnv("REDIS_PREFIX", "analyzer:"),
		},
		RateLimit: RateLimitConfig{
			GlobalPerMinute:     e.getIntEnv("RATE_LIMIT_GLOBAL_PER_MINUTE", 600),
			UserPerHour:         e.getIntEnv("RATE_LIMIT_USER_PER_HOUR", 50),
			IPPerHour:           e.getIntEnv("RATE_LIMIT_IP_PER_HOUR", 100),
			ProviderPerMinute:   e.getIntEnv("PROVIDER_RATE_PER_MINUTE", 60),
			ProviderMaxAttempts: e.getIntEnv("PROVIDER_RATE_MAX_ATTEMPTS", 5),
			CleanupInterval:     e.getDurationEnv("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Breaker: BreakerConfig{
			Threshold:      e.getIntEnv("BREAKER_THRESHOLD", 5),
			Cooldown:       e.getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),
			TrialSuccesses: e.getIntEnv("BREAKER_TRIAL_SUCCESSES", 3),
			MaxAttempts:    e.getIntEnv("PERSISTENCE_MAX_ATTEMPTS", 3),
			BaseDelay:      e.getDurationEnv("PERSISTENCE_RETRY_DELAY", 200*time.Millisecond),
			MaxDelay:       e.getDurationEnv("PERSISTENCE_RETRY_MAX_DELAY", 5*time.Second),
		},
		Dedup: DedupConfig{
			StaleAfter:    e.getDurationEnv("DEDUP_STALE_AFTER", 2*time.Hour),
			Retention:     e.getDurationEnv("DEDUP_RETENTION", 24*time.Hour),
			MaxEntries:    e.getIntEnv("DEDUP_MAX_ENTRIES", 100_000),
			EvictInterval: e.getDurationEnv("DEDUP_EVICT_INTERVAL", 10*time.Minute),
		},
		Heartbeat: HeartbeatConfig{
			Interval:      e.getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
			SweepInterval: e.getDurationEnv("HEARTBEAT_SWEEP_INTERVAL", time.Hour),
			MaxAge:        e.getDurationEnv("HEARTBEAT_MAX_AGE", 2*time.Hour),
		},
		Reconciler: ReconcilerConfig{
			Enabled:           e.getBoolEnv("RECONCILER_ENABLED", true),
			Schedule:          e.getEnv("RECONCILER_SCHEDULE", "@every 10m"),
			ProcessingTimeout: e.getDurationEnv("RECONCILER_PROCESSING_TIMEOUT", 2*time.Hour),
			QueuedTimeout:     e.getDurationEnv("RECONCILER_QUEUED_TIMEOUT", 24*time.Hour),
			CorrelationWindow: e.getDurationEnv("RECONCILER_CORRELATION_WINDOW", 2*time.Hour),
			Limit:             e.getIntEnv("RECONCILER_LIMIT", 500),
		},
		Pipeline: PipelineConfig{
			Concurrency:      e.getIntEnv("WORKER_CONCURRENCY", 8),
			JobTimeout:       e.getDurationEnv("JOB_TIMEOUT", 10*time.Minute),
			MaxRetries:       e.getIntEnv("MAX_RETRIES", 3),
			UnavailableDelay: e.getDurationEnv("UNAVAILABLE_REQUEUE_DELAY", 30*time.Second),
			RetryBaseDelay:   e.getDurationEnv("RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:    e.getDurationEnv("RETRY_MAX_DELAY", 5*time.Minute),
			FlushInterval:    e.getDurationEnv("STATUS_FLUSH_INTERVAL", 2*time.Second),
			MaxBatch:         e.getIntEnv("STATUS_MAX_BATCH", 50),
		},
		Provider: ProviderConfig{
			Endpoint:       e.getEnv("PROVIDER_URL", ""),
			Token:          e.getEnv("PROVIDER_TOKEN", ""),
			Timeout:        e.getDurationEnv("PROVIDER_TIMEOUT", 2*time.Minute),
			Assessments:    e.getSliceEnv("PROVIDER_ASSESSMENTS", nil),
			RequiredFields: e.getSliceEnv("RESULT_REQUIRED_FIELDS", nil),
		},
		Billing: BillingConfig{
			URL:   e.getEnv("BILLING_URL", ""),
			Token: e.getEnv("BILLING_TOKEN", ""),
		},
	}
	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	return cfg, nil
}

// Validate checks cross-field rules and returns every violation.
func (c *Config) Validate() error {
	var errs []error

	if c.NATS.URL == "" {
		errs = append(errs, errors.New("NATS_URL is required"))
	}
	if c.NATS.SubmitSubject == c.NATS.DeadSubject {
		errs = append(errs, errors.New("JOB_SUBJECT and DLQ_SUBJECT must differ"))
	}

	switch c.Persistence.Driver {
	case "memory":
	case "postgres", "sqlite", "sqlite3":
		if c.Persistence.DSN == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for driver %q", c.Persistence.Driver))
		}
	case "http":
		if c.Persistence.APIURL == "" {
			errs = append(errs, errors.New("PERSISTENCE_API_URL is required for driver \"http\""))
		}
	default:
		errs = append(errs, fmt.Errorf("PERSISTENCE_DRIVER must be memory, postgres, sqlite or http, got %q", c.Persistence.Driver))
	}

	if c.Pipeline.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.Pipeline.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if c.Heartbeat.Interval >= c.NATS.AckWait {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be shorter than NATS_ACK_WAIT"))
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, errors.New("BREAKER_THRESHOLD must be positive"))
	}
	if c.Reconciler.Enabled && c.Reconciler.Schedule == "" {
		errs = append(errs, errors.New("RECONCILER_SCHEDULE is required when the reconciler is enabled"))
	}
	if c.Reconciler.ProcessingTimeout <= c.Heartbeat.Interval {
		errs = append(errs, errors.New("RECONCILER_PROCESSING_TIMEOUT must exceed HEARTBEAT_INTERVAL"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// env reads typed values and collects parse errors instead of silently
// falling back to defaults.
type env struct {
	errs []error
}

func (e *env) getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (e *env) getIntEnv(key string, defaultValue int) int {
	value := e.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return i
}

func (e *env) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := e.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}

func (e *env) getBoolEnv(key string, defaultValue bool) bool {
	value := e.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return defaultValue
	}
	return b
}

func (e *env) getSliceEnv(key string, defaultValue []string) []string {
	value := e.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *env) getLevelEnv(key string, defaultValue slog.Level) slog.Level {
	value := e.getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(value)); err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid level %q", key, value))
		return defaultValue
	}
	return lvl
}
