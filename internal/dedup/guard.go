// Package dedup prevents paying the inference provider twice for the same
// work. Jobs are fingerprinted by user, assessment and payload; a fingerprint
// that is already processing or recently completed is rejected.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-analyzer/internal/telemetry"
)

// CompletenessChecker reports whether a stored result is complete enough to
// be served again instead of recomputing it.
type CompletenessChecker interface {
	Complete(ctx context.Context, resultRef string) (bool, error)
}

// CheckerFunc adapts a function to CompletenessChecker.
type CheckerFunc func(ctx context.Context, resultRef string) (bool, error)

func (f CheckerFunc) Complete(ctx context.Context, ref string) (bool, error) { return f(ctx, ref) }

type Config struct {
	// StaleAfter lets a new job take over a processing entry nobody updated
	// for this long.
	StaleAfter time.Duration

	// Retention is how long completed entries reject duplicates.
	Retention time.Duration

	MaxEntries    int
	EvictInterval time.Duration

	// IgnoredFields are payload keys left out of the fingerprint.
	IgnoredFields []string
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:    2 * time.Hour,
		Retention:     24 * time.Hour,
		MaxEntries:    100_000,
		EvictInterval: 10 * time.Minute,
		IgnoredFields: DefaultIgnoredFields,
	}
}

// Decision is the admission outcome.
type Decision struct {
	Admitted bool

	// Overwrite is set when the job was admitted over a completed entry
	// whose result is incomplete; ResultRef then names the result to update.
	Overwrite bool

	// ResultRef is the cached result of a rejected completed duplicate, or
	// the result to overwrite.
	ResultRef string

	// DuplicateOf is the job that owns the fingerprint when rejected.
	DuplicateOf string

	// State of the entry that caused the rejection.
	State State
}

type Guard struct {
	cfg     Config
	store   Store
	checker CompletenessChecker
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Guard)

func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(g *Guard) { g.metrics = m } }

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

func NewGuard(cfg Config, store Store, checker CompletenessChecker, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = def.EvictInterval
	}
	if cfg.IgnoredFields == nil {
		cfg.IgnoredFields = def.IgnoredFields
	}
	g := &Guard{
		cfg:     cfg,
		store:   store,
		checker: checker,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Hash fingerprints a job with the configured ignored fields.
func (g *Guard) Hash(userID, assessment string, payload []byte) (string, error) {
	return Fingerprint(userID, assessment, payload, g.cfg.IgnoredFields)
}

// Admit decides whether jobID may process the fingerprint hash.
//
// A redelivery of the job that owns a processing entry is admitted again. A
// completed entry is served from cache when its result is complete and
// overwritten when it is not. If the completeness check itself fails the
// result is assumed complete and the job is rejected, favouring availability
// of the check over strict duplicate prevention.
func (g *Guard) Admit(ctx context.Context, hash, jobID string) (Decision, error) {
	now := g.now()
	existing, acquired, err := g.store.Acquire(ctx, hash, jobID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup admit: %w", err)
	}
	if acquired {
		return Decision{Admitted: true}, nil
	}

	switch existing.State {
	case StateProcessing:
		if existing.JobID == jobID {
			return Decision{Admitted: true}, nil
		}
		if now.Sub(existing.UpdatedAt) > g.cfg.StaleAfter {
			g.logger.Warn("taking over stale dedup entry", "hash", hash, "job_id", jobID, "stale_job_id", existing.JobID)
			return g.overwrite(ctx, hash, existing, jobID, now, Decision{Admitted: true})
		}
		return g.reject(ctx, existing), nil

	case StateCompleted:
		if now.Sub(existing.UpdatedAt) > g.cfg.Retention {
			return g.overwrite(ctx, hash, existing, jobID, now, Decision{Admitted: true})
		}
		if g.checker == nil || existing.ResultRef == "" {
			return g.reject(ctx, existing), nil
		}
		complete, err := g.checker.Complete(ctx, existing.ResultRef)
		if err != nil {
			g.logger.Warn("completeness check failed, treating result as complete",
				"hash", hash, "job_id", jobID, "result_ref", existing.ResultRef, "err", err)
			return g.reject(ctx, existing), nil
		}
		if complete {
			return g.reject(ctx, existing), nil
		}
		g.logger.Info("cached result incomplete, reprocessing", "job_id", jobID, "result_ref", existing.ResultRef)
		return g.overwrite(ctx, hash, existing, jobID, now, Decision{
			Admitted:  true,
			Overwrite: true,
			ResultRef: existing.ResultRef,
		})
	}
	return Decision{}, fmt.Errorf("dedup admit: unknown entry state %q", existing.State)
}

func (g *Guard) overwrite(ctx context.Context, hash string, existing *Entry, jobID string, now time.Time, admit Decision) (Decision, error) {
	ok, err := g.store.Overwrite(ctx, hash, existing, jobID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("dedup overwrite: %w", err)
	}
	if !ok {
		// another job got there first
		return g.reject(ctx, existing), nil
	}
	return admit, nil
}

func (g *Guard) reject(ctx context.Context, e *Entry) Decision {
	g.metrics.DedupRejected(ctx, string(e.State))
	d := Decision{DuplicateOf: e.JobID, State: e.State}
	if e.State == StateCompleted {
		d.ResultRef = e.ResultRef
	}
	return d
}

// Complete records the finished result for hash.
func (g *Guard) Complete(ctx context.Context, hash, jobID, resultRef string) error {
	if err := g.store.Complete(ctx, hash, jobID, resultRef, g.now()); err != nil {
		return fmt.Errorf("dedup complete: %w", err)
	}
	return nil
}

// Fail drops the processing entry so a retry of the job is admitted.
func (g *Guard) Fail(ctx context.Context, hash, jobID string) {
	if _, err := g.store.Release(ctx, hash, jobID); err != nil {
		g.logger.Warn("dedup release failed", "hash", hash, "job_id", jobID, "err", err)
	}
}

// Evict runs one eviction pass.
func (g *Guard) Evict(ctx context.Context) int {
	n, err := g.store.Evict(ctx, g.now(), EvictPolicy{
		StaleAfter: g.cfg.StaleAfter,
		Retention:  g.cfg.Retention,
		MaxEntries: g.cfg.MaxEntries,
	})
	if err != nil {
		g.logger.Warn("dedup eviction failed", "err", err)
		return 0
	}
	if n > 0 {
		g.logger.Debug("evicted dedup entries", "count", n)
	}
	return n
}

// Run evicts on EvictInterval until ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Evict(ctx)
		}
	}
}
