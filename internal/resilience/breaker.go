// Package resilience wraps calls to the persistence dependency with a
// circuit breaker and classified, bounded retries.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tendant/simple-analyzer/internal/telemetry"
)

var (
	// ErrCircuitOpen is returned without a network attempt while the breaker is open.
	ErrCircuitOpen = errors.New("resilience: circuit open, downstream unavailable")

	// ErrStateConflict is returned when a shared breaker state could not be
	// updated after repeated optimistic-lock conflicts.
	ErrStateConflict = errors.New("resilience: breaker state update conflict")
)

type Status string

const (
	StatusClosed Status = "closed"
	StatusOpen   Status = "open"
)

// Snapshot is the persisted breaker state.
type Snapshot struct {
	Status      Status    `json:"status"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Trial reports whether an open breaker has waited out its cooldown and lets
// calls through in trial mode.
func (s Snapshot) Trial(now time.Time, cooldown time.Duration) bool {
	return s.Status == StatusOpen && !now.Before(s.OpenedAt.Add(cooldown))
}

// BreakerConfig holds breaker thresholds.
type BreakerConfig struct {
	// Name keys the state in the StateStore.
	Name string

	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Cooldown is how long an open breaker rejects calls before trial mode.
	Cooldown time.Duration

	// TrialSuccesses is the number of consecutive trial successes that close it.
	TrialSuccesses int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:           "persistence",
		Threshold:      5,
		Cooldown:       30 * time.Second,
		TrialSuccesses: 3,
	}
}

// Breaker is a closed/open circuit breaker whose state lives in a StateStore,
// so several consumer instances can share it.
type Breaker struct {
	cfg     BreakerConfig
	store   StateStore
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type BreakerOption func(*Breaker)

func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = l }
}

func WithBreakerMetrics(m *telemetry.Metrics) BreakerOption {
	return func(b *Breaker) { b.metrics = m }
}

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

func NewBreaker(cfg BreakerConfig, store StateStore, opts ...BreakerOption) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.TrialSuccesses <= 0 {
		cfg.TrialSuccesses = def.TrialSuccesses
	}
	b := &Breaker{
		cfg:    cfg,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Config() BreakerConfig { return b.cfg }

// Allow returns ErrCircuitOpen while the breaker is open and cooling down.
// A state store failure lets the call through.
func (b *Breaker) Allow(ctx context.Context) error {
	snap, err := b.store.Load(ctx, b.cfg.Name)
	if err != nil {
		b.logger.Warn("breaker state load failed, allowing call", "breaker", b.cfg.Name, "err", err)
		return nil
	}
	if snap.Status == StatusOpen && !snap.Trial(b.now(), b.cfg.Cooldown) {
		return ErrCircuitOpen
	}
	return nil
}

// Record applies one call outcome to the breaker state.
func (b *Breaker) Record(ctx context.Context, success bool) {
	now := b.now()
	var from, to Status
	_, err := b.store.Update(ctx, b.cfg.Name, func(s *Snapshot) {
		if s.Status == "" {
			s.Status = StatusClosed
		}
		from = s.Status
		b.apply(s, success, now)
		to = s.Status
	})
	if err != nil {
		b.logger.Warn("breaker state update failed", "breaker", b.cfg.Name, "err", err)
		return
	}
	if from != to {
		b.logger.Info("circuit breaker transition", "breaker", b.cfg.Name, "from", from, "to", to)
		b.metrics.BreakerTransition(ctx, b.cfg.Name, string(from), string(to))
	}
}

// State returns the current snapshot.
func (b *Breaker) State(ctx context.Context) (Snapshot, error) {
	snap, err := b.store.Load(ctx, b.cfg.Name)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Status == "" {
		snap.Status = StatusClosed
	}
	return snap, nil
}

func (b *Breaker) apply(s *Snapshot, success bool, now time.Time) {
	switch s.Status {
	case StatusClosed:
		if success {
			s.Failures = 0
			return
		}
		s.Failures++
		s.LastFailure = now
		if s.Failures >= b.cfg.Threshold {
			s.Status = StatusOpen
			s.OpenedAt = now
			s.Successes = 0
		}
	case StatusOpen:
		if !s.Trial(now, b.cfg.Cooldown) {
			// outcome of a call admitted before the breaker opened
			if !success {
				s.LastFailure = now
			}
			return
		}
		if success {
			s.Successes++
			if s.Successes >= b.cfg.TrialSuccesses {
				*s = Snapshot{Status: StatusClosed, LastFailure: s.LastFailure}
			}
			return
		}
		s.Failures++
		s.Successes = 0
		s.LastFailure = now
		s.OpenedAt = now
	}
}
