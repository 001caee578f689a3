// Package ratelimit enforces token-bucket admission limits per scope (global,
// user, ip) and a soft limit on calls to the inference provider.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-analyzer/internal/backoff"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/telemetry"
)

type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeProvider Scope = "provider"
)

// Rule allows Capacity requests per Window. A zero Capacity disables the rule.
type Rule struct {
	Capacity int
	Window   time.Duration
}

func (r Rule) enabled() bool { return r.Capacity > 0 && r.Window > 0 }

// Rules configures the admission scopes.
type Rules struct {
	Global Rule
	User   Rule
	IP     Rule
}

func DefaultRules() Rules {
	return Rules{
		Global: Rule{Capacity: 600, Window: time.Minute},
		User:   Rule{Capacity: 50, Window: time.Hour},
		IP:     Rule{Capacity: 100, Window: time.Hour},
	}
}

// Subject identifies who is being admitted.
type Subject struct {
	UserID string
	IP     string
}

// Decision is the admission outcome. RetryAfter is how long until the
// rejecting bucket holds one token again.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
}

// Limiter is the hard admission gate: a rejected request is not retried here.
type Limiter struct {
	rules   Rules
	store   BucketStore
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Limiter)

func WithLogger(l *slog.Logger) Option { return func(x *Limiter) { x.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(x *Limiter) { x.metrics = m } }

func WithClock(now func() time.Time) Option { return func(x *Limiter) { x.now = now } }

func NewLimiter(rules Rules, store BucketStore, opts ...Option) *Limiter {
	l := &Limiter{
		rules:  rules,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes one token from every applicable scope or none at all. Scopes
// whose subject field is empty are skipped. A store failure admits the
// request.
func (l *Limiter) Allow(ctx context.Context, subj Subject) (Decision, error) {
	var (
		specs  []BucketSpec
		scopes []Scope
	)
	add := func(scope Scope, rule Rule, id string) {
		if !rule.enabled() {
			return
		}
		key := string(scope)
		if id != "" {
			key += ":" + id
		}
		specs = append(specs, BucketSpec{Key: key, Capacity: rule.Capacity, Window: rule.Window})
		scopes = append(scopes, scope)
	}
	add(ScopeGlobal, l.rules.Global, "")
	if subj.UserID != "" {
		add(ScopeUser, l.rules.User, subj.UserID)
	}
	if subj.IP != "" {
		add(ScopeIP, l.rules.IP, subj.IP)
	}
	if len(specs) == 0 {
		return Decision{Allowed: true}, nil
	}

	res, err := l.store.Take(ctx, l.now(), specs)
	if err != nil {
		l.logger.Warn("rate limit store failed, admitting request", "user_id", subj.UserID, "err", err)
		return Decision{Allowed: true}, nil
	}
	if res.Allowed {
		return Decision{Allowed: true}, nil
	}

	scope := scopes[res.Failed]
	l.metrics.RateLimited(ctx, string(scope))
	return Decision{Allowed: false, Scope: scope, RetryAfter: res.RetryAfter}, nil
}

// ProviderGate throttles calls to the inference provider. Unlike Limiter it
// waits with jittered backoff before giving up.
type ProviderGate struct {
	rule        Rule
	store       BucketStore
	maxAttempts int
	backoff     backoff.Strategy
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// GateConfig configures a ProviderGate.
type GateConfig struct {
	Rule        Rule
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewProviderGate(cfg GateConfig, store BucketStore, logger *slog.Logger, metrics *telemetry.Metrics) *ProviderGate {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderGate{
		rule:        cfg.Rule,
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		backoff:     backoff.NewExponentialWithJitter(cfg.BaseDelay, cfg.MaxDelay),
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Wait blocks until a provider token is available. After MaxAttempts it
// returns a rate_limited error carrying the retry-after hint.
func (g *ProviderGate) Wait(ctx context.Context) error {
	if !g.rule.enabled() {
		return nil
	}
	spec := BucketSpec{Key: string(ScopeProvider), Capacity: g.rule.Capacity, Window: g.rule.Window}

	var retryAfter time.Duration
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		res, err := g.store.Take(ctx, g.now(), []BucketSpec{spec})
		if err != nil {
			g.logger.Warn("provider gate store failed, allowing call", "err", err)
			return nil
		}
		if res.Allowed {
			return nil
		}
		retryAfter = res.RetryAfter
		if attempt == g.maxAttempts {
			break
		}
		if err := backoff.Sleep(ctx, g.backoff.Delay(attempt)); err != nil {
			return err
		}
	}
	g.metrics.RateLimited(ctx, string(ScopeProvider))
	return joberr.RateLimited("provider gate", retryAfter)
}
