// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-analyzer/internal/app"
	"github.com/tendant/simple-analyzer/internal/bus"
	"github.com/tendant/simple-analyzer/internal/compensate"
	"github.com/tendant/simple-analyzer/internal/config"
	"github.com/tendant/simple-analyzer/internal/consumer"
	"github.com/tendant/simple-analyzer/internal/deadletter"
	"github.com/tendant/simple-analyzer/internal/dedup"
	"github.com/tendant/simple-analyzer/internal/heartbeat"
	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/jobstore"
	"github.com/tendant/simple-analyzer/internal/process"
	"github.com/tendant/simple-analyzer/internal/ratelimit"
	"github.com/tendant/simple-analyzer/internal/reconcile"
	"github.com/tendant/simple-analyzer/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := app.NewLogger(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid config", err)
	}
	if cfg.Provider.Endpoint == "" {
		fatal(logger, "invalid config", errors.New("PROVIDER_URL is required"))
	}
	logger.Info("worker starting",
		"nats_url", cfg.NATS.URL,
		"stream", cfg.NATS.Stream,
		"job_subject", cfg.NATS.SubmitSubject,
		"persistence", cfg.Persistence.Driver,
		"shared_state", cfg.Redis.URL != "",
		"concurrency", cfg.Pipeline.Concurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.Default()

	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		fatal(logger, "connect to redis", err)
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info("connected to redis")
	}

	backend, err := app.OpenBackend(ctx, cfg, rdb, logger, metrics)
	if err != nil {
		fatal(logger, "open persistence", err, "driver", cfg.Persistence.Driver)
	}
	defer backend.Close()

	nc, err := bus.Connect(cfg.NATS.URL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATS.URL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATS.URL)
	defer nc.Close()

	topo := topology(cfg)
	if err := nc.EnsureStream(ctx, topo); err != nil {
		fatal(logger, "ensure stream", err, "stream", topo.Stream)
	}

	// background actors outlive the consumer so in-flight jobs can finish
	actx, cancelActors := context.WithCancel(context.Background())
	defer cancelActors()
	g, actx := errgroup.WithContext(actx)

	jobs := jobstore.New(backend, jobstore.Config{
		FlushInterval: cfg.Pipeline.FlushInterval,
		MaxBatch:      cfg.Pipeline.MaxBatch,
	}, logger)
	g.Go(func() error { return jobs.Run(actx) })

	events := bus.NewEventPublisher(nc, topo.EventPrefix)

	var refunder compensate.Refunder
	if cfg.Billing.URL != "" {
		refunder = compensate.NewHTTPRefunder(cfg.Billing.URL, cfg.Billing.Token, nil)
	}
	comp := compensate.New(compensate.DefaultConfig(), jobs, events,
		bus.NewRefundPublisher(nc, topo.RefundSubject), refunder,
		compensate.WithLogger(logger))
	g.Go(func() error { return comp.Run(actx) })

	var (
		buckets   ratelimit.BucketStore
		dedupKeys dedup.Store
	)
	if rdb != nil {
		buckets = ratelimit.NewRedisStore(rdb, cfg.Redis.Prefix)
		dedupKeys = dedup.NewRedisStore(rdb, cfg.Redis.Prefix, dedup.EvictPolicy{
			StaleAfter: cfg.Dedup.StaleAfter,
			Retention:  cfg.Dedup.Retention,
			MaxEntries: cfg.Dedup.MaxEntries,
		})
	} else {
		mem := ratelimit.NewMemoryStore()
		g.Go(func() error { return mem.Run(actx, cfg.RateLimit.CleanupInterval) })
		buckets = mem
		dedupKeys = dedup.NewMemoryStore(cfg.Dedup.MaxEntries)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Rules{
		Global: ratelimit.Rule{Capacity: cfg.RateLimit.GlobalPerMinute, Window: time.Minute},
		User:   ratelimit.Rule{Capacity: cfg.RateLimit.UserPerHour, Window: time.Hour},
		IP:     ratelimit.Rule{Capacity: cfg.RateLimit.IPPerHour, Window: time.Hour},
	}, buckets, ratelimit.WithLogger(logger), ratelimit.WithMetrics(metrics))
	gate := ratelimit.NewProviderGate(ratelimit.GateConfig{
		Rule:        ratelimit.Rule{Capacity: cfg.RateLimit.ProviderPerMinute, Window: time.Minute},
		MaxAttempts: cfg.RateLimit.ProviderMaxAttempts,
	}, buckets, logger, metrics)

	guard := dedup.NewGuard(dedup.Config{
		StaleAfter:    cfg.Dedup.StaleAfter,
		Retention:     cfg.Dedup.Retention,
		MaxEntries:    cfg.Dedup.MaxEntries,
		EvictInterval: cfg.Dedup.EvictInterval,
	}, dedupKeys, process.NewResultChecker(jobs, cfg.Provider.RequiredFields, nil),
		dedup.WithLogger(logger), dedup.WithMetrics(metrics))
	g.Go(func() error { return guard.Run(actx) })

	monitor := heartbeat.New(heartbeat.Config{
		Interval:      cfg.Heartbeat.Interval,
		SweepInterval: cfg.Heartbeat.SweepInterval,
		MaxAge:        cfg.Heartbeat.MaxAge,
	}, jobs, expireFunc(jobs, comp, cfg.Heartbeat.MaxAge, logger), heartbeat.WithLogger(logger))
	g.Go(func() error { return monitor.Run(actx) })

	if cfg.Reconciler.Enabled {
		rec := reconcile.New(jobs, comp, events, reconcile.WithLogger(logger), reconcile.WithMetrics(metrics))
		sched, err := reconcile.NewScheduler(rec, cfg.Reconciler.Schedule, reconcileOptions(cfg), logger)
		if err != nil {
			fatal(logger, "reconciler schedule", err, "schedule", cfg.Reconciler.Schedule)
		}
		g.Go(func() error { return sched.Run(actx) })
		logger.Info("reconciler scheduled", "schedule", cfg.Reconciler.Schedule)
	}

	pipeline := process.New(process.Config{JobTimeout: cfg.Pipeline.JobTimeout}, process.Deps{
		Limiter:   limiter,
		Gate:      gate,
		Guard:     guard,
		Jobs:      jobs,
		Heartbeat: monitor,
		Analyzers: buildAnalyzers(cfg.Provider),
		Events:    events,
		Metrics:   metrics,
		Logger:    logger,
	})
	router := deadletter.New(deadletter.Config{
		MaxRetries:       cfg.Pipeline.MaxRetries,
		RetrySubject:     topo.RetrySubject,
		DeadSubject:      topo.DeadSubject,
		UnavailableDelay: cfg.Pipeline.UnavailableDelay,
		BaseDelay:        cfg.Pipeline.RetryBaseDelay,
		MaxDelay:         cfg.Pipeline.RetryMaxDelay,
	}, nc, comp, deadletter.WithLogger(logger), deadletter.WithMetrics(metrics))
	cons := consumer.New(consumer.Config{Concurrency: cfg.Pipeline.Concurrency}, pipeline, router,
		consumer.WithLogger(logger))

	stopConsume, err := nc.Consume(ctx, topo.Stream, bus.ConsumerConfig{
		Durable:       cfg.NATS.Durable,
		Subjects:      []string{topo.SubmitSubject, topo.RetrySubject},
		AckWait:       cfg.NATS.AckWait,
		MaxAckPending: cfg.Pipeline.Concurrency,
	}, func(d bus.Delivery) {
		cons.Dispatch(ctx, d)
	})
	if err != nil {
		fatal(logger, "consume jobs", err, "stream", topo.Stream, "durable", cfg.NATS.Durable)
	}
	logger.Info("listening for jobs", "subjects", []string{topo.SubmitSubject, topo.RetrySubject})

	select {
	case <-ctx.Done():
	case <-actx.Done():
		logger.Error("background actor stopped, shutting down")
	}

	logger.Info("shutting down")
	stopConsume()
	cons.Wait()
	cancelActors()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("background actor failed", "err", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n := jobs.Flush(flushCtx); n > 0 {
		logger.Info("flushed pending status writes", "count", n)
	}
	logger.Info("worker stopped")
}

func topology(cfg *config.Config) bus.Topology {
	return bus.Topology{
		Stream:        cfg.NATS.Stream,
		SubmitSubject: cfg.NATS.SubmitSubject,
		RetrySubject:  cfg.NATS.RetrySubject,
		DeadSubject:   cfg.NATS.DeadSubject,
		RefundSubject: cfg.NATS.RefundSubject,
		EventPrefix:   cfg.NATS.EventPrefix,
		MaxAge:        cfg.NATS.MaxAge,
	}
}

func reconcileOptions(cfg *config.Config) reconcile.Options {
	return reconcile.Options{
		ProcessingTimeout: cfg.Reconciler.ProcessingTimeout,
		QueuedTimeout:     cfg.Reconciler.QueuedTimeout,
		CorrelationWindow: cfg.Reconciler.CorrelationWindow,
		Limit:             cfg.Reconciler.Limit,
	}
}

// buildAnalyzers registers one provider analyzer per configured assessment.
// With none configured, every assessment goes to the provider endpoint.
func buildAnalyzers(cfg config.ProviderConfig) *process.Registry {
	if len(cfg.Assessments) == 0 {
		return process.NewRegistry(process.NewHTTPAnalyzer("provider", cfg.Endpoint, cfg.Token, cfg.Timeout))
	}
	r := process.NewRegistry(nil)
	for _, name := range cfg.Assessments {
		r.Register(name, process.NewHTTPAnalyzer(name, cfg.Endpoint, cfg.Token, cfg.Timeout))
	}
	return r
}

// expireFunc fails and compensates a job whose heartbeat outlived maxAge.
func expireFunc(jobs *jobstore.Store, comp *compensate.Compensator, maxAge time.Duration, logger *slog.Logger) heartbeat.ExpireFunc {
	return func(ctx context.Context, rec heartbeat.Record) {
		job, err := jobs.Get(ctx, rec.JobID)
		if err != nil {
			logger.Warn("expire heartbeat: load job", "job_id", rec.JobID, "err", err)
			return
		}
		t := compensate.Target{
			JobID:          job.ID,
			UserID:         job.UserID,
			AssessmentName: job.AssessmentName,
			RetryCount:     job.RetryCount,
			Elapsed:        rec.LastBeat.Sub(rec.StartTime),
		}
		if err := comp.Compensate(ctx, t, joberr.Timeout("heartbeat", maxAge)); err != nil {
			logger.Warn("expire heartbeat: compensate", "job_id", rec.JobID, "err", err)
		}
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
