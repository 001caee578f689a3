// cmd/reconcile/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-analyzer/internal/app"
	"github.com/tendant/simple-analyzer/internal/bus"
	"github.com/tendant/simple-analyzer/internal/compensate"
	"github.com/tendant/simple-analyzer/internal/config"
	"github.com/tendant/simple-analyzer/internal/jobstore"
	"github.com/tendant/simple-analyzer/internal/persistence"
	"github.com/tendant/simple-analyzer/internal/reconcile"
	"github.com/tendant/simple-analyzer/internal/telemetry"
)

type cliConfig struct {
	DryRun            bool
	Stats             bool
	ProcessingTimeout time.Duration
	QueuedTimeout     time.Duration
	CorrelationWindow time.Duration
	Limit             int
}

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred closes drain NATS and the
// backend before the process exits.
func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fail(slog.Default(), "load config", err)
	}
	logger := app.NewLogger(cfg.Log.Level)

	cli, err := parseFlags(os.Args[1:], cfg.Reconciler)
	if err != nil {
		return fail(logger, "parse flags", err)
	}
	logger.Info("reconcile starting",
		"persistence", cfg.Persistence.Driver,
		"dry_run", cli.DryRun,
		"stats", cli.Stats,
		"processing_timeout", cli.ProcessingTimeout,
		"queued_timeout", cli.QueuedTimeout,
		"correlation_window", cli.CorrelationWindow,
		"limit", cli.Limit,
	)

	ctx := context.Background()
	metrics := telemetry.Default()

	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fail(logger, "connect to redis", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	backend, err := app.OpenBackend(ctx, cfg, rdb, logger, metrics)
	if err != nil {
		return fail(logger, "open persistence", err, "driver", cfg.Persistence.Driver)
	}
	defer backend.Close()
	jobs := jobstore.New(backend, jobstore.Config{}, logger)

	if cli.Stats {
		rec := reconcile.New(jobs, nil, nil, reconcile.WithLogger(logger))
		st, err := rec.Stats(ctx, cli.ProcessingTimeout)
		if err != nil {
			return fail(logger, "query stats", err)
		}
		printStats(logger, st)
		return 0
	}

	// Connect to NATS only when changes will be made
	var (
		events reconcile.EventSink
		comp   *compensate.Compensator
	)
	if !cli.DryRun {
		nc, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			return fail(logger, "connect to NATS", err, "nats_url", cfg.NATS.URL)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATS.URL)

		pub := bus.NewEventPublisher(nc, cfg.NATS.EventPrefix)
		var refunder compensate.Refunder
		if cfg.Billing.URL != "" {
			refunder = compensate.NewHTTPRefunder(cfg.Billing.URL, cfg.Billing.Token, nil)
		}
		events = pub
		comp = compensate.New(compensate.DefaultConfig(), jobs, pub,
			bus.NewRefundPublisher(nc, cfg.NATS.RefundSubject), refunder,
			compensate.WithLogger(logger))
	}

	var refunds reconcile.Refunder
	if comp != nil {
		refunds = comp
	}
	rec := reconcile.New(jobs, refunds, events, reconcile.WithLogger(logger), reconcile.WithMetrics(metrics))
	rep, err := rec.Sweep(ctx, reconcile.Options{
		DryRun:            cli.DryRun,
		ProcessingTimeout: cli.ProcessingTimeout,
		QueuedTimeout:     cli.QueuedTimeout,
		CorrelationWindow: cli.CorrelationWindow,
		Limit:             cli.Limit,
	})
	if err != nil {
		return fail(logger, "sweep failed", err)
	}

	for _, e := range rep.Entries {
		if e.Err != nil {
			logger.Error("job not reconciled", "job_id", e.JobID, "status", e.From, "err", e.Err)
		}
	}
	logger.Info("reconcile complete",
		"examined", rep.Examined,
		"completed", rep.Completed,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"errors", rep.Errors,
		"dry_run", rep.DryRun,
	)
	return exitCode(logger, rep, comp)
}

// exitCode is 1 when any job could not be reconciled or a refund is still
// queued for retry.
func exitCode(logger *slog.Logger, rep *reconcile.Report, comp *compensate.Compensator) int {
	if comp != nil && comp.Pending() > 0 {
		logger.Error("refunds could not be delivered", "count", comp.Pending())
		return 1
	}
	if rep.Errors > 0 {
		return 1
	}
	return 0
}

func parseFlags(args []string, defaults config.ReconcilerConfig) (cliConfig, error) {
	cfg := cliConfig{DryRun: true}
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.BoolVar(&cfg.DryRun, "dry-run", true, "Show what would be reconciled without writing")
	fs.BoolVar(&cfg.Stats, "stats", false, "Print job status statistics and exit")
	fs.DurationVar(&cfg.ProcessingTimeout, "processing-timeout", defaults.ProcessingTimeout, "Age after which a processing job is stuck")
	fs.DurationVar(&cfg.QueuedTimeout, "queued-timeout", defaults.QueuedTimeout, "Age after which a queued job is stuck")
	fs.DurationVar(&cfg.CorrelationWindow, "window", defaults.CorrelationWindow, "How long after job creation a result still correlates")
	fs.IntVar(&cfg.Limit, "limit", defaults.Limit, "Maximum jobs examined per status (0 = unlimited)")

	var execute bool
	fs.BoolVar(&execute, "execute", false, "Apply the changes (disables dry-run)")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	// If --execute is specified, disable dry-run
	if execute {
		cfg.DryRun = false
	}
	if cfg.ProcessingTimeout <= 0 || cfg.QueuedTimeout <= 0 {
		return cliConfig{}, fmt.Errorf("timeouts must be positive")
	}
	return cfg, nil
}

func printStats(logger *slog.Logger, st *persistence.Stats) {
	attrs := []any{"stuck", st.Stuck}
	for _, status := range []persistence.Status{
		persistence.StatusQueued,
		persistence.StatusProcessing,
		persistence.StatusCompleted,
		persistence.StatusFailed,
	} {
		attrs = append(attrs, string(status), st.Counts[status])
	}
	if st.OldestStuckAt != nil {
		attrs = append(attrs, "oldest_stuck_at", st.OldestStuckAt.Format(time.RFC3339))
	}
	if st.LatestStuckAt != nil {
		attrs = append(attrs, "latest_stuck_at", st.LatestStuckAt.Format(time.RFC3339))
	}
	logger.Info("job statistics", attrs...)
}

func fail(logger *slog.Logger, msg string, err error, attrs ...any) int {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	return 1
}
