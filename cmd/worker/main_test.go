package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/tendant/simple-analyzer/internal/compensate"
	"github.com/tendant/simple-analyzer/internal/config"
	"github.com/tendant/simple-analyzer/internal/heartbeat"
	"github.com/tendant/simple-analyzer/internal/jobstore"
	"github.com/tendant/simple-analyzer/internal/persistence"
)

func TestBuildAnalyzersPerAssessment(t *testing.T) {
	r := buildAnalyzers(config.ProviderConfig{
		Endpoint:    "http://provider",
		Assessments: []string{"personality", "career"},
	})
	a, err := r.Get("career")
	if err != nil {
		t.Fatalf("career analyzer: %v", err)
	}
	if a.Name() != "career" {
		t.Fatalf("unexpected analyzer %q", a.Name())
	}
	if _, err := r.Get("tarot"); err == nil {
		t.Fatal("unconfigured assessment must be rejected")
	}
}

func TestBuildAnalyzersFallback(t *testing.T) {
	r := buildAnalyzers(config.ProviderConfig{Endpoint: "http://provider"})
	a, err := r.Get("anything")
	if err != nil {
		t.Fatalf("fallback analyzer: %v", err)
	}
	if a.Name() != "provider" {
		t.Fatalf("unexpected analyzer %q", a.Name())
	}
}

func TestTopologyFromConfig(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	topo := topology(cfg)
	if topo.Stream != "JOBS" || topo.DeadSubject != "jobs.dead" || topo.EventPrefix != "analysis.events" {
		t.Fatalf("unexpected topology: %+v", topo)
	}
}

func TestExpireFuncFailsJob(t *testing.T) {
	ctx := context.Background()
	backend := persistence.NewMemoryBackend()
	if err := backend.CreateJob(ctx, &persistence.JobRecord{ID: "job-1", UserID: "u1", Status: persistence.StatusProcessing}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	jobs := jobstore.New(backend, jobstore.Config{}, nil)
	comp := compensate.New(compensate.Config{}, jobs, nil, nil, nil)

	start := time.Now().Add(-3 * time.Hour)
	expire := expireFunc(jobs, comp, 2*time.Hour, slog.Default())
	expire(ctx, heartbeat.Record{JobID: "job-1", StartTime: start, LastBeat: start.Add(time.Hour)})

	job, err := backend.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != persistence.StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if comp.Pending() != 1 {
		t.Fatalf("refund should be queued without a refund path, pending = %d", comp.Pending())
	}
}
