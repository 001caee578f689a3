// Package jobstore applies the job status write discipline on top of a
// persistence.Backend: progress writes (processing, heartbeat) are batched and
// coalesced per job, terminal writes are synchronous and conditional.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-analyzer/internal/persistence"
)

// Config tunes batching. The thresholds are operational; the split between
// batched and synchronous writes is not.
type Config struct {
	FlushInterval time.Duration
	MaxBatch      int
}

func DefaultConfig() Config {
	return Config{FlushInterval: 2 * time.Second, MaxBatch: 50}
}

type pending struct {
	// rec seeds a CreateJob when the backend has never seen the job.
	rec   *persistence.JobRecord
	patch persistence.StatusPatch
}

// Store is the job status store used by the pipeline, heartbeat monitor,
// compensator and reconciler.
type Store struct {
	backend persistence.Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	signal  chan struct{}
}

func New(backend persistence.Backend, cfg Config, logger *slog.Logger) *Store {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*pending),
		signal:  make(chan struct{}, 1),
	}
}

// Backend returns the underlying persistence backend.
func (s *Store) Backend() persistence.Backend { return s.backend }

// MarkProcessing queues the processing transition for job. It never blocks
// on the backend.
func (s *Store) MarkProcessing(job *persistence.JobRecord) {
	now := s.now()
	rc := job.RetryCount
	s.enqueue(job.ID, job, persistence.StatusPatch{
		To:          persistence.StatusProcessing,
		RetryCount:  &rc,
		HeartbeatAt: &now,
	})
}

// Heartbeat queues a liveness write for jobID.
func (s *Store) Heartbeat(jobID string, at time.Time, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	s.enqueue(jobID, nil, persistence.StatusPatch{HeartbeatAt: &at, ProcessingMs: &ms})
}

func (s *Store) enqueue(jobID string, rec *persistence.JobRecord, patch persistence.StatusPatch) {
	s.mu.Lock()
	p, ok := s.pending[jobID]
	if !ok {
		p = &pending{}
		s.pending[jobID] = p
	}
	if rec != nil {
		cp := *rec
		p.rec = &cp
	}
	p.patch = merge(p.patch, patch)
	full := len(s.pending) >= s.cfg.MaxBatch
	s.mu.Unlock()

	if full {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

// merge overlays next on prev, later values winning.
func merge(prev, next persistence.StatusPatch) persistence.StatusPatch {
	out := prev
	if next.To != "" {
		out.To = next.To
	}
	if next.From != nil {
		out.From = next.From
	}
	if next.ResultRef != "" {
		out.ResultRef = next.ResultRef
	}
	if next.ErrorMessage != "" {
		out.ErrorMessage = next.ErrorMessage
	}
	if next.RetryCount != nil {
		out.RetryCount = next.RetryCount
	}
	if next.HeartbeatAt != nil {
		out.HeartbeatAt = next.HeartbeatAt
	}
	if next.ProcessingMs != nil {
		out.ProcessingMs = next.ProcessingMs
	}
	return out
}

// Pending returns the number of jobs with unflushed writes.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes every pending entry. Failures are logged, not returned; a
// conflict means the job already reached a terminal state.
func (s *Store) Flush(ctx context.Context) int {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]*pending, len(batch))
	s.mu.Unlock()

	written := 0
	for id, p := range batch {
		_, err := s.apply(ctx, id, p.rec, p.patch)
		switch {
		case err == nil:
			written++
		case errors.Is(err, persistence.ErrConflict):
			s.logger.Debug("dropped batched job write", "job_id", id, "err", err)
		default:
			s.logger.Warn("batched job write failed", "job_id", id, "err", err)
		}
	}
	if len(batch) > 0 {
		s.logger.Debug("flushed job writes", "count", len(batch), "written", written)
	}
	return written
}

// Run flushes on FlushInterval or when MaxBatch entries are pending. On
// shutdown it performs a final flush.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			s.Flush(final)
			cancel()
			return nil
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.signal:
			s.Flush(ctx)
		}
	}
}

func (s *Store) apply(ctx context.Context, id string, rec *persistence.JobRecord, patch persistence.StatusPatch) (*persistence.JobRecord, error) {
	job, err := s.backend.UpdateJobStatus(ctx, id, patch)
	if err == nil || rec == nil || !errors.Is(err, persistence.ErrNotFound) {
		return job, err
	}
	seed := *rec
	seed.Status = persistence.StatusQueued
	if err := s.backend.CreateJob(ctx, &seed); err != nil && !errors.Is(err, persistence.ErrConflict) {
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	return s.backend.UpdateJobStatus(ctx, id, patch)
}

// takePending removes and returns the pending entry for id, if any.
func (s *Store) takePending(id string) *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	delete(s.pending, id)
	return p
}

// Complete synchronously moves a job to completed. Any pending progress write
// for the job is folded into the same update.
func (s *Store) Complete(ctx context.Context, jobID, resultRef string, elapsed time.Duration) (*persistence.JobRecord, error) {
	ms := elapsed.Milliseconds()
	return s.terminal(ctx, jobID, persistence.StatusPatch{
		From:         []persistence.Status{persistence.StatusQueued, persistence.StatusProcessing},
		To:           persistence.StatusCompleted,
		ResultRef:    resultRef,
		ProcessingMs: &ms,
	})
}

// Fail synchronously moves a job to failed with msg.
func (s *Store) Fail(ctx context.Context, jobID, msg string, elapsed time.Duration) (*persistence.JobRecord, error) {
	ms := elapsed.Milliseconds()
	return s.terminal(ctx, jobID, persistence.StatusPatch{
		From:         []persistence.Status{persistence.StatusQueued, persistence.StatusProcessing},
		To:           persistence.StatusFailed,
		ErrorMessage: msg,
		ProcessingMs: &ms,
	})
}

// Transition applies an arbitrary conditional patch synchronously.
func (s *Store) Transition(ctx context.Context, jobID string, patch persistence.StatusPatch) (*persistence.JobRecord, error) {
	return s.terminal(ctx, jobID, patch)
}

func (s *Store) terminal(ctx context.Context, jobID string, patch persistence.StatusPatch) (*persistence.JobRecord, error) {
	var rec *persistence.JobRecord
	if p := s.takePending(jobID); p != nil {
		rec = p.rec
		pre := p.patch
		pre.To, pre.From = "", nil
		patch = merge(pre, patch)
	}
	job, err := s.apply(ctx, jobID, rec, patch)
	if err != nil {
		return nil, fmt.Errorf("transition job %s to %s: %w", jobID, patch.To, err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*persistence.JobRecord, error) {
	return s.backend.GetJob(ctx, jobID)
}

func (s *Store) List(ctx context.Context, filter persistence.ListFilter) ([]*persistence.JobRecord, error) {
	return s.backend.ListJobs(ctx, filter)
}

func (s *Store) Stats(ctx context.Context, stuckBefore time.Time) (*persistence.Stats, error) {
	return s.backend.Stats(ctx, stuckBefore)
}

func (s *Store) FindResult(ctx context.Context, q persistence.ResultQuery) (*persistence.Result, error) {
	return s.backend.FindResult(ctx, q)
}

func (s *Store) GetResult(ctx context.Context, id string) (*persistence.Result, error) {
	return s.backend.GetResult(ctx, id)
}

// SaveResult creates res, or overwrites it when overwrite is set.
func (s *Store) SaveResult(ctx context.Context, res *persistence.Result, overwrite bool) error {
	if overwrite {
		err := s.backend.UpdateResult(ctx, res)
		if !errors.Is(err, persistence.ErrNotFound) {
			return err
		}
	}
	return s.backend.CreateResult(ctx, res)
}
