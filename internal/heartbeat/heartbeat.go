// Package heartbeat keeps long-running jobs visibly alive and forcibly
// expires any job that runs past an absolute ceiling.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Writer receives best-effort liveness writes. jobstore.Store implements it.
type Writer interface {
	Heartbeat(jobID string, at time.Time, elapsed time.Duration)
}

// ExpireFunc fails a job whose heartbeat exceeded MaxAge.
type ExpireFunc func(ctx context.Context, rec Record)

type Config struct {
	Interval      time.Duration
	SweepInterval time.Duration
	MaxAge        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		SweepInterval: time.Hour,
		MaxAge:        2 * time.Hour,
	}
}

// Record is the in-memory liveness state of one job.
type Record struct {
	JobID     string
	StartTime time.Time
	LastBeat  time.Time
	Beats     int
}

type entry struct {
	rec    Record
	extend func() error
	cancel context.CancelFunc
	done   chan struct{}
}

type Monitor struct {
	cfg    Config
	writer Writer
	expire ExpireFunc
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func New(cfg Config, writer Writer, expire ExpireFunc, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	m := &Monitor{
		cfg:    cfg,
		writer: writer,
		expire: expire,
		logger: slog.Default(),
		now:    time.Now,
		jobs:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins beating for jobID until Stop is called or ctx is done.
// extend, if set, is called on every beat to push out the broker's ack
// deadline. Starting a job that is already tracked is a no-op.
func (m *Monitor) Start(ctx context.Context, jobID string, extend func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; ok {
		return
	}
	now := m.now()
	ctx, cancel := context.WithCancel(ctx)
	e := &entry{
		rec:    Record{JobID: jobID, StartTime: now, LastBeat: now},
		extend: extend,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[jobID] = e
	go m.loop(ctx, e)
}

func (m *Monitor) loop(ctx context.Context, e *entry) {
	defer close(e.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(e)
		}
	}
}

func (m *Monitor) beat(e *entry) {
	now := m.now()
	m.mu.Lock()
	e.rec.LastBeat = now
	e.rec.Beats++
	rec := e.rec
	m.mu.Unlock()

	m.writer.Heartbeat(rec.JobID, now, now.Sub(rec.StartTime))
	if e.extend != nil {
		if err := e.extend(); err != nil {
			m.logger.Warn("extend ack deadline failed", "job_id", rec.JobID, "err", err)
		}
	}
}

// Stop cancels the job's beats and writes a final one. It returns the last
// record and false when the job was not tracked.
func (m *Monitor) Stop(jobID string) (Record, bool) {
	m.mu.Lock()
	e, ok := m.jobs[jobID]
	if ok {
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return Record{}, false
	}
	e.cancel()
	<-e.done

	now := m.now()
	e.rec.LastBeat = now
	m.writer.Heartbeat(jobID, now, now.Sub(e.rec.StartTime))
	return e.rec, true
}

func (m *Monitor) Get(jobID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[jobID]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Sweep expires every job running longer than MaxAge and returns how many
// it expired.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.now()
	var expired []*entry
	m.mu.Lock()
	for id, e := range m.jobs {
		if now.Sub(e.rec.StartTime) > m.cfg.MaxAge {
			expired = append(expired, e)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		e.cancel()
		<-e.done
		m.logger.Warn("heartbeat exceeded max age, expiring job",
			"job_id", e.rec.JobID, "started_at", e.rec.StartTime, "beats", e.rec.Beats, "max_age", m.cfg.MaxAge)
		if m.expire != nil {
			m.expire(ctx, e.rec)
		}
	}
	return len(expired)
}

// Run sweeps every SweepInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
