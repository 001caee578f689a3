// Package persistence defines the job and result records and the Backend
// contract every persistence implementation satisfies.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job or result does not exist.
	ErrNotFound = errors.New("persistence: not found")

	// ErrConflict is returned by conditional updates whose From status no
	// longer matches, and by creates of an existing ID.
	ErrConflict = errors.New("persistence: conflict")
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic: queued -> processing -> {completed|failed}. Queued jobs may fail
// or complete directly.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	return next != StatusQueued
}

// JobRecord is the persisted state of one job.
type JobRecord struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	AssessmentName  string          `json:"assessment_name"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ResultRef       string          `json:"result_reference,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	ProcessingMs    int64           `json:"processing_ms,omitempty"`
}

// Result is the output of one analysis. Its ID is the result reference.
type Result struct {
	ID             string         `json:"id"`
	JobID          string         `json:"job_id"`
	UserID         string         `json:"user_id"`
	AssessmentName string         `json:"assessment_name"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StatusPatch is a conditional job update. When From is non-empty the patch
// only applies if the current status is one of From; otherwise ErrConflict.
// Terminal jobs accept no patch. Nil pointer fields are left unchanged.
type StatusPatch struct {
	From         []Status   `json:"from,omitempty"`
	To           Status     `json:"to,omitempty"`
	ResultRef    string     `json:"result_reference,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   *int       `json:"retry_count,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	ProcessingMs *int64     `json:"processing_ms,omitempty"`
}

// Allows reports whether the patch may apply to a job in status cur.
func (p StatusPatch) Allows(cur Status) bool {
	if len(p.From) > 0 {
		found := false
		for _, s := range p.From {
			if s == cur {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if cur.Terminal() {
		return false
	}
	if p.To == "" || p.To == cur {
		return true
	}
	return cur.CanTransition(p.To)
}

// ListFilter selects jobs for the reconciler and the stats CLI.
type ListFilter struct {
	Statuses      []Status
	UpdatedBefore time.Time
	Limit         int
}

// ResultQuery correlates a job with a stored result: first by job ID, then by
// user and assessment within a creation window.
type ResultQuery struct {
	JobID          string
	UserID         string
	AssessmentName string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
}

// Stats is a status breakdown plus the age range of stuck jobs: non-terminal
// jobs not updated since the stuck threshold.
type Stats struct {
	Counts        map[Status]int `json:"counts"`
	Stuck         int            `json:"stuck"`
	OldestStuckAt *time.Time     `json:"oldest_stuck_at,omitempty"`
	LatestStuckAt *time.Time     `json:"latest_stuck_at,omitempty"`
}

// Backend is the persistence dependency.
type Backend interface {
	CreateJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	UpdateJobStatus(ctx context.Context, id string, patch StatusPatch) (*JobRecord, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*JobRecord, error)
	Stats(ctx context.Context, stuckBefore time.Time) (*Stats, error)

	CreateResult(ctx context.Context, res *Result) error
	UpdateResult(ctx context.Context, res *Result) error
	GetResult(ctx context.Context, id string) (*Result, error)
	FindResult(ctx context.Context, q ResultQuery) (*Result, error)

	Health(ctx context.Context) error
}

// Apply writes the patch onto job. Callers check Allows first.
func (p StatusPatch) Apply(job *JobRecord, now time.Time) {
	if p.To != "" {
		job.Status = p.To
	}
	if p.ResultRef != "" {
		job.ResultRef = p.ResultRef
	}
	if p.ErrorMessage != "" {
		job.ErrorMessage = p.ErrorMessage
	}
	if p.RetryCount != nil {
		job.RetryCount = *p.RetryCount
	}
	if p.HeartbeatAt != nil {
		hb := *p.HeartbeatAt
		job.LastHeartbeatAt = &hb
	}
	if p.ProcessingMs != nil {
		job.ProcessingMs = *p.ProcessingMs
	}
	job.UpdatedAt = now
}
