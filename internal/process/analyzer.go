package process

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Request is what an Analyzer sees of a job.
type Request struct {
	JobID          string          `json:"job_id"`
	UserID         string          `json:"user_id"`
	AssessmentName string          `json:"assessment_name"`
	Payload        json.RawMessage `json:"payload"`
}

// Analyzer runs one assessment against the inference provider. Every call
// may be billed, so callers must not retry it.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (map[string]any, error)
	Name() string
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

func (f AnalyzerFunc) Name() string { return "func" }

// Registry routes assessments to analyzers. A fallback, if set, serves any
// assessment without its own analyzer.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]Analyzer
	fallback  Analyzer
}

func NewRegistry(fallback Analyzer) *Registry {
	return &Registry{analyzers: make(map[string]Analyzer), fallback: fallback}
}

func (r *Registry) Register(assessment string, a Analyzer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyzers[assessment] = a
}

// Get returns the analyzer for assessment.
func (r *Registry) Get(assessment string) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.analyzers[assessment]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("unsupported assessment %q (supported: %v)", assessment, r.assessments())
}

func (r *Registry) assessments() []string {
	names := make([]string, 0, len(r.analyzers))
	for name := range r.analyzers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
