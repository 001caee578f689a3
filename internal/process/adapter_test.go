package process

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tendant/simple-analyzer/internal/persistence"
)

func TestHTTPAnalyzerReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.JobID != "job-1" || req.AssessmentName != "personality" {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"result":{"score":3}}`))
	}))
	defer srv.Close()

	a := NewHTTPAnalyzer("personality", srv.URL, "tok", 0)
	got, err := a.Analyze(context.Background(), Request{JobID: "job-1", AssessmentName: "personality", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got["score"] != float64(3) {
		t.Fatalf("unexpected result: %#v", got)
	}
}

func TestHTTPAnalyzerProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPAnalyzer("p", srv.URL, "", 0).Analyze(context.Background(), Request{})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.StatusCode() != http.StatusServiceUnavailable || pe.Body != "model overloaded" {
		t.Fatalf("unexpected provider error: %+v", pe)
	}
}

func TestHTTPAnalyzerMissingResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := NewHTTPAnalyzer("p", srv.URL, "", 0).Analyze(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for empty provider response")
	}
}

type results map[string]*persistence.Result

func (r results) GetResult(_ context.Context, id string) (*persistence.Result, error) {
	if id == "broken" {
		return nil, errors.New("connection refused")
	}
	res, ok := r[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return res, nil
}

func TestResultChecker(t *testing.T) {
	store := results{
		"full":    {AssessmentName: "personality", Data: map[string]any{"score": 1, "summary": "x"}},
		"partial": {AssessmentName: "personality", Data: map[string]any{"summary": "x"}},
		"nil":     {AssessmentName: "personality", Data: map[string]any{"score": nil}},
		"empty":   {AssessmentName: "career", Data: map[string]any{}},
		"career":  {AssessmentName: "career", Data: map[string]any{"paths": []any{"a"}}},
	}
	c := NewResultChecker(store, []string{"score"}, map[string][]string{"career": {"paths"}})

	tests := []struct {
		ref  string
		want bool
	}{
		{"full", true},
		{"partial", false},
		{"nil", false},
		{"empty", false},
		{"career", true},
		{"missing", false},
	}
	for _, tt := range tests {
		got, err := c.Complete(context.Background(), tt.ref)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.ref, err)
		}
		if got != tt.want {
			t.Fatalf("%s: complete = %v, want %v", tt.ref, got, tt.want)
		}
	}

	if _, err := c.Complete(context.Background(), "broken"); err == nil {
		t.Fatal("lookup failures must surface")
	}
}
