package joberr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tendant/simple-analyzer/internal/resilience"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want schema.FailureType
	}{
		{"nil", nil, ""},
		{"typed", Validation("decode", "missing job_id"), schema.FailureTypeValidation},
		{"wrapped typed", fmt.Errorf("pipeline: %w", Provider("analyze", errors.New("bad output"))), schema.FailureTypeProvider},
		{"circuit open", fmt.Errorf("update job: %w", resilience.ErrCircuitOpen), schema.FailureTypeUnavailable},
		{"deadline", context.DeadlineExceeded, schema.FailureTypeTimeout},
		{"server error", statusErr(502), schema.FailureTypeTransient},
		{"client error", statusErr(409), schema.FailureTypeInternal},
		{"unknown", errors.New("boom"), schema.FailureTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	retryable := []schema.FailureType{
		schema.FailureTypeTransient,
		schema.FailureTypeRateLimited,
		schema.FailureTypeUnavailable,
		schema.FailureTypeInternal,
	}
	terminal := []schema.FailureType{
		schema.FailureTypeValidation,
		schema.FailureTypeDuplicate,
		schema.FailureTypeTimeout,
		schema.FailureTypeProvider,
	}
	for _, k := range retryable {
		if !Retryable(k) {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	for _, k := range terminal {
		if Retryable(k) {
			t.Errorf("expected %s to be terminal", k)
		}
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := fmt.Errorf("gate: %w", RateLimited("provider", 12*time.Second))
	if got := RetryAfterOf(err); got != 12*time.Second {
		t.Fatalf("RetryAfterOf = %s, want 12s", got)
	}
	if RetryAfterOf(errors.New("other")) != 0 {
		t.Fatal("untyped error should carry no retry-after")
	}
}

func TestDuplicateRef(t *testing.T) {
	err := Duplicate("admit", "job-1")
	var je *Error
	if !errors.As(err, &je) || je.Ref != "job-1" {
		t.Fatalf("expected ref job-1, got %+v", je)
	}
	if err.Error() != "admit: duplicate: duplicate of job-1" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
