// internal/joberr/joberr.go
package joberr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-analyzer/internal/resilience"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

// Error is a job failure tagged with its FailureType.
type Error struct {
	Kind schema.FailureType
	Op   string
	Err  error

	// RetryAfter is set for rate_limited failures.
	RetryAfter time.Duration

	// Ref carries the owning job ID or cached result reference for duplicates.
	Ref string
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind schema.FailureType, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return New(schema.FailureTypeValidation, op, fmt.Errorf(format, args...))
}

func Transient(op string, err error) *Error {
	return New(schema.FailureTypeTransient, op, err)
}

func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       schema.FailureTypeRateLimited,
		Op:         op,
		Err:        fmt.Errorf("retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

func Duplicate(op, ref string) *Error {
	return &Error{
		Kind: schema.FailureTypeDuplicate,
		Op:   op,
		Err:  fmt.Errorf("duplicate of %s", ref),
		Ref:  ref,
	}
}

func Timeout(op string, after time.Duration) *Error {
	return New(schema.FailureTypeTimeout, op, fmt.Errorf("exceeded %s", after))
}

func Provider(op string, err error) *Error {
	return New(schema.FailureTypeProvider, op, err)
}

func Internal(op string, err error) *Error {
	return New(schema.FailureTypeInternal, op, err)
}

// KindOf classifies err. Typed errors keep their kind; otherwise an open
// breaker is unavailable, transient network and 5xx failures are transient,
// deadlines are timeouts and everything else is internal.
func KindOf(err error) schema.FailureType {
	if err == nil {
		return ""
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return schema.FailureTypeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return schema.FailureTypeTimeout
	case resilience.Retryable(err):
		return schema.FailureTypeTransient
	}
	return schema.FailureTypeInternal
}

// Retryable reports whether a failure of this kind is worth redelivery.
func Retryable(kind schema.FailureType) bool {
	switch kind {
	case schema.FailureTypeTransient,
		schema.FailureTypeRateLimited,
		schema.FailureTypeUnavailable,
		schema.FailureTypeInternal:
		return true
	}
	return false
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var je *Error
	if errors.As(err, &je) {
		return je.RetryAfter
	}
	return 0
}
