package process

import (
	"context"
	"errors"

	"github.com/tendant/simple-analyzer/internal/persistence"
)

type ResultGetter interface {
	GetResult(ctx context.Context, id string) (*persistence.Result, error)
}

// ResultChecker decides whether a stored result can be served to a
// duplicate job. A result is complete when it exists and every required
// field is present and non-nil.
type ResultChecker struct {
	results  ResultGetter
	required map[string][]string
	defaults []string
}

// NewResultChecker requires defaults of every assessment unless required
// lists fields for it.
func NewResultChecker(results ResultGetter, defaults []string, required map[string][]string) *ResultChecker {
	return &ResultChecker{results: results, required: required, defaults: defaults}
}

func (c *ResultChecker) Complete(ctx context.Context, resultRef string) (bool, error) {
	res, err := c.results.GetResult(ctx, resultRef)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(res.Data) == 0 {
		return false, nil
	}
	fields, ok := c.required[res.AssessmentName]
	if !ok {
		fields = c.defaults
	}
	for _, f := range fields {
		if v, ok := res.Data[f]; !ok || v == nil {
			return false, nil
		}
	}
	return true, nil
}
