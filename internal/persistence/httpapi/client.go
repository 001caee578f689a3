// Package httpapi implements persistence.Backend against the request/response
// persistence API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-analyzer/internal/persistence"
)

var _ persistence.Backend = (*Client)(nil)

// APIError is a non-2xx response. It satisfies resilience.StatusCoder so 5xx
// responses are retried and count against the circuit breaker.
type APIError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *APIError) StatusCode() int { return e.Status }

// Unwrap maps 404 and 409 onto the persistence sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return persistence.ErrNotFound
	case http.StatusConflict:
		return persistence.ErrConflict
	}
	return nil
}

// Client talks to the persistence API over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		apiErr := &APIError{Status: resp.StatusCode, Method: method, Path: path}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(msg, &envelope) == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(msg))
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func (c *Client) CreateJob(ctx context.Context, job *persistence.JobRecord) error {
	return c.do(ctx, http.MethodPost, "/jobs", job, job)
}

func (c *Client) GetJob(ctx context.Context, id string) (*persistence.JobRecord, error) {
	var job persistence.JobRecord
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) UpdateJobStatus(ctx context.Context, id string, patch persistence.StatusPatch) (*persistence.JobRecord, error) {
	var job persistence.JobRecord
	if err := c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(id)+"/status", patch, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, filter persistence.ListFilter) ([]*persistence.JobRecord, error) {
	q := url.Values{}
	for _, st := range filter.Statuses {
		q.Add("status", string(st))
	}
	if !filter.UpdatedBefore.IsZero() {
		q.Set("updated_before", filter.UpdatedBefore.UTC().Format(time.RFC3339Nano))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out struct {
		Jobs []*persistence.JobRecord `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) Stats(ctx context.Context, stuckBefore time.Time) (*persistence.Stats, error) {
	q := url.Values{"stuck_before": {stuckBefore.UTC().Format(time.RFC3339Nano)}}
	var st persistence.Stats
	if err := c.do(ctx, http.MethodGet, "/jobs/stats?"+q.Encode(), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) CreateResult(ctx context.Context, res *persistence.Result) error {
	return c.do(ctx, http.MethodPost, "/results", res, res)
}

func (c *Client) UpdateResult(ctx context.Context, res *persistence.Result) error {
	return c.do(ctx, http.MethodPut, "/results/"+url.PathEscape(res.ID), res, res)
}

func (c *Client) GetResult(ctx context.Context, id string) (*persistence.Result, error) {
	var res persistence.Result
	if err := c.do(ctx, http.MethodGet, "/results/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) FindResult(ctx context.Context, rq persistence.ResultQuery) (*persistence.Result, error) {
	q := url.Values{}
	setIf := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setIf("job_id", rq.JobID)
	setIf("user_id", rq.UserID)
	setIf("assessment_name", rq.AssessmentName)
	if !rq.CreatedAfter.IsZero() {
		q.Set("created_after", rq.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if !rq.CreatedBefore.IsZero() {
		q.Set("created_before", rq.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	var res persistence.Result
	if err := c.do(ctx, http.MethodGet, "/results/search?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
