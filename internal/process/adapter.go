// internal/process/adapter.go
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProviderError is a non-2xx response from the inference provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

func (e *ProviderError) StatusCode() int { return e.Status }

// HTTPAnalyzer posts the job to the provider endpoint and expects
// {"result": {...}} back.
type HTTPAnalyzer struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPAnalyzer(name, endpoint, token string, timeout time.Duration) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPAnalyzer{
		name:     name,
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAnalyzer) Name() string { return a.name }

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out struct {
		Result map[string]any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if out.Result == nil {
		return nil, fmt.Errorf("provider response has no result")
	}
	return out.Result, nil
}
