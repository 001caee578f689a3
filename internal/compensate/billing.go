package compensate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/simple-analyzer/pkg/schema"
)

// BillingError is a non-2xx response from the billing service.
type BillingError struct {
	Status int
	Body   string
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("billing: refund failed with status %d: %s", e.Status, e.Body)
}

func (e *BillingError) StatusCode() int { return e.Status }

// HTTPRefunder posts refund requests to the billing service.
type HTTPRefunder struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPRefunder(baseURL, token string, client *http.Client) *HTTPRefunder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefunder{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (r *HTTPRefunder) Refund(ctx context.Context, req schema.RefundRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", req.ID)
	if r.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("billing: refund %s: %w", req.JobID, err)
	}
	defer resp.Body.Close()

	// 409 means billing already processed this idempotency key.
	if resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &BillingError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
