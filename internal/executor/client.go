// Package executor hands admitted jobs to the crawl execution service over HTTP.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 5 * time.Minute

// Client posts jobs to the crawl executor.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates an executor client. token may be empty.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type crawlRequest struct {
	JobID    string         `json:"job_id"`
	TenantID string         `json:"tenant_id"`
	TaskName string         `json:"task_name"`
	Params   map[string]any `json:"params,omitempty"`
}

// Execute runs one job and blocks until the executor answers. Any non-2xx
// response is a failed attempt.
func (c *Client) Execute(ctx context.Context, job jobs.Job) error {
	body, err := json.Marshal(crawlRequest{
		JobID:    job.ID,
		TenantID: job.TenantID,
		TaskName: job.TaskName,
		Params:   job.Params,
	})
	if err != nil {
		return fmt.Errorf("executor: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/crawl", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("executor: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executor: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &apiResp) == nil && apiResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

// APIError is a non-2xx answer from the executor.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("executor: status %d: %s", e.StatusCode, e.Message)
}
