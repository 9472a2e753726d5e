package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/scitix/netpulse/pkg/controller"
	"github.com/scitix/netpulse/pkg/types"
)

// Client is a thin Go client for the NetPulse HTTP API.
type Client struct {
	base   string
	apiKey string
	header string
	http   *http.Client
}

// Option customizes the client
type Option func(*Client)

// WithAPIKeyHeader overrides the header carrying the API key
func WithAPIKeyHeader(header string) Option {
	return func(c *Client) { c.header = header }
}

// WithTimeout overrides the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a client for the given base URL
func NewClient(base, apiKey string, opts ...Option) *Client {
	c := &Client{
		base:   base,
		apiKey: apiKey,
		header: "X-API-KEY",
		http:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JobRef is the submission acknowledgement
type JobRef struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
	Queue  string          `json:"queue"`
	Host   string          `json:"host,omitempty"`
}

// JobView is the job detail returned by the job endpoint
type JobView struct {
	ID        string                 `json:"id"`
	Status    types.JobStatus        `json:"status"`
	Queue     string                 `json:"queue"`
	Host      string                 `json:"host"`
	Result    json.RawMessage        `json:"result,omitempty"`
	Error     *types.ErrorDescriptor `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	StartedAt *time.Time             `json:"started_at,omitempty"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
}

// BulkResult is the bulk submission outcome
type BulkResult struct {
	Succeeded []JobRef `json:"succeeded"`
	Failed    []struct {
		Host  string                 `json:"host"`
		Error *types.ErrorDescriptor `json:"error"`
	} `json:"failed"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(c.header, c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var wrapper struct {
			Error *types.ErrorDescriptor `json:"error"`
		}
		if jerr := json.Unmarshal(data, &wrapper); jerr == nil && wrapper.Error != nil {
			return wrapper.Error
		}
		return fmt.Errorf("api returned %s: %s", resp.Status, data)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Exec submits one device operation
func (c *Client) Exec(ctx context.Context, payload *types.JobPayload) (*JobRef, error) {
	var ref JobRef
	if err := c.do(ctx, http.MethodPost, "/device/exec", payload, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// Bulk submits many device operations at once
func (c *Client) Bulk(ctx context.Context, payloads []*types.JobPayload) (*BulkResult, error) {
	var result BulkResult
	if err := c.do(ctx, http.MethodPost, "/device/bulk", payloads, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Test synchronously probes device connectivity
func (c *Client) Test(ctx context.Context, driver string, args json.RawMessage) (*controller.TestResult, error) {
	body := map[string]interface{}{"driver": driver, "connection_args": args}
	var result controller.TestResult
	if err := c.do(ctx, http.MethodPost, "/device/test", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob fetches a job by id
func (c *Client) GetJob(ctx context.Context, id string) (*JobView, error) {
	var view JobView
	if err := c.do(ctx, http.MethodGet, "/job?id="+url.QueryEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Cancel cancels a job by id
func (c *Client) Cancel(ctx context.Context, id string) (*JobView, error) {
	var view JobView
	if err := c.do(ctx, http.MethodDelete, "/job?id="+url.QueryEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Inventory lists nodes and pinned workers
func (c *Client) Inventory(ctx context.Context) (*controller.WorkerInventory, error) {
	var inv controller.WorkerInventory
	if err := c.do(ctx, http.MethodGet, "/worker", nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// KillWorker forcibly terminates the pinned worker for a host
func (c *Client) KillWorker(ctx context.Context, host string) error {
	return c.do(ctx, http.MethodDelete, "/worker?host="+url.QueryEscape(host), nil, nil)
}

// Health checks API liveness
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
