// Package client is the agent and CLI side of the kestrel job RPC.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/kestrel/pkg/api"
	"github.com/psantana5/kestrel/pkg/models"
	"github.com/psantana5/kestrel/pkg/retry"
	"github.com/psantana5/kestrel/pkg/tracing"
)

// Config configures a Client
type Config struct {
	ServerURL string
	APIKey    string
	Timeout   time.Duration
	TLS       *tls.Config
	// Retry applies to reads and heartbeats. Status reports and claims are
	// not retried here because their outcome is not idempotent.
	Retry retry.Config
}

// Client manages communication with the kestrel server
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      retry.Config
}

// New creates a client
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.ServerURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		transport.TLSClientConfig = cfg.TLS
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retry: cfg.Retry,
	}, nil
}

// SubmitJob coordinates a job and returns its id
func (c *Client) SubmitJob(ctx context.Context, req *models.JobRequest) (string, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, "client.submit_job", http.MethodPost, "/api/v1/jobs", "", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// ResolveJobSpecification returns the specification req would get
func (c *Client) ResolveJobSpecification(ctx context.Context, req *models.JobRequest) (*models.JobSpecification, error) {
	var spec models.JobSpecification
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, "client.resolve", http.MethodPost, "/api/v1/jobs/resolve", "", req, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// GetJob returns the job entity
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, "client.get_job", http.MethodGet, jobPath(jobID, ""), "", nil, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobSpecification returns the saved specification of the job
func (c *Client) GetJobSpecification(ctx context.Context, jobID string) (*models.JobSpecification, error) {
	var spec models.JobSpecification
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, "client.get_job_specification", http.MethodGet, jobPath(jobID, "specification"), "", nil, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// ClaimJob claims the job and returns the claim token
func (c *Client) ClaimJob(ctx context.Context, jobID string, agent models.AgentMetadata) (string, error) {
	var resp models.ClaimResponse
	if err := c.do(ctx, "client.claim_job", http.MethodPost, jobPath(jobID, "claim"), "", agent, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ChangeJobStatus reports a status change of a claimed job
func (c *Client) ChangeJobStatus(ctx context.Context, jobID, token string, update models.JobStatusUpdate) error {
	return c.do(ctx, "client.change_job_status", http.MethodPut, jobPath(jobID, "status"), token, update, nil)
}

// Heartbeat reports the agent alive and returns the kill flag
func (c *Client) Heartbeat(ctx context.Context, jobID, token string) (*models.HeartbeatResponse, error) {
	var resp models.HeartbeatResponse
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, "client.heartbeat", http.MethodPost, jobPath(jobID, "heartbeat"), token, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// KillJob asks the server to kill the job
func (c *Client) KillJob(ctx context.Context, jobID, reason string) error {
	return c.do(ctx, "client.kill_job", http.MethodPost, jobPath(jobID, "kill"), "", api.KillRequest{Reason: reason}, nil)
}

// Ping checks that the server is up
func (c *Client) Ping(ctx context.Context) (*api.PingResponse, error) {
	var resp api.PingResponse
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, "client.ping", http.MethodGet, "/api/v1/ping", "", nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func jobPath(jobID, sub string) string {
	p := "/api/v1/jobs/" + url.PathEscape(jobID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	if c.retry.MaxRetries <= 0 {
		return fn()
	}
	return retry.Do(ctx, c.retry, fn)
}

func (c *Client) do(ctx context.Context, op, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if token != "" {
		req.Header.Set(api.ClaimTokenHeader, token)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// decodeError maps an error response back to its kind
func decodeError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Kind != "" {
		return models.NewError(models.KindFromName(body.Kind), op, "%s", body.Message)
	}

	kind := api.KindForStatus(resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests && resp.Header.Get("Retry-After") != "" {
		// rate limited rather than over the user limit
		kind = models.ErrServerUnavailable
	}
	return models.NewError(kind, op, "server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
