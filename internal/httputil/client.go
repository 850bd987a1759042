// Package httputil provides HTTP client and response helpers shared by the
// API handlers and the remote vault gateway.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/streamflow/internal/logging"
)

// TraceIDHeader propagates the request trace id to downstream services.
const TraceIDHeader = "X-Trace-ID"

// =============================================================================
// Service Client
// =============================================================================

// ServiceClient is an HTTP client for service-to-service calls. It attaches a
// bearer token and the caller's trace id, and retries transient failures
// where a retry cannot apply a request twice.
type ServiceClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	maxRetries int
	backoff    time.Duration
}

// ServiceClientConfig configures the service client.
type ServiceClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// NewServiceClient creates a new service client.
func NewServiceClient(cfg ServiceClientConfig) *ServiceClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = 100 * time.Millisecond
	}

	return &ServiceClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// BaseURL returns the configured base URL.
func (c *ServiceClient) BaseURL() string { return c.baseURL }

// Do executes an HTTP request with a JSON body.
func (c *ServiceClient) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	return c.doWithRetry(ctx, method, path, payload, 0)
}

// doWithRetry retries idempotent requests after transport errors and
// 502/503/504. Other methods are retried only when the connection could not
// be established, since the server may already have applied them.
func (c *ServiceClient) doWithRetry(ctx context.Context, method, path string, payload []byte, attempt int) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		req.Header.Set(TraceIDHeader, traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if attempt < c.maxRetries && ctx.Err() == nil && (idempotent(method) || isDialError(err)) {
			if waitErr := c.wait(ctx, attempt); waitErr != nil {
				return nil, fmt.Errorf("request failed: %w", err)
			}
			return c.doWithRetry(ctx, method, path, payload, attempt+1)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if isTransientStatus(resp.StatusCode) && idempotent(method) && attempt < c.maxRetries {
		resp.Body.Close()
		if err := c.wait(ctx, attempt); err != nil {
			return nil, err
		}
		return c.doWithRetry(ctx, method, path, payload, attempt+1)
	}

	return resp, nil
}

func (c *ServiceClient) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.backoff * time.Duration(1<<attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func isTransientStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// Post performs a POST request with JSON body.
func (c *ServiceClient) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// ReadAllWithLimit reads at most limit bytes and reports whether more remained.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
