package executionserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	"github.com/zatekoja/hisprompt/backend/pkg/retry"
)

const (
	requestsPath      = "/api/requests"
	defaultHealthPath = "/health"
	maxErrorBody      = 4096
)

// HTTPClient talks to the decryption/execution server. The base URL can be
// swapped at runtime without rebuilding the client.
type HTTPClient struct {
	mu         sync.RWMutex
	baseURL    string
	healthPath string
	httpClient *http.Client
}

var _ providers.ExecutionServer = (*HTTPClient)(nil)

// NewClient creates a client with the given base URL and per-call timeout.
func NewClient(baseURL, healthPath string, timeout time.Duration) (*HTTPClient, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if healthPath == "" {
		healthPath = defaultHealthPath
	}
	c := &HTTPClient{
		healthPath: "/" + strings.TrimLeft(healthPath, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	if err := c.SetBaseURL(baseURL); err != nil {
		return nil, err
	}
	return c, nil
}

// BaseURL returns the current base URL.
func (c *HTTPClient) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL validates and installs a new base URL.
func (c *HTTPClient) SetBaseURL(baseURL string) error {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("invalid execution server url %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		return fmt.Errorf("invalid execution server url %q: scheme and host required", baseURL)
	}

	c.mu.Lock()
	c.baseURL = trimmed
	c.mu.Unlock()
	return nil
}

// Submit posts a request. Non-2xx replies come back as *retry.StatusError so
// callers can classify them.
func (c *HTTPClient) Submit(ctx context.Context, req *providers.ExecutionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal execution request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+requestsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build execution request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &retry.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health reports whether the health endpoint answered 2xx with a non-empty body.
func (c *HTTPClient) Health(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL()+c.healthPath, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return false, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, &retry.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return len(bytes.TrimSpace(data)) > 0, nil
}
