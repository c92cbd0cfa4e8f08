package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIClient provides HTTP client functionality to communicate with the
// invigil daemon
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8099/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) do(method, path string, body any) (map[string]any, error) {
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if msg, ok := result["error"].(string); ok && msg != "" {
			return result, fmt.Errorf("API error: %s", msg)
		}
		return result, fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return result, nil
}

// StartMonitor starts a monitoring session via API
func (c *APIClient) StartMonitor(opts any) (map[string]any, error) {
	return c.do(http.MethodPost, "/monitor/start", opts)
}

// StopMonitor stops the active session via API
func (c *APIClient) StopMonitor() (map[string]any, error) {
	return c.do(http.MethodPost, "/monitor/stop", nil)
}

// GetStatus gets the monitor status via API
func (c *APIClient) GetStatus() (map[string]any, error) {
	return c.do(http.MethodGet, "/monitor/status", nil)
}

// GetLogs fetches recent child output lines via API
func (c *APIClient) GetLogs(stream string, n int) (map[string]any, error) {
	q := url.Values{}
	if stream != "" {
		q.Set("stream", stream)
	}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	return c.do(http.MethodGet, "/monitor/logs?"+q.Encode(), nil)
}

// UpdateReference replaces the running session's reference image via API
func (c *APIClient) UpdateReference(path string) (map[string]any, error) {
	return c.do(http.MethodPost, "/monitor/reference", map[string]string{"path": path})
}

// Validate runs the daemon's preflight checks via API
func (c *APIClient) Validate() (map[string]any, error) {
	return c.do(http.MethodPost, "/monitor/validate", nil)
}

// GetAlerts fetches recent alerts from the history backend via API
func (c *APIClient) GetAlerts(sessionID string, limit int) (map[string]any, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.do(http.MethodGet, "/monitor/alerts?"+q.Encode(), nil)
}
