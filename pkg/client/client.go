// Package client provides a Go SDK for the waked HTTP tool API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

// Client calls the waked HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:4548"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:4548").
// APIKey is optional; when set, requests use the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// ServerInfo returns the / response listing available tools.
func (c *Client) ServerInfo(ctx context.Context) (*models.ServerInfo, error) {
	var out models.ServerInfo
	err := c.doJSON(ctx, http.MethodGet, "/", nil, &out)
	return &out, err
}

// Wake triggers one wake cycle and returns its result. A 409 means another
// wake holds the lease.
func (c *Client) Wake(ctx context.Context) (*models.WakeResult, error) {
	var out models.WakeResult
	err := c.doJSON(ctx, http.MethodPost, "/wake", nil, &out)
	return &out, err
}

// ReadState returns the current agent state.
func (c *Client) ReadState(ctx context.Context) (*models.AgentState, error) {
	var out models.AgentState
	err := c.doJSON(ctx, http.MethodPost, "/tools/read_state", map[string]any{}, &out)
	return &out, err
}

// WriteState applies a partial state update under the given version and
// returns the updated state. A stale version fails with a conflict.
func (c *Client) WriteState(ctx context.Context, version int64, patch models.StatePatch) (*models.AgentState, error) {
	var out models.AgentState
	err := c.doJSON(ctx, http.MethodPost, "/tools/write_state", map[string]any{
		"version": version,
		"patch":   patch,
	}, &out)
	return &out, err
}

// ReadBacklog returns backlog tasks, optionally filtered by status.
func (c *Client) ReadBacklog(ctx context.Context, status string, limit int) ([]models.Task, error) {
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	if limit > 0 {
		body["limit"] = limit
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tools/read_backlog", body, &out)
	return out, err
}

// AddTask appends a pending task and returns it.
func (c *Client) AddTask(ctx context.Context, title, description, priority string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tools/add_task", map[string]string{
		"title": title, "description": description, "priority": priority,
	}, &out)
	return &out, err
}

// UpdateTask transitions a task to a new status and returns it.
func (c *Client) UpdateTask(ctx context.Context, id, status, notes string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tools/update_task", map[string]string{
		"id": id, "status": status, "notes": notes,
	}, &out)
	return &out, err
}

// LogAccomplishment appends a ledger record and returns its id.
func (c *Client) LogAccomplishment(ctx context.Context, rec models.Accomplishment) (int64, error) {
	var out struct {
		RecordID int64 `json:"record_id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/tools/log_accomplishment", rec, &out)
	return out.RecordID, err
}

// SendNotification delivers a message to the principal.
func (c *Client) SendNotification(ctx context.Context, n models.Notification) error {
	return c.doJSON(ctx, http.MethodPost, "/tools/send_notification", n, nil)
}

// CheckSchedule returns the next scheduled wake.
func (c *Client) CheckSchedule(ctx context.Context) (*models.Schedule, error) {
	var out models.Schedule
	err := c.doJSON(ctx, http.MethodPost, "/tools/check_schedule", map[string]any{}, &out)
	return &out, err
}

// ListApprovals returns approvals; pendingOnly restricts to unresolved ones.
func (c *Client) ListApprovals(ctx context.Context, pendingOnly bool) ([]models.Approval, error) {
	path := "/approvals"
	if pendingOnly {
		path += "?pending=1"
	}
	var out []models.Approval
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GrantApproval grants a pending approval by id.
func (c *Client) GrantApproval(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodPost, "/approvals/"+strconv.FormatInt(id, 10)+"/grant", nil, nil)
}

// DenyApproval denies a pending approval by id.
func (c *Client) DenyApproval(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodPost, "/approvals/"+strconv.FormatInt(id, 10)+"/deny", nil, nil)
}

// WaitHealthy polls /health until it responds ok or the deadline passes.
func (c *Client) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok, err := c.Health(ctx); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("server not healthy after %s", timeout)
}
