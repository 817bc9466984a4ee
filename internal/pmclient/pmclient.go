// Package pmclient implements the PM Client (spec.md C6): an HTTP client
// abstraction over the project-management service's task/agent endpoints,
// including long-poll semantics for task acquisition. The PM service's own
// implementation is out of scope (spec.md §1); only the consumed contract
// lives here.
package pmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Task is the subset of the remote task record the core reads (spec.md §3).
type Task struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Status     string         `json:"status"`
	Complexity string         `json:"complexity"`
	SkillLevel string         `json:"skill_level"`
	Role       string         `json:"role"`
	Raw        map[string]any `json:"-"`
}

// TerminalStatuses are statuses that release any held lease (spec.md §3).
var TerminalStatuses = map[string]bool{
	"completed": true,
	"cancelled": true,
}

// Client talks to the PM HTTP service (spec.md §4.6, §6).
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// TaskSchema, when set, validates every task payload GetNextTask
	// receives before it reaches the runner (SPEC_FULL §11/§13, task schema
	// validation). A payload that fails validation is rejected with
	// ErrSchemaViolation rather than handed to an agent.
	TaskSchema *jsonschema.Schema
}

// New returns a Client configured against baseURL with apiKey sent as the
// X-API-Key header on every request.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 0}, // per-call context deadlines govern timeouts
	}
}

// LoadTaskSchema compiles the JSON Schema at path and attaches it to c,
// enabling payload validation in GetNextTask. A no-op when path is empty.
func (c *Client) LoadTaskSchema(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("pmclient: task schema %s: %w", path, err)
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(path)
	if err != nil {
		return fmt.Errorf("pmclient: compile task schema %s: %w", path, err)
	}
	c.TaskSchema = schema
	return nil
}

// ErrSchemaViolation is returned by GetNextTask when TaskSchema is set and
// the server's task payload fails validation.
var ErrSchemaViolation = fmt.Errorf("pmclient: task payload failed schema validation")

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pmclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("pmclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pmclient: %s %s: %w", method, path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
				return resp, fmt.Errorf("pmclient: decode response: %w", err)
			}
		}
	}
	return resp, nil
}

// Health reports whether GET /health returns 200 within ctx's deadline.
func (c *Client) Health(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// RegisterAgent registers an agent session with the PM service.
func (c *Client) RegisterAgent(ctx context.Context, agentID, role, skillLevel, connectionType string) error {
	payload := map[string]any{
		"agent_id":        agentID,
		"role":            role,
		"skill_level":     skillLevel,
		"connection_type": connectionType,
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/register", payload, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pmclient: register_agent: status %d", resp.StatusCode)
	}
	return nil
}

// GetNextTask long-polls for the next task matching role/skillLevel,
// returning (nil, nil) if none became available before the server's
// long-poll cap elapses (spec.md §4.6 — caller treats nil as "keep polling").
func (c *Client) GetNextTask(ctx context.Context, role, skillLevel string, timeout time.Duration) (*Task, error) {
	path := fmt.Sprintf("/api/v1/tasks/next?role=%s&level=%s&timeout=%d", role, skillLevel, int(timeout.Seconds()))
	var raw map[string]any
	resp, err := c.do(ctx, http.MethodGet, path, nil, &raw)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pmclient: get_next_task: status %d", resp.StatusCode)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	if c.TaskSchema != nil {
		if err := c.TaskSchema.Validate(raw); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSchemaViolation, err)
		}
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("pmclient: remarshal task payload: %w", err)
	}
	var task Task
	if err := json.Unmarshal(b, &task); err != nil {
		return nil, fmt.Errorf("pmclient: decode task payload: %w", err)
	}
	if task.ID == "" {
		return nil, nil
	}
	task.Raw = raw
	return &task, nil
}

// LockTask attempts to lock taskID for agentID. A 403/409 response is
// returned as a typed error the caller can branch on.
func (c *Client) LockTask(ctx context.Context, taskID, agentID string) error {
	path := fmt.Sprintf("/api/v1/tasks/%s/lock", taskID)
	resp, err := c.do(ctx, http.MethodPost, path, map[string]any{"agent_id": agentID}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusForbidden:
		return fmt.Errorf("pmclient: lock_task %s: forbidden", taskID)
	case http.StatusConflict:
		return fmt.Errorf("pmclient: lock_task %s: already locked", taskID)
	default:
		return fmt.Errorf("pmclient: lock_task %s: status %d", taskID, resp.StatusCode)
	}
}

// UpdateTaskStatus reports a new status for taskID.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, agentID, notes string) error {
	path := fmt.Sprintf("/api/v1/tasks/%s/status", taskID)
	payload := map[string]any{"status": status, "agent_id": agentID}
	if notes != "" {
		payload["notes"] = notes
	}
	resp, err := c.do(ctx, http.MethodPut, path, payload, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pmclient: update_task_status %s: status %d", taskID, resp.StatusCode)
	}
	return nil
}

// ErrTaskNotFound is returned by GetTaskStatus when the PM service answers
// 404, which crash recovery treats as "task gone" (spec.md §4.10).
var ErrTaskNotFound = fmt.Errorf("pmclient: task not found")

// GetTaskStatus fetches just the status field of taskID.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (string, error) {
	var task Task
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s", taskID), nil, &task)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrTaskNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("pmclient: get_task %s: status %d", taskID, resp.StatusCode)
	}
	return task.Status, nil
}

// DeleteAgent unregisters agentID. Idempotent: a 404 is treated as success.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/agents/%s", agentID), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pmclient: delete_agent %s: status %d", agentID, resp.StatusCode)
	}
	return nil
}

// IsTerminal reports whether status releases a held lease (spec.md §3).
func IsTerminal(status string) bool {
	return TerminalStatuses[status]
}

// CompletionStatusForRole maps a role to the status it writes on success
// (spec.md §3): developer roles -> dev_done, QA/architect/PM -> completed.
func CompletionStatusForRole(role string) string {
	switch role {
	case "backend_dev", "frontend_dev", "fullstack_dev":
		return "dev_done"
	default:
		return "completed"
	}
}
