package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Investigation represents the API investigation model (partial).
type Investigation struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Phase        string       `json:"phase"`
	PhaseHistory []PhaseEntry `json:"phase_history"`
	Targets      []string     `json:"targets,omitempty"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
}

// PhaseEntry is one row of an investigation's phase history.
type PhaseEntry struct {
	Phase     string  `json:"phase"`
	EnteredAt string  `json:"entered_at"`
	ExitedAt  *string `json:"exited_at,omitempty"`
	Actor     string  `json:"actor"`
}

// Agent represents a registered worker.
type Agent struct {
	AgentID       string  `json:"agent_id"`
	Name          string  `json:"name,omitempty"`
	Capability    string  `json:"capability"`
	Status        string  `json:"status"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID              string  `json:"id"`
	InvestigationID string  `json:"investigation_id"`
	AgentID         *string `json:"agent_id,omitempty"`
	Capability      string  `json:"capability"`
	Description     string  `json:"description"`
	Priority        string  `json:"priority"`
	Status          string  `json:"status"`
	Progress        int     `json:"progress"`
	ResultRef       *string `json:"result_ref,omitempty"`
	FailureReason   string  `json:"failure_reason,omitempty"`
}

// Approval represents a human gate.
type Approval struct {
	ID              string              `json:"id"`
	InvestigationID string              `json:"investigation_id"`
	Action          string              `json:"action"`
	RequestedAt     string              `json:"requested_at"`
	TimeoutAt       *string             `json:"timeout_at,omitempty"`
	Resolution      *ApprovalResolution `json:"resolution,omitempty"`
}

// ApprovalResolution is the terminal outcome of a gate.
type ApprovalResolution struct {
	Approved   bool   `json:"approved"`
	Resolver   string `json:"resolver"`
	ResolvedAt string `json:"resolved_at"`
}

// Event represents a log entry.
type Event struct {
	ID              int64          `json:"id"`
	Seq             int64          `json:"seq"`
	Type            string         `json:"type"`
	InvestigationID string         `json:"investigation_id"`
	Timestamp       string         `json:"timestamp"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// BatchResult is the joint outcome of a task batch.
type BatchResult struct {
	Succeeded []Task `json:"succeeded,omitempty"`
	Failed    []Task `json:"failed,omitempty"`
	TimedOut  bool   `json:"timed_out"`
	OK        bool   `json:"ok"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EventPage wraps event listings with the resume cursor.
type EventPage struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// CreateInvestigation creates an investigation.
func (c *Client) CreateInvestigation(ctx context.Context, title string, targets []string) (Investigation, error) {
	body := map[string]any{
		"title":   title,
		"targets": targets,
	}
	var resp Investigation
	err := c.do(ctx, http.MethodPost, "v1/investigations", body, &resp)
	return resp, err
}

// GetInvestigation fetches an investigation by id.
func (c *Client) GetInvestigation(ctx context.Context, id string) (Investigation, error) {
	var resp Investigation
	err := c.do(ctx, http.MethodGet, c.investigationPath(id, ""), nil, &resp)
	return resp, err
}

// ListInvestigations returns all investigations.
func (c *Client) ListInvestigations(ctx context.Context) ([]Investigation, error) {
	var resp struct {
		Investigations []Investigation `json:"investigations"`
	}
	err := c.do(ctx, http.MethodGet, "v1/investigations", nil, &resp)
	return resp.Investigations, err
}

// Transition requests a phase change. Regressive moves need confirm=true.
func (c *Client) Transition(ctx context.Context, id, targetPhase, reason, requestedBy string, confirm bool) (Investigation, error) {
	body := map[string]any{
		"target_phase": targetPhase,
		"reason":       reason,
		"requested_by": requestedBy,
		"confirm":      confirm,
	}
	var resp Investigation
	err := c.do(ctx, http.MethodPost, c.investigationPath(id, "transition"), body, &resp)
	return resp, err
}

// Snapshot returns the consolidated workflow state.
func (c *Client) Snapshot(ctx context.Context, id string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.investigationPath(id, "snapshot"), nil, &resp)
	return resp, err
}

// RegisterAgent adds a worker to the pool.
func (c *Client) RegisterAgent(ctx context.Context, agentID, name, capability string) (Agent, error) {
	body := map[string]any{
		"agent_id":   agentID,
		"name":       name,
		"capability": capability,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v1/agents", body, &resp)
	return resp, err
}

// UpdateAgentStatus records an agent's observed status.
func (c *Client) UpdateAgentStatus(ctx context.Context, agentID, status string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v1/agents/"+url.PathEscape(agentID)+"/status",
		map[string]any{"status": status}, &resp)
	return resp, err
}

// RemoveAgent withdraws a worker from the pool.
func (c *Client) RemoveAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "v1/agents/"+url.PathEscape(agentID), nil, nil)
}

// ListAgents returns registered agents, optionally filtered by capability.
func (c *Client) ListAgents(ctx context.Context, capability string) ([]Agent, error) {
	endpoint := "v1/agents"
	if capability != "" {
		endpoint += "?capability=" + url.QueryEscape(capability)
	}
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Agents, err
}

// AssignTask creates a task; it binds immediately when an idle agent with
// the capability exists, otherwise it queues as pending.
func (c *Client) AssignTask(ctx context.Context, investigationID, capability, description, priority string) (Task, error) {
	body := map[string]any{
		"capability":  capability,
		"description": description,
		"priority":    priority,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.investigationPath(investigationID, "tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ReportProgress updates an in-progress task's completion percent.
func (c *Client) ReportProgress(ctx context.Context, taskID string, percent int) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(taskID)+"/progress",
		map[string]any{"percent": percent}, &resp)
	return resp, err
}

// ReportResult resolves a task.
func (c *Client) ReportResult(ctx context.Context, taskID string, success bool, resultRef, failureReason string) (Task, error) {
	body := map[string]any{
		"success":        success,
		"result_ref":     resultRef,
		"failure_reason": failureReason,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(taskID)+"/result", body, &resp)
	return resp, err
}

// CancelTask cancels an unresolved task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &resp)
	return resp, err
}

// BatchSpec is one member of a task batch.
type BatchSpec struct {
	Capability  string `json:"capability"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// RunBatch dispatches tasks together and blocks until they resolve or the
// timeout passes.
func (c *Client) RunBatch(ctx context.Context, investigationID string, specs []BatchSpec, policy string, timeoutSeconds int) (BatchResult, error) {
	body := map[string]any{
		"tasks":           specs,
		"policy":          policy,
		"timeout_seconds": timeoutSeconds,
	}
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, c.investigationPath(investigationID, "batches"), body, &resp)
	return resp, err
}

// RequestApproval opens a human gate on an investigation. A zero
// timeoutSeconds takes the server's configured default; a negative value
// disables the deadline.
func (c *Client) RequestApproval(ctx context.Context, investigationID, action string, timeoutSeconds int) (Approval, error) {
	body := map[string]any{
		"action":          action,
		"timeout_seconds": timeoutSeconds,
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.investigationPath(investigationID, "approvals"), body, &resp)
	return resp, err
}

// ResolveApproval approves or denies a gate.
func (c *Client) ResolveApproval(ctx context.Context, approvalID string, approved bool, resolver string) (Approval, error) {
	body := map[string]any{
		"approved": approved,
		"resolver": resolver,
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "v1/approvals/"+url.PathEscape(approvalID)+"/resolve", body, &resp)
	return resp, err
}

// ListApprovals returns an investigation's gates. open=true keeps only
// unresolved ones.
func (c *Client) ListApprovals(ctx context.Context, investigationID string, open bool) ([]Approval, error) {
	endpoint := c.investigationPath(investigationID, "approvals")
	if open {
		endpoint += "?open=true"
	}
	var resp struct {
		Approvals []Approval `json:"approvals"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Approvals, err
}

// Events returns an investigation's events after the cursor.
func (c *Client) Events(ctx context.Context, investigationID string, after int64, limit int) (EventPage, error) {
	endpoint := c.investigationPath(investigationID, "events")
	sep := "?"
	if after > 0 {
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp EventPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) investigationPath(id, p string) string {
	endpoint := "v1/investigations/" + url.PathEscape(id)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
