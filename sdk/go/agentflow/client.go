// Package agentflow is a Go client for the AgentFlow REST API.
package agentflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous turns can run several tool steps, so it is longer than a
// typical API timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the AgentFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TurnRequest is one user message.
type TurnRequest struct {
	TurnID         string `json:"turn_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
}

// Decision is the terminal verdict of a turn: "respond" or "fail".
type Decision struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// StepResult is the outcome of one tool step.
type StepResult struct {
	StepID         string          `json:"step_id"`
	ToolName       string          `json:"tool_name"`
	Iteration      int             `json:"iteration"`
	Status         string          `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreditsCharged json.Number     `json:"credits_charged"`
	Cached         bool            `json:"cached,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
}

// TurnOutcome is returned by RunTurn and stored as a job result.
type TurnOutcome struct {
	TurnID         string       `json:"turn_id"`
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id"`
	Decision       Decision     `json:"decision"`
	Reply          string       `json:"reply,omitempty"`
	Results        []StepResult `json:"results"`
	Iterations     int          `json:"iterations"`
	CreditsCharged json.Number  `json:"credits_charged"`
	ElapsedMS      int64        `json:"elapsed_ms"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Responded reports whether the turn produced a reply.
func (o TurnOutcome) Responded() bool {
	return o.Decision.Kind == "respond"
}

// JobSubmission queues a turn for asynchronous processing. A non-empty ID
// makes the submission idempotent.
type JobSubmission struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Job is the server-side state of an asynchronous turn.
type Job struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxRetries     int            `json:"max_retries"`
	LastError      string         `json:"last_error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Result         *TurnOutcome   `json:"result,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// JobFilter narrows ListJobs. Zero fields are not sent.
type JobFilter struct {
	Statuses []string
	UserID   string
	Query    string
	Limit    int
	Offset   int
}

// RuleResult is the verdict for one automation rule.
type RuleResult struct {
	RuleID       string         `json:"rule_id"`
	UserID       string         `json:"user_id"`
	Status       string         `json:"status"`
	MetricValue  *float64       `json:"metric_value,omitempty"`
	ConditionMet bool           `json:"condition_met"`
	ActionTaken  bool           `json:"action_taken"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// RuleCheckSummary is returned by CheckRules.
type RuleCheckSummary struct {
	CycleID      string       `json:"cycle_id"`
	RulesChecked int          `json:"rules_checked"`
	ActionsTaken int          `json:"actions_taken"`
	Results      []RuleResult `json:"results"`
}

// ToolDefinition describes a registered tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	RiskLevel   string         `json:"risk_level"`
	Service     string         `json:"service"`
	Parameters  map[string]any `json:"parameter_schema"`
	CreditCost  json.Number    `json:"static_credit_cost"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets a bearer token sent with every request, for
// deployments that put the API behind an authenticating proxy.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RunTurn handles a turn synchronously. A "fail" decision is not an error.
func (c *Client) RunTurn(ctx context.Context, req TurnRequest) (TurnOutcome, error) {
	var outcome TurnOutcome
	if err := c.send(ctx, http.MethodPost, "/api/v1/turns", nil, req, &outcome); err != nil {
		return TurnOutcome{}, err
	}
	return outcome, nil
}

// SubmitJob queues a turn and returns the pending job.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodPost, "/api/v1/jobs", nil, submission, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs returns jobs matching filter, most recently updated first.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.UserID != "" {
		query.Set("user_id", filter.UserID)
	}
	if filter.Query != "" {
		query.Set("q", filter.Query)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// WaitForJob polls GetJob until the job is done or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckRules runs one automation cycle. An empty userID checks every user.
func (c *Client) CheckRules(ctx context.Context, userID string) (RuleCheckSummary, error) {
	var summary RuleCheckSummary
	body := map[string]string{}
	if userID != "" {
		body["user_id"] = userID
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/rules/check", nil, body, &summary); err != nil {
		return RuleCheckSummary{}, err
	}
	return summary, nil
}

// ListTools returns the registered tool definitions sorted by name.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var out struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
