// Package taskgensdk is a minimal client for the taskgen engine endpoint,
// used by the domain services that report finished actions and read
// pending tasks.
package taskgensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal taskgen HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

type RuleOutcome struct {
	RuleType  string `json:"rule_type"`
	Created   int    `json:"created"`
	Refreshed int    `json:"refreshed"`
	Reopened  int    `json:"reopened"`
	Completed int    `json:"completed"`
	Error     string `json:"error,omitempty"`
}

type RunLog struct {
	ID            string        `json:"id"`
	StartedAt     string        `json:"started_at"`
	FinishedAt    string        `json:"finished_at"`
	Trigger       string        `json:"trigger"`
	PerRule       []RuleOutcome `json:"per_rule"`
	OverallStatus string        `json:"overall_status"`
	Error         string        `json:"error,omitempty"`
}

type ScanResult struct {
	Success bool   `json:"success"`
	Summary RunLog `json:"summary"`
}

type LogsPage struct {
	Items      []RunLog `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

type TaskSummary struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	Count       *int   `json:"count,omitempty"`
}

type ProjectTasks struct {
	ProjectName string        `json:"projectName"`
	Tasks       []TaskSummary `json:"tasks"`
}

// Completion reports a finished domain action. CollaborationID is optional.
type Completion struct {
	Type            string `json:"type"`
	ProjectID       string `json:"related_project_id"`
	CollaborationID string `json:"related_collaboration_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) TriggerScan(ctx context.Context) (ScanResult, error) {
	var resp ScanResult
	err := c.do(ctx, http.MethodPost, c.action("triggerScan", nil), nil, &resp)
	return resp, err
}

// Logs returns a page of run logs, newest first. Pass the previous page's
// NextCursor as before to continue.
func (c *Client) Logs(ctx context.Context, limit int, before string) (LogsPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	var resp LogsPage
	err := c.do(ctx, http.MethodGet, c.action("getLogs", q), nil, &resp)
	return resp, err
}

// PendingTasks returns pending tasks keyed by project id.
func (c *Client) PendingTasks(ctx context.Context, exclude ...string) (map[string]ProjectTasks, error) {
	q := url.Values{}
	if len(exclude) > 0 {
		q.Set("exclude", strings.Join(exclude, ","))
	}
	var resp map[string]ProjectTasks
	err := c.do(ctx, http.MethodGet, c.action("getPendingTasks", q), nil, &resp)
	return resp, err
}

// CompleteTask returns how many pending tasks the completion resolved.
func (c *Client) CompleteTask(ctx context.Context, in Completion) (int, error) {
	var resp struct {
		Success   bool `json:"success"`
		Completed int  `json:"completed"`
	}
	err := c.do(ctx, http.MethodPost, c.action("completeTask", nil), in, &resp)
	return resp.Completed, err
}

func (c *Client) action(name string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("action", name)
	return strings.Trim(c.BasePath, "/") + "/engine?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
