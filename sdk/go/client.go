package scrumbringersdk

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

// Client is a minimal Scrumbringer HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   int64
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string, projectID int64) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          int64   `json:"id"`
	ProjectID   int64   `json:"project_id"`
	TypeID      int64   `json:"type_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status"`
	Version     int     `json:"version"`
	AssignedTo  *int64  `json:"assigned_to,omitempty"`
	CardID      *int64  `json:"card_id,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Event represents a lifecycle log entry.
type Event struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	TaskID    int64  `json:"task_id"`
	ActorID   int64  `json:"actor_id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether the error is a version conflict (the task moved
// between read and write). Callers should re-read and retry.
func IsConflict(err error) bool {
	var ae *APIError
	if ok := AsAPIError(err, &ae); ok {
		return ae.StatusCode == http.StatusConflict
	}
	return false
}

// AsAPIError extracts an *APIError from err.
func AsAPIError(err error, target **APIError) bool {
	for err != nil {
		if ae, ok := err.(*APIError); ok {
			*target = ae
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// PaginatedTasks wraps task list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, typeID int64, title string) (Task, error) {
	body := map[string]any{
		"type_id": typeID,
		"title":   title,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.projectPath(fmt.Sprintf("tasks/%d", id)), nil, &resp)
	return resp, err
}

// ListTasks returns a page of tasks. Filters with zero values are omitted.
func (c *Client) ListTasks(ctx context.Context, status string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ClaimTask claims an available task at the given version.
func (c *Client) ClaimTask(ctx context.Context, id int64, version int) (Task, error) {
	return c.transition(ctx, id, version, "claim")
}

// StartTask starts a claimed task, opening a work session.
func (c *Client) StartTask(ctx context.Context, id int64, version int) (Task, error) {
	return c.transition(ctx, id, version, "start")
}

// ReleaseTask returns a claimed task to the pool.
func (c *Client) ReleaseTask(ctx context.Context, id int64, version int) (Task, error) {
	return c.transition(ctx, id, version, "release")
}

// CompleteTask completes a claimed task. Automation rules fire server-side
// in the same transaction.
func (c *Client) CompleteTask(ctx context.Context, id int64, version int) (Task, error) {
	return c.transition(ctx, id, version, "complete")
}

func (c *Client) transition(ctx context.Context, id int64, version int, action string) (Task, error) {
	body := map[string]any{"version": version}
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%d/%s", id, action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// TaskEvents returns the lifecycle history of a task.
func (c *Client) TaskEvents(ctx context.Context, id int64) ([]Event, error) {
	var resp []Event
	endpoint := c.projectPath(fmt.Sprintf("tasks/%d/events", id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent project events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
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

func (c *Client) projectPath(p string) string {
	return fmt.Sprintf("v0/projects/%d/%s", c.ProjectID, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
