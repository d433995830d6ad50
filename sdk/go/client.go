package habitlinesdk

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

// Client is a minimal habitline HTTP API client.
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
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Rule is a recurrence rule. Only the fields of Kind are read.
type Rule struct {
	Kind       string `json:"kind"`
	DaysOfWeek []int  `json:"days_of_week,omitempty"`
	DayOfMonth int    `json:"day_of_month,omitempty"`
	Count      int    `json:"count,omitempty"`
	Period     string `json:"period,omitempty"`
	Every      int    `json:"every,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Anchor     string `json:"anchor,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Category  string   `json:"category,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Weightage int      `json:"weightage,omitempty"`
	Rule      Rule     `json:"rule"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Cascade is the result of recording a completion.
type Cascade struct {
	TaskID          string   `json:"task_id"`
	Date            string   `json:"date"`
	Completed       []string `json:"completed"`
	AlreadyComplete []string `json:"already_complete"`
	Skipped         []string `json:"skipped"`
	Cycle           []string `json:"cycle,omitempty"`
}

// Completion is a stored completion record.
type Completion struct {
	TaskID          string     `json:"task_id"`
	Date            string     `json:"date"`
	CompletedAt     time.Time  `json:"completed_at"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Source          string     `json:"source"`
}

// Resolution is the due state of a task on a date.
type Resolution struct {
	TaskID  string `json:"task_id"`
	Date    string `json:"date"`
	State   string `json:"state"`
	Warning string `json:"warning,omitempty"`
}

type AgendaItem struct {
	Task      Task   `json:"task"`
	State     string `json:"state"`
	Completed bool   `json:"completed"`
	Warning   string `json:"warning,omitempty"`
}

type Agenda struct {
	Date  string       `json:"date"`
	Items []AgendaItem `json:"items"`
}

// Analytics is the dashboard snapshot (partial).
type Analytics struct {
	Today          string  `json:"today"`
	WindowStart    string  `json:"window_start"`
	WindowDays     int     `json:"window_days"`
	Expected       int     `json:"expected"`
	Actual         int     `json:"actual"`
	CompletionRate float64 `json:"completion_rate"`
	CurrentStreak  int     `json:"current_streak"`
	LongestStreak  int     `json:"longest_streak"`
	PerfectDays    int     `json:"perfect_days"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CompleteOptions are the optional attributes of a manual completion.
type CompleteOptions struct {
	Date            string     `json:"date,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, t Task) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

// ListTasks returns all tasks, optionally filtered by category.
func (c *Client) ListTasks(ctx context.Context, category string) ([]Task, error) {
	endpoint := "tasks"
	if category != "" {
		endpoint += "?category=" + url.QueryEscape(category)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Complete records a completion and returns the cascade. A broken
// dependency cycle is reported in Cascade.Cycle.
func (c *Client) Complete(ctx context.Context, taskID string, opts CompleteOptions) (Cascade, error) {
	var resp Cascade
	endpoint := fmt.Sprintf("tasks/%s/completions", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, opts, &resp)
	return resp, err
}

// Uncomplete removes the completion for date and reports whether one existed.
func (c *Client) Uncomplete(ctx context.Context, taskID, date string) (bool, error) {
	var resp struct {
		Removed bool `json:"removed"`
	}
	endpoint := fmt.Sprintf("tasks/%s/completions/%s", url.PathEscape(taskID), url.PathEscape(date))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp.Removed, err
}

// History lists completions of a task in [start, end]. Empty bounds use the
// server defaults.
func (c *Client) History(ctx context.Context, taskID, start, end string) ([]Completion, error) {
	q := url.Values{}
	if start != "" {
		q.Set("start", start)
	}
	if end != "" {
		q.Set("end", end)
	}
	var resp struct {
		Items []Completion `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("tasks/%s/completions", url.PathEscape(taskID)), q), nil, &resp)
	return resp.Items, err
}

// Resolve returns the due state of a task on date (today when empty).
func (c *Client) Resolve(ctx context.Context, taskID, date string) (Resolution, error) {
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	var resp Resolution
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("tasks/%s/resolve", url.PathEscape(taskID)), q), nil, &resp)
	return resp, err
}

// Agenda returns every task with its due state on date.
func (c *Client) Agenda(ctx context.Context, date string) (Agenda, error) {
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	var resp Agenda
	err := c.do(ctx, http.MethodGet, withQuery("agenda", q), nil, &resp)
	return resp, err
}

// Analytics returns the snapshot for the window ending on today.
func (c *Client) Analytics(ctx context.Context, today string, windowDays int) (Analytics, error) {
	q := url.Values{}
	if today != "" {
		q.Set("today", today)
	}
	if windowDays > 0 {
		q.Set("window_days", fmt.Sprint(windowDays))
	}
	var resp Analytics
	err := c.do(ctx, http.MethodGet, withQuery("analytics", q), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
