package scrumbringersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Scrumbringer HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	CardID    *string `json:"card_id,omitempty"`
	Title     string  `json:"title"`
	Priority  int     `json:"priority"`
	Status    string  `json:"status"`
	ClaimedBy *string `json:"claimed_by,omitempty"`
	Version   int64   `json:"version"`
}

// Milestone represents the API milestone model.
type Milestone struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	State     string `json:"state"`
}

// ActivationSnapshot reports a milestone activation.
type ActivationSnapshot struct {
	Milestone     Milestone `json:"milestone"`
	CardsReleased int       `json:"cards_released"`
	TasksReleased int       `json:"tasks_released"`
}

// ExecutionStats aggregates rule execution outcomes.
type ExecutionStats struct {
	Evaluated  int            `json:"evaluated"`
	Applied    int            `json:"applied"`
	Suppressed int            `json:"suppressed"`
	Reasons    map[string]int `json:"reasons,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsConflict reports whether err is a 409 from the API, i.e. the task was
// claimed or changed under us and a refetch is needed.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), map[string]any{"title": title}, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "api/v1/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ListAvailableTasks lists available tasks in the project.
func (c *Client) ListAvailableTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks")+"?status=available", nil, &resp)
	return resp, err
}

// ClaimTask claims a task at the given version.
func (c *Client) ClaimTask(ctx context.Context, taskID string, version int64) (Task, error) {
	return c.transition(ctx, taskID, "claim", version)
}

// ReleaseTask releases a claimed task at the given version.
func (c *Client) ReleaseTask(ctx context.Context, taskID string, version int64) (Task, error) {
	return c.transition(ctx, taskID, "release", version)
}

// CompleteTask completes a claimed task at the given version.
func (c *Client) CompleteTask(ctx context.Context, taskID string, version int64) (Task, error) {
	return c.transition(ctx, taskID, "complete", version)
}

// ClaimWithRetry claims a task, refetching and retrying with exponential
// backoff when the version is stale. It gives up immediately when the task
// is completed or held by someone else, since no retry can change that.
func (c *Client) ClaimWithRetry(ctx context.Context, taskID string) (Task, error) {
	var claimed Task
	op := func() error {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if t.Status != "available" {
			return backoff.Permanent(fmt.Errorf("task %s is %s", taskID, t.Status))
		}
		claimed, err = c.ClaimTask(ctx, taskID, t.Version)
		if err == nil {
			return nil
		}
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusConflict && ae.Code == "version_conflict" {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return Task{}, err
	}
	return claimed, nil
}

// ActivateMilestone activates a milestone and returns what it released.
func (c *Client) ActivateMilestone(ctx context.Context, milestoneID string) (ActivationSnapshot, error) {
	var resp ActivationSnapshot
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/activate", url.PathEscape(milestoneID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ExecutionStats returns rule execution stats over a window; zero times
// mean unbounded.
func (c *Client) ExecutionStats(ctx context.Context, since, until time.Time) (ExecutionStats, error) {
	endpoint := "api/v1/executions/stats"
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	if !until.IsZero() {
		params.Set("until", until.UTC().Format(time.RFC3339))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp ExecutionStats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, taskID, action string, version int64) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("api/v1/tasks/%s/%s", url.PathEscape(taskID), action)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"expected_version": version}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("api/v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
