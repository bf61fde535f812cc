package questlinesdk

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

// Client is a minimal Questline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Assignment represents the API assignment model (partial).
type Assignment struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Type        string `json:"type"`
	TemplateID  string `json:"template_id"`
	Status      string `json:"status"`
	AssignedBy  string `json:"assigned_by,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// CascadeResult reports what a leaf completion caused.
type CascadeResult struct {
	LeafAwarded        bool     `json:"leaf_awarded"`
	ContainerCompleted bool     `json:"container_completed"`
	ContainerAwarded   bool     `json:"container_awarded"`
	ParentCompleted    bool     `json:"parent_completed"`
	ParentAwarded      bool     `json:"parent_awarded"`
	PointsAwarded      int      `json:"points_awarded"`
	Unlocked           []string `json:"unlocked,omitempty"`
}

// Points is a user's running total.
type Points struct {
	UserID string `json:"user_id"`
	Total  int    `json:"total"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	UserID       string         `json:"user_id"`
	AffectedItem string         `json:"affected_item"`
	Message      string         `json:"message"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Assign hands a template to a user.
func (c *Client) Assign(ctx context.Context, userID, kind, templateID string) (Assignment, error) {
	body := map[string]any{
		"user_id":     userID,
		"kind":        kind,
		"template_id": templateID,
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v0/assignments", body, &resp)
	return resp, err
}

// Accept moves a pending assignment to active.
func (c *Client) Accept(ctx context.Context, userID, id string) (Assignment, error) {
	return c.lifecycle(ctx, userID, id, "accept")
}

// Decline refuses a pending assignment.
func (c *Client) Decline(ctx context.Context, userID, id string) (Assignment, error) {
	return c.lifecycle(ctx, userID, id, "decline")
}

// Submit hands a task in for approval.
func (c *Client) Submit(ctx context.Context, userID, id string) (Assignment, error) {
	return c.lifecycle(ctx, userID, id, "submit")
}

// Approve accepts a submitted task and awards its points.
func (c *Client) Approve(ctx context.Context, userID, id string) (Assignment, error) {
	return c.lifecycle(ctx, userID, id, "approve")
}

// Reject sends a submitted task back to active.
func (c *Client) Reject(ctx context.Context, userID, id string) (Assignment, error) {
	return c.lifecycle(ctx, userID, id, "reject")
}

func (c *Client) lifecycle(ctx context.Context, userID, id, verb string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, c.assignmentPath(userID, id, verb), nil, &resp)
	return resp, err
}

// CompleteLeaf completes a task inside a quest or mission assignment.
// questID is only set for tasks nested inside a mission quest.
func (c *Client) CompleteLeaf(ctx context.Context, userID, id, questID, taskID string) (CascadeResult, error) {
	body := map[string]any{"task_id": taskID}
	if questID != "" {
		body["quest_id"] = questID
	}
	var resp CascadeResult
	err := c.do(ctx, http.MethodPost, c.assignmentPath(userID, id, "complete"), body, &resp)
	return resp, err
}

// RefreshLocks re-runs unlock propagation over a mission assignment.
func (c *Client) RefreshLocks(ctx context.Context, userID, id string) ([]string, error) {
	var resp struct {
		Unlocked []string `json:"unlocked"`
	}
	err := c.do(ctx, http.MethodPost, c.assignmentPath(userID, id, "refresh-locks"), nil, &resp)
	return resp.Unlocked, err
}

// Points returns a user's point total.
func (c *Client) Points(ctx context.Context, userID string) (Points, error) {
	var resp Points
	endpoint := fmt.Sprintf("v0/users/%s/points", url.PathEscape(userID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Assignments lists a user's assignments.
func (c *Client) Assignments(ctx context.Context, userID string) ([]Assignment, error) {
	var resp []Assignment
	endpoint := fmt.Sprintf("v0/users/%s/assignments", url.PathEscape(userID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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

func (c *Client) assignmentPath(userID, id, verb string) string {
	return fmt.Sprintf("v0/users/%s/assignments/%s/%s", url.PathEscape(userID), url.PathEscape(id), verb)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
