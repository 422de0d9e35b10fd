// Package api is the REST client for the task timer and notification
// endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrCommandRejected means the server refused a command, for example pausing
// the timer of a completed task. The wrapped *APIError carries the details.
var ErrCommandRejected = errors.New("command rejected")

// DefaultTimeout bounds every request.
const DefaultTimeout = 20 * time.Second

// APIError represents a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("api error: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("api error: %s (%d)", e.Code, e.Status)
	}
	if e.Message != "" {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

type apiErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TokenSource supplies the bearer token per request so a refreshed
// credential is picked up without rebuilding the client.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the REST API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewClient constructs a client for baseURL.
func NewClient(baseURL string, tokens TokenSource) (*Client, error) {
	normalized, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: normalized,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

// NormalizeBaseURL trims the URL and ensures it has a scheme.
func NormalizeBaseURL(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("api url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("api url must include scheme (https://)")
	}
	return strings.TrimRight(value, "/"), nil
}

// StartTimer starts the task's timer and returns the authoritative task.
func (c *Client) StartTimer(ctx context.Context, taskID int64) (Task, error) {
	return c.timerCommand(ctx, http.MethodPost, taskID, "start", nil)
}

// PauseTimer pauses the task's timer.
func (c *Client) PauseTimer(ctx context.Context, taskID int64) (Task, error) {
	return c.timerCommand(ctx, http.MethodPost, taskID, "pause", nil)
}

// ResetTimer resets the task's timer to its full duration.
func (c *Client) ResetTimer(ctx context.Context, taskID int64) (Task, error) {
	return c.timerCommand(ctx, http.MethodPost, taskID, "reset", nil)
}

// UpdateTimerDuration sets the pomodoro length in minutes.
func (c *Client) UpdateTimerDuration(ctx context.Context, taskID int64, minutes int) (Task, error) {
	if minutes <= 0 {
		return Task{}, fmt.Errorf("%w: duration must be positive, got %d", ErrCommandRejected, minutes)
	}
	return c.timerCommand(ctx, http.MethodPut, taskID, "duration", durationRequest{Minutes: minutes})
}

func (c *Client) timerCommand(ctx context.Context, method string, taskID int64, action string, body any) (Task, error) {
	var task Task
	path := "/api/tasks/" + strconv.FormatInt(taskID, 10) + "/timer/" + action
	if err := c.doJSON(ctx, method, path, body, &task); err != nil {
		return Task{}, commandError(action, err)
	}
	return task, nil
}

// FetchTasks returns every task of the current user.
func (c *Client) FetchTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := c.doJSON(ctx, http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	return tasks, nil
}

// FetchNotifications returns the full notification set.
func (c *Client) FetchNotifications(ctx context.Context) ([]Notification, error) {
	var notes []Notification
	if err := c.doJSON(ctx, http.MethodGet, "/api/notifications", nil, &notes); err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	return notes, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	path := "/api/notifications/" + strconv.FormatInt(id, 10) + "/read"
	if err := c.doJSON(ctx, http.MethodPut, path, nil, nil); err != nil {
		return commandError("mark read", err)
	}
	return nil
}

// MarkAllNotificationsRead marks every notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPut, "/api/notifications/read-all", nil, nil); err != nil {
		return commandError("mark all read", err)
	}
	return nil
}

// commandError maps 4xx responses to ErrCommandRejected.
func commandError(action string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		return fmt.Errorf("%s: %w: %w", action, ErrCommandRejected, apiErr)
	}
	return fmt.Errorf("%s: %w", action, err)
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, respBody any) error {
	endpoint, err := c.buildURL(path)
	if err != nil {
		return err
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload apiErrorPayload
		if err := json.Unmarshal(respData, &payload); err == nil {
			apiErr.Code = payload.Error
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		return apiErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	return json.Unmarshal(respData, respBody)
}

func (c *Client) buildURL(path string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
