// Package recognize reads meter digits out of a captured image by
// delegating to a remote OCR service.
//
// The service exposes a two-step task protocol: createTask submits the
// image and returns a task id, getTaskResult is polled until the task
// reports ready. Submission is retried on connection errors; polling is
// bounded so a stuck task cannot hold a battery-powered cycle open
// forever.
package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/visiona/meterwatch/internal/retry"
)

const (
	// DefaultSubmitAttempts is the createTask connection budget.
	DefaultSubmitAttempts = 3

	// DefaultSubmitDelay separates createTask attempts.
	DefaultSubmitDelay = 2 * time.Second

	// DefaultPollChecks bounds how often getTaskResult is asked before
	// the task is abandoned.
	DefaultPollChecks = 10

	// DefaultPollInterval is the wait before the first poll and
	// between subsequent polls.
	DefaultPollInterval = 5 * time.Second
)

var (
	// ErrTaskFailed means the service reported an error for the task.
	ErrTaskFailed = errors.New("recognize: task failed")

	// ErrTaskTimeout means the task never became ready within the
	// polling budget.
	ErrTaskTimeout = errors.New("recognize: task not ready within polling budget")
)

// Config configures a Client.
type Config struct {
	// BaseURL is the service root; createTask and getTaskResult are
	// appended to it.
	BaseURL string

	// APIKey is the client key sent with every request.
	APIKey string

	// HTTPClient overrides http.DefaultClient when set.
	HTTPClient *http.Client

	// SubmitAttempts, SubmitDelay, PollChecks and PollInterval
	// override their defaults when positive.
	SubmitAttempts int
	SubmitDelay    time.Duration
	PollChecks     int
	PollInterval   time.Duration
}

// Client talks to the OCR service. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	submit       retry.Policy
	pollChecks   int
	pollInterval time.Duration
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("recognize: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("recognize: API key is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	attempts := cfg.SubmitAttempts
	if attempts == 0 {
		attempts = DefaultSubmitAttempts
	}
	delay := cfg.SubmitDelay
	if delay == 0 {
		delay = DefaultSubmitDelay
	}
	checks := cfg.PollChecks
	if checks == 0 {
		checks = DefaultPollChecks
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		http:         httpClient,
		submit:       retry.Fixed(attempts, delay),
		pollChecks:   checks,
		pollInterval: interval,
	}, nil
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      struct {
		Type string `json:"type"`
		Body string `json:"body"`
	} `json:"task"`
}

type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           any    `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    any    `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID   int    `json:"errorId"`
	ErrorCode string `json:"errorCode"`
	Status    string `json:"status"`
	Solution  struct {
		Text string `json:"text"`
	} `json:"solution"`
}

// ImageToText submits image and waits for the recognized text.
func (c *Client) ImageToText(ctx context.Context, image []byte) (string, error) {
	taskID, err := c.createTask(ctx, image)
	if err != nil {
		return "", err
	}

	slog.Debug("recognize: task created", "task_id", taskID)
	return c.waitForResult(ctx, taskID)
}

func (c *Client) createTask(ctx context.Context, image []byte) (any, error) {
	req := createTaskRequest{ClientKey: c.apiKey}
	req.Task.Type = "ImageToTextTask"
	req.Task.Body = base64.StdEncoding.EncodeToString(image)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("recognize: marshal createTask: %w", err)
	}

	var taskID any
	err = c.submit.Do(ctx, "ocr submit", func(ctx context.Context) error {
		var resp createTaskResponse
		if err := c.post(ctx, "/createTask", payload, &resp); err != nil {
			return err
		}
		if resp.ErrorID != 0 || resp.ErrorCode != "" {
			return fmt.Errorf("%w: %s %s", ErrTaskFailed, resp.ErrorCode, resp.ErrorDescription)
		}
		if resp.TaskID == nil {
			return fmt.Errorf("recognize: createTask response has no task id")
		}
		taskID = resp.TaskID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return taskID, nil
}

func (c *Client) waitForResult(ctx context.Context, taskID any) (string, error) {
	payload, err := json.Marshal(taskResultRequest{ClientKey: c.apiKey, TaskID: taskID})
	if err != nil {
		return "", fmt.Errorf("recognize: marshal getTaskResult: %w", err)
	}

	for check := 1; check <= c.pollChecks; check++ {
		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		var resp taskResultResponse
		if err := c.post(ctx, "/getTaskResult", payload, &resp); err != nil {
			slog.Warn("recognize: poll failed", "check", check, "error", err)
			continue
		}

		if resp.ErrorID != 0 || resp.ErrorCode != "" {
			return "", fmt.Errorf("%w: %s", ErrTaskFailed, resp.ErrorCode)
		}
		if resp.Status == "ready" {
			return resp.Solution.Text, nil
		}
		slog.Debug("recognize: task not ready", "check", check, "status", resp.Status)
	}

	return "", fmt.Errorf("%w: %d checks", ErrTaskTimeout, c.pollChecks)
}

func (c *Client) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("recognize: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recognize: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("recognize: read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recognize: %s returned %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("recognize: decode %s response: %w", path, err)
	}
	return nil
}
