// Package upload pushes archived captures to a remote collector.
//
// Upload is advisory: the local archive stays authoritative, a failed
// upload never retracts the file. The collector receives the raw bytes
// as an octet-stream POST with the archive entry name carried in the
// Content-Disposition header, so repeating an upload is harmless.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/visiona/meterwatch/internal/retry"
)

const (
	// DefaultAttempts is the upload budget, counting the first try.
	DefaultAttempts = 2

	// DefaultDelay is the backoff base between attempts.
	DefaultDelay = time.Second
)

// Config configures a Client.
type Config struct {
	// HTTPClient overrides http.DefaultClient when set.
	HTTPClient *http.Client

	// Attempts and Delay override their defaults when positive.
	Attempts int
	Delay    time.Duration
}

// Client uploads files to a collector URL. Safe for concurrent use.
type Client struct {
	http   *http.Client
	policy retry.Policy
}

// NewClient returns a client with defaults filled in.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Attempts < 0 {
		return nil, fmt.Errorf("upload: attempts must not be negative, got %d", cfg.Attempts)
	}
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("upload: delay must not be negative, got %v", cfg.Delay)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	delay := cfg.Delay
	if delay == 0 {
		delay = DefaultDelay
	}

	return &Client{
		http:   httpClient,
		policy: retry.Exponential(attempts, delay, 0),
	}, nil
}

// Upload POSTs data to destination under the given filename.
//
// Success is either a plain HTTP 200 or a JSON body whose status field
// reads "success"; collectors of both shapes are in the field.
func (c *Client) Upload(ctx context.Context, destination, filename string, data []byte) error {
	if destination == "" {
		return fmt.Errorf("upload: destination is required")
	}
	if filename == "" {
		return fmt.Errorf("upload: filename is required")
	}

	err := c.policy.Do(ctx, "upload", func(ctx context.Context) error {
		return c.send(ctx, destination, filename, data)
	})
	if err != nil {
		return err
	}

	slog.Info("upload: file delivered", "filename", filename, "bytes", len(data))
	return nil
}

func (c *Client) send(ctx context.Context, destination, filename string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("upload: read response: %w", err)
	}

	var ack struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(body, &ack) == nil && ack.Status == "success" {
		return nil
	}
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return fmt.Errorf("upload: collector returned %d", resp.StatusCode)
}
