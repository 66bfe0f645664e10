package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/pipeline"
)

// Client talks to the hosted media-generation service (image/video/TTS).
// The API is async by design: POST /v1/tasks returns a task id, GET
// /v1/tasks/:id reports status. That maps one-to-one onto the pipeline
// adapter contract.
type Client interface {
	pipeline.Adapter
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client

	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := os.Getenv("GENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing GENAI_API_KEY")
	}

	baseURL := os.Getenv("GENAI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.loomgen.dev"
	}

	timeoutSec := 60
	if v := os.Getenv("GENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 4
	if v := os.Getenv("GENAI_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("client", "GenAIClient"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

type submitRequest struct {
	TaskType string            `json:"task_type"`
	Params   map[string]string `json:"params"`
}

type taskResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"` // queued|running|succeeded|failed
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (c *client) Submit(ctx context.Context, taskType string, params map[string]string) (string, error) {
	body, err := json.Marshal(submitRequest{TaskType: taskType, Params: params})
	if err != nil {
		return "", err
	}
	var resp taskResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tasks", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("generation service returned no task id")
	}
	return resp.ID, nil
}

func (c *client) Poll(ctx context.Context, taskType string, externalID string) (pipeline.PollResult, error) {
	var resp taskResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tasks/"+externalID, nil, &resp); err != nil {
		if isRetryableErr(err) {
			return pipeline.PollResult{}, &pipeline.TransientPollError{Err: err}
		}
		return pipeline.PollResult{}, &pipeline.PermanentPollError{Err: err}
	}
	switch resp.Status {
	case "queued", "running":
		return pipeline.PollResult{Status: pipeline.PollRunning}, nil
	case "succeeded":
		return pipeline.PollResult{Status: pipeline.PollCompleted, Result: resp.Output}, nil
	case "failed":
		msg := resp.Error
		if msg == "" {
			msg = "generation failed"
		}
		return pipeline.PollResult{Status: pipeline.PollFailed, Error: msg}, nil
	default:
		return pipeline.PollResult{}, &pipeline.PermanentPollError{Err: fmt.Errorf("unknown task status %q", resp.Status)}
	}
}

func (c *client) Cancel(ctx context.Context, taskType string, externalID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/tasks/"+externalID+"/cancel", nil, nil)
}

type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("generation service returned %d: %s", e.Status, e.Body)
}

func (c *client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleepBackoff(ctx, attempt)
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = &httpStatusError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
			continue
		}
		if resp.StatusCode >= 400 {
			return &httpStatusError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode generation service response: %w", err)
		}
		return nil
	}
	return lastErr
}

func isRetryableErr(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

func sleepBackoff(ctx context.Context, attempt int) {
	base := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
