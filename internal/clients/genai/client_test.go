package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/pipeline"
)

func testClient(t *testing.T, url string) Client {
	t.Helper()
	t.Setenv("GENAI_API_KEY", "test-key")
	t.Setenv("GENAI_BASE_URL", url)
	t.Setenv("GENAI_MAX_RETRIES", "2")
	c, err := NewClient(logger.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header: %q", got)
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.TaskType != "image.generate" || req.Params["prompt"] != "a sunrise" {
			t.Errorf("request body: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(taskResponse{ID: "task-123", Status: "queued"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	id, err := c.Submit(context.Background(), "image.generate", map[string]string{"prompt": "a sunrise"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "task-123" {
		t.Fatalf("task id: %q", id)
	}
}

func TestClientSubmitRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_ = json.NewEncoder(w).Encode(taskResponse{ID: "task-9", Status: "queued"})
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	id, err := c.Submit(context.Background(), "image.generate", map[string]string{"prompt": "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "task-9" {
		t.Fatalf("task id: %q", id)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls: want=3 got=%d", got)
	}
}

func TestClientSubmitDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.Submit(context.Background(), "image.generate", map[string]string{"prompt": "p"})
	var se *httpStatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest {
		t.Fatalf("want 400 httpStatusError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("400 was retried: calls=%d", got)
	}
}

func TestClientPollStatusMapping(t *testing.T) {
	responses := map[string]taskResponse{
		"t-running":   {ID: "t-running", Status: "running"},
		"t-queued":    {ID: "t-queued", Status: "queued"},
		"t-succeeded": {ID: "t-succeeded", Status: "succeeded", Output: map[string]any{"url": "https://cdn/a.png"}},
		"t-failed":    {ID: "t-failed", Status: "failed", Error: "content policy"},
		"t-weird":     {ID: "t-weird", Status: "paused"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/tasks/"):]
		resp, ok := responses[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	ctx := context.Background()

	for _, id := range []string{"t-running", "t-queued"} {
		res, err := c.Poll(ctx, "image.generate", id)
		if err != nil {
			t.Fatalf("Poll %s: %v", id, err)
		}
		if res.Status != pipeline.PollRunning {
			t.Fatalf("Poll %s: want=running got=%s", id, res.Status)
		}
	}

	res, err := c.Poll(ctx, "image.generate", "t-succeeded")
	if err != nil {
		t.Fatalf("Poll succeeded: %v", err)
	}
	if res.Status != pipeline.PollCompleted || res.Result["url"] != "https://cdn/a.png" {
		t.Fatalf("Poll succeeded: %+v", res)
	}

	res, err = c.Poll(ctx, "image.generate", "t-failed")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Status != pipeline.PollFailed || res.Error != "content policy" {
		t.Fatalf("Poll failed: %+v", res)
	}

	// An unknown status and a 404 are both permanent.
	var permanent *pipeline.PermanentPollError
	if _, err := c.Poll(ctx, "image.generate", "t-weird"); !errors.As(err, &permanent) {
		t.Fatalf("unknown status: want PermanentPollError, got %v", err)
	}
	if _, err := c.Poll(ctx, "image.generate", "t-missing"); !errors.As(err, &permanent) {
		t.Fatalf("404: want PermanentPollError, got %v", err)
	}
}

func TestClientPollTransientOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	t.Setenv("GENAI_API_KEY", "test-key")
	t.Setenv("GENAI_BASE_URL", srv.URL)
	t.Setenv("GENAI_MAX_RETRIES", "0")
	c, err := NewClient(logger.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	var transient *pipeline.TransientPollError
	if _, err := c.Poll(context.Background(), "image.generate", "t-1"); !errors.As(err, &transient) {
		t.Fatalf("want TransientPollError, got %v", err)
	}
}

func TestClientCancel(t *testing.T) {
	var cancelled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/tasks/t-1/cancel" {
			cancelled.Store(true)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	if err := c.Cancel(context.Background(), "image.generate", "t-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cancelled.Load() {
		t.Fatalf("cancel endpoint not hit")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("GENAI_API_KEY", "")
	if _, err := NewClient(logger.NewNop()); err == nil {
		t.Fatalf("missing api key accepted")
	}
}
