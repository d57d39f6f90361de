package dinox

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestPollReturnsResultAfterRunning(t *testing.T) {
	const running = 3
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		if hit <= running {
			writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "running"}))
			return
		}
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{
			"status":     "success",
			"session_id": "session-2",
			"result":     map[string]any{"objects": []any{map[string]any{"category": "cat"}}},
		}))
	}}
	c, sleeps := newTestClient(t, api, testToken)

	result, sessionID, err := c.Poll(context.Background(), "task-1", 10, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessionID != "session-2" {
		t.Fatalf("unexpected session id: %s", sessionID)
	}
	if len(result.Objects()) != 1 {
		t.Fatalf("expected one object, got %v", result)
	}
	if got := api.fetches(); got != running+1 {
		t.Fatalf("expected %d fetches, got %d", running+1, got)
	}
	if len(*sleeps) != running {
		t.Fatalf("expected %d sleeps, got %d", running, len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != time.Second {
			t.Fatalf("unexpected sleep interval: %s", d)
		}
	}
}

func TestPollTimesOutAfterMaxAttempts(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "waiting"}))
	}}
	c, sleeps := newTestClient(t, api, testToken)

	_, _, err := c.Poll(context.Background(), "task-1", 5, 10*time.Millisecond)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", err)
	}
	var timeoutErr *TaskTimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.Attempts != 5 {
		t.Fatalf("unexpected timeout error: %v", err)
	}
	if got := api.fetches(); got != 5 {
		t.Fatalf("expected 5 fetches, got %d", got)
	}
	if len(*sleeps) != 4 {
		t.Fatalf("expected 4 sleeps between fetches, got %d", len(*sleeps))
	}
}

func TestPollFailedAbortsImmediately(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "failed", "error": "x"}))
	}}
	c, sleeps := newTestClient(t, api, testToken)

	_, _, err := c.Poll(context.Background(), "task-1", 30, time.Second)
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("expected ErrTaskFailed, got %v", err)
	}
	var failed *TaskFailedError
	if !errors.As(err, &failed) || failed.Message != "x" {
		t.Fatalf("expected failure message x, got %v", err)
	}
	if !strings.Contains(err.Error(), "x") {
		t.Fatalf("expected error text to carry x, got %s", err)
	}
	if api.fetches() != 1 || len(*sleeps) != 0 {
		t.Fatalf("expected a single fetch and no sleep, got %d fetches %d sleeps", api.fetches(), len(*sleeps))
	}
}

func TestPollFailedWithoutErrorUsesDefaultMessage(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "failed"}))
	}}
	c, _ := newTestClient(t, api, testToken)

	_, _, err := c.Poll(context.Background(), "task-1", 3, 0)
	var failed *TaskFailedError
	if !errors.As(err, &failed) || failed.Message != "Unknown error" {
		t.Fatalf("expected default failure message, got %v", err)
	}
}

func TestPollRetriesTransientFaults(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		switch hit {
		case 1:
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "gateway"})
		case 2:
			writeJSON(w, http.StatusOK, map[string]any{"code": 500, "msg": "busy"})
		case 3:
			writeJSON(w, http.StatusOK, map[string]any{"code": 0, "msg": "ok"})
		case 4:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("not json"))
		case 5:
			writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "queued"}))
		default:
			writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "success", "result": map[string]any{"objects": []any{}}}))
		}
	}}
	c, sleeps := newTestClient(t, api, testToken)

	result, _, err := c.Poll(context.Background(), "task-1", 10, time.Second)
	if err != nil {
		t.Fatalf("expected transient faults to be retried, got %v", err)
	}
	if result.Objects() == nil {
		t.Fatalf("expected objects list, got %v", result)
	}
	if api.fetches() != 6 || len(*sleeps) != 5 {
		t.Fatalf("expected 6 fetches and 5 sleeps, got %d and %d", api.fetches(), len(*sleeps))
	}
}

func TestPollSuccessWithoutResultIsEmpty(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "success", "session_id": "s"}))
	}}
	c, _ := newTestClient(t, api, testToken)

	result, sessionID, err := c.Poll(context.Background(), "task-1", 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Fatalf("expected empty result, got %v", result)
	}
	if sessionID != "s" {
		t.Fatalf("unexpected session id: %s", sessionID)
	}
}

func TestPollStopsWhenContextCancelled(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "running"}))
	}}
	c, _ := newTestClient(t, api, testToken)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, _, err := c.Poll(ctx, "task-1", 10, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if api.fetches() != 1 {
		t.Fatalf("expected one fetch before cancellation, got %d", api.fetches())
	}
}

func TestPollUsesClientDefaults(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "waiting"}))
	}}
	c, sleeps := newTestClient(t, api, testToken)

	_, _, err := c.Poll(context.Background(), "task-1", 0, -1)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if api.fetches() != 30 {
		t.Fatalf("expected 30 default attempts, got %d", api.fetches())
	}
	if (*sleeps)[0] != time.Second {
		t.Fatalf("expected default interval, got %s", (*sleeps)[0])
	}
}
