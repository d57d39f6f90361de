package dinox

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/dinox-gateway/internal/imageencoder"
)

func TestDetectReturnsResult(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{
			"status":     "success",
			"session_id": "session-new",
			"result":     map[string]any{"objects": []any{map[string]any{"category": "dog", "score": 0.9}}},
		}))
	}}
	c, _ := newTestClient(t, api, testToken)

	req := testRequest()
	req.SessionID = "session-old"
	result, sessionID := c.Detect(context.Background(), req)
	if sessionID != "session-new" {
		t.Fatalf("expected session from status, got %s", sessionID)
	}
	if len(result.Objects()) != 1 {
		t.Fatalf("expected one object, got %v", result)
	}
}

func TestDetectFailsOpenOnSubmissionError(t *testing.T) {
	api := &fakeAPI{submit: func(w http.ResponseWriter) {
		writeJSON(w, http.StatusOK, map[string]any{"code": 7, "msg": "quota exceeded"})
	}}
	c, _ := newTestClient(t, api, testToken)

	req := testRequest()
	req.SessionID = "session-old"
	result, sessionID := c.Detect(context.Background(), req)
	if sessionID != "session-old" {
		t.Fatalf("expected original session id, got %s", sessionID)
	}
	objects, ok := result["objects"].([]any)
	if !ok || len(objects) != 0 {
		t.Fatalf("expected empty objects list, got %v", result)
	}
	if got := testutil.ToFloat64(c.metrics.failOpen.WithLabelValues(kindDetection)); got != 1 {
		t.Fatalf("expected one fail-open observation, got %v", got)
	}
	if got := testutil.ToFloat64(c.metrics.outcomes.WithLabelValues(kindDetection, "api_error")); got != 1 {
		t.Fatalf("expected one api_error outcome, got %v", got)
	}
}

func TestDetectFailsOpenWithoutToken(t *testing.T) {
	c, _ := newTestClient(t, &fakeAPI{}, "")

	result, sessionID := c.Detect(context.Background(), testRequest())
	if sessionID != "" || len(result.Objects()) != 0 || result.Objects() == nil {
		t.Fatalf("expected empty result, got %v %q", result, sessionID)
	}
}

func TestDetectStrictPropagatesTaskFailure(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "failed", "error": "bad image"}))
	}}
	c, _ := newTestClient(t, api, testToken)

	_, _, err := c.DetectStrict(context.Background(), testRequest())
	if !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("expected ErrTaskFailed, got %v", err)
	}
}

func TestDescribeRegionsFailsOpenOnTaskFailure(t *testing.T) {
	api := &fakeAPI{status: func(w http.ResponseWriter, hit int) {
		writeJSON(w, http.StatusOK, statusEnvelope(map[string]any{"status": "failed", "error": "x"}))
	}}
	c, _ := newTestClient(t, api, testToken)

	prompt := TextPrompt("describe")
	result, sessionID := c.DescribeRegions(context.Background(),
		imageencoder.FromReference("https://example.com/a.jpg"),
		[]Box{{0, 0, 10, 10}},
		RegionRequest{Prompt: &prompt, SessionID: "keep-me"},
	)
	if sessionID != "keep-me" {
		t.Fatalf("expected original session id, got %s", sessionID)
	}
	if result.Objects() == nil || len(result.Objects()) != 0 {
		t.Fatalf("expected empty objects, got %v", result)
	}
	prompts, _ := api.submitted[0]["prompt"].(map[string]any)
	if prompts["text"] != "describe" {
		t.Fatalf("expected prompt to be sent, got %v", api.submitted[0]["prompt"])
	}
}

func TestOrDefaultOnlySubstitutesOnError(t *testing.T) {
	var swallowed error
	got := orDefault(func() (int, error) { return 1, nil }, 2, func(err error) { swallowed = err })
	if got != 1 || swallowed != nil {
		t.Fatalf("expected value passthrough, got %d %v", got, swallowed)
	}

	boom := errors.New("boom")
	got = orDefault(func() (int, error) { return 1, boom }, 2, func(err error) { swallowed = err })
	if got != 2 || !errors.Is(swallowed, boom) {
		t.Fatalf("expected fallback, got %d %v", got, swallowed)
	}
}
