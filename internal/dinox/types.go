package dinox

import (
	"encoding/json"
	"strings"

	"github.com/example/dinox-gateway/internal/imageencoder"
)

// Model identifiers and request defaults used when a caller leaves them unset.
const (
	DefaultModel         = "DINO-X-1.0"
	DefaultBBoxThreshold = 0.25
	DefaultIoUThreshold  = 0.8
)

// TaskStatus is the remote lifecycle state of a task.
type TaskStatus string

const (
	StatusWaiting TaskStatus = "waiting"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
)

// Terminal reports whether polling stops on this status.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Known reports whether the status is one the API documents.
func (s TaskStatus) Known() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// PromptType selects which prompt field is sent.
type PromptType string

const (
	PromptText      PromptType = "text"
	PromptUniversal PromptType = "universal"
)

// Prompt steers what the detector looks for. Only the field matching Type is
// serialized, and only when it is set.
type Prompt struct {
	Type      PromptType
	Text      string
	Universal any
}

// TextPrompt builds a text prompt, e.g. "person . car".
func TextPrompt(text string) Prompt { return Prompt{Type: PromptText, Text: text} }

// UniversalPrompt builds a universal prompt carrying value.
func UniversalPrompt(value any) Prompt { return Prompt{Type: PromptUniversal, Universal: value} }

// MarshalJSON implements json.Marshaler.
func (p Prompt) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": p.Type}
	switch p.Type {
	case PromptText:
		if strings.TrimSpace(p.Text) != "" {
			out["text"] = p.Text
		}
	case PromptUniversal:
		if p.Universal != nil {
			out["universal"] = p.Universal
		}
	}
	return json.Marshal(out)
}

// Box is a region in pixel coordinates: x1, y1, x2, y2.
type Box [4]float64

// DetectionRequest describes one object detection task. Empty Targets select
// ["bbox"], nil thresholds select the defaults and an empty prompt type is
// treated as text. An explicit zero threshold is sent as is.
type DetectionRequest struct {
	Image         imageencoder.Source
	Targets       []string
	BBoxThreshold *float64
	IoUThreshold  *float64
	Prompt        Prompt
	SessionID     string
}

// Threshold returns a pointer for the optional DetectionRequest thresholds.
func Threshold(v float64) *float64 {
	return &v
}

func (r DetectionRequest) withDefaults() DetectionRequest {
	if len(r.Targets) == 0 {
		r.Targets = []string{"bbox"}
	}
	if r.BBoxThreshold == nil {
		r.BBoxThreshold = Threshold(DefaultBBoxThreshold)
	}
	if r.IoUThreshold == nil {
		r.IoUThreshold = Threshold(DefaultIoUThreshold)
	}
	if r.Prompt.Type == "" {
		r.Prompt.Type = PromptText
	}
	return r
}

// RegionRequest describes one region captioning task. Empty Targets select
// ["caption"]; a nil Prompt is omitted from the request.
type RegionRequest struct {
	Targets   []string
	Prompt    *Prompt
	SessionID string
}

func (r RegionRequest) withDefaults() RegionRequest {
	if len(r.Targets) == 0 {
		r.Targets = []string{"caption"}
	}
	return r
}

// Result is the opaque task result. Only the presence of "objects" is relied on.
type Result map[string]any

// EmptyResult is what the fail-open entry points return on error.
func EmptyResult() Result {
	return Result{"objects": []any{}}
}

// Objects returns the "objects" list, or nil when absent or not a list.
func (r Result) Objects() []any {
	objects, _ := r["objects"].([]any)
	return objects
}

type detectionPayload struct {
	Image         string   `json:"image"`
	Targets       []string `json:"targets"`
	BBoxThreshold float64  `json:"bbox_threshold"`
	IoUThreshold  float64  `json:"iou_threshold"`
	Prompt        Prompt   `json:"prompt"`
	Model         string   `json:"model"`
	SessionID     string   `json:"session_id,omitempty"`
}

type regionPayload struct {
	Image     string   `json:"image"`
	Regions   []Box    `json:"regions"`
	Targets   []string `json:"targets"`
	Model     string   `json:"model"`
	Prompt    *Prompt  `json:"prompt,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

type envelope struct {
	Code *int            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e envelope) hasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

type submitData struct {
	TaskUUID *string `json:"task_uuid"`
}

type statusData struct {
	Status    TaskStatus      `json:"status"`
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
}

func (d statusData) errorMessage() string {
	if len(d.Error) == 0 || string(d.Error) == "null" {
		return "Unknown error"
	}
	var msg string
	if err := json.Unmarshal(d.Error, &msg); err == nil {
		if msg == "" {
			return "Unknown error"
		}
		return msg
	}
	return string(d.Error)
}
