// Package dinox is a client for the DINO-X vision API: it submits detection
// and region captioning tasks and polls them until they finish.
package dinox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/dinox-gateway/internal/imageencoder"
	"github.com/example/dinox-gateway/internal/logging"
)

// DefaultBaseURL is the public DINO-X API root.
const DefaultBaseURL = "https://api.deepdataspace.com/v2"

const (
	detectionPath  = "/task/dinox/detection"
	regionVLPath   = "/task/dinox/region_vl"
	taskStatusPath = "/task_status/"

	defaultPollAttempts = 30
	defaultPollInterval = time.Second
	defaultHTTPTimeout  = 60 * time.Second

	maxResponseBytes = 64 << 20
)

// Options configures a Client. Token is required for every call; it is
// checked per call so a client can be built before the secret is available.
type Options struct {
	Token        string
	BaseURL      string
	Model        string
	PollAttempts int
	PollInterval time.Duration
	HTTPClient   *http.Client
	Metrics      *Metrics
}

// Client talks to the DINO-X task API. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	token        string
	baseURL      string
	model        string
	pollAttempts int
	pollInterval time.Duration
	httpc        *http.Client
	metrics      *Metrics
	logger       *zap.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewClient constructs a client, filling unset options with defaults.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		token:        strings.TrimSpace(opts.Token),
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		model:        opts.Model,
		pollAttempts: opts.PollAttempts,
		pollInterval: opts.PollInterval,
		httpc:        opts.HTTPClient,
		metrics:      opts.Metrics,
		logger:       logger.Named("dinox_client"),
		sleep:        sleepContext,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.pollAttempts <= 0 {
		c.pollAttempts = defaultPollAttempts
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.metrics == nil {
		c.metrics = DefaultMetrics()
	}
	return c
}

// SubmitDetection creates a detection task and returns its UUID.
func (c *Client) SubmitDetection(ctx context.Context, req DetectionRequest) (string, error) {
	if err := c.requireToken(); err != nil {
		return "", logging.NewOperationError("dinox.submit_detection", "", err)
	}
	image, err := imageencoder.Encode(req.Image)
	if err != nil {
		return "", logging.NewOperationError("dinox.submit_detection", "", err)
	}
	req = req.withDefaults()
	payload := detectionPayload{
		Image:         image,
		Targets:       req.Targets,
		BBoxThreshold: *req.BBoxThreshold,
		IoUThreshold:  *req.IoUThreshold,
		Prompt:        req.Prompt,
		Model:         c.model,
		SessionID:     req.SessionID,
	}
	c.logger.Debug("submitting detection task",
		zap.String("prompt_type", string(req.Prompt.Type)),
		zap.Strings("targets", req.Targets),
		zap.Float64("bbox_threshold", payload.BBoxThreshold),
		zap.Float64("iou_threshold", payload.IoUThreshold),
		zap.String("session_id", req.SessionID),
		zap.String("token", logging.MaskSecret(c.token)),
	)
	return c.submit(ctx, "dinox.submit_detection", detectionPath, payload)
}

// SubmitRegionVL creates a region captioning task for regions of img and
// returns its UUID.
func (c *Client) SubmitRegionVL(ctx context.Context, img imageencoder.Source, regions []Box, req RegionRequest) (string, error) {
	if err := c.requireToken(); err != nil {
		return "", logging.NewOperationError("dinox.submit_region_vl", "", err)
	}
	image, err := imageencoder.Encode(img)
	if err != nil {
		return "", logging.NewOperationError("dinox.submit_region_vl", "", err)
	}
	req = req.withDefaults()
	if regions == nil {
		regions = []Box{}
	}
	payload := regionPayload{
		Image:     image,
		Regions:   regions,
		Targets:   req.Targets,
		Model:     c.model,
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
	}
	c.logger.Debug("submitting region vl task",
		zap.Int("regions", len(regions)),
		zap.Strings("targets", req.Targets),
		zap.String("session_id", req.SessionID),
		zap.String("token", logging.MaskSecret(c.token)),
	)
	return c.submit(ctx, "dinox.submit_region_vl", regionVLPath, payload)
}

func (c *Client) submit(ctx context.Context, operation, path string, payload any) (string, error) {
	taskUUID, err := c.createTask(ctx, path, payload)
	c.metrics.observeSubmission(path, err)
	if err != nil {
		wrapped := logging.NewOperationError(operation, "", err)
		c.logger.Error("task submission failed", zap.Error(wrapped), zap.String("endpoint", path))
		return "", wrapped
	}
	c.logger.Info("task submitted", zap.String("endpoint", path), zap.String("task_uuid", taskUUID))
	return taskUUID, nil
}

func (c *Client) createTask(ctx context.Context, path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &APIError{Endpoint: path, Err: fmt.Errorf("encode payload: %w", err)}
	}
	status, raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", &APIError{Endpoint: path, StatusCode: status, Err: err}
	}
	if status != http.StatusOK {
		return "", &APIError{Endpoint: path, StatusCode: status, Body: string(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &APIError{Endpoint: path, StatusCode: status, Body: string(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Code == nil || *env.Code != 0 {
		code := -1
		if env.Code != nil {
			code = *env.Code
		}
		return "", &APIError{Endpoint: path, StatusCode: status, Code: code, Message: env.Msg, Body: string(raw)}
	}
	if !env.hasData() {
		return "", &APIError{Endpoint: path, StatusCode: status, Message: "response missing 'data' field", Body: string(raw)}
	}
	var data submitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", &APIError{Endpoint: path, StatusCode: status, Body: string(raw), Err: fmt.Errorf("decode data: %w", err)}
	}
	if data.TaskUUID == nil {
		return "", &APIError{Endpoint: path, StatusCode: status, Message: "response missing 'task_uuid' field in 'data'", Body: string(env.Data)}
	}
	// Poll rejects an empty uuid, so it is refused at submission.
	if *data.TaskUUID == "" {
		return "", &APIError{Endpoint: path, StatusCode: status, Message: "response has empty 'task_uuid' in 'data'", Body: string(env.Data)}
	}
	return *data.TaskUUID, nil
}

// do sends an authenticated request and returns the status and bounded body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Token", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := readAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) requireToken() error {
	if c.token == "" {
		return &ConfigurationError{Field: "api token"}
	}
	return nil
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeded limit of %d bytes", limit)
	}
	return data, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
