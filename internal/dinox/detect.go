package dinox

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/dinox-gateway/internal/imageencoder"
	"github.com/example/dinox-gateway/internal/logging"
)

const (
	kindDetection = "detection"
	kindRegionVL  = "region_vl"
)

type taskOutcome struct {
	result    Result
	sessionID string
}

// DetectStrict submits a detection task and polls it with the client's
// default budget. Every failure is returned.
func (c *Client) DetectStrict(ctx context.Context, req DetectionRequest) (Result, string, error) {
	started := time.Now()
	taskUUID, err := c.SubmitDetection(ctx, req)
	if err != nil {
		c.metrics.observeOutcome(kindDetection, outcomeLabel(err), time.Since(started))
		return nil, "", err
	}
	result, sessionID, err := c.Poll(ctx, taskUUID, c.pollAttempts, c.pollInterval)
	c.metrics.observeOutcome(kindDetection, outcomeLabel(err), time.Since(started))
	if err != nil {
		return nil, "", err
	}
	c.logObjects(taskUUID, sessionID, result)
	return result, sessionID, nil
}

// DescribeRegionsStrict submits a region captioning task and polls it with
// the client's default budget. Every failure is returned.
func (c *Client) DescribeRegionsStrict(ctx context.Context, img imageencoder.Source, regions []Box, req RegionRequest) (Result, string, error) {
	started := time.Now()
	taskUUID, err := c.SubmitRegionVL(ctx, img, regions, req)
	if err != nil {
		c.metrics.observeOutcome(kindRegionVL, outcomeLabel(err), time.Since(started))
		return nil, "", err
	}
	result, sessionID, err := c.Poll(ctx, taskUUID, c.pollAttempts, c.pollInterval)
	c.metrics.observeOutcome(kindRegionVL, outcomeLabel(err), time.Since(started))
	if err != nil {
		return nil, "", err
	}
	c.logger.Info("region descriptions completed",
		zap.String("task_uuid", taskUUID),
		zap.String("session_id", sessionID),
		zap.Int("objects", len(result.Objects())),
	)
	return result, sessionID, nil
}

// Detect is DetectStrict that never fails: any error is logged and replaced
// by EmptyResult and the caller's session id.
func (c *Client) Detect(ctx context.Context, req DetectionRequest) (Result, string) {
	out := orDefault(func() (taskOutcome, error) {
		result, sessionID, err := c.DetectStrict(ctx, req)
		return taskOutcome{result, sessionID}, err
	}, taskOutcome{EmptyResult(), req.SessionID}, c.swallow(kindDetection))
	return out.result, out.sessionID
}

// DescribeRegions is DescribeRegionsStrict that never fails: any error is
// logged and replaced by EmptyResult and the caller's session id.
func (c *Client) DescribeRegions(ctx context.Context, img imageencoder.Source, regions []Box, req RegionRequest) (Result, string) {
	out := orDefault(func() (taskOutcome, error) {
		result, sessionID, err := c.DescribeRegionsStrict(ctx, img, regions, req)
		return taskOutcome{result, sessionID}, err
	}, taskOutcome{EmptyResult(), req.SessionID}, c.swallow(kindRegionVL))
	return out.result, out.sessionID
}

// orDefault runs fn and substitutes fallback when it fails.
func orDefault[T any](fn func() (T, error), fallback T, onErr func(error)) T {
	value, err := fn()
	if err != nil {
		onErr(err)
		return fallback
	}
	return value
}

func (c *Client) swallow(kind string) func(error) {
	return func(err error) {
		c.metrics.observeFailOpen(kind)
		c.logger.Error("dinox task failed, returning empty result",
			zap.String("kind", kind),
			zap.String("operation", logging.OperationOf(err)),
			zap.Error(err),
		)
	}
}

func (c *Client) logObjects(taskUUID, sessionID string, result Result) {
	objects := result.Objects()
	c.logger.Info("detection completed",
		zap.String("task_uuid", taskUUID),
		zap.String("session_id", sessionID),
		zap.Int("objects", len(objects)),
	)
	if !c.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for i, obj := range objects {
		fields, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c.logger.Debug("detected object", zap.Int("index", i), zap.Strings("keys", keys), zap.Any("category", fields["category"]))
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTaskFailed):
		return "failed"
	case errors.Is(err, ErrTaskTimeout):
		return "timeout"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAPI):
		return "api_error"
	default:
		return "error"
	}
}
