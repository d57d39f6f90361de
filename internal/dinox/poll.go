package dinox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/example/dinox-gateway/internal/logging"
)

var errEmptyTaskUUID = errors.New("dinox: empty task uuid")

// Poll fetches the status of taskUUID until it reaches a terminal state or
// maxAttempts fetches have been made, sleeping interval between fetches.
// maxAttempts <= 0 and interval < 0 select the client defaults.
//
// Bad HTTP statuses, non-zero envelope codes, missing data and transport
// errors are transient and consume one attempt. A failed task returns
// *TaskFailedError at once; an exhausted budget returns *TaskTimeoutError.
// A successful task without a result yields an empty Result.
func (c *Client) Poll(ctx context.Context, taskUUID string, maxAttempts int, interval time.Duration) (Result, string, error) {
	if err := c.requireToken(); err != nil {
		return nil, "", logging.NewOperationError("dinox.poll", taskUUID, err)
	}
	if taskUUID == "" {
		return nil, "", logging.NewOperationError("dinox.poll", "", errEmptyTaskUUID)
	}
	if maxAttempts <= 0 {
		maxAttempts = c.pollAttempts
	}
	if interval < 0 {
		interval = c.pollInterval
	}

	opLogger := logging.WithOperation(c.logger, "dinox.poll", taskUUID)
	path := taskStatusPath + url.PathEscape(taskUUID)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, ok := c.fetchStatus(ctx, opLogger, path, attempt)
		if ok {
			switch data.Status {
			case StatusSuccess:
				return c.successResult(opLogger, data), data.SessionID, nil
			case StatusFailed:
				err := &TaskFailedError{TaskUUID: taskUUID, Message: data.errorMessage()}
				opLogger.Warn("task failed", zap.String("error", err.Message))
				return nil, data.SessionID, logging.NewOperationError("dinox.poll", taskUUID, err)
			case StatusWaiting, StatusRunning:
				opLogger.Debug("task pending", zap.String("status", string(data.Status)), zap.Int("attempt", attempt))
			default:
				opLogger.Warn("unknown task status", zap.String("status", string(data.Status)), zap.Int("attempt", attempt))
			}
		}

		if attempt == maxAttempts {
			break
		}
		if err := c.sleep(ctx, interval); err != nil {
			return nil, "", logging.NewOperationError("dinox.poll", taskUUID, err)
		}
	}

	err := &TaskTimeoutError{TaskUUID: taskUUID, Attempts: maxAttempts, Interval: interval}
	opLogger.Warn("task polling budget exhausted", zap.Int("attempts", maxAttempts))
	return nil, "", logging.NewOperationError("dinox.poll", taskUUID, err)
}

// fetchStatus performs one status fetch. ok is false on any transient fault.
func (c *Client) fetchStatus(ctx context.Context, logger *zap.Logger, path string, attempt int) (statusData, bool) {
	status, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		c.metrics.observePollAttempt("transient")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("status request aborted", zap.Error(err), zap.Int("attempt", attempt))
		} else {
			logger.Warn("status request failed", zap.Error(err), zap.Int("attempt", attempt))
		}
		return statusData{}, false
	}
	if status != http.StatusOK {
		c.metrics.observePollAttempt("transient")
		logger.Warn("status request rejected", zap.Int("status_code", status), zap.ByteString("body", raw), zap.Int("attempt", attempt))
		return statusData{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.metrics.observePollAttempt("transient")
		logger.Warn("status response is not json", zap.Error(err), zap.Int("attempt", attempt))
		return statusData{}, false
	}
	if env.Code == nil || *env.Code != 0 {
		c.metrics.observePollAttempt("transient")
		logger.Warn("status request returned error code", zap.String("msg", env.Msg), zap.Int("attempt", attempt))
		return statusData{}, false
	}
	if !env.hasData() {
		c.metrics.observePollAttempt("transient")
		logger.Warn("status response missing data", zap.Int("attempt", attempt))
		return statusData{}, false
	}

	var data statusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		c.metrics.observePollAttempt("transient")
		logger.Warn("status data malformed", zap.Error(err), zap.Int("attempt", attempt))
		return statusData{}, false
	}
	if data.Status.Known() {
		c.metrics.observePollAttempt(string(data.Status))
	} else {
		c.metrics.observePollAttempt("unknown")
	}
	return data, true
}

func (c *Client) successResult(logger *zap.Logger, data statusData) Result {
	if len(data.Result) == 0 || string(data.Result) == "null" {
		logger.Warn("task succeeded without result")
		return Result{}
	}
	var result Result
	if err := json.Unmarshal(data.Result, &result); err != nil {
		logger.Warn("task result is not an object", zap.Error(err))
		return Result{}
	}
	return result
}
