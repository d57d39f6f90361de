package dinox

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrConfiguration = errors.New("dinox: configuration error")
	ErrAPI           = errors.New("dinox: api error")
	ErrTaskFailed    = errors.New("dinox: task failed")
	ErrTaskTimeout   = errors.New("dinox: task timed out")
)

// ConfigurationError reports missing or invalid client configuration.
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("dinox: %s not configured", e.Field)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// APIError reports a rejected or malformed response to a task submission.
// StatusCode is zero when the request never got a response.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       int
	Message    string
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("dinox: %s request failed: %v", e.Endpoint, e.Err)
	case e.StatusCode != 0 && e.StatusCode != 200:
		return fmt.Sprintf("dinox: %s request failed with status code %d: %s", e.Endpoint, e.StatusCode, e.Body)
	case e.Code != 0:
		return fmt.Sprintf("dinox: %s request failed: code=%d msg=%s", e.Endpoint, e.Code, e.Message)
	default:
		return fmt.Sprintf("dinox: %s request failed: %s", e.Endpoint, e.Message)
	}
}

func (e *APIError) Is(target error) bool { return target == ErrAPI }

func (e *APIError) Unwrap() error { return e.Err }

// TaskFailedError carries the error the service reported for a failed task.
type TaskFailedError struct {
	TaskUUID string
	Message  string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("dinox: task %s failed: %s", e.TaskUUID, e.Message)
}

func (e *TaskFailedError) Is(target error) bool { return target == ErrTaskFailed }

// TaskTimeoutError reports that the polling budget ran out before a terminal status.
type TaskTimeoutError struct {
	TaskUUID string
	Attempts int
	Interval time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("dinox: task %s timed out after %d attempts (%s)",
		e.TaskUUID, e.Attempts, time.Duration(e.Attempts)*e.Interval)
}

func (e *TaskTimeoutError) Is(target error) bool { return target == ErrTaskTimeout }
