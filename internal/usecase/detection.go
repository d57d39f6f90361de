package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/dinox-gateway/internal/dinox"
	"github.com/example/dinox-gateway/internal/imageencoder"
	"github.com/example/dinox-gateway/internal/logging"
	"github.com/example/dinox-gateway/internal/repository"
)

// Task kinds recorded on outcomes and logs.
const (
	KindDetection = "detection"
	KindRegionVL  = "region_vl"
)

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DetectionRepository defines the persistence operations needed by the use case.
type DetectionRepository interface {
	SaveLog(ctx context.Context, log *repository.DetectionLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.DetectionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// TaskClient is the subset of *dinox.Client the use case calls.
type TaskClient interface {
	Detect(ctx context.Context, req dinox.DetectionRequest) (dinox.Result, string)
	DetectStrict(ctx context.Context, req dinox.DetectionRequest) (dinox.Result, string, error)
	DescribeRegions(ctx context.Context, img imageencoder.Source, regions []dinox.Box, req dinox.RegionRequest) (dinox.Result, string)
	DescribeRegionsStrict(ctx context.Context, img imageencoder.Source, regions []dinox.Box, req dinox.RegionRequest) (dinox.Result, string, error)
}

// Outcome is what the gateway returns and caches for a request.
type Outcome struct {
	RequestID string       `json:"request_id"`
	UserID    string       `json:"user_id"`
	Kind      string       `json:"kind"`
	Status    string       `json:"status"`
	SessionID string       `json:"session_id,omitempty"`
	Result    dinox.Result `json:"result"`
	Error     string       `json:"error,omitempty"`
	SHA1Hash  string       `json:"sha1_hash"`
	CreatedAt time.Time    `json:"created_at"`
}

// DetectionUseCase runs DINO-X tasks for authenticated users and keeps a
// cached and persisted record of each.
type DetectionUseCase struct {
	repo           DetectionRepository
	cache          Cache
	client         TaskClient
	logger         *zap.Logger
	failOpen       bool
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDetectionUseCase constructs a new use case instance. With failOpen the
// client's fail-open entry points are used and task errors never surface.
func NewDetectionUseCase(repo DetectionRepository, cache Cache, client TaskClient, failOpen bool, logger *zap.Logger) *DetectionUseCase {
	return &DetectionUseCase{
		repo:           repo,
		cache:          cache,
		client:         client,
		logger:         logger.Named("detection_usecase"),
		failOpen:       failOpen,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Detect runs an object detection task on behalf of userID.
func (uc *DetectionUseCase) Detect(ctx context.Context, userID string, req dinox.DetectionRequest) (*Outcome, error) {
	encoded, err := imageencoder.Encode(req.Image)
	if err != nil {
		return nil, logging.NewOperationError("usecase.encode_image", "", err)
	}
	req.Image = imageencoder.FromReference(encoded)
	hash := fingerprint(encoded, string(req.Prompt.Type), req.Prompt.Text, strings.Join(req.Targets, ","))

	return uc.run(ctx, userID, KindDetection, hash, func() (dinox.Result, string, error) {
		if uc.failOpen {
			result, sessionID := uc.client.Detect(ctx, req)
			return result, sessionID, nil
		}
		return uc.client.DetectStrict(ctx, req)
	})
}

// DescribeRegions runs a region captioning task on behalf of userID.
func (uc *DetectionUseCase) DescribeRegions(ctx context.Context, userID string, img imageencoder.Source, regions []dinox.Box, req dinox.RegionRequest) (*Outcome, error) {
	encoded, err := imageencoder.Encode(img)
	if err != nil {
		return nil, logging.NewOperationError("usecase.encode_image", "", err)
	}
	img = imageencoder.FromReference(encoded)
	hash := fingerprint(encoded, fmt.Sprint(regions), strings.Join(req.Targets, ","))

	return uc.run(ctx, userID, KindRegionVL, hash, func() (dinox.Result, string, error) {
		if uc.failOpen {
			result, sessionID := uc.client.DescribeRegions(ctx, img, regions, req)
			return result, sessionID, nil
		}
		return uc.client.DescribeRegionsStrict(ctx, img, regions, req)
	})
}

func (uc *DetectionUseCase) run(ctx context.Context, userID, kind, hash string, call func() (dinox.Result, string, error)) (*Outcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase."+kind, requestID)
	cacheKey := resultKey(requestID)

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, processingTag, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	started := time.Now()
	result, sessionID, callErr := call()
	latency := time.Since(started)

	outcome := &Outcome{
		RequestID: requestID,
		UserID:    userID,
		Kind:      kind,
		Status:    StatusSuccess,
		SessionID: sessionID,
		Result:    result,
		SHA1Hash:  hash,
		CreatedAt: time.Now().UTC(),
	}
	if callErr != nil {
		outcome.Status = StatusFailed
		outcome.Error = callErr.Error()
		outcome.Result = nil
	}

	serialized, err := json.Marshal(outcome.Result)
	if err != nil {
		opLogger.Error("failed to serialize task result", zap.Error(err))
		return nil, err
	}
	log := &repository.DetectionLog{
		RequestID:   requestID,
		UserID:      userID,
		Kind:        kind,
		Status:      outcome.Status,
		SessionID:   sessionID,
		ObjectCount: len(outcome.Result.Objects()),
		Error:       outcome.Error,
		ResultJSON:  string(serialized),
		SHA1Hash:    hash,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   outcome.CreatedAt,
	}
	saveErr := uc.repo.SaveLog(ctx, log)
	// The processing flag is replaced on every path so GetResult never
	// reports a finished request as pending.
	cacheErr := uc.cacheOutcome(ctx, outcome)

	if saveErr != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, saveErr)
		opLogger.Error("failed to persist detection log", zap.Error(wrapped))
		return nil, wrapped
	}

	if callErr != nil {
		if cacheErr != nil {
			opLogger.Error("failed to cache failed outcome", zap.Error(cacheErr))
		}
		wrapped := logging.NewOperationError("usecase."+kind, requestID, callErr)
		opLogger.Warn("dinox task failed", zap.Error(wrapped))
		return nil, wrapped
	}

	if cacheErr != nil {
		opLogger.Error("failed to cache outcome", zap.Error(cacheErr))
		return nil, cacheErr
	}

	opLogger.Info("dinox task completed",
		zap.String("session_id", sessionID),
		zap.Int("objects", log.ObjectCount),
		zap.Int64("latency_ms", log.LatencyMs),
	)
	return outcome, nil
}

func (uc *DetectionUseCase) cacheOutcome(ctx context.Context, outcome *Outcome) error {
	cached, err := json.Marshal(outcome)
	if err != nil {
		return logging.NewOperationError("cache.set.result", outcome.RequestID, err)
	}
	return uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(outcome.RequestID), string(cached), resultTTL)
	})
}

// GetResult retrieves a cached outcome or rebuilds it from persistence.
// ErrPending is returned while the request is still running.
func (uc *DetectionUseCase) GetResult(ctx context.Context, userID, requestID string) (*Outcome, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID))
	switch {
	case err == nil && cached == processingTag:
		return nil, ErrPending
	case err == nil:
		var outcome Outcome
		if err := json.Unmarshal([]byte(cached), &outcome); err != nil {
			opLogger.Warn("failed to decode cached outcome", zap.Error(err))
		} else if outcome.UserID == userID {
			return &outcome, nil
		}
	case !IsCacheMiss(err):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return outcomeFromLog(log), nil
}

// ErrPending reports that a request has not finished yet.
var ErrPending = errors.New("detection still processing")

func outcomeFromLog(log *repository.DetectionLog) *Outcome {
	outcome := &Outcome{
		RequestID: log.RequestID,
		UserID:    log.UserID,
		Kind:      log.Kind,
		Status:    log.Status,
		SessionID: log.SessionID,
		Error:     log.Error,
		SHA1Hash:  log.SHA1Hash,
		CreatedAt: log.CreatedAt,
	}
	if log.ResultJSON != "" && log.ResultJSON != "null" {
		var result dinox.Result
		if err := json.Unmarshal([]byte(log.ResultJSON), &result); err == nil {
			outcome.Result = result
		}
	}
	return outcome
}

func fingerprint(parts ...string) string {
	h := sha1.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (uc *DetectionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if IsCacheMiss(err) || !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			if !IsCacheMiss(err) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DetectionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
