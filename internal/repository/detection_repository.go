package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/dinox-gateway/internal/logging"
)

// ErrNotFound is returned when no log matches a lookup.
var ErrNotFound = errors.New("detection log not found")

// DetectionLog records one detection or region description served by the gateway.
type DetectionLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID      string    `gorm:"column:user_id;index;size:64"`
	Kind        string    `gorm:"column:kind;size:16"`
	Status      string    `gorm:"column:status;size:16"`
	SessionID   string    `gorm:"column:session_id;size:128"`
	ObjectCount int       `gorm:"column:object_count"`
	Error       string    `gorm:"column:error;type:text"`
	ResultJSON  string    `gorm:"column:result;type:text"`
	SHA1Hash    string    `gorm:"column:sha1_hash;index;size:40"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (DetectionLog) TableName() string {
	return "detection_logs"
}

// MetricsAggregation is the raw aggregate over all detection logs.
type MetricsAggregation struct {
	TotalCount         int64
	SuccessCount       int64
	AverageObjectCount float64
	AverageLatencyMs   float64
}

// DetectionRepository provides persistence APIs for detection logs.
type DetectionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDetectionRepository creates a new repository instance.
func NewDetectionRepository(db *gorm.DB, logger *zap.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:             db,
		logger:         logger.Named("detection_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DetectionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DetectionLog{})
	})
}

// SaveLog persists a detection log entry.
func (r *DetectionRepository) SaveLog(ctx context.Context, log *DetectionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a detection log matching the request and owner.
func (r *DetectionRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*DetectionLog, error) {
	var log DetectionLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises all stored logs.
func (r *DetectionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount         int64
		SuccessCount       int64
		AverageObjectCount float64
		AverageLatencyMs   float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&DetectionLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(AVG(object_count), 0) AS average_object_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:         row.TotalCount,
		SuccessCount:       row.SuccessCount,
		AverageObjectCount: row.AverageObjectCount,
		AverageLatencyMs:   row.AverageLatencyMs,
	}, nil
}

func (r *DetectionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	backoff := r.initialBackoff
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports whether err looks like a timeout or temporary failure.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
