package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/idverify/internal/logging"
)

// ErrNotFound is returned when no record matches the request and owner.
var ErrNotFound = errors.New("result not found")

// Record kinds.
const (
	KindDocument       = "document"
	KindFace           = "face"
	KindFaceExtraction = "face_extract"
	KindIdentity       = "identity"
)

// ResultRecord is one persisted extraction or verification outcome. Images
// are never stored; only their SHA-256 digests are, for duplicate detection.
type ResultRecord struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID          string    `gorm:"column:user_id;index;size:64"`
	Kind            string    `gorm:"column:kind;size:16"`
	DocumentType    string    `gorm:"column:document_type;size:32"`
	Success         bool      `gorm:"column:success"`
	Score           float64   `gorm:"column:score"`
	FieldsExtracted int       `gorm:"column:fields_extracted"`
	ImageHash       string    `gorm:"column:image_hash;index;size:64"`
	SecondImageHash string    `gorm:"column:second_image_hash;index;size:64"`
	ProcessingMs    int64     `gorm:"column:processing_ms"`
	Payload         string    `gorm:"column:payload;type:text"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ResultRecord) TableName() string {
	return "results"
}

// Hashes returns the non-empty image digests of the record.
func (r *ResultRecord) Hashes() []string {
	var out []string
	for _, h := range []string{r.ImageHash, r.SecondImageHash} {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// MetricsAggregation holds the raw aggregates behind the metrics endpoint.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	DocumentCount              int64
	FaceCount                  int64
	IdentityCount              int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
}

// ResultRepository persists results with gorm. Transient database errors are
// retried with exponential backoff.
type ResultRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewResultRepository creates a new repository instance.
func NewResultRepository(db *gorm.DB, logger *zap.Logger) *ResultRepository {
	return &ResultRepository{
		db:             db,
		logger:         logger.Named("result_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ResultRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ResultRecord{})
}

// Save persists a record.
func (r *ResultRepository) Save(ctx context.Context, rec *ResultRecord) error {
	return r.executeWithRetry(ctx, "repository.save_result", rec.RequestID, func() error {
		return r.db.WithContext(ctx).Create(rec).Error
	})
}

// FindByRequestIDAndUser retrieves the record for a request owned by userID.
func (r *ResultRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ResultRecord, error) {
	var rec ResultRecord
	err := r.executeWithRetry(ctx, "repository.find_result", requestID, func() error {
		return r.db.WithContext(ctx).First(&rec, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindDuplicatesByHash lists the user's other records that saw an image with
// one of the given digests, newest first.
func (r *ResultRepository) FindDuplicatesByHash(ctx context.Context, userID string, hashes []string, excludeRequestID string) ([]*ResultRecord, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	var recs []*ResultRecord
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		recs = nil
		return r.db.WithContext(ctx).
			Where("user_id = ? AND request_id <> ?", userID, excludeRequestID).
			Where(r.db.Where("image_hash IN ?", hashes).Or("second_image_hash IN ?", hashes)).
			Order("created_at DESC").
			Find(&recs).Error
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// AggregateMetrics summarises every stored record.
func (r *ResultRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&ResultRecord{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(SUM(CASE WHEN kind = 'document' THEN 1 ELSE 0 END), 0) AS document_count, " +
				"COALESCE(SUM(CASE WHEN kind = 'face' THEN 1 ELSE 0 END), 0) AS face_count, " +
				"COALESCE(SUM(CASE WHEN kind = 'identity' THEN 1 ELSE 0 END), 0) AS identity_count, " +
				"COALESCE(AVG(score), 0) AS average_score, " +
				"COALESCE(AVG(processing_ms), 0) AS average_processing_latency_ms",
		).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *ResultRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

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
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
