package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/idverify/internal/extract"
	"github.com/example/idverify/internal/face"
	"github.com/example/idverify/internal/logging"
	"github.com/example/idverify/internal/preprocess"
	"github.com/example/idverify/internal/repository"
	"github.com/example/idverify/internal/result"
	"github.com/example/idverify/internal/schema"
)

// ErrStillProcessing is returned by GetResult while a request is running.
var ErrStillProcessing = errors.New("result is still processing")

const processingMarker = "processing"

// ResultRepository defines the persistence operations the service needs.
type ResultRepository interface {
	Save(ctx context.Context, rec *repository.ResultRecord) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ResultRecord, error)
	FindDuplicatesByHash(ctx context.Context, userID string, hashes []string, excludeRequestID string) ([]*repository.ResultRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// DocumentExtractor runs the document pipeline.
type DocumentExtractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.DocumentResult, error)
}

// FaceVerifier runs the face pipeline.
type FaceVerifier interface {
	Verify(ctx context.Context, a, b image.Image) (*face.Verdict, error)
	ExtractFace(ctx context.Context, img image.Image) (*face.Face, error)
	MatchDocument(ctx context.Context, document, selfie image.Image) (*face.DocumentMatch, error)
}

// Options tunes the service.
type Options struct {
	CacheTTL         time.Duration
	SupportedFormats []string
}

// Service wires the pipelines to persistence and caching. Raw images are
// hashed and then dropped; they are never stored or cached.
type Service struct {
	repo           ResultRepository
	cache          Cache
	extractor      DocumentExtractor
	verifier       FaceVerifier
	formats        []string
	cacheTTL       time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// StoredResult is a persisted outcome as returned to its owner.
type StoredResult struct {
	RequestID    string          `json:"request_id"`
	UserID       string          `json:"user_id"`
	Kind         string          `json:"kind"`
	DocumentType string          `json:"document_type,omitempty"`
	Success      bool            `json:"success"`
	Score        float64         `json:"score"`
	Hashes       []string        `json:"image_hashes"`
	Response     json.RawMessage `json:"response"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DuplicateReport lists earlier results that saw the same images.
type DuplicateReport struct {
	Request    *StoredResult   `json:"request"`
	Duplicates []*StoredResult `json:"duplicates"`
}

// NewService constructs the service.
func NewService(repo ResultRepository, cache Cache, extractor DocumentExtractor, verifier FaceVerifier, opts Options, logger *zap.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if len(opts.SupportedFormats) == 0 {
		opts.SupportedFormats = preprocess.DefaultFormats
	}
	return &Service{
		repo:           repo,
		cache:          cache,
		extractor:      extractor,
		verifier:       verifier,
		formats:        opts.SupportedFormats,
		cacheTTL:       opts.CacheTTL,
		logger:         logger.Named("service"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ExtractDocument runs an extraction and persists its outcome. An
// undecodable image still yields a failure response, persisted and returned
// next to the error.
func (s *Service) ExtractDocument(ctx context.Context, userID string, docType schema.DocumentType, front, back *preprocess.RawImage) (*result.DocumentResponse, error) {
	start := time.Now()
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(s.logger, "usecase.extract_document", requestID)

	if err := s.markProcessing(ctx, requestID); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	res, err := s.extractor.Extract(ctx, extract.Request{DocumentType: docType, Front: front, Back: back})
	if err != nil {
		if !errors.Is(err, preprocess.ErrInvalidImage) {
			return nil, logging.NewOperationError("usecase.extract_document", requestID, err)
		}
		resp := result.DocumentFailure(string(docType), err, time.Since(start))
		resp.ID = requestID
		rec := s.newRecord(requestID, userID, repository.KindDocument, front, back)
		rec.DocumentType = string(docType)
		if perr := s.persist(ctx, rec, resp, time.Since(start)); perr != nil {
			opLogger.Error("failed to persist failed extraction", zap.Error(perr))
			return nil, perr
		}
		return resp, err
	}

	resp := result.Document(res)
	resp.ID = requestID
	rec := s.newRecord(requestID, userID, repository.KindDocument, front, back)
	rec.DocumentType = string(docType)
	rec.Success = resp.Success
	rec.Score = resp.Metadata.ExtractionScore / 100
	rec.FieldsExtracted = resp.Metadata.FieldsExtracted
	if err := s.persist(ctx, rec, resp, res.Duration); err != nil {
		opLogger.Error("failed to persist extraction", zap.Error(err))
		return nil, err
	}

	opLogger.Info("document extracted",
		zap.String("document_type", string(docType)),
		zap.Int("fields", resp.Metadata.FieldsExtracted),
		zap.Float64("extraction_score", resp.Metadata.ExtractionScore),
	)
	return resp, nil
}

// VerifyFaces compares the primary faces of two images and persists the
// verdict. A failed pipeline step yields a failure response next to the error.
func (s *Service) VerifyFaces(ctx context.Context, userID string, a, b *preprocess.RawImage) (*result.FaceResponse, error) {
	start := time.Now()
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(s.logger, "usecase.verify_faces", requestID)

	if a == nil || b == nil {
		return nil, extract.ErrNoInput
	}
	imgA, _, err := preprocess.Decode(*a, s.formats)
	if err != nil {
		return nil, fmt.Errorf("first image: %w", err)
	}
	imgB, _, err := preprocess.Decode(*b, s.formats)
	if err != nil {
		return nil, fmt.Errorf("second image: %w", err)
	}

	if err := s.markProcessing(ctx, requestID); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	rec := s.newRecord(requestID, userID, repository.KindFace, a, b)
	verdict, verr := s.verifier.Verify(ctx, imgA, imgB)
	var resp *result.FaceResponse
	switch {
	case verr == nil:
		resp = result.Face(verdict)
		rec.Success = true
		rec.Score = verdict.Confidence
	case isFaceFailure(verr):
		resp = result.FaceFailure(verr)
	default:
		return nil, logging.NewOperationError("usecase.verify_faces", requestID, verr)
	}
	resp.ID = requestID

	if err := s.persist(ctx, rec, resp, time.Since(start)); err != nil {
		opLogger.Error("failed to persist verification", zap.Error(err))
		return nil, err
	}
	if verr != nil {
		opLogger.Info("face verification rejected", zap.Error(verr))
		return resp, verr
	}
	opLogger.Info("faces verified", zap.Bool("match", resp.Match), zap.Float64("confidence", resp.Confidence))
	return resp, nil
}

// GetResult returns the caller's stored result, from cache when possible.
func (s *Service) GetResult(ctx context.Context, userID, requestID string) (*StoredResult, error) {
	opLogger := logging.WithOperation(s.logger, "usecase.get_result", requestID)
	cached, err := s.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
	switch {
	case err == nil && cached == processingMarker:
		return nil, ErrStillProcessing
	case err == nil:
		var stored StoredResult
		if err := json.Unmarshal([]byte(cached), &stored); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if stored.UserID == userID {
			return &stored, nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	rec, err := s.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// GetDuplicateReport lists the caller's other results that processed one of
// the same images.
func (s *Service) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	rec, err := s.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	dups, err := s.repo.FindDuplicatesByHash(ctx, userID, rec.Hashes(), rec.RequestID)
	if err != nil {
		return nil, err
	}
	report := &DuplicateReport{Request: fromRecord(rec), Duplicates: make([]*StoredResult, 0, len(dups))}
	for _, d := range dups {
		report.Duplicates = append(report.Duplicates, fromRecord(d))
	}
	return report, nil
}

func (s *Service) newRecord(requestID, userID, kind string, first, second *preprocess.RawImage) *repository.ResultRecord {
	return &repository.ResultRecord{
		RequestID:       requestID,
		UserID:          userID,
		Kind:            kind,
		ImageHash:       hashImage(first),
		SecondImageHash: hashImage(second),
		CreatedAt:       time.Now().UTC(),
	}
}

// persist stores the record and caches its stored form.
func (s *Service) persist(ctx context.Context, rec *repository.ResultRecord, resp any, elapsed time.Duration) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return logging.NewOperationError("usecase.encode_result", rec.RequestID, err)
	}
	rec.Payload = string(payload)
	rec.ProcessingMs = elapsed.Milliseconds()

	if err := s.repo.Save(ctx, rec); err != nil {
		return logging.NewOperationError("usecase.save_result", rec.RequestID, err)
	}

	serialized, err := json.Marshal(fromRecord(rec))
	if err != nil {
		return logging.NewOperationError("usecase.encode_result", rec.RequestID, err)
	}
	return s.withRedisRetry(ctx, rec.RequestID, "cache.set.result", func() error {
		return s.cache.Set(ctx, cacheKey(rec.RequestID), string(serialized), s.cacheTTL)
	})
}

func (s *Service) markProcessing(ctx context.Context, requestID string) error {
	return s.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return s.cache.Set(ctx, cacheKey(requestID), processingMarker, time.Minute)
	})
}

func (s *Service) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	attempts := s.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
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
		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (s *Service) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var value string
	err := s.withRedisRetry(ctx, requestID, operation, func() error {
		v, err := s.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}

func isFaceFailure(err error) bool {
	return errors.Is(err, face.ErrNoFaceDetected) ||
		errors.Is(err, face.ErrMultipleFaces) ||
		errors.Is(err, face.ErrLivenessFailed) ||
		errors.Is(err, face.ErrPoorQuality)
}

func fromRecord(rec *repository.ResultRecord) *StoredResult {
	var response json.RawMessage
	if rec.Payload != "" {
		response = json.RawMessage(rec.Payload)
	}
	return &StoredResult{
		RequestID:    rec.RequestID,
		UserID:       rec.UserID,
		Kind:         rec.Kind,
		DocumentType: rec.DocumentType,
		Success:      rec.Success,
		Score:        rec.Score,
		Hashes:       rec.Hashes(),
		Response:     response,
		CreatedAt:    rec.CreatedAt,
	}
}

func hashImage(raw *preprocess.RawImage) string {
	if raw == nil || len(raw.Data) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw.Data)
	return hex.EncodeToString(sum[:])
}

func cacheKey(requestID string) string {
	return "result:" + requestID
}

func requestIDFrom(ctx context.Context) string {
	if id := logging.RequestID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
