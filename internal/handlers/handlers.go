package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/idverify/internal/auth"
	"github.com/example/idverify/internal/extract"
	"github.com/example/idverify/internal/face"
	"github.com/example/idverify/internal/logging"
	"github.com/example/idverify/internal/preprocess"
	"github.com/example/idverify/internal/repository"
	"github.com/example/idverify/internal/result"
	"github.com/example/idverify/internal/schema"
	"github.com/example/idverify/internal/usecase"
)

// MaxUploadSize is the default per-file upload limit.
const MaxUploadSize = 10 << 20

// RequestIDHeader echoes the request ID back to the caller.
const RequestIDHeader = "X-Request-ID"

var allowedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// Service is what the HTTP layer needs from the use case layer.
type Service interface {
	ExtractDocument(ctx context.Context, userID string, docType schema.DocumentType, front, back *preprocess.RawImage) (*result.DocumentResponse, error)
	VerifyFaces(ctx context.Context, userID string, a, b *preprocess.RawImage) (*result.FaceResponse, error)
	ExtractFace(ctx context.Context, userID string, img *preprocess.RawImage) (*result.FaceExtractionResponse, error)
	VerifyIdentity(ctx context.Context, userID string, docType schema.DocumentType, front, back, selfie *preprocess.RawImage) (*result.IdentityResponse, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.StoredResult, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options tunes the routes. Zero values fall back to defaults.
type Options struct {
	MaxUploadBytes int64
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type handler struct {
	svc       Service
	maxUpload int64
	timeout   time.Duration
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. The middleware
// (authentication first, then rate limiting) guards every /v1 route; metrics
// additionally require the admin role.
func RegisterRoutes(router *gin.Engine, svc Service, opts Options, middleware ...gin.HandlerFunc) {
	h := &handler{svc: svc, maxUpload: opts.MaxUploadBytes, timeout: opts.RequestTimeout, logger: opts.Logger}
	if h.maxUpload <= 0 {
		h.maxUpload = MaxUploadSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", requestID())
	v1.Use(middleware...)
	v1.POST("/documents/extract", h.extractDocument)
	v1.POST("/faces/verify", h.verifyFaces)
	v1.POST("/faces/extract", h.extractFace)
	v1.POST("/identity/verify", h.verifyIdentity)
	v1.GET("/results/:id", h.getResult)
	v1.GET("/results/:id/duplicates", h.getDuplicates)
	v1.GET("/metrics", auth.RequireRole(auth.RoleAdmin), h.getMetrics)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (h *handler) extractDocument(c *gin.Context) {
	if !h.parseForm(c, 2) {
		return
	}

	docType := strings.ToLower(strings.TrimSpace(c.PostForm("document_type")))
	if docType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_type is required"})
		return
	}

	front, ok := h.readUpload(c, "front")
	if !ok {
		return
	}
	back, ok := h.readUpload(c, "back")
	if !ok {
		return
	}
	if front == nil && back == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a front or back image is required"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	userID, _ := auth.GetUserID(ctx)
	resp, err := h.svc.ExtractDocument(ctx, userID, schema.DocumentType(docType), front, back)
	if err != nil {
		if errors.Is(err, preprocess.ErrInvalidImage) && resp != nil {
			c.JSON(http.StatusUnprocessableEntity, resp)
			return
		}
		h.writeError(c, "handlers.extract_document", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) verifyFaces(c *gin.Context) {
	if !h.parseForm(c, 2) {
		return
	}

	first, ok := h.readUpload(c, "image_a")
	if !ok {
		return
	}
	second, ok := h.readUpload(c, "image_b")
	if !ok {
		return
	}
	if first == nil || second == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_a and image_b are required"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	userID, _ := auth.GetUserID(ctx)
	resp, err := h.svc.VerifyFaces(ctx, userID, first, second)
	if err != nil {
		if resp != nil && isFaceFailure(err) {
			c.JSON(http.StatusUnprocessableEntity, resp)
			return
		}
		h.writeError(c, "handlers.verify_faces", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) extractFace(c *gin.Context) {
	if !h.parseForm(c, 1) {
		return
	}

	img, ok := h.readUpload(c, "image")
	if !ok {
		return
	}
	if img == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	userID, _ := auth.GetUserID(ctx)
	resp, err := h.svc.ExtractFace(ctx, userID, img)
	if err != nil {
		if resp != nil && isFaceFailure(err) {
			c.JSON(http.StatusUnprocessableEntity, resp)
			return
		}
		h.writeError(c, "handlers.extract_face", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) verifyIdentity(c *gin.Context) {
	if !h.parseForm(c, 3) {
		return
	}

	docType := strings.ToLower(strings.TrimSpace(c.PostForm("document_type")))
	if docType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_type is required"})
		return
	}

	front, ok := h.readUpload(c, "front")
	if !ok {
		return
	}
	back, ok := h.readUpload(c, "back")
	if !ok {
		return
	}
	selfie, ok := h.readUpload(c, "selfie")
	if !ok {
		return
	}
	if front == nil && back == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a front or back image is required"})
		return
	}
	if selfie == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "selfie is required"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	userID, _ := auth.GetUserID(ctx)
	resp, err := h.svc.VerifyIdentity(ctx, userID, schema.DocumentType(docType), front, back, selfie)
	if err != nil {
		if resp != nil && isFaceFailure(err) {
			c.JSON(http.StatusUnprocessableEntity, resp)
			return
		}
		h.writeError(c, "handlers.verify_identity", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) getResult(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	userID, _ := auth.GetUserID(c.Request.Context())
	stored, err := h.svc.GetResult(c.Request.Context(), userID, requestID)
	if err != nil {
		h.writeError(c, "handlers.get_result", err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (h *handler) getDuplicates(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	report, err := h.svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, "handlers.get_duplicates", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) getMetrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, "handlers.get_metrics", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// parseForm caps the request at files uploads plus form overhead and parses
// the multipart body. On failure it writes the response and reports false.
func (h *handler) parseForm(c *gin.Context, files int64) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, files*h.maxUpload+1<<20)
	if _, err := c.MultipartForm(); err != nil {
		if isTooLarge(err) {
			abortTooLarge(c)
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return false
	}
	return true
}

// readUpload returns the named file, or nil when it is absent. On a bad
// upload it writes the response and reports false.
func (h *handler) readUpload(c *gin.Context, field string) (*preprocess.RawImage, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, true
		}
		if isTooLarge(err) {
			abortTooLarge(c)
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return nil, false
	}
	if header.Size > h.maxUpload {
		abortTooLarge(c)
		return nil, false
	}

	src, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open " + field})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUpload+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read " + field})
		return nil, false
	}
	if int64(len(data)) > h.maxUpload {
		abortTooLarge(c)
		return nil, false
	}

	detected := mimetype.Detect(data)
	if !allowedMIMETypes[detected.String()] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": fmt.Sprintf("%s: unsupported content type %s", field, detected.String()),
		})
		return nil, false
	}
	return &preprocess.RawImage{Data: data, Filename: header.Filename}, true
}

func (h *handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *handler) writeError(c *gin.Context, operation string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("failed_operation", logging.Operation(err)),
			zap.String("request_id", logging.RequestID(c.Request.Context())),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": message})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, usecase.ErrStillProcessing):
		return http.StatusAccepted, "result is still processing"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "result not found"
	case errors.Is(err, schema.ErrUnknownDocumentType),
		errors.Is(err, schema.ErrUnknownSide),
		errors.Is(err, extract.ErrNoInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, preprocess.ErrInvalidImage), isFaceFailure(err):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "processing timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func isFaceFailure(err error) bool {
	return errors.Is(err, face.ErrNoFaceDetected) ||
		errors.Is(err, face.ErrMultipleFaces) ||
		errors.Is(err, face.ErrLivenessFailed) ||
		errors.Is(err, face.ErrPoorQuality)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func abortTooLarge(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
}
