// Package config builds the process-wide configuration from the environment,
// optionally seeded from a dotenv file. The result is read-only once Load
// returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/idverify/internal/extract"
	"github.com/example/idverify/internal/face"
	"github.com/example/idverify/internal/ocr"
	"github.com/example/idverify/internal/preprocess"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64

	DatabaseDSN string
	RedisAddr   string
	CacheTTL    time.Duration

	JWTSecret      string
	JWTAudience    string
	APIKeys        []string
	AdminAPIKeys   []string
	RateLimitRPS   float64
	RateLimitBurst int

	TessdataPrefix   string
	SchemaPath       string
	FaceModelDir     string
	FaceEmbedderAddr string

	Extraction extract.Config
	Face       face.Config
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		RequestTimeout:  60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxUploadBytes:  10 << 20,
		DatabaseDSN:     "host=postgres user=postgres password=postgres dbname=idverify port=5432 sslmode=disable",
		RedisAddr:       "redis:6379",
		CacheTTL:        10 * time.Minute,
		JWTSecret:       "dev-secret",
		RateLimitRPS:    5,
		RateLimitBurst:  10,
		FaceModelDir:    "models",
		Extraction:      extract.DefaultConfig(),
		Face:            face.DefaultConfig(),
	}
}

// Load reads envFile when it exists, overlays the process environment and
// validates the result. Process variables win over the file.
func Load(envFile string) (*Config, error) {
	values := map[string]string{}
	if envFile != "" {
		fileValues, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			values = fileValues
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	})
}

// FromLookup builds a validated configuration from an arbitrary source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	r.text("HTTP_ADDR", &cfg.HTTPAddr)
	r.text("LOG_LEVEL", &cfg.LogLevel)
	r.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	r.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	r.integer64("MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes)
	r.text("DATABASE_DSN", &cfg.DatabaseDSN)
	r.text("REDIS_ADDR", &cfg.RedisAddr)
	r.duration("CACHE_TTL", &cfg.CacheTTL)
	r.text("JWT_SECRET", &cfg.JWTSecret)
	r.text("JWT_AUDIENCE", &cfg.JWTAudience)
	r.list("API_KEYS", &cfg.APIKeys)
	r.list("ADMIN_API_KEYS", &cfg.AdminAPIKeys)
	r.number("RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	r.integer("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	r.text("TESSDATA_PREFIX", &cfg.TessdataPrefix)
	r.text("SCHEMA_PATH", &cfg.SchemaPath)
	r.text("FACE_MODEL_DIR", &cfg.FaceModelDir)
	r.text("FACE_EMBEDDER_ADDR", &cfg.FaceEmbedderAddr)

	pre := &cfg.Extraction.Preprocess
	r.boolean("PREPROCESS_UPSCALE", &pre.Upscale)
	r.number("PREPROCESS_UPSCALE_FACTOR", &pre.UpscaleFactor)
	r.boolean("PREPROCESS_AUTO_ROTATE", &pre.AutoRotate)
	r.boolean("PREPROCESS_DENOISE", &pre.Denoise)
	r.number("PREPROCESS_CONTRAST_CLIP_LIMIT", &pre.ContrastClipLimit)
	if r.list("SUPPORTED_IMAGE_FORMATS", &pre.SupportedFormats) {
		pre.SupportedFormats = lower(pre.SupportedFormats)
	}

	ext := &cfg.Extraction
	r.boolean("EXTRACTION_MULTI_PASS", &ext.MultiPass)
	r.number("EXTRACTION_CONFIDENCE_THRESHOLD", &ext.Threshold)
	if ext.Threshold > 1 {
		ext.Threshold /= 100
	}
	var modes []string
	if r.list("EXTRACTION_PREFERRED_MODES", &modes) {
		ext.ModeOrder = nil
		for _, s := range modes {
			m, err := ocr.ParseMode(s)
			if err != nil {
				r.fail("EXTRACTION_PREFERRED_MODES", err)
				continue
			}
			ext.ModeOrder = append(ext.ModeOrder, m)
		}
	}
	if r.list("EXTRACTION_LANGUAGES", &ext.Languages) {
		ext.Languages = lower(ext.Languages)
	}
	r.integer("EXTRACTION_WORKERS", &ext.Workers)
	r.duration("OCR_TIMEOUT", &ext.OCRTimeout)

	fc := &cfg.Face
	var metric string
	if r.text("FACE_METRIC", &metric) {
		m, err := face.ParseMetric(metric)
		if err != nil {
			r.fail("FACE_METRIC", err)
		}
		fc.Metric = m
	}
	r.number("FACE_THRESHOLD", &fc.Threshold)
	r.boolean("FACE_PICK_LARGEST", &fc.PickLargest)
	r.integer("FACE_MIN_SIZE", &fc.MinFaceSize)
	r.number("FACE_MIN_DETECTION_SCORE", &fc.MinDetectionScore)
	r.number("FACE_MIN_SHARPNESS", &fc.MinSharpness)
	r.integer("FACE_TARGET_SIZE", &fc.TargetSize)
	r.number("FACE_MARGIN", &fc.Margin)
	r.boolean("LIVENESS_ENABLED", &fc.LivenessEnabled)
	r.number("LIVENESS_MIN_SCORE", &fc.LivenessMinScore)

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}
	pre := c.Extraction.Preprocess
	check(pre.UpscaleFactor >= 1, "PREPROCESS_UPSCALE_FACTOR must be at least 1, got %v", pre.UpscaleFactor)
	check(pre.ContrastClipLimit > 0, "PREPROCESS_CONTRAST_CLIP_LIMIT must be positive, got %v", pre.ContrastClipLimit)
	check(len(pre.SupportedFormats) > 0, "SUPPORTED_IMAGE_FORMATS must not be empty")
	for _, f := range pre.SupportedFormats {
		check(isKnownFormat(f), "SUPPORTED_IMAGE_FORMATS: unsupported format %q", f)
	}

	ext := c.Extraction
	check(ext.Threshold >= 0 && ext.Threshold <= 1, "EXTRACTION_CONFIDENCE_THRESHOLD must be within [0,1] or [0,100], got %v", ext.Threshold)
	check(len(ext.ModeOrder) > 0, "EXTRACTION_PREFERRED_MODES must not be empty")
	check(len(ext.Languages) > 0, "EXTRACTION_LANGUAGES must not be empty")
	check(ext.Workers >= 1, "EXTRACTION_WORKERS must be at least 1, got %d", ext.Workers)
	check(ext.OCRTimeout > 0, "OCR_TIMEOUT must be positive, got %v", ext.OCRTimeout)

	fc := c.Face
	check(fc.Threshold > 0, "FACE_THRESHOLD must be positive, got %v", fc.Threshold)
	check(fc.TargetSize >= 32, "FACE_TARGET_SIZE must be at least 32, got %d", fc.TargetSize)
	check(fc.MinFaceSize >= 0, "FACE_MIN_SIZE must not be negative")
	check(fc.Margin >= 0 && fc.Margin <= 1, "FACE_MARGIN must be within [0,1], got %v", fc.Margin)
	check(fc.LivenessMinScore >= 0 && fc.LivenessMinScore <= 1, "LIVENESS_MIN_SCORE must be within [0,1], got %v", fc.LivenessMinScore)

	check(c.JWTSecret != "" || len(c.APIKeys) > 0 || len(c.AdminAPIKeys) > 0, "either JWT_SECRET or API_KEYS must be set")
	check(c.RateLimitRPS > 0 && c.RateLimitBurst >= 1, "RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	check(c.MaxUploadBytes > 0, "MAX_UPLOAD_BYTES must be positive")
	check(c.RequestTimeout > 0, "REQUEST_TIMEOUT must be positive")
	return errors.Join(errs...)
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func isKnownFormat(f string) bool {
	for _, k := range preprocess.DefaultFormats {
		if f == k {
			return true
		}
	}
	return false
}

// reader parses variables into typed fields and collects every failure.
type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("config: %s: %w", key, err))
}

func (r *reader) text(key string, dst *string) bool {
	v, ok := r.get(key)
	if ok {
		*dst = v
	}
	return ok
}

func (r *reader) list(key string, dst *[]string) bool {
	v, ok := r.get(key)
	if !ok {
		return false
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
	return true
}

func (r *reader) boolean(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = b
	}
}

func (r *reader) integer(key string, dst *int) {
	if v, ok := r.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = n
	}
}

func (r *reader) integer64(key string, dst *int64) {
	if v, ok := r.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = n
	}
}

func (r *reader) number(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = f
	}
}

// duration accepts Go durations ("30s") and bare seconds ("30").
func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = d
}
