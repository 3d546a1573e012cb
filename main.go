package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/idverify/internal/auth"
	"github.com/example/idverify/internal/config"
	"github.com/example/idverify/internal/extract"
	"github.com/example/idverify/internal/face"
	"github.com/example/idverify/internal/face/dlib"
	"github.com/example/idverify/internal/grpcclient"
	"github.com/example/idverify/internal/handlers"
	"github.com/example/idverify/internal/logging"
	"github.com/example/idverify/internal/ocr"
	"github.com/example/idverify/internal/ocr/tesseract"
	"github.com/example/idverify/internal/repository"
	"github.com/example/idverify/internal/schema"
	"github.com/example/idverify/internal/usecase"
	"github.com/example/idverify/internal/vision"
)

func main() {
	cfg, err := config.Load(getEnv("ENV_FILE", ".env"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewResultRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	registry, err := loadRegistry(cfg.SchemaPath)
	if err != nil {
		logger.Fatal("failed to load document layouts", zap.Error(err))
	}

	engine := tesseract.New(tesseract.Config{TessdataPrefix: cfg.TessdataPrefix})
	var cv vision.OpenCV
	extraction := cfg.Extraction
	extraction.Preprocess.Enhancer = cv
	extraction.Preprocess.Probe = ocr.OrientationProbe{Engine: engine, Languages: extraction.Languages}
	extractor := extract.New(registry, engine, extraction, logger)

	recognizer, err := dlib.New(cfg.FaceModelDir)
	if err != nil {
		logger.Fatal("failed to load face models", zap.Error(err))
	}
	defer recognizer.Close()

	var embedder face.Embedder = recognizer
	if cfg.FaceEmbedderAddr != "" {
		remote, conn, err := grpcclient.DialFaceEmbedder(ctx, cfg.FaceEmbedderAddr, logger)
		if err != nil {
			logger.Fatal("failed to connect to face embedder", zap.Error(err))
		}
		defer conn.Close()
		embedder = remote
	}
	verifier := face.NewPipeline(recognizer, embedder, nil, cv, cfg.Face, logger)

	cache := usecase.NewRedisCache(redisClient, "idverify:")
	svc := usecase.NewService(repo, cache, extractor, verifier, usecase.Options{
		CacheTTL:         cfg.CacheTTL,
		SupportedFormats: cfg.Extraction.Preprocess.SupportedFormats,
	}, logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	limiter := auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handlers.RegisterRoutes(r, svc, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	}, auth.Middleware(cfg.JWTSecret, cfg.JWTAudience, cfg.APIKeys, cfg.AdminAPIKeys), limiter.Middleware())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("identity verification API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func loadRegistry(path string) (*schema.Registry, error) {
	if path == "" {
		return schema.Default()
	}
	return schema.LoadFile(path)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
