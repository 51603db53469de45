// Package main runs the video platform HTTP server with the in-process
// processing worker and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamvault/backend/config"
	"github.com/streamvault/backend/internal/media"
	"github.com/streamvault/backend/internal/middleware"
	"github.com/streamvault/backend/internal/pipeline"
	"github.com/streamvault/backend/internal/playback"
	"github.com/streamvault/backend/internal/realtime"
	"github.com/streamvault/backend/internal/store"
	"github.com/streamvault/backend/internal/videos"
	"github.com/streamvault/backend/internal/worker"
	"github.com/streamvault/backend/pkg/database"
	"github.com/streamvault/backend/pkg/queue"
	"github.com/streamvault/backend/pkg/redis"
	"github.com/streamvault/backend/pkg/response"
	"github.com/streamvault/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Object store is optional: without it, uploads stay on local disk
	// and playback falls back to local tiers.
	var objectStore *store.Adapter
	if cfg.AWS.Region != "" && cfg.AWS.Bucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		}, logger)
		if err != nil {
			logger.Warn("object store disabled", zap.Error(err))
		} else {
			objectStore = store.NewAdapter(s3Client, cfg.AWS.Bucket, cfg.AWS.BackupBuckets, cfg.AWS.ObjectLimit(), logger)
		}
	}

	for _, dir := range []string{cfg.Media.UploadDir, cfg.Media.HLSDir, cfg.Media.TempDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			logger.Fatal("create media dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	prober := media.NewProber(cfg.Media.FFprobePath, logger)
	encoder := media.NewEncoder(cfg.Media.FFmpegPath, logger)
	audioExtractor := media.NewAudioExtractor(cfg.Media.FFmpegPath, logger)

	videoRepo := videos.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	progressHub := realtime.NewProgressHub(logger)

	// Orchestrator tolerates a nil uploader (interface with typed nil
	// would dodge the nil checks inside).
	var uploader pipeline.ObjectUploader
	var opener playback.RangeOpener
	var purger videos.ObjectPurger
	if objectStore != nil {
		uploader = objectStore
		opener = objectStore
		purger = objectStore
	}
	orch := pipeline.New(videoRepo, uploader, audioExtractor, encoder, progressHub, cfg.Media, logger)
	resolver := playback.NewResolver(opener, cfg.Media.HLSDir, cfg.Media.PreferSegmentsOver(), logger)

	videoHandler := videos.NewHandler(videoRepo, prober, resolver, jobQueue, purger, cfg.Media.UploadDir, cfg.Media.HLSDir, cfg.Server.PublicBaseURL, logger)
	processor := worker.NewVideoProcessor(orch, jobQueue, logger)
	sweeper := pipeline.NewSweeper(cfg.Media.UploadDir, cfg.Media.TempDir, videoRepo, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health, backed by a live database ping.
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/videos/upload", videoHandler.Upload)
		api.GET("/videos", videoHandler.List)
		api.GET("/videos/:id", videoHandler.Get)
		api.GET("/videos/:id/status", videoHandler.Status)
		api.GET("/videos/:id/stream", videoHandler.Stream)
		api.GET("/videos/:id/audio/:track", videoHandler.AudioTrack)
		api.GET("/videos/:id/hls/*filepath", videoHandler.HLSFile)
		api.DELETE("/videos/:id", videoHandler.Delete)
		api.GET("/shared/:shareId", videoHandler.Shared)
	}

	// WebSocket progress feed (no auth; video ids are unguessable)
	router.GET("/ws/videos/:id/progress", progressHub.ServeWS())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background work: job loop plus periodic sweep of stale local files.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go processor.Run(workerCtx)
	go sweeper.Run(workerCtx)
	logger.Info("video worker started")

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
