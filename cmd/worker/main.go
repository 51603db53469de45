// Package main runs the standalone background processing worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamvault/backend/config"
	"github.com/streamvault/backend/internal/media"
	"github.com/streamvault/backend/internal/pipeline"
	"github.com/streamvault/backend/internal/realtime"
	"github.com/streamvault/backend/internal/store"
	"github.com/streamvault/backend/internal/videos"
	"github.com/streamvault/backend/internal/worker"
	"github.com/streamvault/backend/pkg/database"
	"github.com/streamvault/backend/pkg/queue"
	"github.com/streamvault/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var uploader pipeline.ObjectUploader
	if cfg.AWS.Region != "" && cfg.AWS.Bucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		}, logger)
		if err != nil {
			logger.Warn("object store disabled", zap.Error(err))
		} else {
			uploader = store.NewAdapter(s3Client, cfg.AWS.Bucket, cfg.AWS.BackupBuckets, cfg.AWS.ObjectLimit(), logger)
		}
	}

	videoRepo := videos.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	encoder := media.NewEncoder(cfg.Media.FFmpegPath, logger)
	audioExtractor := media.NewAudioExtractor(cfg.Media.FFmpegPath, logger)
	progressHub := realtime.NewProgressHub(logger)

	orch := pipeline.New(videoRepo, uploader, audioExtractor, encoder, progressHub, cfg.Media, logger)
	processor := worker.NewVideoProcessor(orch, jobQueue, logger)
	sweeper := pipeline.NewSweeper(cfg.Media.UploadDir, cfg.Media.TempDir, videoRepo, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	go sweeper.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
