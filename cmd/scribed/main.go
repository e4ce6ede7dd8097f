// Package main runs the session-processing daemon: crash recovery at boot,
// the correction worker pool, and the retention janitor loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tablescribe/backend/config"
	"github.com/tablescribe/backend/internal/janitor"
	"github.com/tablescribe/backend/internal/orchestrator"
	"github.com/tablescribe/backend/internal/publish"
	"github.com/tablescribe/backend/internal/recordings"
	"github.com/tablescribe/backend/internal/recovery"
	"github.com/tablescribe/backend/internal/remote"
	"github.com/tablescribe/backend/internal/sessions"
	"github.com/tablescribe/backend/internal/worker"
	"github.com/tablescribe/backend/pkg/database"
	"github.com/tablescribe/backend/pkg/queue"
	"github.com/tablescribe/backend/pkg/redis"
	"github.com/tablescribe/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	gateway, err := storage.New(ctx, storage.Config{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
		PresignExpire:   time.Duration(cfg.Storage.PresignExpireMinutes) * time.Minute,
	}, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}

	recordingRepo := recordings.NewRepository(pool)
	sessionRepo := sessions.NewRepository(pool)
	jobQueue := queue.New(rdb.Client, logger)

	workerSvc := remote.NewClient(cfg.Pipeline.WorkerBaseURL, cfg.Pipeline.WorkerTimeout, logger)
	webhook := publish.NewWebhook(cfg.Pipeline.PublishWebhookURL, logger)

	orch := orchestrator.New(orchestrator.Config{
		Recordings:    recordingRepo,
		Sessions:      sessionRepo,
		Queue:         jobQueue,
		Unloader:      workerSvc,
		Summarizer:    workerSvc,
		Reconciler:    workerSvc,
		Sinks:         []orchestrator.Sink{webhook.Sink()},
		Notifier:      webhook,
		CheckInterval: cfg.Pipeline.CheckInterval,
		MaxWait:       cfg.Pipeline.MaxWait,
		Logger:        logger,
	})

	pipelineWorker := worker.New(worker.Config{
		Recordings:  recordingRepo,
		Queue:       jobQueue,
		Store:       gateway,
		Transcriber: workerSvc,
		Corrector:   workerSvc,
		Concurrency: cfg.Pipeline.WorkerConcurrency,
		Logger:      logger,
	})
	go pipelineWorker.Run(ctx)

	scanner := recovery.New(recovery.Config{
		Recordings:        recordingRepo,
		Sessions:          sessionRepo,
		Queue:             jobQueue,
		Store:             gateway,
		Processor:         orch,
		Notifier:          webhook,
		Dir:               cfg.Recording.Dir,
		RawExtension:      cfg.Retention.RawExtension,
		GraceWindow:       cfg.Recovery.GraceWindow,
		SessionWindow:     cfg.Recovery.SessionWindow,
		InterSessionDelay: cfg.Recovery.InterSessionDelay,
		QueueOptions:      queue.DefaultOptions(),
		Logger:            logger,
	})
	go func() {
		// Give the queue and worker service a moment to settle before the
		// startup sweep.
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Recovery.BootDelay):
		}
		if err := scanner.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("startup recovery scan failed", zap.Error(err))
		}
	}()

	retention, err := janitor.New(janitor.Config{
		Store:        gateway,
		TriggerGB:    cfg.Retention.TriggerGB,
		TargetGB:     cfg.Retention.TargetGB,
		FreeTierGB:   cfg.Retention.FreeTierGB,
		RecheckEvery: cfg.Retention.RecheckEvery,
		Interval:     cfg.Retention.Interval,
		RawExtension: cfg.Retention.RawExtension,
		MasterSuffix: cfg.Retention.MasterSuffix,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("janitor", zap.Error(err))
	}
	go retention.Run(ctx)

	logger.Info("scribed running",
		zap.String("recordings_dir", cfg.Recording.Dir),
		zap.String("worker_service", cfg.Pipeline.WorkerBaseURL))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
