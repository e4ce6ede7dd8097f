// Package main runs the operator HTTP API with graceful shutdown.
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

	"github.com/tablescribe/backend/config"
	"github.com/tablescribe/backend/internal/admin"
	"github.com/tablescribe/backend/internal/janitor"
	"github.com/tablescribe/backend/internal/middleware"
	"github.com/tablescribe/backend/internal/orchestrator"
	"github.com/tablescribe/backend/internal/publish"
	"github.com/tablescribe/backend/internal/recordings"
	"github.com/tablescribe/backend/internal/recovery"
	"github.com/tablescribe/backend/internal/remote"
	"github.com/tablescribe/backend/internal/sessions"
	"github.com/tablescribe/backend/pkg/database"
	"github.com/tablescribe/backend/pkg/queue"
	"github.com/tablescribe/backend/pkg/redis"
	"github.com/tablescribe/backend/pkg/response"
	"github.com/tablescribe/backend/pkg/storage"
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

	recordingHandler := recordings.NewHandler(recordingRepo, gateway, jobQueue,
		time.Duration(cfg.Storage.PresignExpireMinutes)*time.Minute, logger)
	adminHandler := admin.NewHandler(jobQueue, gateway, scanner, retention, sessionRepo, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	api := router.Group("/api")
	recordingHandler.RegisterRoutes(api)
	adminHandler.RegisterRoutes(api.Group("/admin"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("operator API listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

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
