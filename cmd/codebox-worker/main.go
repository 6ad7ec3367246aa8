package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/api/controller"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/api/middleware"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/api/service"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/cache"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/db"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/lifecycle"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/metrics"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/queue"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/runtime"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/sandbox"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/worker"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/codebox_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	mqClient, err := queue.NewKafkaQueue(appCfg.Kafka.toQueueConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	manager := storage.NewManager(appCfg.Storage.RootDir)

	var mirror *storage.Mirror
	if appCfg.MinIO.Enabled {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO.MinIOConfig)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		mirror = storage.NewMirror(objStorage, appCfg.MinIO.Bucket, manager.Layout())
	}

	taskArchive := lifecycle.NewMySQLArchive(mysqlDB)
	store := lifecycle.NewStore(redisCache, taskArchive, appCfg.Status.TTL)

	registry := runtime.NewRegistry()
	registry.OverrideImages(appCfg.Sandbox.Images)
	executor := sandbox.NewExecutor(appCfg.Sandbox.toOptions())

	workerMetrics := metrics.NewMetrics()
	pool, err := worker.NewWorker(worker.Config{
		Store:          store,
		Manager:        manager,
		Mirror:         mirror,
		Registry:       registry,
		Executor:       executor,
		Metrics:        workerMetrics,
		MaxAttempts:    appCfg.Worker.MaxAttempts,
		HeartbeatEvery: appCfg.Worker.HeartbeatEvery,
	})
	if err != nil {
		logger.Error(context.Background(), "init worker failed", zap.Error(err))
		return
	}

	// One fetch token per container slot, so the broker never hands this
	// process more work than it can run.
	limiter := queue.NewTokenLimiter(appCfg.Worker.Concurrency)
	err = mqClient.SubscribeLimited(context.Background(), appCfg.Kafka.TaskTopic, pool.HandleMessage, &queue.SubscribeOptions{
		ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
		PrefetchCount:   appCfg.Kafka.PrefetchCount,
		Concurrency:     appCfg.Worker.Concurrency,
		MaxRetries:      appCfg.Kafka.MaxRetries,
		RetryDelay:      appCfg.Kafka.RetryDelay,
		DeadLetterTopic: appCfg.Kafka.DeadLetter,
		MessageTTL:      appCfg.Kafka.MessageTTL,
	}, limiter)
	if err != nil {
		logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// The sweep may only touch directories of tasks that finished or that
	// the store no longer knows about.
	purgeable := func(ctx context.Context, taskID string) bool {
		rec, err := store.Get(ctx, taskID)
		if err != nil {
			return appErr.Is(err, appErr.TaskNotFound)
		}
		return rec.State.Terminal()
	}
	sweeper := storage.NewSweeper(manager, appCfg.Retention.TTL, appCfg.Retention.Interval, purgeable)
	go sweeper.Run(bgCtx)

	reaper := lifecycle.NewReaper(store, appCfg.Reaper.StaleAfter, appCfg.Reaper.Interval)
	go reaper.Run(bgCtx)

	checker := service.NewHealthChecker(
		service.PingCheck("redis", true, redisCache),
		service.PingCheck("kafka", true, mqClient),
		service.PingCheck("docker", true, executor),
		service.PingCheck("mysql", false, mysqlDB),
		service.DirCheck("storage", appCfg.Storage.RootDir, true),
	)

	httpServer := buildHTTPServer(appCfg.Server, checker, workerMetrics)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	cancelBg()
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	// Stop drains the fetch loops and waits for in-flight containers, which
	// can take a full sandbox timeout.
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg ServerConfig, checker *service.HealthChecker, m *metrics.Metrics) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(requestLogger())

	healthController := controller.NewHealthController(checker)
	router.GET("/healthz", healthController.Healthz)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
