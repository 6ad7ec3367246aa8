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
	"github.com/Mazene-ZERGUINE/CodeBox/internal/placeholder"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/queue"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/runtime"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/sandbox"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/storage"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/codebox_api.yaml"

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

	apiMetrics := metrics.NewMetrics()
	taskService, err := service.NewTaskService(service.Config{
		Store:     store,
		Manager:   manager,
		Mirror:    mirror,
		Registry:  runtime.NewRegistry(),
		Rewriter:  placeholder.New(sandbox.InputMount, sandbox.OutputMount),
		Publisher: queue.NewMQTaskPublisher(mqClient, appCfg.Kafka.TaskTopic),
		Metrics:   apiMetrics,
		Timeouts: service.TimeoutConfig{
			Store:   appCfg.Timeouts.Store,
			Publish: appCfg.Timeouts.Publish,
		},
	})
	if err != nil {
		logger.Error(context.Background(), "init task service failed", zap.Error(err))
		return
	}

	checker := service.NewHealthChecker(
		service.PingCheck("redis", true, redisCache),
		service.PingCheck("kafka", true, mqClient),
		service.PingCheck("mysql", false, mysqlDB),
		service.DirCheck("storage", appCfg.Storage.RootDir, true),
	)

	httpServer := buildHTTPServer(appCfg.Server, taskService, checker, apiMetrics)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "api http server started", zap.String("addr", appCfg.Server.Addr))
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

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg ServerConfig, taskService *service.TaskService, checker *service.HealthChecker, m *metrics.Metrics) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(middleware.MetricsMiddleware(m))
	router.Use(requestLogger())

	taskController := controller.NewTaskController(taskService)
	healthController := controller.NewHealthController(checker)

	api := router.Group("/api/v1")
	tasks := api.Group("/tasks")
	tasks.POST("", taskController.Create)
	tasks.POST("/files", taskController.CreateWithFiles)
	tasks.GET("/:id", taskController.GetStatus)
	tasks.GET("/:id/download", taskController.Download)
	tasks.POST("/:id/revoke", taskController.Revoke)
	api.GET("/core/ping", taskController.Ping)

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
