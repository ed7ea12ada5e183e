package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/smpc-orchestrator/internal/api/handler"
	"github.com/cuongbtq/smpc-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/smpc-orchestrator/internal/config"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
	"github.com/cuongbtq/smpc-orchestrator/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Store.Driver),
	)

	jobStore, err := bootstrap.OpenStore(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer jobStore.Close()

	appLogger.Info("Job store ready")

	runner, err := bootstrap.NewRunner(cfg, jobStore, appLogger.Logger)
	if err != nil {
		return err
	}

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Processor:   runner,
		Concurrency: cfg.Worker.Concurrency,
		QueueSize:   cfg.Worker.QueueSize,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerInstance.Start(ctx)

	consumer := worker.NewConsumer(rabbitClient, workerInstance, cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Logger)

	// Start consumer in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			errChan <- err
			return
		}
		if ctx.Err() == nil {
			errChan <- errors.New("rabbitmq delivery channel closed")
		}
	}()

	var metricsSrv *http.Server
	if cfg.Worker.MetricsPort != 0 {
		metricsSrv = startMetricsServer(cfg, appLogger.Logger, jobStore, rabbitClient.IsConnected)
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Consumer error",
			slog.Any("error", runErr),
		)
	}

	// Cancel context to stop consuming and abort running aggregations.
	// Their deliveries are nacked with requeue and picked up again after restart.
	cancel()

	if workerInstance.Shutdown(cfg.Worker.ShutdownTimeout) {
		appLogger.Info("Worker stopped gracefully")
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server forced to shutdown", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// startMetricsServer exposes /metrics and /health for the worker
func startMetricsServer(cfg *config.Config, logger *slog.Logger, jobStore *bootstrap.Store, rabbitConnected func() bool) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	checks := map[string]handler.HealthChecker{
		"rabbitmq": func(context.Context) error {
			if !rabbitConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	if jobStore.HealthCheck != nil {
		checks["store"] = jobStore.HealthCheck
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", metrics.ExposeHandler())
	r.GET("/health", handler.NewHealthHandler(&handler.Dependencies{
		Logger:       logger,
		ServiceName:  "smpc-worker-service",
		HealthChecks: checks,
	}).Health)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.String("address", srv.Addr))
	return srv
}
