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
	"github.com/cuongbtq/smpc-orchestrator/internal/api/router"
	"github.com/cuongbtq/smpc-orchestrator/internal/barrier"
	"github.com/cuongbtq/smpc-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/smpc-orchestrator/internal/config"
	"github.com/cuongbtq/smpc-orchestrator/internal/metrics"
	"github.com/cuongbtq/smpc-orchestrator/internal/worker"
	"github.com/cuongbtq/smpc-orchestrator/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Store.Driver),
		slog.String("dispatch", cfg.Dispatch.Mode),
	)

	jobStore, err := bootstrap.OpenStore(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer jobStore.Close()

	appLogger.Info("Job store ready")

	healthChecks := map[string]handler.HealthChecker{}
	if jobStore.HealthCheck != nil {
		healthChecks["store"] = jobStore.HealthCheck
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the aggregation dispatcher
	var (
		dispatcher   barrier.Dispatcher
		localWorker  *worker.Worker
		rabbitClient *rabbitmq.Client
	)
	switch cfg.Dispatch.Mode {
	case config.DispatchModeRabbitMQ:
		rabbitClient, err = bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")
		healthChecks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
		dispatcher = worker.NewQueueDispatcher(rabbitClient)

	default:
		runner, err := bootstrap.NewRunner(cfg, jobStore, appLogger.Logger)
		if err != nil {
			return err
		}
		localWorker = worker.NewWorker(&worker.Config{
			Logger:      appLogger.Logger,
			Processor:   runner,
			Concurrency: cfg.Worker.Concurrency,
			QueueSize:   cfg.Worker.QueueSize,
		})
		localWorker.Start(ctx)
		dispatcher = localWorker
	}

	coordinator := barrier.NewCoordinator(jobStore, dispatcher, appLogger.Logger)

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, coordinator, healthChecks)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// In-flight aggregations are cancelled; their closed barriers can be re-triggered via /api/aggregate
	if localWorker != nil && localWorker.Shutdown(cfg.Worker.ShutdownTimeout) {
		appLogger.Info("Worker stopped gracefully")
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, coordinator *barrier.Coordinator, checks map[string]handler.HealthChecker) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	m := metrics.NewMiddleware("api-service")
	m.MustRegisterDefault()

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:       logger,
		Coordinator:  coordinator,
		ServiceName:  "smpc-api-service",
		HealthChecks: checks,
	}

	// Setup router
	return router.SetupRouter(handlerDeps, m)
}
