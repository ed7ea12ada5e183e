// Package bootstrap builds the components shared by the api-service and worker-service
// from the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/smpc-orchestrator/internal/aggregation"
	"github.com/cuongbtq/smpc-orchestrator/internal/config"
	"github.com/cuongbtq/smpc-orchestrator/internal/decoder"
	"github.com/cuongbtq/smpc-orchestrator/internal/sink"
	"github.com/cuongbtq/smpc-orchestrator/internal/store"
	"github.com/cuongbtq/smpc-orchestrator/shared/logger"
	"github.com/cuongbtq/smpc-orchestrator/shared/postgresql"
	"github.com/cuongbtq/smpc-orchestrator/shared/rabbitmq"
	"github.com/cuongbtq/smpc-orchestrator/shared/sqlite"
)

// Store is an opened JobStore together with the connection that backs it
type Store struct {
	store.JobStore

	// HealthCheck is nil for the in-memory store
	HealthCheck func(ctx context.Context) error
	close       func() error
}

// Close releases the backing connection
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// OpenStore connects the configured store driver and applies migrations for SQL drivers
func OpenStore(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logger.Warn("Using in-memory job store; state is lost on restart")
		return &Store{JobStore: store.NewMemoryStore()}, nil

	case config.StoreDriverSQLite:
		client, err := sqlite.NewClient(&sqlite.Config{
			Path:        cfg.Store.SQLitePath,
			BusyTimeout: cfg.Store.BusyTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(client.GetDB().DB, store.DialectSQLite, logger); err != nil {
			client.Close()
			return nil, err
		}
		return &Store{
			JobStore:    store.NewSQLStore(client.GetDB(), logger),
			HealthCheck: client.HealthCheck,
			close:       client.Close,
		}, nil

	case config.StoreDriverPostgres:
		client, err := InitPostgreSQL(&cfg.Database, cfg.App.Name, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(client.GetDB().DB, store.DialectPostgres, logger); err != nil {
			client.Close()
			return nil, err
		}
		return &Store{
			JobStore:    store.NewSQLStore(client.GetDB(), logger),
			HealthCheck: client.HealthCheck,
			close:       client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, appName string, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: appName,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// NewResultSink builds the sink handler from the enabled result targets
func NewResultSink(cfg *config.ResultsConfig, logger *slog.Logger) (*sink.Handler, error) {
	var api *sink.APISender
	if cfg.EnableAPI {
		api = sink.NewAPISender(cfg.APIURL, cfg.APIHeaders, cfg.APITimeout, logger)
	}

	var persisters []sink.Persister
	if cfg.EnableFilesystem {
		persisters = append(persisters, sink.NewFileStore(cfg.SavePath, cfg.FileFormat, logger))
	}
	if obj := cfg.ObjectStorage; obj.Enabled {
		objectStore, err := sink.NewObjectStore(sink.ObjectStoreConfig{
			Endpoint:  obj.Endpoint,
			Bucket:    obj.Bucket,
			AccessKey: obj.AccessKey,
			SecretKey: obj.SecretKey,
			Region:    obj.Region,
			Prefix:    obj.Prefix,
			UseSSL:    obj.UseSSL,
		}, logger)
		if err != nil {
			return nil, err
		}
		persisters = append(persisters, objectStore)
	}

	logger.Info("Result sink configured",
		slog.Bool("api", api != nil),
		slog.Int("persisters", len(persisters)),
	)
	return sink.NewHandler(api, persisters, logger), nil
}

// NewRunner wires the aggregation client, decoder and result sink around jobStore
func NewRunner(cfg *config.Config, jobStore store.JobStore, logger *slog.Logger) (*aggregation.Runner, error) {
	resultSink, err := NewResultSink(&cfg.Results, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build result sink: %w", err)
	}

	client := aggregation.NewClient(aggregation.Config{
		BaseURL:           cfg.Aggregator.BaseURL,
		RequestTimeout:    cfg.Aggregator.RequestTimeout,
		PollInterval:      cfg.Aggregator.PollInterval,
		PollJitter:        cfg.Aggregator.PollJitter,
		MaxPollAttempts:   cfg.Aggregator.MaxPollAttempts,
		PollDeadline:      cfg.Aggregator.PollDeadline,
		FailOnRemoteError: cfg.Aggregator.FailOnRemoteError,
	}, logger)

	return aggregation.NewRunner(jobStore, client, decoder.New(logger), resultSink, logger).
		WithClaimLease(cfg.Aggregator.ClaimLease), nil
}
