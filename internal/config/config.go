package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. SMPC_AGGREGATOR_BASE_URL
	EnvPrefix = "SMPC"
)

// Store drivers
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Dispatch modes
const (
	DispatchModeLocal    = "local"
	DispatchModeRabbitMQ = "rabbitmq"
)

// Result file formats
const (
	FileFormatJSON = "json"
	FileFormatText = "txt"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"server"`
	Store      StoreConfig      `yaml:"store" envconfig:"store"`
	Database   DatabaseConfig   `yaml:"database" envconfig:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq" envconfig:"rabbitmq"`
	Dispatch   DispatchConfig   `yaml:"dispatch" envconfig:"dispatch"`
	Worker     WorkerConfig     `yaml:"worker" envconfig:"worker"`
	Aggregator AggregatorConfig `yaml:"aggregator" envconfig:"aggregator"`
	Results    ResultsConfig    `yaml:"results" envconfig:"results"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"logging"`
	App        AppConfig        `yaml:"app" envconfig:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"shutdown_timeout"`
}

// StoreConfig selects the JobStore backend
type StoreConfig struct {
	Driver      string        `yaml:"driver" envconfig:"driver"`
	SQLitePath  string        `yaml:"sqlite_path" envconfig:"sqlite_path"`
	BusyTimeout time.Duration `yaml:"busy_timeout" envconfig:"busy_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" envconfig:"host"`
	Port            int           `yaml:"port" envconfig:"port"`
	User            string        `yaml:"user" envconfig:"user"`
	Password        string        `yaml:"password" envconfig:"password"`
	Database        string        `yaml:"database" envconfig:"name"`
	SSLMode         string        `yaml:"sslmode" envconfig:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" envconfig:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" envconfig:"host"`
	Port       int              `yaml:"port" envconfig:"port"`
	User       string           `yaml:"user" envconfig:"user"`
	Password   string           `yaml:"password" envconfig:"password"`
	VHost      string           `yaml:"vhost" envconfig:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange" envconfig:"exchange"`
	Queue      QueueConfig      `yaml:"queue" envconfig:"queue"`
	RoutingKey string           `yaml:"routing_key" envconfig:"routing_key"`
	Connection ConnectionConfig `yaml:"connection" envconfig:"connection"`
	Publish    PublishConfig    `yaml:"publish" envconfig:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer" envconfig:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" envconfig:"name"`
	Type       string `yaml:"type" envconfig:"type"`
	Durable    bool   `yaml:"durable" envconfig:"durable"`
	AutoDelete bool   `yaml:"auto_delete" envconfig:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name" envconfig:"name"`
	Durable    bool   `yaml:"durable" envconfig:"durable"`
	AutoDelete bool   `yaml:"auto_delete" envconfig:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive" envconfig:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" envconfig:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval" envconfig:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat" envconfig:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" envconfig:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts" envconfig:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval" envconfig:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" envconfig:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count" envconfig:"prefetch_count"`
}

// DispatchConfig selects how a closed barrier reaches a worker
type DispatchConfig struct {
	Mode string `yaml:"mode" envconfig:"mode"`
}

// WorkerConfig holds aggregation worker pool configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency" envconfig:"concurrency"`
	QueueSize       int           `yaml:"queue_size" envconfig:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"shutdown_timeout"`
	MetricsPort     int           `yaml:"metrics_port" envconfig:"metrics_port"`
}

// AggregatorConfig holds the remote secure-aggregation service settings
type AggregatorConfig struct {
	BaseURL           string        `yaml:"base_url" envconfig:"base_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout" envconfig:"request_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval" envconfig:"poll_interval"`
	PollJitter        time.Duration `yaml:"poll_jitter" envconfig:"poll_jitter"`
	MaxPollAttempts   int           `yaml:"max_poll_attempts" envconfig:"max_poll_attempts"`
	PollDeadline      time.Duration `yaml:"poll_deadline" envconfig:"poll_deadline"`
	FailOnRemoteError bool          `yaml:"fail_on_remote_error" envconfig:"fail_on_remote_error"`
	ClaimLease        time.Duration `yaml:"claim_lease" envconfig:"claim_lease"`
}

// ResultsConfig holds the result sink targets
type ResultsConfig struct {
	EnableAPI        bool                `yaml:"enable_api" envconfig:"enable_api"`
	APIURL           string              `yaml:"api_url" envconfig:"api_url"`
	APITimeout       time.Duration       `yaml:"api_timeout" envconfig:"api_timeout"`
	APIHeaders       map[string]string   `yaml:"api_headers" envconfig:"api_headers"`
	EnableFilesystem bool                `yaml:"enable_filesystem" envconfig:"enable_filesystem"`
	SavePath         string              `yaml:"save_path" envconfig:"save_path"`
	FileFormat       string              `yaml:"file_format" envconfig:"file_format"`
	ObjectStorage    ObjectStorageConfig `yaml:"object_storage" envconfig:"object_storage"`
}

// ObjectStorageConfig holds S3-compatible result storage settings
type ObjectStorageConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"enabled"`
	Endpoint  string `yaml:"endpoint" envconfig:"endpoint"`
	Bucket    string `yaml:"bucket" envconfig:"bucket"`
	Prefix    string `yaml:"prefix" envconfig:"prefix"`
	Region    string `yaml:"region" envconfig:"region"`
	AccessKey string `yaml:"access_key" envconfig:"access_key"`
	SecretKey string `yaml:"secret_key" envconfig:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" envconfig:"use_ssl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" envconfig:"level"`
	Format       string `yaml:"format" envconfig:"format"`
	Output       string `yaml:"output" envconfig:"output"`
	EnableCaller bool   `yaml:"enable_caller" envconfig:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" envconfig:"name"`
	Version     string `yaml:"version" envconfig:"version"`
	Environment string `yaml:"environment" envconfig:"environment"`
}

// Load reads and parses the configuration file, then applies SMPC_* environment overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverMemory
	}
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = 5 * time.Second
	}
	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = DispatchModeLocal
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = c.Worker.Concurrency
	}
	if c.Aggregator.RequestTimeout <= 0 {
		c.Aggregator.RequestTimeout = 15 * time.Second
	}
	if c.Aggregator.ClaimLease <= 0 {
		c.Aggregator.ClaimLease = 2 * time.Minute
	}
	if c.Aggregator.PollInterval <= 0 {
		c.Aggregator.PollInterval = 3 * time.Second
	}
	if c.Results.APITimeout <= 0 {
		c.Results.APITimeout = 30 * time.Second
	}
	if c.Results.SavePath == "" {
		c.Results.SavePath = "./results"
	}
	if c.Results.FileFormat == "" {
		c.Results.FileFormat = FileFormatJSON
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// ValidateAPIConfig checks the settings the api-service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	switch c.Dispatch.Mode {
	case DispatchModeLocal:
		// the api-service runs aggregations itself
		return c.validateAggregation()
	case DispatchModeRabbitMQ:
		return c.validateRabbitMQ()
	default:
		return fmt.Errorf("invalid dispatch mode: %q (must be %s or %s)", c.Dispatch.Mode, DispatchModeLocal, DispatchModeRabbitMQ)
	}
}

// ValidateWorkerConfig checks the settings the worker-service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Store.Driver == StoreDriverMemory {
		return fmt.Errorf("store driver %q cannot be shared with the api-service", StoreDriverMemory)
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	return c.validateAggregation()
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case StoreDriverMemory:
		return nil
	case StoreDriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store sqlite_path is required for driver %s", StoreDriverSQLite)
		}
		return nil
	case StoreDriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		return nil
	default:
		return fmt.Errorf("invalid store driver: %q", c.Store.Driver)
	}
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateAggregation() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Aggregator.BaseURL == "" {
		return fmt.Errorf("aggregator base_url is required")
	}

	if c.Aggregator.PollInterval <= 0 {
		return fmt.Errorf("aggregator poll_interval must be greater than 0")
	}

	if c.Aggregator.MaxPollAttempts < 0 || c.Aggregator.PollDeadline < 0 {
		return fmt.Errorf("aggregator poll budget must not be negative")
	}

	if c.Results.EnableAPI && c.Results.APIURL == "" {
		return fmt.Errorf("results api_url is required when enable_api is set")
	}

	if c.Results.EnableFilesystem && c.Results.FileFormat != FileFormatJSON && c.Results.FileFormat != FileFormatText {
		return fmt.Errorf("invalid results file_format: %q (must be %s or %s)", c.Results.FileFormat, FileFormatJSON, FileFormatText)
	}

	if obj := c.Results.ObjectStorage; obj.Enabled && (obj.Endpoint == "" || obj.Bucket == "") {
		return fmt.Errorf("object_storage endpoint and bucket are required when enabled")
	}

	return nil
}
