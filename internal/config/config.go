package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/retry"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	OCR        OCRConfig        `yaml:"ocr"`
	Submission SubmissionConfig `yaml:"submission"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	User        string            `yaml:"user"`
	Password    string            `yaml:"password"`
	VHost       string            `yaml:"vhost"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Queue       QueueConfig       `yaml:"queue"`
	RoutingKey  string            `yaml:"routing_key"`
	RoutingKeys RoutingKeysConfig `yaml:"routing_keys"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Publish     PublishConfig     `yaml:"publish"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// RoutingKeysConfig names the routing keys of outbound messages
type RoutingKeysConfig struct {
	Audit      string `yaml:"audit"`
	Submission string `yaml:"submission"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// RedisConfig holds the Redis connection backing the kill switch
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	KillSwitchKey string        `yaml:"kill_switch_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker process settings
type WorkerConfig struct {
	// ID overrides the generated lease owner name
	ID              string        `yaml:"id"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OCRConfig holds the OCR queue knobs and its collaborators
type OCRConfig struct {
	PollIntervalMs      int            `yaml:"poll_interval_ms"`
	WorkerConcurrency   int            `yaml:"worker_concurrency"`
	MaxAttempts         int            `yaml:"max_attempts"`
	LeaseTimeoutMinutes int            `yaml:"lease_timeout_minutes"`
	RetryBaseDelayMs    int            `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs     int            `yaml:"retry_max_delay_ms"`
	KillSwitch          bool           `yaml:"kill_switch"`
	Storage             StorageConfig  `yaml:"storage"`
	Provider            ProviderConfig `yaml:"provider"`
}

// StorageConfig restricts which content references may be downloaded
type StorageConfig struct {
	AllowedSchemes []string `yaml:"allowed_schemes"`
	AllowedHosts   []string `yaml:"allowed_hosts"`
	MaxBytes       int64    `yaml:"max_bytes"`
}

// ProviderConfig holds the extraction provider endpoint and throttle
type ProviderConfig struct {
	Name               string  `yaml:"name"`
	Endpoint           string  `yaml:"endpoint"`
	APIKey             string  `yaml:"api_key"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	Burst              int     `yaml:"burst"`
}

// SubmissionConfig holds the lender submission retry policy
type SubmissionConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `yaml:"retry_max_delay_ms"`
}

// PollInterval returns the worker tick period
func (o OCRConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

// LeaseTimeout returns how long a claim stays valid
func (o OCRConfig) LeaseTimeout() time.Duration {
	return time.Duration(o.LeaseTimeoutMinutes) * time.Minute
}

// RetryPolicy returns the OCR backoff policy
func (o OCRConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   time.Duration(o.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(o.RetryMaxDelayMs) * time.Millisecond,
		MaxAttempts: o.MaxAttempts,
	}
}

// RetryPolicy returns the submission backoff policy
func (s SubmissionConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:   time.Duration(s.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(s.RetryMaxDelayMs) * time.Millisecond,
		MaxAttempts: s.MaxAttempts,
	}
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks both the API and the worker sections
func (c *Config) Validate() error {
	if err := c.ValidateAPIConfig(); err != nil {
		return err
	}
	return c.ValidateWorkerConfig()
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.Submission.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid submission retry policy: %w", err)
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.RabbitMQ.Consumer.Enabled && c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.OCR.PollIntervalMs <= 0 {
		return fmt.Errorf("ocr poll_interval_ms must be greater than 0")
	}

	if c.OCR.WorkerConcurrency <= 0 {
		return fmt.Errorf("ocr worker_concurrency must be greater than 0")
	}

	if c.OCR.LeaseTimeoutMinutes <= 0 {
		return fmt.Errorf("ocr lease_timeout_minutes must be greater than 0")
	}

	if err := c.OCR.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid ocr retry policy: %w", err)
	}

	if c.OCR.Provider.Endpoint == "" {
		return fmt.Errorf("ocr provider endpoint is required")
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
		if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
			return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
		}
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	return nil
}

func (c *Config) validateDatabase() error {
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

	return nil
}
