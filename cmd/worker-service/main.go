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
	"time"

	// Sets GOMEMLIMIT from the container's cgroup limit
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/cuongbtq/loan-backoffice/internal/audit"
	"github.com/cuongbtq/loan-backoffice/internal/config"
	"github.com/cuongbtq/loan-backoffice/internal/killswitch"
	"github.com/cuongbtq/loan-backoffice/internal/metrics"
	"github.com/cuongbtq/loan-backoffice/internal/ocr"
	"github.com/cuongbtq/loan-backoffice/internal/worker"
	"github.com/cuongbtq/loan-backoffice/internal/worker/storage"
	"github.com/cuongbtq/loan-backoffice/migrations"
	"github.com/cuongbtq/loan-backoffice/shared/logger"
	"github.com/cuongbtq/loan-backoffice/shared/postgresql"
	"github.com/cuongbtq/loan-backoffice/shared/rabbitmq"
	"github.com/cuongbtq/loan-backoffice/shared/redis"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
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
	baseLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer baseLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = worker.NewWorkerID()
	}
	appLogger := baseLogger.WithAttrs(
		slog.String("service", "worker"),
		slog.String("worker_id", workerID),
	)

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(dbClient.GetDB().DB); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		appLogger.Info("Database migrations applied")
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	killSwitch, closeSwitch, err := initKillSwitch(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize kill switch: %w", err)
	}
	defer closeSwitch()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	workerMetrics := metrics.New(registry)

	jobStore := storage.NewStorage(dbClient.GetDB(), cfg.OCR.LeaseTimeout(), appLogger.Logger)

	processor := worker.NewProcessor(&worker.ProcessorConfig{
		Logger:    appLogger.Logger,
		Store:     jobStore,
		Documents: storage.NewDocuments(dbClient.GetDB()),
		Storage: ocr.NewBlobStorage(&ocr.BlobStorageConfig{
			AllowedSchemes: cfg.OCR.Storage.AllowedSchemes,
			AllowedHosts:   cfg.OCR.Storage.AllowedHosts,
			MaxBytes:       cfg.OCR.Storage.MaxBytes,
		}, appLogger.Logger),
		Provider: ocr.NewHTTPProvider(&ocr.HTTPProviderConfig{
			Endpoint: cfg.OCR.Provider.Endpoint,
			APIKey:   cfg.OCR.Provider.APIKey,
			Name:     cfg.OCR.Provider.Name,
		}, appLogger.Logger),
		Auditor: audit.NewBrokerLogger(rabbitClient, cfg.RabbitMQ.RoutingKeys.Audit, appLogger.Logger),
		Policy:  cfg.OCR.RetryPolicy(),
		Limiter: initLimiter(&cfg.OCR.Provider),
		Metrics: workerMetrics,
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Logger,
		Store:        jobStore,
		Processor:    processor,
		KillSwitch:   killSwitch,
		Metrics:      workerMetrics,
		WorkerID:     workerID,
		PollInterval: cfg.OCR.PollInterval(),
		Concurrency:  cfg.OCR.WorkerConcurrency,
		StopSignals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	})

	handle, err := workerInstance.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	consumerErr := make(chan error, 1)
	if cfg.RabbitMQ.Consumer.Enabled {
		consumer := worker.NewConsumer(&worker.ConsumerConfig{
			Logger:      appLogger.Logger,
			Source:      rabbitClient,
			Store:       jobStore,
			ConsumerTag: cfg.RabbitMQ.Consumer.Tag,
			MaxAttempts: cfg.OCR.MaxAttempts,
		})
		go func() {
			consumerErr <- consumer.Run(ctx)
		}()
	}

	metricsSrv := startMetricsServer(cfg.Worker.MetricsPort, registry, appLogger.Logger)

	appLogger.Info("Worker service started successfully")

	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	case err := <-consumerErr:
		if err != nil {
			appLogger.Error("Enqueue consumer failed", slog.Any("error", err))
		}
	case amqpErr := <-rabbitClient.NotifyClose():
		appLogger.Error("RabbitMQ channel closed", slog.Any("error", amqpErr))
	}

	handle.Stop()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// In-flight jobs keep running after Stop; wait for them to finish
	done := make(chan struct{})
	go func() {
		handle.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		// Abandoned jobs stay leased and are reclaimed after the lease timeout
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Failed to stop metrics server", slog.Any("error", err))
		}
	}

	appLogger.Debug("Database pool at shutdown", slog.String("stats", dbClient.Stats()))
	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client. The enqueue queue is only
// declared when the consumer is enabled.
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
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
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	if cfg.Consumer.Enabled {
		rabbitConfig.QueueName = cfg.Queue.Name
		rabbitConfig.QueueDurable = cfg.Queue.Durable
		rabbitConfig.QueueAutoDelete = cfg.Queue.AutoDelete
		rabbitConfig.QueueExclusive = cfg.Queue.Exclusive
		rabbitConfig.RoutingKey = cfg.RoutingKey
		rabbitConfig.PrefetchCount = cfg.Consumer.PrefetchCount
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initKillSwitch uses the shared Redis flag when configured, otherwise the
// static value from config
func initKillSwitch(cfg *config.Config, logger *slog.Logger) (killswitch.Switch, func(), error) {
	if !cfg.Redis.Enabled {
		return killswitch.NewStatic(cfg.OCR.KillSwitch), func() {}, nil
	}

	client, err := redis.NewClient(&redis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	key := cfg.Redis.KillSwitchKey
	if key == "" {
		key = killswitch.DefaultKey
	}

	return killswitch.NewRedis(client, key), func() { client.Close() }, nil
}

// initLimiter throttles provider calls; a zero rate disables throttling
func initLimiter(cfg *config.ProviderConfig) *rate.Limiter {
	if cfg.RateLimitPerSecond <= 0 {
		return nil
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst)
}

func startMetricsServer(port int, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.Int("port", port))
	return srv
}
