package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/mintqueue/internal/bootstrap"
	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/config"
	"github.com/cuongbtq/mintqueue/internal/metrics"
	"github.com/cuongbtq/mintqueue/internal/worker"
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
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Warn("Failed to close resource", slog.Any("error", err))
			}
		}
	}()

	store, err := bootstrap.OpenStore(ctx, cfg, appLogger.Component("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	closers = append(closers, store.Close)

	appLogger.Info("Database connection established")

	redisClient, err := bootstrap.InitRedis(ctx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
	}
	bus := bootstrap.EventBus(redisClient, &cfg.Redis, appLogger.Component("events"))

	registry, err := bootstrap.InitRegistry(ctx, cfg.Chains, appLogger.Component("chain"))
	if err != nil {
		return fmt.Errorf("failed to initialize chain clients: %w", err)
	}

	workerCfg := &worker.Config{
		Logger:           appLogger.Component("worker"),
		Store:            store,
		Registry:         registry,
		Bus:              bus,
		WorkerID:         cfg.Worker.ID,
		Chains:           bootstrap.ChainSettings(cfg.Chains),
		LeaseTimeout:     cfg.Queue.LeaseTimeout,
		IdlePollInterval: cfg.Queue.IdlePollInterval,
		Backoff:          bootstrap.Backoff(cfg.Queue.Backoff),
		SweepInterval:    cfg.Queue.CallbackSweepInterval,
	}

	var publisher callback.Publisher
	if cfg.RabbitMQ.Enabled() {
		wakeClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Wake, true, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ wake consumer: %w", err)
		}
		closers = append(closers, wakeClient.Close)

		terminalClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Terminal, false, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ terminal publisher: %w", err)
		}
		closers = append(closers, terminalClient.Close)

		workerCfg.WakeSource = wakeClient
		workerCfg.WakeReconnectInterval = cfg.RabbitMQ.Connection.RetryInterval
		publisher = callback.NewAMQPPublisher(terminalClient)

		appLogger.Info("RabbitMQ connections established")
	} else {
		logger := appLogger.Component("callback")
		var dedup callback.Deduper = callback.NewMemoryDeduper()
		if redisClient != nil {
			dedup = callback.NewRedisDeduper(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.DedupTTL)
		}
		publisher = callback.NewReceiverPublisher(callback.NewReceiver(dedup, callback.LogHandler(logger), logger))
		appLogger.Warn("RabbitMQ not configured; workers rely on idle polling and callbacks stay in-process")
	}
	workerCfg.Notifier = callback.NewNotifier(publisher, store, appLogger.Component("callback"))

	// Create worker instance
	workerInstance := worker.NewWorker(workerCfg)
	if err := workerInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	errChan := make(chan error, 1)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = newMetricsServer(cfg.Metrics.Port)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		appLogger.Info("Metrics server listening", slog.String("address", metricsSrv.Addr))
	}

	appLogger.Info("Worker service started successfully")

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
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server forced to shutdown", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
