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

	"github.com/cuongbtq/mintqueue/internal/api/handler"
	"github.com/cuongbtq/mintqueue/internal/api/router"
	"github.com/cuongbtq/mintqueue/internal/bootstrap"
	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/config"
	"github.com/cuongbtq/mintqueue/internal/queue"
	"github.com/cuongbtq/mintqueue/internal/worker"
	"github.com/cuongbtq/mintqueue/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
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
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				appLogger.Warn("Failed to close resource", slog.Any("error", err))
			}
		}
	}()

	// Job store
	store, err := bootstrap.OpenStore(ctx, cfg, appLogger.Component("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	closers = append(closers, store.Close)

	// Redis backs the event bus and callback dedup when configured
	redisClient, err := bootstrap.InitRedis(ctx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
	}
	bus := bootstrap.EventBus(redisClient, &cfg.Redis, appLogger.Component("events"))

	// Chain clients; intake validates payloads against them
	registry, err := bootstrap.InitRegistry(ctx, cfg.Chains, appLogger.Component("chain"))
	if err != nil {
		return fmt.Errorf("failed to initialize chain clients: %w", err)
	}

	healthChecks := map[string]handler.HealthCheck{
		"storage": store.HealthCheck,
	}
	if redisClient != nil {
		healthChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	// Terminal callbacks and wake signals
	var wakers queue.Wakers
	var publisher callback.Publisher
	if cfg.RabbitMQ.Enabled() {
		wakeClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Wake, false, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ wake publisher: %w", err)
		}
		closers = append(closers, wakeClient.Close)

		terminalClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Terminal, false, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ terminal publisher: %w", err)
		}
		closers = append(closers, terminalClient.Close)

		wakers = append(wakers, queue.NewAMQPWaker(wakeClient, appLogger.Component("waker")))
		publisher = callback.NewAMQPPublisher(terminalClient)
		healthChecks["rabbitmq"] = rabbitHealth(wakeClient, terminalClient)

		appLogger.Info("RabbitMQ connections established")
	} else {
		publisher = callback.NewReceiverPublisher(inProcessReceiver(redisClient, &cfg.Redis, appLogger.Component("callback")))
	}
	notifier := callback.NewNotifier(publisher, store, appLogger.Component("callback"))

	// Embedded worker shares the store, bus and notifier with the API
	var embedded *worker.Worker
	if cfg.Worker.Embedded {
		embedded = worker.NewWorker(&worker.Config{
			Logger:           appLogger.Component("worker"),
			Store:            store,
			Registry:         registry,
			Bus:              bus,
			Notifier:         notifier,
			WorkerID:         cfg.Worker.ID,
			Chains:           bootstrap.ChainSettings(cfg.Chains),
			LeaseTimeout:     cfg.Queue.LeaseTimeout,
			IdlePollInterval: cfg.Queue.IdlePollInterval,
			Backoff:          bootstrap.Backoff(cfg.Queue.Backoff),
			SweepInterval:    cfg.Queue.CallbackSweepInterval,
		})
		wakers = append(wakers, embedded.Dispatcher())
	}

	coordinator := queue.NewCoordinator(queue.Config{
		MaxAttempts:           cfg.Queue.MaxAttempts,
		SubscribePollInterval: cfg.Queue.SubscribePollInterval,
	}, queue.Dependencies{
		Store:    store,
		Registry: registry,
		Bus:      bus,
		Waker:    wakers,
		Notifier: notifier,
		Logger:   appLogger.Component("queue"),
	})

	if embedded != nil {
		if err := embedded.Start(ctx); err != nil {
			return fmt.Errorf("failed to start embedded worker: %w", err)
		}
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:       appLogger.Component("http"),
		Coordinator:  coordinator,
		HealthChecks: healthChecks,
		ServiceName:  cfg.App.Name,
	})

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

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		stop()
		if embedded != nil {
			embedded.Stop()
		}
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests before stopping the workers they wake
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	stop()
	if embedded != nil {
		embedded.Stop()
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// inProcessReceiver applies terminal callbacks inside this process when no
// broker is configured
func inProcessReceiver(redisClient *goredis.Client, cfg *config.RedisConfig, logger *slog.Logger) *callback.Receiver {
	var dedup callback.Deduper = callback.NewMemoryDeduper()
	if redisClient != nil {
		dedup = callback.NewRedisDeduper(redisClient, cfg.KeyPrefix, cfg.DedupTTL)
	}
	return callback.NewReceiver(dedup, callback.LogHandler(logger), logger)
}

func rabbitHealth(clients ...*rabbitmq.Client) handler.HealthCheck {
	return func(ctx context.Context) error {
		for _, c := range clients {
			if !c.IsConnected() {
				return fmt.Errorf("rabbitmq connection lost")
			}
		}
		return nil
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps)
}
