package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/mintqueue/internal/bootstrap"
	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/chain"
	"github.com/cuongbtq/mintqueue/internal/config"
	"github.com/cuongbtq/mintqueue/internal/queue"
)

// OpenApp connects to the stores and brokers named in the config file.
// Logs always go to stderr so command output stays clean.
func OpenApp(ctx context.Context, configPath string, withChains bool) (app *App, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Driver != config.StoragePostgres {
		return nil, fmt.Errorf("queuectl requires postgres storage, got %q", cfg.Storage.Driver)
	}

	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	appLogger, err := bootstrap.InitLogger(&logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	closers := []func() error{appLogger.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	store, err := bootstrap.OpenStore(ctx, cfg, appLogger.Component("storage"))
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)

	redisClient, err := bootstrap.InitRedis(ctx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
	}

	registry := chain.NewRegistry()
	if withChains {
		if registry, err = bootstrap.InitRegistry(ctx, cfg.Chains, appLogger.Component("chain")); err != nil {
			return nil, err
		}
	}

	var wakers queue.Wakers
	var publisher callback.Publisher
	if cfg.RabbitMQ.Enabled() {
		wakeClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Wake, false, appLogger.Logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, wakeClient.Close)

		terminalClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Terminal, false, appLogger.Logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, terminalClient.Close)

		wakers = append(wakers, queue.NewAMQPWaker(wakeClient, appLogger.Component("waker")))
		publisher = callback.NewAMQPPublisher(terminalClient)
	} else {
		logger := appLogger.Component("callback")
		publisher = callback.NewReceiverPublisher(callback.NewReceiver(callback.NewMemoryDeduper(), callback.LogHandler(logger), logger))
	}

	coordinator := queue.NewCoordinator(queue.Config{
		MaxAttempts:           cfg.Queue.MaxAttempts,
		SubscribePollInterval: cfg.Queue.SubscribePollInterval,
	}, queue.Dependencies{
		Store:    store,
		Registry: registry,
		Bus:      bootstrap.EventBus(redisClient, &cfg.Redis, appLogger.Component("events")),
		Waker:    wakers,
		Notifier: callback.NewNotifier(publisher, store, appLogger.Component("callback")),
		Logger:   appLogger.Component("queue"),
	})

	return &App{
		Config:      cfg,
		Logger:      appLogger.Logger,
		Coordinator: coordinator,
		Close:       closeAll,
	}, nil
}
