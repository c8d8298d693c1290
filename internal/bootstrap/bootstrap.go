// Package bootstrap turns configuration into the clients and components
// shared by the api-service, worker-service and queuectl binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/cuongbtq/mintqueue/internal/chain"
	"github.com/cuongbtq/mintqueue/internal/chain/ethereum"
	"github.com/cuongbtq/mintqueue/internal/chain/solana"
	"github.com/cuongbtq/mintqueue/internal/config"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/events"
	"github.com/cuongbtq/mintqueue/internal/storage"
	"github.com/cuongbtq/mintqueue/internal/worker"
	"github.com/cuongbtq/mintqueue/shared/logger"
	"github.com/cuongbtq/mintqueue/shared/postgresql"
	"github.com/cuongbtq/mintqueue/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/mintqueue/shared/redis"
	"github.com/gagliardetto/solana-go/rpc"
	goredis "github.com/redis/go-redis/v9"
)

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

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
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
		ConnectRetries:  3,
		RetryInterval:   2 * time.Second,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// InitRedis connects to Redis, or returns nil when Redis is not configured
func InitRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*goredis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	return sharedredis.NewClient(ctx, &sharedredis.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, logger)
}

// InitRabbitMQ opens a client for one route. Without consume the queue is
// not declared and the client only publishes.
func InitRabbitMQ(cfg *config.RabbitMQConfig, route config.RouteConfig, consume bool, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       route.Exchange.Name,
		ExchangeType:       route.Exchange.Type,
		ExchangeDurable:    route.Exchange.Durable,
		ExchangeAutoDelete: route.Exchange.AutoDelete,
		BindingKey:         route.BindingKey,
		Prefetch:           cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
	if consume {
		rabbitConfig.QueueName = route.Queue.Name
		rabbitConfig.QueueDurable = route.Queue.Durable
		rabbitConfig.QueueAutoDelete = route.Queue.AutoDelete
		rabbitConfig.QueueExclusive = route.Queue.Exclusive
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// InitRegistry dials a chain client for every enabled chain. Signer keys are
// read from the environment variables the chain configs name.
func InitRegistry(ctx context.Context, chains config.ChainsConfig, logger *slog.Logger) (*chain.Registry, error) {
	registry := chain.NewRegistry()

	for name, cc := range chains.Enabled() {
		key, err := cc.SignerKey()
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", name, err)
		}

		var client chain.Client
		switch name {
		case domain.ChainEthereum:
			opts := ethereum.Options{GasLimit: cc.GasLimit}
			if cc.ChainID > 0 {
				opts.ChainID = big.NewInt(cc.ChainID)
			}
			client, err = ethereum.Dial(ctx, cc.RPCURL, key, opts, logger)
		case domain.ChainSolana:
			client, err = solana.Dial(cc.RPCURL, key, solana.Options{
				Commitment: rpc.CommitmentType(cc.Commitment),
			}, logger)
		default:
			err = fmt.Errorf("%w: %s", domain.ErrUnsupportedChain, name)
		}
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", name, err)
		}

		registry.Register(client)
		logger.Info("Chain client ready",
			slog.String("chain", string(name)),
			slog.String("rpc_url", cc.RPCURL),
		)
	}

	return registry, nil
}

// ChainSettings converts the enabled chain configs into worker settings,
// falling back to worker defaults for unset values
func ChainSettings(chains config.ChainsConfig) map[domain.Chain]worker.ChainSettings {
	out := make(map[domain.Chain]worker.ChainSettings)
	for name, cc := range chains.Enabled() {
		s := worker.DefaultChainSettings
		if cc.MaxConcurrent > 0 {
			s.MaxConcurrent = cc.MaxConcurrent
		}
		if cc.ConfirmationDepth > 0 {
			s.ConfirmationDepth = cc.ConfirmationDepth
		}
		if cc.PollInterval > 0 {
			s.PollInterval = cc.PollInterval
		}
		if cc.SubmitTimeout > 0 {
			s.SubmitTimeout = cc.SubmitTimeout
		}
		if cc.PollTimeout > 0 {
			s.PollTimeout = cc.PollTimeout
		}
		if cc.InclusionDeadline > 0 {
			s.InclusionDeadline = cc.InclusionDeadline
		}
		out[name] = s
	}
	return out
}

// Backoff converts the backoff config
func Backoff(cfg config.BackoffConfig) worker.Backoff {
	return worker.Backoff{
		Base:   cfg.Base,
		Cap:    cfg.Cap,
		Jitter: cfg.Jitter,
	}
}

// Store is an opened job store and the resources behind it
type Store struct {
	storage.Store
	// DB is nil for the memory store
	DB     *postgresql.Client
	logger *slog.Logger
}

// Close logs the final pool statistics and releases the database
// connection, if any
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	s.logger.Info("Closing job store", s.DB.Stats())
	return s.DB.Close()
}

// HealthCheck pings the database; the memory store is always healthy
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.HealthCheck(ctx)
}

// OpenStore opens the configured job store, applying migrations when asked
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		logger.Warn("Using in-memory job store; jobs are lost on restart")
		return &Store{Store: storage.NewMemory()}, nil
	}

	dbClient, err := InitPostgreSQL(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	pg := storage.NewPostgres(dbClient.GetDB(), logger)
	if cfg.Storage.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			dbClient.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		logger.Info("Database schema up to date")
	}

	return &Store{Store: pg, DB: dbClient, logger: logger}, nil
}

// EventBus returns a Redis-backed bus when a client is given, otherwise an
// in-process bus
func EventBus(client *goredis.Client, cfg *config.RedisConfig, logger *slog.Logger) events.Bus {
	if client == nil {
		return events.NewMemoryBus()
	}
	return events.NewRedisBus(client, cfg.KeyPrefix, logger)
}
