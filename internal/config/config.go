package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Chains   ChainsConfig   `yaml:"chains"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the job store
type StorageConfig struct {
	// Driver is "postgres" (default) or "memory". The memory store only
	// makes sense when the worker runs embedded in the API process.
	Driver string `yaml:"driver"`
	// Migrate applies the schema at startup
	Migrate bool `yaml:"migrate"`
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
}

// RabbitMQConfig holds the RabbitMQ connection and the two routes the
// queue uses: wake signals to workers and terminal-state callbacks
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Wake       RouteConfig      `yaml:"wake"`
	Terminal   RouteConfig      `yaml:"terminal"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// Enabled reports whether RabbitMQ is configured
func (c RabbitMQConfig) Enabled() bool {
	return c.Host != ""
}

// RouteConfig is one exchange and the queue bound to it
type RouteConfig struct {
	Exchange   ExchangeConfig `yaml:"exchange"`
	Queue      RMQQueueConfig `yaml:"queue"`
	BindingKey string         `yaml:"binding_key"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RMQQueueConfig holds RabbitMQ queue configuration
type RMQQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis settings for the event bus and callback dedup
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`
}

// Enabled reports whether Redis is configured
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// QueueConfig holds job lifecycle settings shared by all chains
type QueueConfig struct {
	MaxAttempts           int           `yaml:"max_attempts"`
	LeaseTimeout          time.Duration `yaml:"lease_timeout"`
	IdlePollInterval      time.Duration `yaml:"idle_poll_interval"`
	Backoff               BackoffConfig `yaml:"backoff"`
	CallbackSweepInterval time.Duration `yaml:"callback_sweep_interval"`
	SubscribePollInterval time.Duration `yaml:"subscribe_poll_interval"`
}

// BackoffConfig configures the delay between transient submit failures
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Cap    time.Duration `yaml:"cap"`
	Jitter float64       `yaml:"jitter"`
}

// ChainsConfig holds per-chain settings
type ChainsConfig struct {
	Ethereum ChainConfig `yaml:"ethereum"`
	Solana   ChainConfig `yaml:"solana"`
}

// Enabled returns the enabled chains keyed by chain
func (c ChainsConfig) Enabled() map[domain.Chain]ChainConfig {
	chains := make(map[domain.Chain]ChainConfig)
	if c.Ethereum.Enabled {
		chains[domain.ChainEthereum] = c.Ethereum
	}
	if c.Solana.Enabled {
		chains[domain.ChainSolana] = c.Solana
	}
	return chains
}

// ChainConfig holds the settings of one chain
type ChainConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RPCURL            string        `yaml:"rpc_url"`
	SignerKeyEnv      string        `yaml:"signer_key_env"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	ConfirmationDepth uint64        `yaml:"confirmation_depth"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	InclusionDeadline time.Duration `yaml:"inclusion_deadline"`

	// Ethereum only; zero gas limit means estimate
	GasLimit uint64 `yaml:"gas_limit"`
	ChainID  int64  `yaml:"chain_id"`

	// Solana only
	Commitment string `yaml:"commitment"`
}

// SignerKey reads the signer key from the configured environment variable
func (c ChainConfig) SignerKey() (string, error) {
	if c.SignerKeyEnv == "" {
		return "", fmt.Errorf("signer_key_env is required")
	}
	key := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is empty", c.SignerKeyEnv)
	}
	return key, nil
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Port serves /metrics for the worker; the API serves it on its own port
	Port int `yaml:"port"`
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

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	// ID prefixes the claim owner of every worker goroutine; empty generates one
	ID              string        `yaml:"id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Embedded runs the worker inside the API process
	Embedded bool `yaml:"embedded"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = StoragePostgres
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.LeaseTimeout == 0 {
		c.Queue.LeaseTimeout = time.Minute
	}
	if c.Queue.IdlePollInterval == 0 {
		c.Queue.IdlePollInterval = time.Second
	}
	if c.Queue.CallbackSweepInterval == 0 {
		c.Queue.CallbackSweepInterval = 30 * time.Second
	}
	if c.Queue.SubscribePollInterval == 0 {
		c.Queue.SubscribePollInterval = 2 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "mintqueue"
	}
	if c.Redis.DedupTTL == 0 {
		c.Redis.DedupTTL = 24 * time.Hour
	}
	if c.Chains.Solana.Commitment == "" {
		c.Chains.Solana.Commitment = "confirmed"
	}
}

// ValidateAPIConfig checks the configuration needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateChains(); err != nil {
		return err
	}

	if c.Storage.Driver == StorageMemory && !c.Worker.Embedded {
		return fmt.Errorf("memory storage requires worker.embedded")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration needed by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Storage.Driver != StoragePostgres {
		return fmt.Errorf("worker service requires postgres storage, got %q", c.Storage.Driver)
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateChains(); err != nil {
		return err
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case StorageMemory:
		return nil
	case StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

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
	if !c.RabbitMQ.Enabled() {
		return nil
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Wake.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq wake exchange name is required")
	}

	if c.RabbitMQ.Terminal.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq terminal exchange name is required")
	}

	return nil
}

func (c *Config) validateQueue() error {
	q := c.Queue
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be greater than 0")
	}
	if q.LeaseTimeout <= 0 {
		return fmt.Errorf("queue lease_timeout must be greater than 0")
	}
	if q.Backoff.Base < 0 || q.Backoff.Cap < 0 {
		return fmt.Errorf("queue backoff durations must not be negative")
	}
	if q.Backoff.Cap > 0 && q.Backoff.Cap < q.Backoff.Base {
		return fmt.Errorf("queue backoff cap must not be less than base")
	}
	if q.Backoff.Jitter < 0 || q.Backoff.Jitter > 1 {
		return fmt.Errorf("queue backoff jitter must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateChains() error {
	enabled := c.Chains.Enabled()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one chain must be enabled")
	}

	for name, chain := range enabled {
		if chain.RPCURL == "" {
			return fmt.Errorf("chains.%s.rpc_url is required", name)
		}
		if chain.SignerKeyEnv == "" {
			return fmt.Errorf("chains.%s.signer_key_env is required", name)
		}
		if chain.MaxConcurrent <= 0 {
			return fmt.Errorf("chains.%s.max_concurrent must be greater than 0", name)
		}
		if chain.ConfirmationDepth == 0 {
			return fmt.Errorf("chains.%s.confirmation_depth must be greater than 0", name)
		}
		if chain.PollInterval <= 0 {
			return fmt.Errorf("chains.%s.poll_interval must be greater than 0", name)
		}
		if chain.SubmitTimeout <= 0 {
			return fmt.Errorf("chains.%s.submit_timeout must be greater than 0", name)
		}
		if chain.PollTimeout <= 0 {
			return fmt.Errorf("chains.%s.poll_timeout must be greater than 0", name)
		}
	}

	if c.Chains.Solana.Enabled {
		switch c.Chains.Solana.Commitment {
		case "processed", "confirmed", "finalized":
		default:
			return fmt.Errorf("invalid solana commitment %q", c.Chains.Solana.Commitment)
		}
	}

	return nil
}
