package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/chain"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/events"
	"github.com/cuongbtq/mintqueue/internal/storage"
)

// ChainSettings are the per-chain knobs of the dispatcher and tracker
type ChainSettings struct {
	MaxConcurrent     int
	ConfirmationDepth uint64
	PollInterval      time.Duration
	SubmitTimeout     time.Duration
	PollTimeout       time.Duration
	// InclusionDeadline bounds how long a submitted transaction may stay
	// unconfirmed before it is retried; zero disables the deadline
	InclusionDeadline time.Duration
}

// DefaultChainSettings are used for registered chains without explicit settings
var DefaultChainSettings = ChainSettings{
	MaxConcurrent:     2,
	ConfirmationDepth: 1,
	PollInterval:      5 * time.Second,
	SubmitTimeout:     30 * time.Second,
	PollTimeout:       10 * time.Second,
	InclusionDeadline: 10 * time.Minute,
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	WorkerID         string
	Chains           map[domain.Chain]ChainSettings
	LeaseTimeout     time.Duration
	IdlePollInterval time.Duration
	Backoff          Backoff
}

// Dispatcher runs per-chain pools that claim pending jobs and submit them
type Dispatcher struct {
	store    storage.Store
	registry *chain.Registry
	report   *reporter
	cfg      DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time
	rand     func() float64

	mu    sync.Mutex
	wakes map[domain.Chain]chan struct{}
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig, store storage.Store, registry *chain.Registry, bus events.Bus, notifier *callback.Notifier, logger *slog.Logger) *Dispatcher {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = time.Minute
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = time.Second
	}

	return &Dispatcher{
		store:    store,
		registry: registry,
		report: &reporter{
			store:    store,
			bus:      bus,
			notifier: notifier,
			logger:   logger,
		},
		cfg:    cfg,
		logger: logger.With(slog.String("component", "dispatcher")),
		now:    time.Now,
		wakes:  make(map[domain.Chain]chan struct{}),
	}
}

func (d *Dispatcher) settings(c domain.Chain) ChainSettings {
	if s, ok := d.cfg.Chains[c]; ok {
		return s
	}
	return DefaultChainSettings
}

func (d *Dispatcher) wakeChan(c domain.Chain) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := d.wakes[c]
	if !ok {
		size := d.settings(c).MaxConcurrent
		if size < 1 {
			size = 1
		}
		ch = make(chan struct{}, size)
		d.wakes[c] = ch
	}
	return ch
}

// Wake nudges one idle worker of the chain. It never blocks.
func (d *Dispatcher) Wake(ctx context.Context, msg domain.WakeMessage) {
	select {
	case d.wakeChan(msg.Chain) <- struct{}{}:
	default:
	}
}

// Start spawns a worker pool for every registered chain
func (d *Dispatcher) Start(ctx context.Context) {
	for _, c := range d.registry.Chains() {
		d.spawnWorkerPool(ctx, c)
	}
}

// Wait blocks until all pool goroutines have exited
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
