package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/chain"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/events"
	"github.com/cuongbtq/mintqueue/internal/storage"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// WakeSource yields "job available" deliveries. NotifyClose reports a
// broker-side close; Reconnect dials again before the next Consume.
type WakeSource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	NotifyClose() <-chan *amqp.Error
	Reconnect() error
}

// Config holds worker service configuration
type Config struct {
	Logger   *slog.Logger
	Store    storage.Store
	Registry *chain.Registry
	Bus      events.Bus
	Notifier *callback.Notifier
	// WakeSource is optional; without it workers rely on the idle poll
	WakeSource WakeSource

	WorkerID         string
	Chains           map[domain.Chain]ChainSettings
	LeaseTimeout     time.Duration
	IdlePollInterval time.Duration
	Backoff          Backoff
	// SweepInterval enables the callback sweeper when positive
	SweepInterval time.Duration
	// WakeReconnectInterval is the pause between wake consumer reconnects
	WakeReconnectInterval time.Duration
}

// Worker runs the dispatcher pools, the confirmation trackers and the
// callback sweeper of one process
type Worker struct {
	logger     *slog.Logger
	workerID   string
	dispatcher *Dispatcher
	tracker    *Tracker
	sweeper    *callback.Sweeper
	wakeSource WakeSource
	registry   *chain.Registry
	// reconnectEvery spaces out wake source reconnect attempts
	reconnectEvery time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	dispatcher := NewDispatcher(DispatcherConfig{
		WorkerID:         workerID,
		Chains:           cfg.Chains,
		LeaseTimeout:     cfg.LeaseTimeout,
		IdlePollInterval: cfg.IdlePollInterval,
		Backoff:          cfg.Backoff,
	}, cfg.Store, cfg.Registry, cfg.Bus, cfg.Notifier, cfg.Logger)

	w := &Worker{
		logger:     cfg.Logger.With(slog.String("worker_id", workerID)),
		workerID:   workerID,
		dispatcher: dispatcher,
		tracker:    NewTracker(cfg.Chains, cfg.Store, cfg.Registry, cfg.Bus, cfg.Notifier, dispatcher.Wake, cfg.Logger),
		wakeSource:     cfg.WakeSource,
		registry:       cfg.Registry,
		reconnectEvery: cfg.WakeReconnectInterval,
	}
	if w.reconnectEvery <= 0 {
		w.reconnectEvery = 5 * time.Second
	}
	if cfg.SweepInterval > 0 && cfg.Notifier != nil {
		w.sweeper = callback.NewSweeper(cfg.Store, cfg.Notifier, cfg.SweepInterval, cfg.Logger)
	}
	return w
}

// Dispatcher returns the dispatcher so in-process submitters can wake it
func (w *Worker) Dispatcher() *Dispatcher {
	return w.dispatcher
}

// Start launches all background loops. It returns once they are running.
func (w *Worker) Start(ctx context.Context) error {
	chains := w.registry.Chains()
	if len(chains) == 0 {
		return fmt.Errorf("no chain clients registered")
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info("Starting worker",
		slog.Any("chains", chains),
		slog.Bool("wake_consumer", w.wakeSource != nil),
		slog.Bool("callback_sweeper", w.sweeper != nil),
	)

	if w.wakeSource != nil {
		deliveries, err := w.wakeSource.Consume(w.workerID)
		if err != nil {
			w.cancel()
			return fmt.Errorf("failed to start consuming wakes: %w", err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runWakes(ctx, deliveries)
		}()
	}

	w.dispatcher.Start(ctx)

	for _, c := range chains {
		w.wg.Add(1)
		go func(c domain.Chain) {
			defer w.wg.Done()
			w.tracker.Run(ctx, c)
		}(c)
	}

	if w.sweeper != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.sweeper.Run(ctx)
		}()
	}

	return nil
}

// Stop gracefully stops the worker, waiting for in-flight submissions
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	if w.cancel != nil {
		w.cancel()
	}
	w.dispatcher.Wait()
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
