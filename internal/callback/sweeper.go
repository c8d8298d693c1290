package callback

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/mintqueue/internal/storage"
)

const sweepBatch = 100

// Sweeper republishes terminal callbacks that were never recorded as delivered,
// e.g. because the worker crashed between the transition and the publish
type Sweeper struct {
	store    storage.Store
	notifier *Notifier
	interval time.Duration
	// grace leaves fresh terminal jobs to the component that finalized them
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(store storage.Store, notifier *Notifier, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		notifier: notifier,
		interval: interval,
		grace:    interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Callback sweeper started", slog.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Callback sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Callback sweep failed", slog.Any("error", err))
			}
		}
	}
}

// SweepOnce redelivers one batch and returns how many callbacks were delivered
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	jobs, err := s.store.ListUndelivered(ctx, s.now().Add(-s.grace), sweepBatch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, job := range jobs {
		if err := s.notifier.Notify(ctx, job, "sweeper"); err != nil {
			continue
		}
		delivered++
	}

	if len(jobs) > 0 {
		s.logger.Info("Redelivered terminal callbacks",
			slog.Int("found", len(jobs)),
			slog.Int("delivered", delivered),
		)
	}
	return delivered, nil
}
