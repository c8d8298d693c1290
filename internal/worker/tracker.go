package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/chain"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/events"
	"github.com/cuongbtq/mintqueue/internal/metrics"
	"github.com/cuongbtq/mintqueue/internal/storage"
)

const (
	trackerBatchSize = 500

	reasonDropped  = "transaction dropped or replaced"
	reasonDeadline = "transaction not included before deadline"
)

// Tracker polls chains for the status of submitted transactions and drives
// jobs to confirmed, failed or back to pending for re-submission
type Tracker struct {
	store    storage.Store
	registry *chain.Registry
	report   *reporter
	waker    func(ctx context.Context, msg domain.WakeMessage)
	chains   map[domain.Chain]ChainSettings
	logger   *slog.Logger
	now      func() time.Time
}

// NewTracker creates a tracker. wake is called when a job is routed back to
// pending and may be nil.
func NewTracker(chains map[domain.Chain]ChainSettings, store storage.Store, registry *chain.Registry, bus events.Bus, notifier *callback.Notifier, wake func(context.Context, domain.WakeMessage), logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		registry: registry,
		report: &reporter{
			store:    store,
			bus:      bus,
			notifier: notifier,
			logger:   logger,
		},
		waker:  wake,
		chains: chains,
		logger: logger.With(slog.String("component", "tracker")),
		now:    time.Now,
	}
}

func (t *Tracker) settings(c domain.Chain) ChainSettings {
	if s, ok := t.chains[c]; ok {
		return s
	}
	return DefaultChainSettings
}

// Run polls the chain every PollInterval until ctx is done
func (t *Tracker) Run(ctx context.Context, c domain.Chain) {
	interval := t.settings(c).PollInterval
	if interval <= 0 {
		interval = DefaultChainSettings.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("Confirmation tracker started",
		slog.String("chain", string(c)),
		slog.Duration("poll_interval", interval),
	)

	for {
		if err := t.PollOnce(ctx, c); err != nil && ctx.Err() == nil {
			t.logger.Error("Confirmation poll failed",
				slog.String("chain", string(c)),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			t.logger.Info("Confirmation tracker stopped", slog.String("chain", string(c)))
			return
		case <-ticker.C:
		}
	}
}

// PollOnce checks every in-flight job of the chain once
func (t *Tracker) PollOnce(ctx context.Context, c domain.Chain) error {
	client, err := t.registry.Get(c)
	if err != nil {
		return err
	}

	jobs, err := t.store.ListInFlight(ctx, c, trackerBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list in-flight jobs: %w", err)
	}
	metrics.SetInFlight(c, len(jobs))
	if len(jobs) == 0 {
		return nil
	}

	settings := t.settings(c)
	limit := settings.MaxConcurrent
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			t.check(gctx, client, settings, job)
			return nil
		})
	}
	return g.Wait()
}

func (t *Tracker) check(ctx context.Context, client chain.Client, settings ChainSettings, job *domain.Job) {
	logger := t.logger.With(
		slog.String("job_id", job.ID),
		slog.String("chain", string(job.Chain)),
		slog.String("chain_tx_ref", job.ChainTxRef),
	)

	queryCtx, cancel := context.WithTimeout(ctx, settings.PollTimeout)
	status, err := client.QueryStatus(queryCtx, job.ChainTxRef)
	cancel()
	if err != nil {
		metrics.RecordStatusPoll(job.Chain, "error")
		logger.Warn("Failed to query transaction status", slog.Any("error", err))
		return
	}
	metrics.RecordStatusPoll(job.Chain, string(status.Kind))

	writeCtx := context.WithoutCancel(ctx)
	overdue := t.overdue(job, settings)

	switch status.Kind {
	case domain.TxPending:
		if overdue {
			t.retry(writeCtx, logger, job, reasonDeadline)
			return
		}
		if job.State == domain.StateSubmitted {
			t.transition(writeCtx, logger, job, domain.StateSubmitted, domain.StateConfirming, storage.Update{})
		}

	case domain.TxIncluded:
		from := job.State
		if from == domain.StateSubmitted {
			if !t.transition(writeCtx, logger, job, domain.StateSubmitted, domain.StateConfirming, storage.Update{}) {
				return
			}
			from = domain.StateConfirming
		}
		if status.Depth >= settings.ConfirmationDepth {
			if t.transition(writeCtx, logger, job, from, domain.StateConfirmed, storage.Update{}) {
				logger.Info("Transaction confirmed", slog.Uint64("depth", status.Depth))
			}
			return
		}
		logger.Debug("Waiting for confirmations",
			slog.Uint64("depth", status.Depth),
			slog.Uint64("required", settings.ConfirmationDepth),
		)

	case domain.TxRejected:
		logger.Warn("Transaction rejected by chain", slog.String("reason", status.Reason))
		t.transition(writeCtx, logger, job, job.State, domain.StateFailed, storage.Update{
			LastError: storage.String(status.Reason),
		})

	case domain.TxNotFound:
		switch {
		case job.State == domain.StateConfirming:
			t.retry(writeCtx, logger, job, reasonDropped)
		case overdue:
			t.retry(writeCtx, logger, job, reasonDeadline)
		}
	}
}

func (t *Tracker) overdue(job *domain.Job, settings ChainSettings) bool {
	if settings.InclusionDeadline <= 0 || job.SubmittedAt == nil {
		return false
	}
	return t.now().Sub(*job.SubmittedAt) > settings.InclusionDeadline
}

// retry routes an in-flight job back to pending for re-submission, or fails
// it once the attempt budget is spent. Attempts are left unchanged.
func (t *Tracker) retry(ctx context.Context, logger *slog.Logger, job *domain.Job, reason string) {
	if job.Attempts >= job.MaxAttempts {
		logger.Warn("Re-submission attempts exhausted", slog.String("reason", reason))
		t.transition(ctx, logger, job, job.State, domain.StateFailed, storage.Update{
			LastError: storage.String("re-submission attempts exhausted: " + reason),
		})
		return
	}

	logger.Info("Routing job back for re-submission", slog.String("reason", reason))
	applied := t.transition(ctx, logger, job, job.State, domain.StatePending, storage.Update{
		LastError: storage.String(reason),
		NotBefore: storage.Time(t.now()),
	})
	if applied && t.waker != nil {
		t.waker(ctx, domain.WakeMessage{JobID: job.ID, Chain: job.Chain})
	}
}

func (t *Tracker) transition(ctx context.Context, logger *slog.Logger, job *domain.Job, from, to domain.State, update storage.Update) bool {
	update.Now = t.now()

	applied, err := t.store.Transition(ctx, job.ID, from, to, update)
	if err != nil {
		logger.Error("Failed to update job state",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Any("error", err),
		)
		return false
	}
	if !applied {
		logger.Debug("Job changed concurrently, transition skipped",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return false
	}

	t.report.changed(ctx, job.ID, "tracker")
	return true
}
