package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/metrics"
	"github.com/cuongbtq/mintqueue/internal/storage"
)

// ProcessNext claims the next eligible job of the chain as workerName and
// submits it. It reports whether a job was claimed.
func (d *Dispatcher) ProcessNext(ctx context.Context, c domain.Chain, workerName string) (bool, error) {
	now := d.now()
	job, err := d.store.ClaimNext(ctx, c, workerName, now.Add(d.cfg.LeaseTimeout), now)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	d.processJob(ctx, job, workerName)
	return true, nil
}

// processJob performs one submission attempt for a claimed job and records
// the outcome. Store writes after the submission use a context detached from
// shutdown so an attempt that reached the chain is never left unrecorded.
func (d *Dispatcher) processJob(ctx context.Context, job *domain.Job, workerName string) {
	logger := d.logger.With(
		slog.String("job_id", job.ID),
		slog.String("chain", string(job.Chain)),
		slog.String("worker_name", workerName),
	)
	writeCtx := context.WithoutCancel(ctx)

	client, err := d.registry.Get(job.Chain)
	if err != nil {
		logger.Error("No chain client for claimed job", slog.Any("error", err))
		d.transition(writeCtx, logger, job, domain.StateFailed, storage.Update{
			Owner:     workerName,
			LastError: storage.String(err.Error()),
		})
		return
	}

	settings := d.settings(job.Chain)
	attempt := job.Attempts + 1

	logger.Info("Submitting job",
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("operation", string(job.Payload.Operation)),
	)

	submitCtx, cancel := context.WithTimeout(ctx, settings.SubmitTimeout)
	leaseDone := make(chan struct{})
	go d.renewLease(submitCtx, cancel, job.ID, workerName, leaseDone)

	start := d.now()
	ref, err := client.BuildAndSubmit(submitCtx, job.Payload)
	took := d.now().Sub(start)

	close(leaseDone)
	cancel()

	switch {
	case err == nil:
		metrics.RecordSubmitAttempt(job.Chain, "success", took)
		now := d.now()
		applied := d.transition(writeCtx, logger, job, domain.StateSubmitted, storage.Update{
			Owner:       workerName,
			Attempts:    storage.Int(attempt),
			ChainTxRef:  storage.String(ref),
			SubmittedAt: storage.Time(now),
		})
		if applied {
			logger.Info("Job submitted to chain",
				slog.String("chain_tx_ref", ref),
				slog.Duration("took", took),
			)
		} else {
			logger.Error("Submitted transaction could not be recorded",
				slog.String("chain_tx_ref", ref),
			)
		}

	case domain.IsFatal(err):
		metrics.RecordSubmitAttempt(job.Chain, "fatal", took)
		logger.Warn("Submission failed permanently", slog.Any("error", err))
		d.transition(writeCtx, logger, job, domain.StateFailed, storage.Update{
			Owner:     workerName,
			Attempts:  storage.Int(attempt),
			LastError: storage.String(errorReason(err)),
		})

	default:
		// Transient and unclassified errors are retried until the attempt cap
		metrics.RecordSubmitAttempt(job.Chain, "transient", took)
		if attempt >= job.MaxAttempts {
			logger.Warn("Submission attempts exhausted", slog.Any("error", err))
			d.transition(writeCtx, logger, job, domain.StateFailed, storage.Update{
				Owner:     workerName,
				Attempts:  storage.Int(attempt),
				LastError: storage.String(errorReason(err)),
			})
			return
		}

		delay := d.cfg.Backoff.Delay(attempt, d.rand)
		logger.Info("Submission failed, job rescheduled",
			slog.Any("error", err),
			slog.Duration("retry_after", delay),
		)
		d.transition(writeCtx, logger, job, domain.StatePending, storage.Update{
			Owner:     workerName,
			Attempts:  storage.Int(attempt),
			LastError: storage.String(errorReason(err)),
			NotBefore: storage.Time(d.now().Add(delay)),
		})
	}
}

// transition applies a claim-guarded transition from pending and reports it.
// A lost claim makes the transition a no-op.
func (d *Dispatcher) transition(ctx context.Context, logger *slog.Logger, job *domain.Job, next domain.State, update storage.Update) bool {
	update.Now = d.now()

	applied, err := d.store.Transition(ctx, job.ID, domain.StatePending, next, update)
	if err != nil {
		logger.Error("Failed to update job state",
			slog.String("to", string(next)),
			slog.Any("error", err),
		)
		return false
	}
	if !applied {
		logger.Warn("Job transition skipped",
			slog.String("to", string(next)),
			slog.Any("error", domain.ErrLeaseExpired),
		)
		return false
	}

	d.report.changed(ctx, job.ID, "dispatcher")
	return true
}

// renewLease extends the claim while a submission is in flight. If the lease
// is lost the submission is canceled so another worker's claim is not raced.
func (d *Dispatcher) renewLease(ctx context.Context, cancel context.CancelFunc, jobID, workerName string, done <-chan struct{}) {
	interval := d.cfg.LeaseTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := d.store.ExtendLease(ctx, jobID, workerName, d.now().Add(d.cfg.LeaseTimeout))
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				d.logger.Warn("Failed to extend lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
				continue
			}
			if !ok {
				d.logger.Warn("Lease lost during submission, canceling",
					slog.String("job_id", jobID),
					slog.String("worker_name", workerName),
				)
				cancel()
				return
			}
		}
	}
}
