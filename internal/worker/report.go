package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/events"
	"github.com/cuongbtq/mintqueue/internal/metrics"
	"github.com/cuongbtq/mintqueue/internal/storage"
)

// reporter announces applied transitions: a bus event for every change, and
// the terminal callback for the transition that finalized the job
type reporter struct {
	store    storage.Store
	bus      events.Bus
	notifier *callback.Notifier
	logger   *slog.Logger
}

func (r *reporter) changed(ctx context.Context, jobID, source string) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		r.logger.Warn("Failed to reload job after transition",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	if r.bus != nil {
		if err := r.bus.Publish(ctx, domain.EventFromJob(job)); err != nil {
			r.logger.Warn("Failed to publish job event",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	if !job.State.IsTerminal() {
		return
	}

	metrics.RecordTerminal(job.Chain, job.State)
	if r.notifier != nil {
		// Delivery failures are picked up by the sweeper
		_ = r.notifier.Notify(ctx, job, source)
	}
}

// errorReason strips the transient/fatal classification from err
func errorReason(err error) string {
	var fatal *domain.FatalError
	if errors.As(err, &fatal) {
		return fatal.Err.Error()
	}
	var transient *domain.TransientError
	if errors.As(err, &transient) {
		return transient.Err.Error()
	}
	return err.Error()
}
