package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// Subscription streams the state changes of one job. The first event is the
// job's current state; the channel closes after a terminal state is sent or
// when the subscription is closed.
type Subscription struct {
	Events <-chan domain.JobEvent

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the subscription and waits for its goroutine to exit
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

type eventKey struct {
	state     domain.State
	attempts  int
	txRef     string
	lastError string
}

func keyOf(job *domain.Job) eventKey {
	return eventKey{
		state:     job.State,
		attempts:  job.Attempts,
		txRef:     job.ChainTxRef,
		lastError: job.LastError,
	}
}

// Subscribe watches jobID. Bus notifications trigger a store re-read and a
// periodic re-read covers lost notifications, so emitted events always
// reflect stored state. Subscribing again restarts from the current state.
func (c *Coordinator) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	if _, err := c.store.Get(ctx, jobID); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	notifications, stop, err := c.bus.Subscribe(subCtx, jobID)
	if err != nil {
		c.logger.Warn("Event bus unavailable, subscription falls back to polling",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		notifications = nil
		stop = func() {}
	}

	out := make(chan domain.JobEvent, 8)
	sub := &Subscription{
		Events: out,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(out)
		defer stop()
		defer cancel()

		ticker := time.NewTicker(c.cfg.SubscribePollInterval)
		defer ticker.Stop()

		var (
			last    eventKey
			emitted bool
		)

		// emit re-reads the job and sends an event if it changed; it reports
		// whether the subscription should end
		emit := func() bool {
			job, err := c.store.Get(subCtx, jobID)
			if err != nil {
				if subCtx.Err() == nil {
					c.logger.Warn("Subscription failed to read job",
						slog.String("job_id", jobID),
						slog.Any("error", err),
					)
				}
				return subCtx.Err() != nil
			}

			key := keyOf(job)
			if emitted && key == last {
				return false
			}

			select {
			case out <- domain.EventFromJob(job):
			case <-subCtx.Done():
				return true
			}
			last, emitted = key, true
			return job.State.IsTerminal()
		}

		if emit() {
			return
		}

		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					notifications = nil
					continue
				}
				if emit() {
					return
				}
			case <-ticker.C:
				if emit() {
					return
				}
			}
		}
	}()

	return sub, nil
}
