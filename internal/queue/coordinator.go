// Package queue is the public entry point of the transaction job queue:
// intake, status, subscriptions and administrative transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/chain"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/events"
	"github.com/cuongbtq/mintqueue/internal/metrics"
	"github.com/cuongbtq/mintqueue/internal/storage"
	"github.com/google/uuid"
)

const (
	// CanceledReason is recorded as last_error on jobs canceled by their submitter
	CanceledReason = "canceled"

	defaultPageSize = 20
	maxPageSize     = 100

	abandonRetries = 3
)

// Config holds coordinator settings
type Config struct {
	MaxAttempts           int
	SubscribePollInterval time.Duration
}

// Dependencies holds everything the coordinator talks to
type Dependencies struct {
	Store    storage.Store
	Registry *chain.Registry
	Bus      events.Bus
	Waker    Waker
	Notifier *callback.Notifier
	Logger   *slog.Logger
}

// Coordinator accepts jobs and answers status queries. It never talks to a
// chain except through ChainClient.Validate.
type Coordinator struct {
	store    storage.Store
	registry *chain.Registry
	bus      events.Bus
	waker    Waker
	notifier *callback.Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator creates a coordinator
func NewCoordinator(cfg Config, deps Dependencies) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SubscribePollInterval <= 0 {
		cfg.SubscribePollInterval = 2 * time.Second
	}
	if deps.Bus == nil {
		deps.Bus = events.NewMemoryBus()
	}
	if deps.Waker == nil {
		deps.Waker = Wakers{}
	}

	return &Coordinator{
		store:    deps.Store,
		registry: deps.Registry,
		bus:      deps.Bus,
		waker:    deps.Waker,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// Submit enqueues a job. A live job with the same idempotency key is returned
// unchanged whatever chain and payload are given.
func (c *Coordinator) Submit(ctx context.Context, idempotencyKey string, chainName domain.Chain, payload domain.Payload) (domain.JobHandle, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return domain.JobHandle{}, fmt.Errorf("%w: idempotency_key is required", domain.ErrInvalidPayload)
	}

	existing, err := c.store.GetByIdempotencyKey(ctx, idempotencyKey)
	switch {
	case err == nil:
		metrics.RecordJobSubmitted(existing.Chain, true)
		c.logger.Info("Duplicate submission, returning existing job",
			slog.String("idempotency_key", idempotencyKey),
			slog.String("job_id", existing.ID),
			slog.String("state", string(existing.State)),
		)
		return domain.JobHandle{JobID: existing.ID, State: existing.State, Existing: true}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.JobHandle{}, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	client, err := c.registry.Get(chainName)
	if err != nil {
		return domain.JobHandle{}, err
	}
	if err := client.Validate(payload); err != nil {
		return domain.JobHandle{}, err
	}

	now := c.now()
	job := &domain.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Chain:          chainName,
		Payload:        payload,
		State:          domain.StatePending,
		MaxAttempts:    c.cfg.MaxAttempts,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := c.store.Create(ctx, job)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.RecordJobSubmitted(stored.Chain, !created)
	if !created {
		// Lost an insert race on the key
		return domain.JobHandle{JobID: stored.ID, State: stored.State, Existing: true}, nil
	}

	c.logger.Info("Job submitted",
		slog.String("job_id", stored.ID),
		slog.String("idempotency_key", idempotencyKey),
		slog.String("chain", string(chainName)),
		slog.String("operation", string(payload.Operation)),
	)

	c.publish(ctx, stored)
	c.waker.Wake(ctx, domain.WakeMessage{JobID: stored.ID, Chain: stored.Chain})

	return domain.JobHandle{JobID: stored.ID, State: stored.State}, nil
}

// GetStatus returns a snapshot of the job
func (c *Coordinator) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	return c.store.Get(ctx, jobID)
}

// ListResult is one page of jobs
type ListResult struct {
	Jobs       []*domain.Job
	NextCursor string
}

// ListFilter selects jobs for List
type ListFilter struct {
	Chain    domain.Chain
	State    domain.State
	PageSize int
	Cursor   string
}

// List returns jobs newest first with an opaque cursor for the next page
func (c *Coordinator) List(ctx context.Context, filter ListFilter) (ListResult, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	cursor, err := DecodeCursor(filter.Cursor)
	if err != nil {
		return ListResult{}, err
	}

	jobs, err := c.store.List(ctx, storage.JobFilter{
		Chain:    filter.Chain,
		State:    filter.State,
		PageSize: pageSize,
		Cursor:   cursor,
	})
	if err != nil {
		return ListResult{}, err
	}

	var result ListResult
	if len(jobs) > pageSize {
		jobs = jobs[:pageSize]
		last := jobs[len(jobs)-1]
		result.NextCursor = EncodeCursor(storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}
	result.Jobs = jobs
	return result, nil
}

// Cancel abandons a job that is still pending and not held by a worker
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != domain.StatePending {
		return nil, fmt.Errorf("%w: job is %s", domain.ErrNotCancelable, job.State)
	}

	ok, err := c.store.Transition(ctx, jobID, domain.StatePending, domain.StateAbandoned, storage.Update{
		Now:              c.now(),
		RequireUnclaimed: true,
		LastError:        storage.String(CanceledReason),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job is being submitted", domain.ErrNotCancelable)
	}

	c.logger.Info("Job canceled", slog.String("job_id", jobID))
	return c.finalize(ctx, jobID, "cancel")
}

// Abandon moves a non-terminal job to abandoned regardless of claims
func (c *Coordinator) Abandon(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "abandoned by administrator"
	}

	for i := 0; i < abandonRetries; i++ {
		job, err := c.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State.IsTerminal() {
			return nil, fmt.Errorf("%w: job is already %s", domain.ErrInvalidTransition, job.State)
		}

		ok, err := c.store.Transition(ctx, jobID, job.State, domain.StateAbandoned, storage.Update{
			Now:       c.now(),
			LastError: storage.String(reason),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to abandon job: %w", err)
		}
		if ok {
			c.logger.Warn("Job abandoned",
				slog.String("job_id", jobID),
				slog.String("from", string(job.State)),
				slog.String("reason", reason),
			)
			return c.finalize(ctx, jobID, "admin")
		}
		// State moved under us; re-read and try again
	}
	return nil, fmt.Errorf("failed to abandon job %s: state kept changing", jobID)
}

func (c *Coordinator) finalize(ctx context.Context, jobID, source string) (*domain.Job, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	metrics.RecordTerminal(job.Chain, job.State)
	c.publish(ctx, job)
	if c.notifier != nil {
		// Delivery failures are retried by the sweeper
		_ = c.notifier.Notify(ctx, job, source)
	}
	return job, nil
}

func (c *Coordinator) publish(ctx context.Context, job *domain.Job) {
	if err := c.bus.Publish(ctx, domain.EventFromJob(job)); err != nil {
		c.logger.Warn("Failed to publish job event",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}
