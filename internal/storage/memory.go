package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// Memory is an in-process Store used by tests and local development.
// A single mutex serializes all operations, which gives Claim and Transition
// the same atomicity as the conditional updates of the Postgres store.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job)}
}

func (m *Memory) Create(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.byKeyLocked(job.IdempotencyKey); existing != nil {
		return existing.Clone(), false, nil
	}
	if _, ok := m.jobs[job.ID]; ok {
		return nil, false, fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}

	stored := job.Clone()
	m.jobs[stored.ID] = stored
	return stored.Clone(), true, nil
}

func (m *Memory) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.byKeyLocked(key)
	if job == nil {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) byKeyLocked(key string) *domain.Job {
	for _, job := range m.jobs {
		if job.IdempotencyKey == key && job.State != domain.StateAbandoned {
			return job
		}
	}
	return nil
}

func (m *Memory) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*domain.Job
	for _, job := range m.jobs {
		if filter.Chain != "" && job.Chain != filter.Chain {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if c := filter.Cursor; c != nil {
			if job.CreatedAt.After(c.CreatedAt) || (job.CreatedAt.Equal(c.CreatedAt) && job.ID >= c.JobID) {
				continue
			}
		}
		jobs = append(jobs, job.Clone())
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (m *Memory) Claim(ctx context.Context, jobID, workerID string, leaseExpiry, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || !job.Claimable(now) {
		return false, nil
	}
	m.claimLocked(job, workerID, leaseExpiry, now)
	return true, nil
}

func (m *Memory) ClaimNext(ctx context.Context, chain domain.Chain, workerID string, leaseExpiry, now time.Time) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *domain.Job
	for _, job := range m.jobs {
		if job.Chain != chain || !job.Claimable(now) {
			continue
		}
		if next == nil || job.NotBefore.Before(next.NotBefore) ||
			(job.NotBefore.Equal(next.NotBefore) && job.CreatedAt.Before(next.CreatedAt)) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	m.claimLocked(next, workerID, leaseExpiry, now)
	return next.Clone(), nil
}

func (m *Memory) claimLocked(job *domain.Job, workerID string, leaseExpiry, now time.Time) {
	job.ClaimedBy = workerID
	job.LeaseExpiresAt = &leaseExpiry
	job.UpdatedAt = now
}

func (m *Memory) ExtendLease(ctx context.Context, jobID, workerID string, leaseExpiry time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.State != domain.StatePending || job.ClaimedBy != workerID {
		return false, nil
	}
	job.LeaseExpiresAt = &leaseExpiry
	return true, nil
}

func (m *Memory) Transition(ctx context.Context, jobID string, expected, next domain.State, update Update) (bool, error) {
	if !domain.CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.State != expected {
		return false, nil
	}
	if update.Owner != "" && job.ClaimedBy != update.Owner {
		return false, nil
	}
	if update.RequireUnclaimed && !job.Unclaimed(update.Now) {
		return false, nil
	}

	job.State = next
	if update.Attempts != nil {
		job.Attempts = *update.Attempts
	}
	if update.LastError != nil {
		job.LastError = *update.LastError
	}
	if update.NotBefore != nil {
		job.NotBefore = *update.NotBefore
	}
	if update.SubmittedAt != nil {
		job.SubmittedAt = update.SubmittedAt
	}
	if next.HasTxRef() {
		if update.ChainTxRef != nil {
			job.ChainTxRef = *update.ChainTxRef
		}
	} else if job.ChainTxRef != "" {
		job.PriorTxRefs = append(job.PriorTxRefs, job.ChainTxRef)
		job.ChainTxRef = ""
	}
	job.ClaimedBy = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = update.Now
	return true, nil
}

func (m *Memory) ListInFlight(ctx context.Context, chain domain.Chain, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*domain.Job
	for _, job := range m.jobs {
		if job.Chain == chain && (job.State == domain.StateSubmitted || job.State == domain.StateConfirming) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) ListUndelivered(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*domain.Job
	for _, job := range m.jobs {
		if job.State.IsTerminal() && job.CallbackDeliveredAt == nil && job.UpdatedAt.Before(olderThan) {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) MarkCallbackDelivered(ctx context.Context, jobID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.CallbackDeliveredAt != nil || !job.State.IsTerminal() {
		return false, nil
	}
	job.CallbackDeliveredAt = &at
	return true, nil
}
