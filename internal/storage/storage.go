package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// Store is the authoritative record of every transaction job.
// Claim and Transition are atomic and safe under concurrent workers.
type Store interface {
	// Create inserts a new job. If a non-abandoned job with the same idempotency
	// key exists, that job is returned with created == false.
	Create(ctx context.Context, job *domain.Job) (stored *domain.Job, created bool, err error)

	// Get returns a snapshot of a job or domain.ErrNotFound
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// GetByIdempotencyKey returns the non-abandoned job for key or domain.ErrNotFound
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)

	// List returns jobs newest first, fetching one extra row past PageSize
	List(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// Claim takes an exclusive lease on a claimable pending job
	Claim(ctx context.Context, jobID, workerID string, leaseExpiry, now time.Time) (bool, error)

	// ClaimNext claims the oldest eligible pending job of a chain, or returns nil
	ClaimNext(ctx context.Context, chain domain.Chain, workerID string, leaseExpiry, now time.Time) (*domain.Job, error)

	// ExtendLease renews a lease still held by workerID
	ExtendLease(ctx context.Context, jobID, workerID string, leaseExpiry time.Time) (bool, error)

	// Transition moves a job from expected to next if it is still in expected
	// (and still owned by update.Owner when set). It reports whether it applied.
	Transition(ctx context.Context, jobID string, expected, next domain.State, update Update) (bool, error)

	// ListInFlight returns submitted/confirming jobs of a chain, oldest first
	ListInFlight(ctx context.Context, chain domain.Chain, limit int) ([]*domain.Job, error)

	// ListUndelivered returns terminal jobs whose callback is not yet delivered
	// and that were last updated before olderThan
	ListUndelivered(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Job, error)

	// MarkCallbackDelivered records callback delivery once
	MarkCallbackDelivered(ctx context.Context, jobID string, at time.Time) (bool, error)
}

// Update carries the fields written by a transition. Nil fields are left unchanged.
//
// Transition always releases the claim and enforces the tx-ref invariant:
// leaving {submitted, confirming, confirmed} clears chain_tx_ref and appends it
// to prior_tx_refs.
type Update struct {
	Now time.Time

	// Owner, when set, requires the job to still be claimed by this worker
	Owner string
	// RequireUnclaimed requires no live lease on the job
	RequireUnclaimed bool

	Attempts    *int
	ChainTxRef  *string
	LastError   *string
	NotBefore   *time.Time
	SubmittedAt *time.Time
}

// JobFilter selects jobs for listing
type JobFilter struct {
	Chain    domain.Chain
	State    domain.State
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position for pagination
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Int returns a pointer to v
func Int(v int) *int { return &v }

// String returns a pointer to v
func String(v string) *string { return &v }

// Time returns a pointer to v
func Time(v time.Time) *time.Time { return &v }
