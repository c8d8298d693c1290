package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(key string, chain domain.Chain, now time.Time) *domain.Job {
	return &domain.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Chain:          chain,
		Payload: domain.Payload{
			Operation: domain.OperationMint,
			Recipient: "recipient",
			AssetRef:  "asset",
			Amount:    1,
		},
		State:       domain.StatePending,
		MaxAttempts: 5,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemory_CreateIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	first, created, err := store.Create(ctx, newJob("k1", domain.ChainEthereum, now))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.Create(ctx, newJob("k1", domain.ChainEthereum, now))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Abandoned jobs free their key
	ok, err := store.Transition(ctx, first.ID, domain.StatePending, domain.StateAbandoned, Update{Now: now})
	require.NoError(t, err)
	require.True(t, ok)

	third, created, err := store.Create(ctx, newJob("k1", domain.ChainEthereum, now))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestMemory_GetReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	job, _, err := store.Create(ctx, newJob("k1", domain.ChainSolana, time.Now()))
	require.NoError(t, err)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	got.State = domain.StateFailed

	again, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, again.State)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_ClaimNextExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, _, err := store.Create(ctx, newJob(fmt.Sprintf("k%d", i), domain.ChainEthereum, now))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		dupes   atomic.Int32
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, domain.ChainEthereum, workerID, now.Add(time.Minute), now)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				if _, seen := claimed[job.ID]; seen {
					dupes.Add(1)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	assert.Zero(t, dupes.Load())
}

func TestMemory_ClaimRespectsBackoffAndLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	job := newJob("k1", domain.ChainEthereum, now)
	job.NotBefore = now.Add(10 * time.Second)
	_, _, err := store.Create(ctx, job)
	require.NoError(t, err)

	ok, err := store.Claim(ctx, job.ID, "w1", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.False(t, ok, "not_before in the future")

	later := now.Add(11 * time.Second)
	ok, err = store.Claim(ctx, job.ID, "w1", later.Add(30*time.Second), later)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, job.ID, "w2", later.Add(time.Minute), later)
	require.NoError(t, err)
	assert.False(t, ok, "live lease held by w1")

	// Lease expiry makes the job reclaimable
	expired := later.Add(31 * time.Second)
	ok, err = store.Claim(ctx, job.ID, "w2", expired.Add(time.Minute), expired)
	require.NoError(t, err)
	assert.True(t, ok)

	// The original owner lost the lease and its transition must not apply
	ok, err = store.Transition(ctx, job.ID, domain.StatePending, domain.StateSubmitted, Update{
		Now:        expired,
		Owner:      "w1",
		ChainTxRef: String("0xabc"),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_TransitionCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	job, _, err := store.Create(ctx, newJob("k1", domain.ChainSolana, now))
	require.NoError(t, err)

	_, err = store.Transition(ctx, job.ID, domain.StatePending, domain.StateConfirmed, Update{Now: now})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ok, err := store.Transition(ctx, job.ID, domain.StateSubmitted, domain.StateConfirming, Update{Now: now})
	require.NoError(t, err)
	assert.False(t, ok, "job is not in the expected state")

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := store.Transition(ctx, job.ID, domain.StatePending, domain.StateFailed, Update{
				Now:       now,
				LastError: String("boom"),
			})
			if err == nil && applied {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemory_TxRefInvariant(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	job, _, err := store.Create(ctx, newJob("k1", domain.ChainEthereum, now))
	require.NoError(t, err)

	ok, err := store.Transition(ctx, job.ID, domain.StatePending, domain.StateSubmitted, Update{
		Now:         now,
		Attempts:    Int(1),
		ChainTxRef:  String("0x1"),
		SubmittedAt: Time(now),
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "0x1", got.ChainTxRef)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.SubmittedAt)

	// Dropped transaction goes back to pending and keeps the old ref in history
	ok, err = store.Transition(ctx, job.ID, domain.StateSubmitted, domain.StatePending, Update{
		Now:       now,
		LastError: String("dropped"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ChainTxRef)
	assert.Equal(t, []string{"0x1"}, got.PriorTxRefs)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "dropped", got.LastError)
}

func TestMemory_ExtendLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	job, _, err := store.Create(ctx, newJob("k1", domain.ChainEthereum, now))
	require.NoError(t, err)

	ok, err := store.ExtendLease(ctx, job.ID, "w1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "not claimed")

	claimed, err := store.ClaimNext(ctx, domain.ChainEthereum, "w1", now.Add(time.Second), now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err = store.ExtendLease(ctx, job.ID, "w1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.Equal(now.Add(time.Minute)))
}

func TestMemory_ListPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	base := time.Now()

	for i := 0; i < 5; i++ {
		chain := domain.ChainEthereum
		if i%2 == 1 {
			chain = domain.ChainSolana
		}
		_, _, err := store.Create(ctx, newJob(fmt.Sprintf("k%d", i), chain, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	page, err := store.List(ctx, JobFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "k4", page[0].IdempotencyKey)
	assert.Equal(t, "k3", page[1].IdempotencyKey)

	next, err := store.List(ctx, JobFilter{
		PageSize: 2,
		Cursor:   &JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].ID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, "k2", next[0].IdempotencyKey)

	sol, err := store.List(ctx, JobFilter{Chain: domain.ChainSolana, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, sol, 2)
}

func TestMemory_CallbackDelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	now := time.Now()

	job, _, err := store.Create(ctx, newJob("k1", domain.ChainEthereum, now))
	require.NoError(t, err)

	ok, err := store.MarkCallbackDelivered(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "job is not terminal")

	_, err = store.Transition(ctx, job.ID, domain.StatePending, domain.StateFailed, Update{Now: now, LastError: String("x")})
	require.NoError(t, err)

	pending, err := store.ListUndelivered(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err = store.MarkCallbackDelivered(ctx, job.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkCallbackDelivered(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = store.ListUndelivered(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
