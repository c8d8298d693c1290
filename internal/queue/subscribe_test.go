package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, sub *Subscription) domain.JobEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job event")
		return domain.JobEvent{}
	}
}

func transition(t *testing.T, f *fixture, jobID string, from, to domain.State, update storage.Update) {
	t.Helper()
	update.Now = time.Now()
	ok, err := f.store.Transition(context.Background(), jobID, from, to, update)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.coord.Submit(ctx, "abc", domain.ChainSolana, mintPayload("alice"))
	require.NoError(t, err)

	sub, err := f.coord.Subscribe(ctx, handle.JobID)
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Equal(t, domain.StatePending, ev.State, "first event is the current state")

	transition(t, f, handle.JobID, domain.StatePending, domain.StateSubmitted, storage.Update{
		Attempts:   storage.Int(1),
		ChainTxRef: storage.String("txSOL1"),
	})
	require.NoError(t, f.bus.Publish(ctx, domain.JobEvent{JobID: handle.JobID}))

	ev = nextEvent(t, sub)
	assert.Equal(t, domain.StateSubmitted, ev.State)
	assert.Equal(t, "txSOL1", ev.ChainTxRef)

	// No bus notification: the poll fallback still picks these up
	transition(t, f, handle.JobID, domain.StateSubmitted, domain.StateConfirming, storage.Update{})
	ev = nextEvent(t, sub)
	assert.Equal(t, domain.StateConfirming, ev.State)

	transition(t, f, handle.JobID, domain.StateConfirming, domain.StateConfirmed, storage.Update{})
	ev = nextEvent(t, sub)
	assert.Equal(t, domain.StateConfirmed, ev.State)

	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok, "closed after terminal state")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close after terminal state")
	}
}

func TestSubscribe_TerminalJobYieldsOneEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handle, err := f.coord.Submit(ctx, "abc", domain.ChainEthereum, mintPayload("alice"))
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, handle.JobID)
	require.NoError(t, err)

	sub, err := f.coord.Subscribe(ctx, handle.JobID)
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Equal(t, domain.StateAbandoned, ev.State)

	_, ok := <-sub.Events
	assert.False(t, ok)
}

func TestSubscribe_CloseAndNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	handle, err := f.coord.Submit(ctx, "abc", domain.ChainEthereum, mintPayload("alice"))
	require.NoError(t, err)

	sub, err := f.coord.Subscribe(ctx, handle.JobID)
	require.NoError(t, err)
	nextEvent(t, sub)

	sub.Close()
	sub.Close()
	_, ok := <-sub.Events
	assert.False(t, ok)
}
