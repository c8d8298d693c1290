package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan domain.JobEvent) domain.JobEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.JobEvent{}
	}
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	other, cancelOther, err := bus.Subscribe(ctx, "job-2")
	require.NoError(t, err)
	defer cancelOther()

	require.NoError(t, bus.Publish(ctx, domain.JobEvent{JobID: "job-1", State: domain.StateSubmitted}))

	ev := receive(t, ch)
	assert.Equal(t, domain.StateSubmitted, ev.State)

	select {
	case <-other:
		t.Fatal("event delivered to another job's subscriber")
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, bus.subscribers("job-1"))
}

func TestMemoryBus_ContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool { return bus.subscribers("job-1") == 0 }, time.Second, 10*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestMemoryBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	_, cancel, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, bus.Publish(ctx, domain.JobEvent{JobID: "job-1", Attempts: i}))
	}
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewRedisBus(client, "test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, "job-1")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.JobEvent{
		JobID:      "job-1",
		State:      domain.StateConfirmed,
		ChainTxRef: "txSOL1",
	}))

	ev := receive(t, ch)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, domain.StateConfirmed, ev.State)
	assert.Equal(t, "txSOL1", ev.ChainTxRef)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
