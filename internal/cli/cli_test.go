package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/cuongbtq/mintqueue/internal/callback"
	"github.com/cuongbtq/mintqueue/internal/chain"
	"github.com/cuongbtq/mintqueue/internal/chain/chaintest"
	"github.com/cuongbtq/mintqueue/internal/config"
	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/queue"
	"github.com/cuongbtq/mintqueue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *storage.Memory
	coord      *queue.Coordinator
	withChains []bool
	closed     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	receiver := callback.NewReceiver(callback.NewMemoryDeduper(), callback.LogHandler(logger), logger)

	return &fixture{
		store: store,
		coord: queue.NewCoordinator(queue.Config{
			MaxAttempts:           3,
			SubscribePollInterval: 10 * time.Millisecond,
		}, queue.Dependencies{
			Store:    store,
			Registry: chain.NewRegistry(chaintest.NewFake(domain.ChainEthereum), chaintest.NewFake(domain.ChainSolana)),
			Notifier: callback.NewNotifier(callback.NewReceiverPublisher(receiver), store, logger),
			Logger:   logger,
		}),
	}
}

func (f *fixture) open(ctx context.Context, configPath string, withChains bool) (*App, error) {
	f.withChains = append(f.withChains, withChains)
	return &App{
		Config:      &config.Config{},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Coordinator: f.coord,
		Close: func() error {
			f.closed++
			return nil
		},
	}, nil
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd(f.open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var jobIDPattern = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

func (f *fixture) submit(t *testing.T, key string) string {
	t.Helper()
	out, err := f.run(t, "submit", "--key", key, "--chain", "solana",
		"--payload", `{"operation":"mint","recipient":"alice","asset_ref":"mint1","amount":1}`)
	require.NoError(t, err)
	id := jobIDPattern.FindString(out)
	require.NotEmpty(t, id, out)
	return id
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)

	id := f.submit(t, "order-1")
	assert.Equal(t, []bool{true}, f.withChains)
	assert.Equal(t, 1, f.closed)

	out, err := f.run(t, "submit", "--key", "order-1", "--chain", "ethereum",
		"--payload", `{"operation":"mint","recipient":"bob","asset_ref":"x"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Job already exists: "+id)
}

func TestSubmit_InvalidPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "submit", "--key", "k", "--chain", "solana", "--payload", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload json")

	_, err = f.run(t, "submit", "--key", "k", "--chain", "solana",
		"--payload", `{"operation":"mint","recipient":"","asset_ref":"x"}`)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = f.run(t, "submit", "--key", "k", "--chain", "bitcoin",
		"--payload", `{"operation":"mint","recipient":"a","asset_ref":"x"}`)
	assert.ErrorIs(t, err, domain.ErrUnsupportedChain)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "order-1")

	out, err := f.run(t, "status", id)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "order-1")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "0/3")
	assert.Equal(t, []bool{true, false}, f.withChains)

	_, err = f.run(t, "status", "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")

	first := f.submit(t, "order-1")
	second := f.submit(t, "order-2")

	out, err = f.run(t, "list", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, second)
	assert.NotContains(t, out, first)
	assert.Contains(t, out, "--cursor ")

	out, err = f.run(t, "list", "--state", "confirmed")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")

	_, err = f.run(t, "list", "--state", "bogus")
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "order-1")

	out, err := f.run(t, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "is now abandoned")

	_, err = f.run(t, "cancel", id)
	assert.ErrorIs(t, err, domain.ErrNotCancelable)
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "order-1")

	out, err := f.run(t, "abandon", id, "--reason", "operator stop")
	require.NoError(t, err)
	assert.Contains(t, out, "is now abandoned")

	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "operator stop", job.LastError)

	_, err = f.run(t, "abandon", id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestWatch_EndsOnTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "order-1")
	_, err := f.coord.Abandon(context.Background(), id, "stop")
	require.NoError(t, err)

	out, err := f.run(t, "watch", id)
	require.NoError(t, err)
	assert.Contains(t, out, "abandoned")
	assert.Contains(t, out, "error=stop")
}

func TestCallbacksTail_RequiresRabbitMQ(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "callbacks", "tail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rabbitmq is not configured")
}
