package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DedupState is the result of claiming a job id for applying
type DedupState int

const (
	// DedupClaimed means the caller now owns the job id and must call Done or Abort
	DedupClaimed DedupState = iota
	// DedupInFlight means another receiver is applying the job id right now
	DedupInFlight
	// DedupApplied means the job id was already applied
	DedupApplied
)

// ErrCallbackInFlight is returned for a duplicate that arrives while the
// first copy is still being applied. Callers retry it later.
var ErrCallbackInFlight = errors.New("terminal callback already in flight")

// Deduper remembers which job ids have been applied
type Deduper interface {
	// Begin claims key for applying unless it is applied or in flight
	Begin(ctx context.Context, key string) (DedupState, error)
	// Done records key as applied
	Done(ctx context.Context, key string) error
	// Abort drops the claim so a later delivery can apply key
	Abort(ctx context.Context, key string) error
}

// Handler applies a terminal event to the token/metadata subsystem
type Handler func(ctx context.Context, ev domain.TerminalEvent) error

// Receiver applies each job's terminal event at most once
type Receiver struct {
	dedup   Deduper
	handler Handler
	logger  *slog.Logger
}

// NewReceiver creates a receiver
func NewReceiver(dedup Deduper, handler Handler, logger *slog.Logger) *Receiver {
	return &Receiver{
		dedup:   dedup,
		handler: handler,
		logger:  logger,
	}
}

// Receive applies ev unless its job was already applied. The job is only
// recorded as applied after the handler succeeds; a duplicate seen while the
// handler runs gets ErrCallbackInFlight so its delivery is retried.
func (r *Receiver) Receive(ctx context.Context, ev domain.TerminalEvent) (bool, error) {
	state, err := r.dedup.Begin(ctx, ev.JobID)
	if err != nil {
		return false, fmt.Errorf("failed to check callback dedup: %w", err)
	}

	switch state {
	case DedupApplied:
		r.logger.Debug("Duplicate terminal callback ignored",
			slog.String("job_id", ev.JobID),
		)
		return false, nil
	case DedupInFlight:
		return false, ErrCallbackInFlight
	}

	if err := r.handler(ctx, ev); err != nil {
		if aerr := r.dedup.Abort(ctx, ev.JobID); aerr != nil {
			r.logger.Error("Failed to release callback after handler error",
				slog.String("job_id", ev.JobID),
				slog.Any("error", aerr),
			)
		}
		return false, fmt.Errorf("terminal callback handler failed: %w", err)
	}

	if err := r.dedup.Done(ctx, ev.JobID); err != nil {
		// applied already; the claim expires and a later copy may apply again
		r.logger.Error("Failed to record applied callback",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
	}
	return true, nil
}

// MemoryDeduper is a process-local Deduper
type MemoryDeduper struct {
	mu    sync.Mutex
	state map[string]DedupState
}

// NewMemoryDeduper creates an empty in-memory deduper
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{state: make(map[string]DedupState)}
}

func (d *MemoryDeduper) Begin(ctx context.Context, key string) (DedupState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.state[key]; ok {
		return st, nil
	}
	d.state[key] = DedupInFlight
	return DedupClaimed, nil
}

func (d *MemoryDeduper) Done(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[key] = DedupApplied
	return nil
}

func (d *MemoryDeduper) Abort(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state[key] == DedupInFlight {
		delete(d.state, key)
	}
	return nil
}

const (
	markerInFlight = "in_flight"
	markerApplied  = "applied"

	// DefaultClaimTTL bounds how long a crashed receiver blocks a job id
	DefaultClaimTTL = time.Minute
)

// abortScript deletes the key only while it still holds the in-flight marker
var abortScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDeduper shares dedup state between receivers. Begin writes an
// in-flight marker with SETNX and Done overwrites it with the applied marker.
type RedisDeduper struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
}

// NewRedisDeduper creates a Redis deduper; applied keys expire after ttl (0 = never)
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "mintqueue"
	}
	return &RedisDeduper{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		claimTTL: DefaultClaimTTL,
	}
}

func (d *RedisDeduper) key(jobID string) string {
	return fmt.Sprintf("%s:callbacks:%s", d.prefix, jobID)
}

func (d *RedisDeduper) Begin(ctx context.Context, key string) (DedupState, error) {
	ok, err := d.client.SetNX(ctx, d.key(key), markerInFlight, d.claimTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to setnx callback key: %w", err)
	}
	if ok {
		return DedupClaimed, nil
	}

	val, err := d.client.Get(ctx, d.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// claim expired between the two calls
		return DedupInFlight, nil
	case err != nil:
		return 0, fmt.Errorf("failed to get callback key: %w", err)
	case val == markerInFlight:
		return DedupInFlight, nil
	default:
		return DedupApplied, nil
	}
}

func (d *RedisDeduper) Done(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, d.key(key), markerApplied, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set callback key: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Abort(ctx context.Context, key string) error {
	if err := abortScript.Run(ctx, d.client, []string{d.key(key)}, markerInFlight).Err(); err != nil {
		return fmt.Errorf("failed to release callback key: %w", err)
	}
	return nil
}

// LogHandler records each terminal event in the log. It is the handler used
// when no token/metadata subsystem is attached to the process.
func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, ev domain.TerminalEvent) error {
		attrs := []any{
			slog.String("job_id", ev.JobID),
			slog.String("idempotency_key", ev.IdempotencyKey),
			slog.String("chain", string(ev.Chain)),
			slog.String("final_state", string(ev.FinalState)),
		}
		if ev.ChainTxRef != nil {
			attrs = append(attrs, slog.String("chain_tx_ref", *ev.ChainTxRef))
		}
		if ev.LastError != nil {
			attrs = append(attrs, slog.String("last_error", *ev.LastError))
		}
		logger.Info("Job reached terminal state", attrs...)
		return nil
	}
}
