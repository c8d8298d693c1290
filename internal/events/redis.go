package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisBus fans job events out across processes with Redis pub/sub.
// Each job has its own channel: <prefix>:jobs:<job_id>.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a Redis backed bus
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "mintqueue"
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (b *RedisBus) channel(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s", b.prefix, jobID)
}

func (b *RedisBus) Publish(ctx context.Context, ev domain.JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.JobID), body).Err(); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(jobID))

	// Wait for the subscription to be confirmed so no publish after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to job events: %w", err)
	}

	out := make(chan domain.JobEvent, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev domain.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Discarding malformed job event",
						slog.String("channel", msg.Channel),
						slog.Any("error", err),
					)
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	return out, cancel, nil
}
