package queue

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// Waker signals the Dispatcher that a job of a chain may be claimable.
// Wakes are hints; the Dispatcher also polls, so a lost wake only adds latency.
type Waker interface {
	Wake(ctx context.Context, msg domain.WakeMessage)
}

// JSONPublisher is implemented by shared/rabbitmq.Client
type JSONPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v any) error
}

// AMQPWaker publishes wake messages to the worker service, routed by chain
type AMQPWaker struct {
	publisher JSONPublisher
	logger    *slog.Logger
}

// NewAMQPWaker creates a waker publishing through a RabbitMQ client
func NewAMQPWaker(publisher JSONPublisher, logger *slog.Logger) *AMQPWaker {
	return &AMQPWaker{publisher: publisher, logger: logger}
}

func (w *AMQPWaker) Wake(ctx context.Context, msg domain.WakeMessage) {
	if err := w.publisher.PublishJSON(ctx, string(msg.Chain), msg); err != nil {
		w.logger.Warn("Failed to publish wake message",
			slog.String("job_id", msg.JobID),
			slog.String("chain", string(msg.Chain)),
			slog.Any("error", err),
		)
	}
}

// Wakers fans a wake out to several wakers
type Wakers []Waker

func (ws Wakers) Wake(ctx context.Context, msg domain.WakeMessage) {
	for _, w := range ws {
		w.Wake(ctx, msg)
	}
}
