package callback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consume feeds terminal events from RabbitMQ deliveries into receiver until
// ctx is canceled or the delivery channel closes. Malformed messages are
// dropped; handler failures are requeued.
func Consume(ctx context.Context, deliveries <-chan amqp.Delivery, receiver *Receiver, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("Callback consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			handleDelivery(ctx, delivery, receiver, logger)
		}
	}
}

func handleDelivery(ctx context.Context, delivery amqp.Delivery, receiver *Receiver, logger *slog.Logger) {
	var ev domain.TerminalEvent
	if err := json.Unmarshal(delivery.Body, &ev); err != nil {
		logger.Error("Failed to parse terminal callback JSON",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		nack(delivery, false, logger)
		return
	}

	if _, err := uuid.Parse(ev.JobID); err != nil {
		logger.Error("Invalid job_id in terminal callback - not a UUID",
			slog.String("job_id", ev.JobID),
		)
		nack(delivery, false, logger)
		return
	}

	applied, err := receiver.Receive(ctx, ev)
	if errors.Is(err, ErrCallbackInFlight) {
		logger.Info("Terminal callback in flight elsewhere, requeueing",
			slog.String("job_id", ev.JobID),
		)
		nack(delivery, true, logger)
		return
	}
	if err != nil {
		logger.Error("Terminal callback failed, requeueing",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		nack(delivery, true, logger)
		return
	}

	if err := delivery.Ack(false); err != nil {
		logger.Error("Failed to ACK terminal callback",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}

	logger.Debug("Terminal callback handled",
		slog.String("job_id", ev.JobID),
		slog.Bool("applied", applied),
	)
}

func nack(delivery amqp.Delivery, requeue bool, logger *slog.Logger) {
	if err := delivery.Nack(false, requeue); err != nil {
		logger.Error("Failed to NACK message",
			slog.Any("error", err),
			slog.Bool("requeue", requeue),
		)
	}
}
