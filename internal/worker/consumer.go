package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// runWakes consumes wakes until ctx is canceled, reconnecting to the broker
// whenever the delivery channel closes
func (w *Worker) runWakes(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		w.consumeWakes(ctx, deliveries, w.wakeSource.NotifyClose())
		if ctx.Err() != nil {
			return
		}
		deliveries = w.resubscribe(ctx)
		if deliveries == nil {
			return
		}
	}
}

// resubscribe reconnects the wake source and consumes again. It returns nil
// only when ctx is canceled.
func (w *Worker) resubscribe(ctx context.Context) <-chan amqp.Delivery {
	ticker := time.NewTicker(w.reconnectEvery)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := w.wakeSource.Reconnect(); err != nil {
			w.logger.Error("Failed to reconnect wake consumer",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}
		deliveries, err := w.wakeSource.Consume(w.workerID)
		if err != nil {
			w.logger.Error("Failed to resume consuming wakes",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}

		w.logger.Info("Wake consumer reconnected", slog.Int("attempt", attempt))
		return deliveries
	}
}

// consumeWakes listens to "job available" deliveries and nudges the
// dispatcher pool of the message's chain. Wakes are hints, so every
// well-formed message is acked; the idle poll covers anything missed.
// It returns when ctx is canceled or the channel closes.
func (w *Worker) consumeWakes(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	w.logger.Info("Wake consumer started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake consumer stopped - context canceled")
			return

		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				w.logger.Error("RabbitMQ channel closed by broker",
					slog.Int("code", amqpErr.Code),
					slog.String("reason", amqpErr.Reason),
				)
			} else {
				w.logger.Warn("RabbitMQ channel closed")
			}
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg domain.WakeMessage
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Failed to parse wake message JSON",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages go to the DLQ
				w.nack(delivery)
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				w.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
				w.nack(delivery)
				continue
			}

			msg.Chain = domain.ParseChain(string(msg.Chain))
			w.dispatcher.Wake(ctx, msg)

			if err := delivery.Ack(false); err != nil {
				w.logger.Error("Failed to ACK wake message",
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
				continue
			}

			w.logger.Debug("Wake dispatched to worker pool",
				slog.String("job_id", msg.JobID),
				slog.String("chain", string(msg.Chain)),
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
			)
		}
	}
}

func (w *Worker) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		w.logger.Error("Failed to NACK wake message", slog.Any("error", err))
	}
}
