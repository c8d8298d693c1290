// Package callback delivers the terminal-state callback of a job
// (onJobTerminal) to the token/metadata subsystem.
//
// Delivery is at-least-once: the Notifier publishes and then records the
// delivery on the job, and the Sweeper republishes terminal jobs whose
// delivery was never recorded. Receivers deduplicate by job id.
package callback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mintqueue/internal/domain"
	"github.com/cuongbtq/mintqueue/internal/metrics"
	"github.com/cuongbtq/mintqueue/internal/storage"
)

// Publisher hands a terminal event to its transport
type Publisher interface {
	Publish(ctx context.Context, ev domain.TerminalEvent) error
}

// JSONPublisher is implemented by shared/rabbitmq.Client
type JSONPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v any) error
}

// AMQPPublisher publishes terminal events routed by chain
type AMQPPublisher struct {
	client JSONPublisher
}

// NewAMQPPublisher wraps a RabbitMQ client bound to the terminal exchange
func NewAMQPPublisher(client JSONPublisher) *AMQPPublisher {
	return &AMQPPublisher{client: client}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev domain.TerminalEvent) error {
	return p.client.PublishJSON(ctx, string(ev.Chain), ev)
}

// ReceiverPublisher delivers events straight to an in-process Receiver
type ReceiverPublisher struct {
	receiver *Receiver
}

// NewReceiverPublisher creates an in-process publisher
func NewReceiverPublisher(receiver *Receiver) *ReceiverPublisher {
	return &ReceiverPublisher{receiver: receiver}
}

func (p *ReceiverPublisher) Publish(ctx context.Context, ev domain.TerminalEvent) error {
	_, err := p.receiver.Receive(ctx, ev)
	return err
}

// Notifier fires onJobTerminal for jobs in a terminal state
type Notifier struct {
	publisher Publisher
	store     storage.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewNotifier creates a notifier
func NewNotifier(publisher Publisher, store storage.Store, logger *slog.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Notify publishes the terminal event of job and records the delivery.
// source names the caller for logs and metrics.
func (n *Notifier) Notify(ctx context.Context, job *domain.Job, source string) error {
	if !job.State.IsTerminal() {
		return fmt.Errorf("job %s is not terminal: %s", job.ID, job.State)
	}

	ev := domain.TerminalEventFromJob(job)
	if err := n.publisher.Publish(ctx, ev); err != nil {
		metrics.RecordCallback(source, "error")
		n.logger.Error("Failed to deliver terminal callback",
			slog.String("job_id", job.ID),
			slog.String("final_state", string(job.State)),
			slog.String("source", source),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to deliver terminal callback: %w", err)
	}

	if _, err := n.store.MarkCallbackDelivered(ctx, job.ID, n.now()); err != nil {
		// Published but not recorded; the sweeper will publish again
		n.logger.Warn("Failed to record callback delivery",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	metrics.RecordCallback(source, "ok")
	n.logger.Info("Terminal callback delivered",
		slog.String("job_id", job.ID),
		slog.String("final_state", string(job.State)),
		slog.String("source", source),
	)
	return nil
}
