package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/cuongbtq/loan-backoffice/internal/worker/storage"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliverySource starts a manual-ack delivery stream
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// ConsumerConfig holds enqueue consumer configuration
type ConsumerConfig struct {
	Logger      *slog.Logger
	Source      DeliverySource
	Store       storage.JobStore
	ConsumerTag string

	// MaxAttempts applies when a message does not carry its own ceiling
	MaxAttempts int
}

// Consumer turns document-uploaded events into OCR jobs. Redelivered events
// are harmless because enqueue is idempotent per document.
type Consumer struct {
	logger      *slog.Logger
	source      DeliverySource
	store       storage.JobStore
	consumerTag string
	maxAttempts int
}

// NewConsumer creates a new consumer instance
func NewConsumer(cfg *ConsumerConfig) *Consumer {
	return &Consumer{
		logger:      cfg.Logger,
		source:      cfg.Source,
		store:       cfg.Store,
		consumerTag: cfg.ConsumerTag,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Run consumes until ctx is done or the delivery channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Enqueue consumer started",
		slog.String("consumer_tag", c.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Enqueue consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	msg, err := parseJobMessage(delivery.Body)
	if err != nil {
		c.logger.Error("Dropping malformed document event",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed messages go to the DLQ
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	maxAttempts := msg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}

	job, err := c.store.Enqueue(ctx, msg.DocumentID, msg.ApplicationID, maxAttempts)
	if err != nil {
		c.logger.Error("Failed to enqueue OCR job",
			slog.String("document_id", msg.DocumentID),
			slog.Any("error", err),
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to NACK message",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ACK message",
			slog.String("document_id", msg.DocumentID),
			slog.Any("error", ackErr),
		)
		return
	}

	c.logger.Debug("Document event enqueued",
		slog.String("document_id", msg.DocumentID),
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
}

func parseJobMessage(body []byte) (*domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	if _, err := uuid.Parse(msg.DocumentID); err != nil {
		return nil, fmt.Errorf("%w: document_id is not a UUID", domain.ErrInvalidPayload)
	}

	if msg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max_attempts must not be negative", domain.ErrInvalidPayload)
	}

	return &msg, nil
}
