// Package audit records security-relevant events raised by background
// processing. Persistence of the audit log is owned elsewhere; this package
// only emits events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Action names recorded by the job core
const (
	ActionStorageValidationFailed = "ocr.storage_validation_failed"
	ActionOCRJobCanceled          = "ocr.job_canceled"
	ActionSubmissionCanceled      = "submission.retry_canceled"
)

// Event is one audit entry
type Event struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	OwnerRef   string         `json:"owner_ref,omitempty"`
	Actor      string         `json:"actor"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Logger records audit events
type Logger interface {
	Record(ctx context.Context, event Event) error
}

// Publisher is the subset of the RabbitMQ client the audit publisher needs
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// SlogLogger writes audit events to a structured log
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates an audit logger backed by logger
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger.WithGroup("audit")}
}

// Record logs the event at warn level
func (l *SlogLogger) Record(ctx context.Context, event Event) error {
	event = normalize(event)
	l.logger.WarnContext(ctx, "Audit event",
		slog.String("id", event.ID),
		slog.String("action", event.Action),
		slog.String("entity_type", event.EntityType),
		slog.String("entity_id", event.EntityID),
		slog.String("owner_ref", event.OwnerRef),
		slog.String("actor", event.Actor),
		slog.Any("detail", event.Detail),
	)
	return nil
}

// BrokerLogger publishes audit events to a message broker and mirrors them to a log
type BrokerLogger struct {
	publisher  Publisher
	routingKey string
	fallback   *SlogLogger
}

// NewBrokerLogger creates an audit logger that publishes on routingKey
func NewBrokerLogger(publisher Publisher, routingKey string, logger *slog.Logger) *BrokerLogger {
	return &BrokerLogger{
		publisher:  publisher,
		routingKey: routingKey,
		fallback:   NewSlogLogger(logger),
	}
}

// Record publishes the event. The event is always logged locally, so a broker
// outage never loses it entirely.
func (l *BrokerLogger) Record(ctx context.Context, event Event) error {
	event = normalize(event)
	_ = l.fallback.Record(ctx, event)

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if err := l.publisher.PublishWithRetry(ctx, l.routingKey, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	return nil
}

func normalize(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return event
}
