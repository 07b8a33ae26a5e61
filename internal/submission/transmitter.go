package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Transmitter re-sends a submission to its lender
type Transmitter interface {
	Transmit(ctx context.Context, submissionID string) error
}

// Publisher is the subset of the RabbitMQ client the transmitter needs
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// DefaultRoutingKey routes retransmission requests to the lender gateway
const DefaultRoutingKey = "lender.submission"

// TransmitRequest is the message handed to the lender gateway
type TransmitRequest struct {
	SubmissionID string    `json:"submission_id"`
	RequestedAt  time.Time `json:"requested_at"`
}

// BrokerTransmitter hands retransmissions to the lender gateway over RabbitMQ.
// A publish confirms hand-off only; lender-side rejection arrives out of band.
type BrokerTransmitter struct {
	publisher  Publisher
	routingKey string
	now        func() time.Time
}

// NewBrokerTransmitter creates a new BrokerTransmitter instance
func NewBrokerTransmitter(publisher Publisher, routingKey string) *BrokerTransmitter {
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &BrokerTransmitter{
		publisher:  publisher,
		routingKey: routingKey,
		now:        time.Now,
	}
}

func (t *BrokerTransmitter) Transmit(ctx context.Context, submissionID string) error {
	body, err := json.Marshal(TransmitRequest{
		SubmissionID: submissionID,
		RequestedAt:  t.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal transmit request: %w", err)
	}

	if err := t.publisher.PublishWithRetry(ctx, t.routingKey, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish transmit request: %w", err)
	}

	return nil
}
