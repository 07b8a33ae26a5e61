package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	routingKey string
	body       []byte
	err        error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	p.routingKey = routingKey
	p.body = body
	return p.err
}

func TestSlogLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := logger.Record(context.Background(), Event{
		Action:     ActionStorageValidationFailed,
		EntityType: "ocr_job",
		EntityID:   "doc-1",
	})
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	group := entry["audit"].(map[string]any)
	assert.Equal(t, ActionStorageValidationFailed, group["action"])
	assert.Equal(t, "doc-1", group["entity_id"])
	assert.NotEmpty(t, group["id"])
}

func TestBrokerLogger_Record(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{}
	logger := NewBrokerLogger(pub, "audit.ocr", slog.New(slog.NewJSONHandler(&buf, nil)))

	err := logger.Record(context.Background(), Event{
		Action:     ActionOCRJobCanceled,
		EntityType: "ocr_job",
		EntityID:   "doc-2",
		Detail:     map[string]any{"attempt_count": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, "audit.ocr", pub.routingKey)

	var event Event
	require.NoError(t, json.Unmarshal(pub.body, &event))
	assert.Equal(t, ActionOCRJobCanceled, event.Action)
	assert.Equal(t, "doc-2", event.EntityID)
	assert.False(t, event.OccurredAt.IsZero())
	assert.Contains(t, buf.String(), "doc-2")
}

func TestBrokerLogger_PublishFailure(t *testing.T) {
	var buf bytes.Buffer
	pub := &fakePublisher{err: errors.New("channel closed")}
	logger := NewBrokerLogger(pub, "audit.ocr", slog.New(slog.NewJSONHandler(&buf, nil)))

	err := logger.Record(context.Background(), Event{Action: ActionOCRJobCanceled, EntityID: "doc-3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
	// still mirrored locally
	assert.Contains(t, buf.String(), "doc-3")
}
