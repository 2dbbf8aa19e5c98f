// Package events defines the wire envelope shared by every event sink and a
// logging sink used when no broker is configured.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// Envelope is the JSON document published for every domain event.
type Envelope struct {
	Type           string               `json:"type"`
	NotificationID uuid.UUID            `json:"notification_id"`
	Channel        notification.Channel `json:"channel"`
	Data           notification.Event   `json:"data"`
}

// Encode wraps e in an Envelope and marshals it.
func Encode(e notification.Event) ([]byte, error) {
	payload, err := json.Marshal(Envelope{
		Type:           e.EventType(),
		NotificationID: e.AggregateID(),
		Channel:        e.EventChannel(),
		Data:           e,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.EventType(), err)
	}
	return payload, nil
}

// LogPublisher writes events to the logger instead of a broker.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e notification.Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	p.logger.Info("event published",
		zap.String("event_type", e.EventType()),
		zap.String("notification_id", e.AggregateID().String()),
		zap.ByteString("payload", payload),
	)
	return nil
}
