package notification

import (
	"time"

	"github.com/google/uuid"
)

// Event type names, used as message attributes and NATS subjects.
const (
	EventQueued    = "notification.queued"
	EventDelivered = "notification.delivered"
)

// Event is a domain event published to downstream consumers.
type Event interface {
	EventType() string
	EventChannel() Channel
	AggregateID() uuid.UUID
}

// QueuedEvent is raised when a notification is created.
type QueuedEvent struct {
	EventID         uuid.UUID `json:"event_id"`
	NotificationID  uuid.UUID `json:"notification_id"`
	Channel         Channel   `json:"channel"`
	RecipientUserID string    `json:"recipient_user_id"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	SendAfter       time.Time `json:"send_after"`
	QueuedAt        time.Time `json:"queued_at"`
}

func newQueuedEvent(n *Notification, now time.Time) QueuedEvent {
	return QueuedEvent{
		EventID:         uuid.New(),
		NotificationID:  n.ID,
		Channel:         n.Channel,
		RecipientUserID: n.Recipient.UserID(),
		CorrelationID:   n.CorrelationID,
		SendAfter:       n.SendAfter(),
		QueuedAt:        now,
	}
}

func (e QueuedEvent) EventType() string      { return EventQueued }
func (e QueuedEvent) EventChannel() Channel  { return e.Channel }
func (e QueuedEvent) AggregateID() uuid.UUID { return e.NotificationID }

// DeliveredEvent is published once per successful delivery.
type DeliveredEvent struct {
	EventID         uuid.UUID `json:"event_id"`
	NotificationID  uuid.UUID `json:"notification_id"`
	Channel         Channel   `json:"channel"`
	RecipientUserID string    `json:"recipient_user_id"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	AttemptCount    int       `json:"attempt_count"`
	DeliveredAt     time.Time `json:"delivered_at"`
}

// NewDeliveredEvent describes the successful delivery of n.
func NewDeliveredEvent(n *Notification, deliveredAt time.Time) DeliveredEvent {
	return DeliveredEvent{
		EventID:         uuid.New(),
		NotificationID:  n.ID,
		Channel:         n.Channel,
		RecipientUserID: n.Recipient.UserID(),
		CorrelationID:   n.CorrelationID,
		AttemptCount:    n.AttemptCount,
		DeliveredAt:     deliveredAt.UTC(),
	}
}

func (e DeliveredEvent) EventType() string      { return EventDelivered }
func (e DeliveredEvent) EventChannel() Channel  { return e.Channel }
func (e DeliveredEvent) AggregateID() uuid.UUID { return e.NotificationID }
