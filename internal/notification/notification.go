// Package notification holds the notification aggregate and its delivery
// state machine.
//
// State transitions:
//
//	pending    -> delivered   send succeeded
//	pending    -> pending     send failed, retry scheduled with backoff
//	pending    -> failed      send failed and MaxAttempts reached
//	pending    -> dispatched  handed to an asynchronous channel
//	dispatched -> delivered   asynchronous channel confirmed
//	pending|dispatched -> cancelled
package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxAttempts is the retry budget of a notification.
const MaxAttempts = 5

var (
	// ErrNotFound is returned by stores when a notification, template or
	// preference does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned when a transition is requested on a notification
	// that already reached delivered, failed or cancelled.
	ErrTerminal = errors.New("notification is in a terminal state")

	// ErrRecipientUnreachable marks a send that cannot succeed for this
	// notification whatever the provider's health, such as a missing contact
	// address or empty content.
	ErrRecipientUnreachable = errors.New("recipient unreachable")

	ErrMissingContent = errors.New("subject and body are required when no template key is set")
	ErrInvalidChannel = errors.New("invalid channel")
)

// Channel is the delivery medium of a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelInApp}

// ParseChannel validates s against the supported channels.
func ParseChannel(s string) (Channel, error) {
	for _, c := range Channels {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
}

func (c Channel) String() string {
	return string(c)
}

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

func (s Status) String() string {
	return string(s)
}

// Notification is a queued unit of outbound communication.
type Notification struct {
	ID              uuid.UUID         `json:"id"`
	Channel         Channel           `json:"channel"`
	Recipient       Recipient         `json:"recipient"`
	Subject         string            `json:"subject,omitempty"`
	Body            string            `json:"body,omitempty"`
	TemplateKey     string            `json:"template_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          Status            `json:"status"`
	ScheduledSendAt *time.Time        `json:"scheduled_send_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastAttemptedAt *time.Time        `json:"last_attempted_at,omitempty"`
	NextAttemptAt   *time.Time        `json:"next_attempt_at,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
	LastError       *string           `json:"last_error,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
}

// Params carries everything needed to create a notification.
type Params struct {
	Channel         Channel
	Recipient       Recipient
	Subject         string
	Body            string
	TemplateKey     string
	Metadata        map[string]string
	ScheduledSendAt *time.Time
	CorrelationID   string
}

// New creates a pending notification and the event announcing it.
func New(p Params, now time.Time) (*Notification, QueuedEvent, error) {
	if _, err := ParseChannel(string(p.Channel)); err != nil {
		return nil, QueuedEvent{}, err
	}
	if p.Recipient.IsZero() {
		return nil, QueuedEvent{}, ErrNoContactMethod
	}
	if strings.TrimSpace(p.TemplateKey) == "" &&
		(strings.TrimSpace(p.Subject) == "" || strings.TrimSpace(p.Body) == "") {
		return nil, QueuedEvent{}, ErrMissingContent
	}

	now = now.UTC()
	metadata := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		metadata[k] = v
	}

	n := &Notification{
		ID:              uuid.New(),
		Channel:         p.Channel,
		Recipient:       p.Recipient,
		Subject:         p.Subject,
		Body:            p.Body,
		TemplateKey:     strings.TrimSpace(p.TemplateKey),
		Metadata:        metadata,
		Status:          StatusPending,
		ScheduledSendAt: utcPtr(p.ScheduledSendAt),
		CreatedAt:       now,
		UpdatedAt:       now,
		CorrelationID:   p.CorrelationID,
	}

	return n, newQueuedEvent(n, now), nil
}

// SendAfter is the earliest time the notification may be attempted,
// ignoring retry backoff.
func (n *Notification) SendAfter() time.Time {
	if n.ScheduledSendAt != nil {
		return *n.ScheduledSendAt
	}
	return n.CreatedAt
}

// IsReadyToDispatch reports whether the notification may be attempted at now.
func (n *Notification) IsReadyToDispatch(now time.Time) bool {
	if n.Status != StatusPending {
		return false
	}
	due := n.SendAfter()
	if n.NextAttemptAt != nil && n.NextAttemptAt.After(due) {
		due = *n.NextAttemptAt
	}
	return !due.After(now)
}

// IsDue is IsReadyToDispatch with the retry budget applied; it mirrors the
// selector query.
func (n *Notification) IsDue(now time.Time) bool {
	return n.AttemptCount < MaxAttempts && n.IsReadyToDispatch(now)
}

// RecordAttempt counts an attempt. It must be persisted before the channel is
// invoked so a crash mid-send still consumes budget.
func (n *Notification) RecordAttempt(now time.Time) {
	now = now.UTC()
	n.AttemptCount++
	n.LastAttemptedAt = &now
	n.UpdatedAt = now
}

// MarkDispatched hands the notification to an asynchronous channel.
func (n *Notification) MarkDispatched(now time.Time) error {
	if n.Status != StatusPending {
		return fmt.Errorf("mark dispatched from %s: %w", n.Status, ErrTerminal)
	}
	n.Status = StatusDispatched
	n.UpdatedAt = now.UTC()
	return nil
}

// MarkDelivered records a successful send.
func (n *Notification) MarkDelivered(now time.Time) {
	n.Status = StatusDelivered
	n.LastError = nil
	n.NextAttemptAt = nil
	n.UpdatedAt = now.UTC()
}

// HandleFailure records a failed attempt and either schedules a retry or
// marks the notification failed once the budget is spent.
func (n *Notification) HandleFailure(reason string, now time.Time) {
	now = now.UTC()
	n.LastError = &reason
	n.UpdatedAt = now

	if n.AttemptCount >= MaxAttempts {
		n.Status = StatusFailed
		n.NextAttemptAt = nil
		return
	}

	next := now.Add(Backoff(n.AttemptCount))
	n.Status = StatusPending
	n.NextAttemptAt = &next
}

// Cancel stops any further delivery attempts.
func (n *Notification) Cancel(reason string, now time.Time) error {
	if n.Status.IsTerminal() {
		return fmt.Errorf("cancel from %s: %w", n.Status, ErrTerminal)
	}
	if reason == "" {
		reason = "cancelled"
	}
	n.Status = StatusCancelled
	n.LastError = &reason
	n.NextAttemptAt = nil
	n.UpdatedAt = now.UTC()
	return nil
}

// Error returns the last failure detail or an empty string.
func (n *Notification) Error() string {
	if n.LastError == nil {
		return ""
	}
	return *n.LastError
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
