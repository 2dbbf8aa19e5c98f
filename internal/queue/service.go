// Package queue is the entry point that turns queue requests into pending
// notifications.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
)

// ErrNotRequeueable is returned by Requeue for notifications that are still
// active or were delivered.
var ErrNotRequeueable = errors.New("only failed or cancelled notifications can be requeued")

// Store persists notifications.
type Store interface {
	CreateNotification(ctx context.Context, n *notification.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	CancelNotification(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*notification.Notification, error)
}

// EventPublisher receives the queued event of every new notification.
type EventPublisher interface {
	Publish(ctx context.Context, e notification.Event) error
}

// Service validates, persists and announces notifications.
type Service struct {
	store  Store
	events EventPublisher
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, events EventPublisher, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Queue creates a pending notification from req and returns its id. Invalid
// requests return a *ValidationError and nothing is persisted.
func (s *Service) Queue(ctx context.Context, req Request) (uuid.UUID, error) {
	params, err := req.Validate()
	if err != nil {
		return uuid.Nil, err
	}
	return s.create(ctx, params)
}

func (s *Service) create(ctx context.Context, params notification.Params) (uuid.UUID, error) {
	n, queued, err := notification.New(params, s.now())
	if err != nil {
		return uuid.Nil, &ValidationError{Fields: map[string]string{"request": err.Error()}}
	}

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return uuid.Nil, fmt.Errorf("persist notification: %w", err)
	}
	metrics.RecordNotificationQueued(n.Channel.String())

	if err := s.events.Publish(ctx, queued); err != nil {
		s.logger.Warn("failed to publish queued event",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}

	s.logger.Info("notification queued",
		zap.String("notification_id", n.ID.String()),
		zap.Stringer("channel", n.Channel),
		zap.String("user_id", n.Recipient.UserID()),
		zap.Time("send_after", n.SendAfter()),
	)
	return n.ID, nil
}

// Cancel stops a notification that has not reached a terminal state.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*notification.Notification, error) {
	return s.store.CancelNotification(ctx, id, reason, s.now())
}

// Requeue copies a failed or cancelled notification into a fresh pending one
// with a full retry budget. The original is left untouched.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if n.Status != notification.StatusFailed && n.Status != notification.StatusCancelled {
		return uuid.Nil, fmt.Errorf("notification %s is %s: %w", id, n.Status, ErrNotRequeueable)
	}

	newID, err := s.create(ctx, notification.Params{
		Channel:       n.Channel,
		Recipient:     n.Recipient,
		Subject:       n.Subject,
		Body:          n.Body,
		TemplateKey:   n.TemplateKey,
		Metadata:      n.Metadata,
		CorrelationID: n.CorrelationID,
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("notification requeued",
		zap.String("notification_id", id.String()),
		zap.String("requeued_as", newID.String()),
	)
	return newID, nil
}
