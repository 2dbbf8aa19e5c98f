package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/notification"
)

const notificationColumns = `
	id, channel, recipient_user_id, recipient_email, recipient_phone,
	subject, body, template_key, metadata, status, scheduled_send_at,
	created_at, updated_at, last_attempted_at, next_attempt_at,
	attempt_count, last_error, correlation_id`

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notificationRow mirrors one row of the notifications table.
type notificationRow struct {
	ID              uuid.UUID
	Channel         string
	UserID          string
	Email           string
	Phone           string
	Subject         string
	Body            string
	TemplateKey     string
	Metadata        []byte
	Status          string
	ScheduledSendAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastAttemptedAt *time.Time
	NextAttemptAt   *time.Time
	AttemptCount    int
	LastError       *string
	CorrelationID   string
}

func scanNotification(s scanner) (*notification.Notification, error) {
	var row notificationRow
	err := s.Scan(
		&row.ID,
		&row.Channel,
		&row.UserID,
		&row.Email,
		&row.Phone,
		&row.Subject,
		&row.Body,
		&row.TemplateKey,
		&row.Metadata,
		&row.Status,
		&row.ScheduledSendAt,
		&row.CreatedAt,
		&row.UpdatedAt,
		&row.LastAttemptedAt,
		&row.NextAttemptAt,
		&row.AttemptCount,
		&row.LastError,
		&row.CorrelationID,
	)
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (row notificationRow) toDomain() (*notification.Notification, error) {
	recipient, err := notification.NewRecipient(row.UserID, row.Email, row.Phone)
	if err != nil {
		return nil, fmt.Errorf("notification %s: %w", row.ID, err)
	}

	var metadata map[string]string
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", row.ID, err)
		}
	}

	return &notification.Notification{
		ID:              row.ID,
		Channel:         notification.Channel(row.Channel),
		Recipient:       recipient,
		Subject:         row.Subject,
		Body:            row.Body,
		TemplateKey:     row.TemplateKey,
		Metadata:        metadata,
		Status:          notification.Status(row.Status),
		ScheduledSendAt: utc(row.ScheduledSendAt),
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
		LastAttemptedAt: utc(row.LastAttemptedAt),
		NextAttemptAt:   utc(row.NextAttemptAt),
		AttemptCount:    row.AttemptCount,
		LastError:       row.LastError,
		CorrelationID:   row.CorrelationID,
	}, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
