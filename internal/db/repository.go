package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// ErrStale is returned by SaveNotification when the row already reached a
// terminal state, typically because it was cancelled mid-cycle.
var ErrStale = errors.New("notification is no longer active")

// Repository handles database operations for notifications, templates and
// preferences.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// CreateNotification inserts a new notification.
func (r *Repository) CreateNotification(ctx context.Context, n *notification.Notification) error {
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, channel, recipient_user_id, recipient_email, recipient_phone,
			subject, body, template_key, metadata, status, scheduled_send_at,
			created_at, updated_at, attempt_count, correlation_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		n.ID,
		string(n.Channel),
		n.Recipient.UserID(),
		n.Recipient.Email(),
		n.Recipient.Phone(),
		n.Subject,
		n.Body,
		n.TemplateKey,
		metadata,
		string(n.Status),
		n.ScheduledSendAt,
		n.CreatedAt,
		n.UpdatedAt,
		n.AttemptCount,
		n.CorrelationID,
	)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.Stringer("channel", n.Channel),
	)
	return nil
}

func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListNotificationsByUser returns a recipient's notifications, newest first.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID string, limit, offset int) ([]*notification.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collectNotifications(rows)
}

// ListDueNotifications selects pending notifications whose send time and
// retry time have passed and whose retry budget is not spent, oldest first.
func (r *Repository) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'pending'
		  AND attempt_count < $1
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		  AND COALESCE(scheduled_send_at, created_at) <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, notification.MaxAttempts, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	return collectNotifications(rows)
}

// SaveNotification writes the mutable delivery state of n. Rows that are
// already terminal are left untouched and ErrStale is returned.
func (r *Repository) SaveNotification(ctx context.Context, n *notification.Notification) error {
	query := `
		UPDATE notifications
		SET status = $2,
		    attempt_count = $3,
		    last_attempted_at = $4,
		    next_attempt_at = $5,
		    last_error = $6,
		    updated_at = $7
		WHERE id = $1 AND status IN ('pending', 'dispatched')
	`

	result, err := r.db.Pool().Exec(ctx, query,
		n.ID,
		string(n.Status),
		n.AttemptCount,
		n.LastAttemptedAt,
		n.NextAttemptAt,
		n.LastError,
		n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("save notification %s: %w", n.ID, ErrStale)
	}
	return nil
}

// CancelNotification cancels a non-terminal notification under a row lock so
// it cannot interleave with a dispatcher write.
func (r *Repository) CancelNotification(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*notification.Notification, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1 FOR UPDATE`
	n, err := scanNotification(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock notification: %w", err)
	}

	if err := n.Cancel(reason, now); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE notifications
		SET status = $2, last_error = $3, next_attempt_at = NULL, updated_at = $4
		WHERE id = $1
	`, n.ID, string(n.Status), n.LastError, n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update notification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification cancelled",
		zap.String("notification_id", id.String()),
		zap.String("reason", n.Error()),
	)
	return n, nil
}

func (r *Repository) GetTemplateByKey(ctx context.Context, key string) (*notification.Template, error) {
	query := `
		SELECT key, subject_template, body_template, is_html, updated_at
		FROM notification_templates
		WHERE key = $1
	`

	var t notification.Template
	err := r.db.Pool().QueryRow(ctx, query, key).Scan(
		&t.Key,
		&t.SubjectTemplate,
		&t.BodyTemplate,
		&t.IsHTML,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", key, notification.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}

func (r *Repository) UpsertTemplate(ctx context.Context, t *notification.Template) error {
	query := `
		INSERT INTO notification_templates (key, subject_template, body_template, is_html, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET subject_template = EXCLUDED.subject_template,
		    body_template = EXCLUDED.body_template,
		    is_html = EXCLUDED.is_html,
		    updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.Pool().Exec(ctx, query, t.Key, t.SubjectTemplate, t.BodyTemplate, t.IsHTML, t.UpdatedAt); err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func (r *Repository) GetPreference(ctx context.Context, userID string, channel notification.Channel) (*notification.Preference, error) {
	query := `
		SELECT enabled, updated_at
		FROM notification_preferences
		WHERE user_id = $1 AND channel = $2
	`

	p := notification.Preference{UserID: userID, Channel: channel}
	err := r.db.Pool().QueryRow(ctx, query, userID, string(channel)).Scan(&p.Enabled, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preference %s/%s: %w", userID, channel, notification.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}
	return &p, nil
}

func (r *Repository) SetPreference(ctx context.Context, p *notification.Preference) error {
	query := `
		INSERT INTO notification_preferences (user_id, channel, enabled, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, channel) DO UPDATE
		SET enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.Pool().Exec(ctx, query, p.UserID, string(p.Channel), p.Enabled, p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func collectNotifications(rows pgx.Rows) ([]*notification.Notification, error) {
	defer rows.Close()

	var out []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
