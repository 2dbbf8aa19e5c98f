package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/notification"
)

// InAppBackend posts messages to the inbox service that renders them in the
// product UI.
type InAppBackend struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

type InAppConfig struct {
	InboxURL string
	Timeout  time.Duration
}

type inboxMessage struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	IsHTML         bool              `json:"is_html"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
}

func NewInAppBackend(cfg InAppConfig, logger *zap.Logger) *InAppBackend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &InAppBackend{
		url:    cfg.InboxURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (b *InAppBackend) Channel() notification.Channel { return notification.ChannelInApp }

func (b *InAppBackend) Send(ctx context.Context, n *notification.Notification, c content.Content) error {
	userID := n.Recipient.UserID()
	if userID == "" {
		return fmt.Errorf("%w: no user id", notification.ErrRecipientUnreachable)
	}

	payload, err := json.Marshal(inboxMessage{
		NotificationID: n.ID.String(),
		UserID:         userID,
		Subject:        c.Subject,
		Body:           c.Body,
		IsHTML:         c.IsHTML,
		Metadata:       n.Metadata,
		CorrelationID:  n.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("marshal inbox message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create inbox request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")
	req.Header.Set("X-Courier-Notification-ID", n.ID.String())

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("inbox request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("inbox returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	b.logger.Info("in-app notification delivered",
		zap.String("notification_id", n.ID.String()),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
