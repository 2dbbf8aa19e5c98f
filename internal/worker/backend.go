package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/notification"
)

// Backend delivers rendered content over one channel.
// Implementations: EmailBackend (SES), SMSBackend (SNS), InAppBackend, LogBackend.
//
// Send reports provider failures as errors. A panic is recovered by the
// dispatcher and treated as a failed attempt.
type Backend interface {
	Channel() notification.Channel
	Send(ctx context.Context, n *notification.Notification, c content.Content) error
}

// Registry resolves the backend for a channel. It is built once at startup.
type Registry struct {
	backends []Backend
	logger   *zap.Logger
}

// NewRegistry registers backends in order. When two backends claim the same
// channel the first one wins.
func NewRegistry(logger *zap.Logger, backends ...Backend) *Registry {
	r := &Registry{logger: logger}
	for _, b := range backends {
		if _, ok := r.Resolve(b.Channel()); ok {
			logger.Warn("duplicate backend ignored", zap.Stringer("channel", b.Channel()))
			continue
		}
		r.backends = append(r.backends, b)
	}
	return r
}

func (r *Registry) Resolve(channel notification.Channel) (Backend, bool) {
	for _, b := range r.backends {
		if b.Channel() == channel {
			return b, true
		}
	}
	return nil, false
}

// Channels lists the channels with a registered backend.
func (r *Registry) Channels() []notification.Channel {
	out := make([]notification.Channel, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b.Channel())
	}
	return out
}

// LogBackend logs instead of sending (development mode).
type LogBackend struct {
	channel notification.Channel
	logger  *zap.Logger
}

func NewLogBackend(channel notification.Channel, logger *zap.Logger) *LogBackend {
	return &LogBackend{channel: channel, logger: logger}
}

func (b *LogBackend) Channel() notification.Channel { return b.channel }

func (b *LogBackend) Send(ctx context.Context, n *notification.Notification, c content.Content) error {
	b.logger.Info("logging notification (development mode)",
		zap.String("notification_id", n.ID.String()),
		zap.Stringer("channel", n.Channel),
		zap.String("user_id", n.Recipient.UserID()),
		zap.String("subject", c.Subject),
		zap.Int("body_length", len(c.Body)),
	)
	return nil
}
