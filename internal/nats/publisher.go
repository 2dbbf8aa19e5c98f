// Package nats publishes notification events on NATS subjects named after
// the event type, e.g. "notification.delivered".
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	natspkg "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/notification"
)

// Conn is the subset of *nats.Conn used by Publisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn   Conn
	nc     *natspkg.Conn
	prefix string
	logger *zap.Logger
}

// NewPublisher publishes on conn. prefix, when set, is prepended to every
// subject with a dot.
func NewPublisher(conn Conn, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	nc, err := natspkg.Connect(url,
		natspkg.Name("courier"),
		natspkg.MaxReconnects(-1),
		natspkg.ReconnectWait(2*time.Second),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		natspkg.ReconnectHandler(func(c *natspkg.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("nats event publisher initialized",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("subject_prefix", prefix),
	)
	p := NewPublisher(nc, prefix, logger)
	p.nc = nc
	return p, nil
}

// Health fails unless the owned connection is currently connected.
func (p *Publisher) Health(context.Context) error {
	if p.nc == nil {
		return errors.New("nats: no connection")
	}
	if status := p.nc.Status(); status != natspkg.CONNECTED {
		return fmt.Errorf("nats: connection %s", status)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
		p.nc.Close()
	}
}

func (p *Publisher) subject(e notification.Event) string {
	if p.prefix == "" {
		return e.EventType()
	}
	return p.prefix + "." + e.EventType()
}

// Publish sends e. Core NATS is fire-and-forget; an error only means the
// message could not be buffered.
func (p *Publisher) Publish(_ context.Context, e notification.Event) error {
	payload, err := events.Encode(e)
	if err != nil {
		return err
	}

	subject := p.subject(e)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	p.logger.Debug("event published to nats",
		zap.String("subject", subject),
		zap.String("notification_id", e.AggregateID().String()),
	)
	return nil
}
