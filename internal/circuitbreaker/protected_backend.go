package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/notification"
)

// Backend mirrors worker.Backend so the worker package does not depend on
// this one.
type Backend interface {
	Channel() notification.Channel
	Send(ctx context.Context, n *notification.Notification, c content.Content) error
}

// ProtectedBackend routes sends through a CircuitBreaker. A rejected send
// returns ErrCircuitOpen, which the dispatcher treats like any other send
// failure. Errors wrapping notification.ErrRecipientUnreachable are passed
// back without counting against the provider.
type ProtectedBackend struct {
	backend Backend
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedBackend(backend Backend, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedBackend {
	return &ProtectedBackend{backend: backend, breaker: breaker, logger: logger}
}

func (p *ProtectedBackend) Channel() notification.Channel {
	return p.backend.Channel()
}

func (p *ProtectedBackend) Send(ctx context.Context, n *notification.Notification, c content.Content) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit open, failing send fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", n.ID.String()),
			zap.Stringer("channel", n.Channel),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	// A panicking provider still counts as a failure; the dispatcher
	// recovers the panic itself.
	defer func() {
		if r := recover(); r != nil {
			p.breaker.RecordFailure()
			panic(r)
		}
	}()

	if err := p.backend.Send(ctx, n, c); err != nil {
		if errors.Is(err, notification.ErrRecipientUnreachable) {
			p.breaker.RecordIgnored()
			return err
		}
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}
