// Package worker delivers due notifications through channel backends.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/content"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
)

// DefaultBatchSize is the number of due notifications selected per cycle.
const DefaultBatchSize = 20

// Store loads due notifications and persists their state. ListDueNotifications
// returns pending notifications whose send time and retry time have passed and
// whose retry budget is not spent, oldest first.
type Store interface {
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error)
	SaveNotification(ctx context.Context, n *notification.Notification) error
}

// PreferenceLookup returns notification.ErrNotFound when the user never set a
// preference for the channel.
type PreferenceLookup interface {
	GetPreference(ctx context.Context, userID string, channel notification.Channel) (*notification.Preference, error)
}

type ContentBuilder interface {
	Build(ctx context.Context, n *notification.Notification) (content.Content, error)
}

// EventPublisher forwards domain events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event notification.Event) error
}

// Dispatcher runs dispatch cycles. It is the only writer of delivery state
// and must be driven by a single goroutine.
type Dispatcher struct {
	store     Store
	prefs     PreferenceLookup
	builder   ContentBuilder
	backends  *Registry
	events    EventPublisher
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(
	store Store,
	prefs PreferenceLookup,
	builder ContentBuilder,
	backends *Registry,
	events EventPublisher,
	batchSize int,
	logger *zap.Logger,
) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Dispatcher{
		store:     store,
		prefs:     prefs,
		builder:   builder,
		backends:  backends,
		events:    events,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// DispatchPending attempts every due notification once and returns how many
// were delivered. Delivery failures are recorded on the notification and
// never returned. An error is returned only when selection fails or ctx is
// cancelled between notifications; the count delivered so far is returned
// alongside it. Cancellation is only observed between notifications: a
// notification already started runs to completion on a context detached
// from ctx's cancellation.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	start := d.now()

	due, err := d.store.ListDueNotifications(ctx, start, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("select due notifications: %w", err)
	}
	defer func() {
		metrics.RecordDispatchCycle(d.now().Sub(start), len(due))
	}()

	if len(due) == 0 {
		return 0, nil
	}

	delivered := 0
	for _, n := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if d.dispatchOne(context.WithoutCancel(ctx), n) {
			delivered++
		}
	}

	d.logger.Debug("dispatch cycle complete",
		zap.Int("selected", len(due)),
		zap.Int("delivered", delivered),
	)
	return delivered, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, n *notification.Notification) bool {
	log := d.logger.With(
		zap.String("notification_id", n.ID.String()),
		zap.Stringer("channel", n.Channel),
	)

	if d.isSuppressed(ctx, n, log) {
		metrics.RecordNotificationProcessed(metrics.OutcomeSkipped, n.Channel.String())
		return false
	}

	// The attempt is persisted before any I/O so a crash mid-send still
	// consumes retry budget.
	n.RecordAttempt(d.now())
	if err := d.store.SaveNotification(ctx, n); err != nil {
		log.Error("failed to record attempt, skipping send", zap.Error(err))
		return false
	}
	log = log.With(zap.Int("attempt", n.AttemptCount))

	c, err := d.builder.Build(ctx, n)
	if err != nil {
		d.fail(ctx, n, fmt.Sprintf("render content: %v", err), log)
		return false
	}

	backend, ok := d.backends.Resolve(n.Channel)
	if !ok {
		d.fail(ctx, n, fmt.Sprintf("no channel registered for %s", n.Channel), log)
		return false
	}

	if err := safeSend(ctx, backend, n, c); err != nil {
		d.fail(ctx, n, err.Error(), log)
		return false
	}

	deliveredAt := d.now()
	n.MarkDelivered(deliveredAt)
	if err := d.store.SaveNotification(ctx, n); err != nil {
		log.Error("notification sent but delivered state not saved", zap.Error(err))
	}

	metrics.RecordNotificationProcessed(metrics.OutcomeDelivered, n.Channel.String())
	metrics.RecordDeliveryLatency(n.Channel.String(), deliveredAt.Sub(n.SendAfter()))
	log.Info("notification delivered")

	d.publish(ctx, notification.NewDeliveredEvent(n, deliveredAt), log)
	return true
}

// isSuppressed reports whether the recipient disabled the channel. A
// suppressed notification is left untouched and reconsidered next cycle.
func (d *Dispatcher) isSuppressed(ctx context.Context, n *notification.Notification, log *zap.Logger) bool {
	userID := n.Recipient.UserID()
	if d.prefs == nil || userID == "" {
		return false
	}

	pref, err := d.prefs.GetPreference(ctx, userID, n.Channel)
	switch {
	case errors.Is(err, notification.ErrNotFound):
		return false
	case err != nil:
		log.Warn("preference lookup failed, holding notification", zap.Error(err))
		return true
	case !pref.Enabled:
		log.Debug("channel disabled by recipient, holding notification")
		metrics.RecordPreferenceSkip(n.Channel.String())
		return true
	}
	return false
}

func (d *Dispatcher) fail(ctx context.Context, n *notification.Notification, reason string, log *zap.Logger) {
	n.HandleFailure(reason, d.now())
	if err := d.store.SaveNotification(ctx, n); err != nil {
		log.Error("failed to save failed attempt", zap.Error(err))
	}

	if n.Status == notification.StatusFailed {
		metrics.RecordNotificationProcessed(metrics.OutcomeFailed, n.Channel.String())
		log.Error("notification failed permanently", zap.String("reason", reason))
		return
	}

	metrics.RecordNotificationProcessed(metrics.OutcomeRetry, n.Channel.String())
	log.Warn("notification send failed, retry scheduled",
		zap.String("reason", reason),
		zap.Timep("next_attempt_at", n.NextAttemptAt),
	)
}

func (d *Dispatcher) publish(ctx context.Context, event notification.Event, log *zap.Logger) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, event); err != nil {
		log.Warn("failed to publish event",
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
	}
}

// safeSend turns a backend panic into an error.
func safeSend(ctx context.Context, b Backend, n *notification.Notification, c content.Content) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return b.Send(ctx, n, c)
}
