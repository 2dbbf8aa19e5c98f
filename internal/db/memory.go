package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/notification"
)

// MemoryRepository keeps everything in process memory. It has the same
// semantics as Repository, including ErrStale on writes to terminal rows.
type MemoryRepository struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]notification.Notification
	templates     map[string]notification.Template
	preferences   map[prefKey]notification.Preference
}

type prefKey struct {
	userID  string
	channel notification.Channel
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		notifications: make(map[uuid.UUID]notification.Notification),
		templates:     make(map[string]notification.Template),
		preferences:   make(map[prefKey]notification.Preference),
	}
}

func (m *MemoryRepository) Health(context.Context) error { return nil }

func (m *MemoryRepository) CreateNotification(_ context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.notifications[n.ID]; exists {
		return fmt.Errorf("insert notification: duplicate id %s", n.ID)
	}
	m.notifications[n.ID] = clone(n)
	return nil
}

func (m *MemoryRepository) GetNotification(_ context.Context, id uuid.UUID) (*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	return cloneValue(n), nil
}

func (m *MemoryRepository) ListNotificationsByUser(_ context.Context, userID string, limit, offset int) ([]*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*notification.Notification
	for _, n := range m.notifications {
		if n.Recipient.UserID() == userID {
			out = append(out, cloneValue(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryRepository) ListDueNotifications(_ context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*notification.Notification
	for _, n := range m.notifications {
		if n.IsDue(now) {
			due = append(due, cloneValue(n))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return page(due, limit, 0), nil
}

func (m *MemoryRepository) SaveNotification(_ context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.notifications[n.ID]
	if !ok {
		return fmt.Errorf("notification %s: %w", n.ID, notification.ErrNotFound)
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("save notification %s: %w", n.ID, ErrStale)
	}

	current.Status = n.Status
	current.AttemptCount = n.AttemptCount
	current.LastAttemptedAt = n.LastAttemptedAt
	current.NextAttemptAt = n.NextAttemptAt
	current.LastError = n.LastError
	current.UpdatedAt = n.UpdatedAt
	m.notifications[n.ID] = current
	return nil
}

func (m *MemoryRepository) CancelNotification(_ context.Context, id uuid.UUID, reason string, now time.Time) (*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	}
	n := cloneValue(current)
	if err := n.Cancel(reason, now); err != nil {
		return nil, err
	}
	m.notifications[id] = clone(n)
	return n, nil
}

func (m *MemoryRepository) GetTemplateByKey(_ context.Context, key string) (*notification.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[key]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", key, notification.ErrNotFound)
	}
	return &t, nil
}

func (m *MemoryRepository) UpsertTemplate(_ context.Context, t *notification.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.Key] = *t
	return nil
}

func (m *MemoryRepository) GetPreference(_ context.Context, userID string, channel notification.Channel) (*notification.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.preferences[prefKey{userID, channel}]
	if !ok {
		return nil, fmt.Errorf("preference %s/%s: %w", userID, channel, notification.ErrNotFound)
	}
	return &p, nil
}

func (m *MemoryRepository) SetPreference(_ context.Context, p *notification.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences[prefKey{p.UserID, p.Channel}] = *p
	return nil
}

// clone copies n so callers cannot mutate stored state. Metadata is copied;
// time and error pointers are replaced, never mutated in place, by the
// notification methods.
func clone(n *notification.Notification) notification.Notification {
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func cloneValue(n notification.Notification) *notification.Notification {
	c := clone(&n)
	return &c
}

func page(ns []*notification.Notification, limit, offset int) []*notification.Notification {
	if offset >= len(ns) {
		return nil
	}
	ns = ns[offset:]
	if limit > 0 && len(ns) > limit {
		ns = ns[:limit]
	}
	return ns
}
