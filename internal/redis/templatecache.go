package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// DefaultTemplateTTL is used when TemplateCache is built with a zero TTL.
const DefaultTemplateTTL = 30 * time.Second

// missingMarker caches a lookup that returned notification.ErrNotFound.
const missingMarker = "-"

// TemplateSource is the authoritative template store.
type TemplateSource interface {
	GetTemplateByKey(ctx context.Context, key string) (*notification.Template, error)
}

// TemplateCache is a read-through cache in front of a TemplateSource. Redis
// failures are logged and the source is used directly.
type TemplateCache struct {
	client *Client
	source TemplateSource
	ttl    time.Duration
	logger *zap.Logger
}

func NewTemplateCache(client *Client, source TemplateSource, ttl time.Duration, logger *zap.Logger) *TemplateCache {
	if ttl <= 0 {
		ttl = DefaultTemplateTTL
	}
	return &TemplateCache{client: client, source: source, ttl: ttl, logger: logger}
}

func templateKey(key string) string {
	return "template:" + key
}

func (c *TemplateCache) GetTemplateByKey(ctx context.Context, key string) (*notification.Template, error) {
	val, err := c.client.rdb.Get(ctx, templateKey(key)).Result()
	switch {
	case err == nil:
		if val == missingMarker {
			return nil, fmt.Errorf("template %q: %w", key, notification.ErrNotFound)
		}
		var t notification.Template
		if jsonErr := json.Unmarshal([]byte(val), &t); jsonErr == nil {
			return &t, nil
		}
		c.logger.Warn("discarding undecodable cached template", zap.String("template_key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("template cache read failed", zap.String("template_key", key), zap.Error(err))
	}

	t, err := c.source.GetTemplateByKey(ctx, key)
	if errors.Is(err, notification.ErrNotFound) {
		c.set(ctx, key, missingMarker)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(t); err == nil {
		c.set(ctx, key, string(data))
	}
	return t, nil
}

// Invalidate drops the cached entry for key.
func (c *TemplateCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.rdb.Del(ctx, templateKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (c *TemplateCache) set(ctx context.Context, key, value string) {
	if err := c.client.rdb.Set(ctx, templateKey(key), value, c.ttl).Err(); err != nil {
		c.logger.Warn("template cache write failed", zap.String("template_key", key), zap.Error(err))
	}
}
