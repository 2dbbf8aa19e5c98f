package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed Idempotency-Key is remembered.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the lock held while a queue request is in flight.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest is returned while another request with the same key is
// still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key is being processed")

// IdempotencyResult is the response replayed for a repeated key.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService deduplicates queue requests by client supplied key.
// Keys are scoped so two users can reuse the same key independently.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger}
}

func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Check returns the stored result for key, nil when the key is unknown, or
// ErrDuplicateRequest while it is reserved.
func (s *IdempotencyService) Check(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, idempotencyKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.String("notification_id", result.NotificationID),
	)
	return &result, nil
}

// Reserve takes the processing lock with SET NX.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, key string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, idempotencyKey(scope, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// CheckOrReserve returns a stored result, or reserves the key and returns
// nil. The caller must then call Store or Release.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, key)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

// Store replaces the reservation with the final result.
func (s *IdempotencyService) Store(ctx context.Context, scope, key string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so the client may retry after a failed request.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
