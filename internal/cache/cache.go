package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var redisLatency metric.Float64Histogram

// PresenceState records which room a user is currently connected to.
type PresenceState struct {
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
	CurrentRoom uuid.UUID `json:"current_room,omitempty"`
}

// Cache is an optional Redis-backed presence store. A nil *Cache is valid
// and turns every operation into a no-op, so presence can be disabled by
// leaving REDIS_URL empty.
type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache connection
func New(dsn string) (*Cache, error) {
	var err error

	meter := otel.Meter("redis-client")
	redisLatency, err = meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create redis.command.latency instrument: %w", err)
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, span := otel.Tracer("redis-client").Start(context.Background(), "redis.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ping Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	span.SetStatus(codes.Ok, "Redis connected successfully")

	return &Cache{client: client}, nil
}

// GetClient returns the underlying Redis client (instrumented operations should use Cache methods)
func (c *Cache) GetClient() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Close closes the Redis client
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// SetUserPresence records a user's connection state.
func (c *Cache) SetUserPresence(ctx context.Context, userID string, state PresenceState) error {
	if c == nil {
		return nil
	}
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.set_user_presence", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "set_user_presence")))
		span.End()
	}()

	key := fmt.Sprintf("presence:%s", userID)
	data, err := json.Marshal(state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to marshal presence state")
		return fmt.Errorf("failed to marshal presence state: %w", err)
	}
	err = c.client.Set(ctx, key, data, 24*time.Hour).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to set user presence")
	}
	return err
}

// GetUserPresence retrieves a user's connection state; nil when absent.
func (c *Cache) GetUserPresence(ctx context.Context, userID string) (*PresenceState, error) {
	if c == nil {
		return nil, nil
	}
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.get_user_presence", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "get_user_presence")))
		span.End()
	}()

	key := fmt.Sprintf("presence:%s", userID)
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		span.SetStatus(codes.Ok, "User not found in presence cache")
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get user presence")
		return nil, fmt.Errorf("failed to get user presence: %w", err)
	}

	var state PresenceState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to unmarshal presence state")
		return nil, fmt.Errorf("failed to unmarshal presence state: %w", err)
	}
	span.SetStatus(codes.Ok, "User presence retrieved")
	return &state, nil
}

// DeleteUserPresence removes a user's presence record.
func (c *Cache) DeleteUserPresence(ctx context.Context, userID string) error {
	if c == nil {
		return nil
	}
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis.delete_user_presence", trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", "delete_user_presence")))
		span.End()
	}()

	key := fmt.Sprintf("presence:%s", userID)
	err := c.client.Del(ctx, key).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to delete user presence")
	}
	return err
}
