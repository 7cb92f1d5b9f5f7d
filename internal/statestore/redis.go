package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "boardobserver"
	defaultTTL    = 24 * time.Hour
)

// RedisStore is a Redis-backed [Store]. Each meeting is one JSON value
// under "<prefix>:meeting:<id>" with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a [RedisStore].
type RedisOption func(*RedisStore)

// WithTTL sets the key expiry. Zero disables expiry. Default: 24h.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix. Default: "boardobserver".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: defaultTTL, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenRedis parses a redis:// URL, connects and pings the server.
func OpenRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("statestore: parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("statestore: ping redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) key(meetingID string) string {
	return s.prefix + ":meeting:" + meetingID
}

// Load implements [Store].
func (s *RedisStore) Load(ctx context.Context, meetingID string) (Flags, error) {
	if meetingID == "" {
		return Flags{}, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.key(meetingID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Flags{}, ErrNotFound
		}
		return Flags{}, fmt.Errorf("statestore: redis get: %w", err)
	}
	var f Flags
	if err := json.Unmarshal(data, &f); err != nil {
		return Flags{}, fmt.Errorf("statestore: decode flags: %w", err)
	}
	return f, nil
}

// Save implements [Store].
func (s *RedisStore) Save(ctx context.Context, meetingID string, f Flags) error {
	if meetingID == "" {
		return ErrInvalidID
	}
	f.UpdatedAt = time.Now()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("statestore: encode flags: %w", err)
	}
	if err := s.client.Set(ctx, s.key(meetingID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("statestore: redis set: %w", err)
	}
	return nil
}

// Delete implements [Store]. Deleting an unknown meeting is not an error.
func (s *RedisStore) Delete(ctx context.Context, meetingID string) error {
	if meetingID == "" {
		return ErrInvalidID
	}
	if err := s.client.Del(ctx, s.key(meetingID)).Err(); err != nil {
		return fmt.Errorf("statestore: redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
