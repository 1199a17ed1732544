package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tetherlabs/tether/pkg/models"
)

const defaultKeyPrefix = "tether:export:"

// RedisSink stores exports as JSON values keyed by session id and export
// timestamp, so successive resets of one session never overwrite each
// other.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSink) { s.prefix = prefix }
}

// WithTTL expires stored exports after d. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisSink) { s.ttl = d }
}

// WithRedisLogger sets the sink's logger.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisSink) { s.logger = logger }
}

// NewRedisSink connects to the given address.
func NewRedisSink(addr string, opts ...RedisOption) *RedisSink {
	return NewRedisSinkFromClient(redis.NewClient(&redis.Options{Addr: addr}), opts...)
}

// NewRedisSinkFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisSinkFromClient(client *redis.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		client: client,
		prefix: defaultKeyPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes the export under <prefix><session_id>:<timestamp>.
func (s *RedisSink) Save(ctx context.Context, _ string, export models.SessionExport) error {
	data, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("exporter: marshal export for %s: %w", export.SessionID, err)
	}

	key := s.prefix + export.SessionID + ":" + export.Timestamp
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("exporter: store export %s: %w", key, err)
	}
	s.logger.Debug("stored session export", "key", key, "messages", len(export.Messages))
	return nil
}

// Ping verifies connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
