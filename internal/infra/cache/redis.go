package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotPublisher stores the latest run snapshot per symbol in Redis,
// so dashboards can read it without talking to the bot.
type SnapshotPublisher struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotPublisher connects to redisURL and verifies the connection.
func NewSnapshotPublisher(redisURL, password string, ttl time.Duration) (*SnapshotPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &SnapshotPublisher{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("module", "redis_publisher"),
	}, nil
}

// SnapshotKey is the cache key of a symbol's snapshot.
func SnapshotKey(symbol string) string {
	return "grid:snapshot:" + symbol
}

// Publish stores v as JSON under the symbol's key with the configured TTL.
func (p *SnapshotPublisher) Publish(ctx context.Context, symbol string, v any) error {
	start := time.Now()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	if err := p.client.Set(ctx, SnapshotKey(symbol), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}

	p.logger.Debug("Snapshot published",
		slog.String("key", SnapshotKey(symbol)),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// Close closes the Redis connection.
func (p *SnapshotPublisher) Close() error {
	return p.client.Close()
}
