// Package broker wraps the Redis connection used for build log pub/sub and
// per-slug launch leases.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	connectTimeout    = 2 * time.Second
	subscriptionQueue = 1024
)

// releaseScript deletes the lease only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client publishes to and subscribes from Redis channels.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to the Redis server described by url (redis://host:port/db).
func New(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{rdb: rdb, logger: logger}, nil
}

// Redis exposes the underlying client for components sharing the connection.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish sends payload to channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// PSubscribe opens a pattern subscription and waits for the server to
// confirm it before returning.
func (c *Client) PSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	ps := c.rdb.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	c.logger.Info("broker subscription established", "pattern", pattern)
	return &Subscription{ps: ps, pattern: pattern}, nil
}

// AcquireLease takes key for ttl when it is free. It reports false when
// someone else holds it.
func (c *Client) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLease drops key if token still owns it.
func (c *Client) ReleaseLease(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Subscription is a live pattern subscription. go-redis reconnects and
// resubscribes transparently after connection loss.
type Subscription struct {
	ps      *redis.PubSub
	pattern string
}

// Messages streams delivered messages in broker order.
func (s *Subscription) Messages() <-chan *redis.Message {
	return s.ps.Channel(redis.WithChannelSize(subscriptionQueue))
}

// Pattern reports the subscribed pattern.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Close ends the subscription; the Messages channel is closed afterwards.
func (s *Subscription) Close() error {
	return s.ps.Close()
}
