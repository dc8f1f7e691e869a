//go:build integration

// Package containers starts throwaway backends for integration tests.
package containers

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const defaultRedisImage = "redis:7-alpine"

// Redis is a disposable Redis server plus a client connected to it. The
// container and client are released when the owning test finishes.
type Redis struct {
	URL    string
	Client *redis.Client
}

// RedisOption tweaks how the container is started.
type RedisOption func(*redisConfig)

type redisConfig struct {
	image string
}

// WithRedisImage overrides the Redis image.
func WithRedisImage(image string) RedisOption {
	return func(c *redisConfig) {
		c.image = image
	}
}

// StartRedis runs a Redis container for t and waits until it answers PING.
func StartRedis(t *testing.T, opts ...RedisOption) *Redis {
	t.Helper()
	cfg := redisConfig{image: defaultRedisImage}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, cfg.image)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start redis container")

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err, "redis connection string")

	opt, err := redis.ParseURL(url)
	require.NoError(t, err, "parse redis URL")

	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err(), "ping redis")

	return &Redis{URL: url, Client: client}
}

// Flush empties the database between tests.
func (r *Redis) Flush(t *testing.T) {
	t.Helper()
	require.NoError(t, r.Client.FlushAll(context.Background()).Err())
}

// Subscribe listens on channel and returns the payloads published to it.
// The subscription is confirmed before Subscribe returns, so nothing
// published afterwards is missed.
func (r *Redis) Subscribe(t *testing.T, channel string) <-chan string {
	t.Helper()
	ctx := context.Background()

	sub := r.Client.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err, "subscribe to %s", channel)

	payloads := make(chan string, 16)
	go func() {
		defer close(payloads)
		for msg := range sub.Channel() {
			payloads <- msg.Payload
		}
	}()
	return payloads
}

// NextPayload waits up to timeout for the next payload.
func NextPayload(t *testing.T, payloads <-chan string, timeout time.Duration) string {
	t.Helper()
	select {
	case p, ok := <-payloads:
		require.True(t, ok, "subscription closed")
		return p
	case <-time.After(timeout):
		require.FailNow(t, "no message received", "waited %s", timeout)
		return ""
	}
}
