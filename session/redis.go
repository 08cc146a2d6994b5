// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// # Redis Adapter

// Opinionated default timeouts for Redis operations.
const (
	redisDialTimeout  = 3 * time.Second
	redisReadTimeout  = 2 * time.Second
	redisWriteTimeout = 2 * time.Second
	redisPingTimeout  = 2 * time.Second
)

// redisSlots keys each slot by origin so that several logical applications
// can share one Redis without colliding.
type redisSlots struct {
	client *redis.Client
	origin string
}

// NewRedisStore creates a durable session store shared by every context of
// the same origin. Contexts on different machines converge through this
// adapter plus the cross-context notifier.
func NewRedisStore(client *redis.Client, origin string, opts ...Option) Store {
	return newSessionStore(&redisSlots{client: client, origin: origin}, opts)
}

func (slots *redisSlots) key(slot string) string {
	return fmt.Sprintf("keyfort:%s:%s", slot, slots.origin)
}

func (slots *redisSlots) get(ctx context.Context, slot string) ([]byte, error) {
	data, err := slots.client.Get(ctx, slots.key(slot)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis_slot_get_failed: %w", err)
	}
	return data, nil
}

func (slots *redisSlots) put(ctx context.Context, slot string, data []byte) error {
	if err := slots.client.Set(ctx, slots.key(slot), data, 0).Err(); err != nil {
		return fmt.Errorf("redis_slot_set_failed: %w", err)
	}
	return nil
}

func (slots *redisSlots) del(ctx context.Context, slot string) error {
	if err := slots.client.Del(ctx, slots.key(slot)).Err(); err != nil {
		return fmt.Errorf("redis_slot_del_failed: %w", err)
	}
	return nil
}

// # Client Construction

// NewRedisClient parses a Redis URL and returns a ready-to-use client.
//
// # Parameters
//   - ctx: Context for the initial ping.
//   - redisURL: Redis connection URL.
//   - logger: Structured logger for connection events.
func NewRedisClient(ctx context.Context, redisURL string, logger *slog.Logger) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}

	// Pool configuration tuned for a client engine: a handful of contexts,
	// not a request-serving fleet.
	options.PoolSize = 5
	options.MinIdleConns = 1
	options.MaxIdleConns = 3

	options.DialTimeout = redisDialTimeout
	options.ReadTimeout = redisReadTimeout
	options.WriteTimeout = redisWriteTimeout

	client := redis.NewClient(options)

	// Validate connectivity immediately at startup.
	if err := PingRedis(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("redis client connected",
		slog.String("addr", options.Addr),
		slog.Int("pool_size", options.PoolSize),
	)

	return client, nil
}

// PingRedis verifies that the Redis client is healthy.
func PingRedis(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	return nil
}
