// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyfort/keyfort-go/pkg/uuid"
)

// # Redis Notifier

// RedisNotifier propagates session changes over a Redis pub/sub channel,
// one channel per origin. Pair it with the Redis or Postgres session store
// so that remote contexts reading the broadcast agree with what durable
// storage holds.
type RedisNotifier struct {
	client    *redis.Client
	channel   string
	contextID string
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisNotifier subscribes to the origin's notification channel and
// starts the receive loop.
//
// # Parameters
//   - ctx: Parent context bounding the receive loop's lifetime.
//   - client: Connected Redis client, shared with the session store.
//   - origin: The logical application identity, same value as the store's.
//   - logger: Structured logger for transport events.
func NewRedisNotifier(ctx context.Context, client *redis.Client, origin string, logger *slog.Logger) (*RedisNotifier, error) {
	if origin == "" {
		return nil, fmt.Errorf("notify_redis: origin is required")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	notifier := &RedisNotifier{
		client:    client,
		channel:   fmt.Sprintf("keyfort:notify:%s", origin),
		contextID: uuid.New(),
		logger:    logger,
		handlers:  make(map[int]Handler),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	notifier.pubsub = client.Subscribe(loopCtx, notifier.channel)

	// Force the subscription onto the wire before returning so callers can
	// rely on not missing messages published right after construction.
	if _, err := notifier.pubsub.Receive(loopCtx); err != nil {
		cancel()
		_ = notifier.pubsub.Close()
		return nil, fmt.Errorf("notify_redis_subscribe_failed: %w", err)
	}

	go notifier.receiveLoop(loopCtx)

	logger.Info("redis notifier subscribed",
		slog.String("channel", notifier.channel),
		slog.String("context_id", notifier.contextID),
	)
	return notifier, nil
}

// Publish implements [Notifier].
func (notifier *RedisNotifier) Publish(ctx context.Context, message Message) error {
	message.ContextID = notifier.contextID
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("notify_redis_encode_failed: %w", err)
	}
	if err := notifier.client.Publish(ctx, notifier.channel, payload).Err(); err != nil {
		return fmt.Errorf("notify_redis_publish_failed: %w", err)
	}
	return nil
}

// Subscribe implements [Notifier].
func (notifier *RedisNotifier) Subscribe(handler Handler) func() {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()

	notifier.nextID++
	id := notifier.nextID
	notifier.handlers[id] = handler

	return func() {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		delete(notifier.handlers, id)
	}
}

// ContextID implements [Notifier].
func (notifier *RedisNotifier) ContextID() string {
	return notifier.contextID
}

// Close implements [Notifier]. It stops the receive loop and waits for it
// to drain before returning.
func (notifier *RedisNotifier) Close() error {
	notifier.cancel()
	err := notifier.pubsub.Close()
	<-notifier.done
	if err != nil {
		return fmt.Errorf("notify_redis_close_failed: %w", err)
	}
	return nil
}

// receiveLoop decodes incoming messages and dispatches them to handlers,
// dropping this context's own broadcasts.
func (notifier *RedisNotifier) receiveLoop(ctx context.Context) {
	defer close(notifier.done)

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-notifier.pubsub.Channel():
			if !ok {
				return
			}

			var message Message
			if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
				notifier.logger.Warn("notify_redis_malformed_message",
					slog.String("channel", notifier.channel),
					slog.Any("error", err),
				)
				continue
			}
			if message.ContextID == notifier.contextID {
				continue
			}

			notifier.dispatch(message)
		}
	}
}

// dispatch invokes every registered handler under a panic fence so one bad
// handler cannot kill the receive loop.
func (notifier *RedisNotifier) dispatch(message Message) {
	notifier.mu.Lock()
	targets := make([]Handler, 0, len(notifier.handlers))
	for _, handler := range notifier.handlers {
		targets = append(targets, handler)
	}
	notifier.mu.Unlock()

	for _, handler := range targets {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					notifier.logger.Error("notify_handler_panicked",
						slog.String("kind", string(message.Kind)),
						slog.Any("panic", recovered),
					)
				}
			}()
			handler(message)
		}()
	}
}
