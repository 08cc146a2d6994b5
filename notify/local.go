// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keyfort/keyfort-go/pkg/uuid"
)

// # Local Broker

// LocalBroker fans messages out between contexts living in one process. It
// is the hub; each context obtains its own [Notifier] from NewContext.
type LocalBroker struct {
	mu sync.Mutex

	// subscriptions, keyed by owning context then registration number.
	handlers map[string]map[int]Handler
	nextID   int
	closed   bool
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[string]map[int]Handler)}
}

// NewContext returns a notifier bound to a fresh context identity.
func (broker *LocalBroker) NewContext() Notifier {
	return &localNotifier{broker: broker, contextID: uuid.New()}
}

// publish delivers to every handler not owned by the sending context.
// Handlers run synchronously on the publisher's goroutine; the engine's
// handlers are cheap state applications.
func (broker *LocalBroker) publish(message Message) error {
	broker.mu.Lock()
	if broker.closed {
		broker.mu.Unlock()
		return fmt.Errorf("notify_local_publish_failed: broker closed")
	}
	var targets []Handler
	for contextID, registrations := range broker.handlers {
		if contextID == message.ContextID {
			continue
		}
		for _, handler := range registrations {
			targets = append(targets, handler)
		}
	}
	broker.mu.Unlock()

	for _, handler := range targets {
		handler(message)
	}
	return nil
}

func (broker *LocalBroker) subscribe(contextID string, handler Handler) func() {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	if broker.handlers[contextID] == nil {
		broker.handlers[contextID] = make(map[int]Handler)
	}
	broker.nextID++
	id := broker.nextID
	broker.handlers[contextID][id] = handler

	return func() {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		delete(broker.handlers[contextID], id)
	}
}

func (broker *LocalBroker) drop(contextID string) {
	broker.mu.Lock()
	defer broker.mu.Unlock()
	delete(broker.handlers, contextID)
}

// localNotifier is one context's handle on a [LocalBroker].
type localNotifier struct {
	broker    *LocalBroker
	contextID string
}

// Publish implements [Notifier].
func (notifier *localNotifier) Publish(_ context.Context, message Message) error {
	message.ContextID = notifier.contextID
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	return notifier.broker.publish(message)
}

// Subscribe implements [Notifier].
func (notifier *localNotifier) Subscribe(handler Handler) func() {
	return notifier.broker.subscribe(notifier.contextID, handler)
}

// ContextID implements [Notifier].
func (notifier *localNotifier) ContextID() string {
	return notifier.contextID
}

// Close implements [Notifier]. Dropping a context only removes its own
// subscriptions; the broker keeps serving other contexts.
func (notifier *localNotifier) Close() error {
	notifier.broker.drop(notifier.contextID)
	return nil
}

// NoopNotifier is the notifier used when no cross-context transport is
// configured: publishes vanish, subscriptions never fire.
type NoopNotifier struct {
	contextID string
}

// NewNoopNotifier creates a notifier with a fresh context identity and no
// transport behind it.
func NewNoopNotifier() *NoopNotifier {
	return &NoopNotifier{contextID: uuid.New()}
}

// Publish implements [Notifier].
func (notifier *NoopNotifier) Publish(context.Context, Message) error { return nil }

// Subscribe implements [Notifier].
func (notifier *NoopNotifier) Subscribe(Handler) func() { return func() {} }

// ContextID implements [Notifier].
func (notifier *NoopNotifier) ContextID() string { return notifier.contextID }

// Close implements [Notifier].
func (notifier *NoopNotifier) Close() error { return nil }
