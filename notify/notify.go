// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package notify propagates session changes between engine contexts.

When one context signs in, refreshes tokens, or signs out, every other
context of the same origin learns about it through a notifier and converges
on the same session state. Two implementations ship:

  - LocalBroker: in-process fan-out, for contexts living in one process.
  - RedisNotifier: Redis pub/sub, for contexts spread across processes or
    machines sharing a durable session store.

Architecture:

  - Message: A session snapshot (or clear marker) stamped with the sender's
    context ID and a millisecond timestamp.
  - Self-exclusion: A notifier never delivers a context's own messages back
    to it; the sender already applied the change locally.
  - Last-writer-wins is NOT the convergence rule. Receivers apply updates
    through the engine's monotonic-expiry guard, so a stale broadcast can
    never roll a fresher session back.
*/
package notify

import (
	"context"

	"github.com/keyfort/keyfort-go/session"
)

// Kind discriminates the two notification shapes.
type Kind string

// The closed set of notification kinds.
const (
	// KindSessionUpdated carries the full merged record after a sign-in,
	// refresh, or profile update.
	KindSessionUpdated Kind = "SESSION_UPDATED"

	// KindSessionCleared announces a sign-out. Record is nil.
	KindSessionCleared Kind = "SESSION_CLEARED"
)

// Message is one cross-context session notification.
type Message struct {
	Kind Kind `json:"kind"`

	// Record is the session after the change, nil for clears.
	Record *session.Record `json:"record,omitempty"`

	// Timestamp is the sender's clock at publish time, millisecond epoch.
	Timestamp int64 `json:"timestamp"`

	// ContextID identifies the sending context so receivers can ignore
	// their own broadcasts.
	ContextID string `json:"contextId"`
}

// Handler receives messages published by other contexts.
type Handler func(message Message)

// Notifier is the cross-context propagation contract.
type Notifier interface {

	/*
		Publish broadcasts a message to every other subscribed context. The
		notifier stamps the message with its own context ID before sending.

		Parameters:
		  - ctx: context.Context
		  - message: Message

		Returns:
		  - error: Transport failures
	*/
	Publish(ctx context.Context, message Message) error

	/*
		Subscribe registers a handler for messages from other contexts. The
		handler never sees this context's own publishes.

		Parameters:
		  - handler: Handler

		Returns:
		  - func(): Unsubscribe closure, safe to call more than once
	*/
	Subscribe(handler Handler) func()

	/*
		ContextID returns the stable identifier of this context, unique per
		notifier instance.

		Returns:
		  - string: The context identifier
	*/
	ContextID() string

	/*
		Close releases transport resources. Publish and Subscribe must not
		be called after Close.

		Returns:
		  - error: Shutdown failures
	*/
	Close() error
}
