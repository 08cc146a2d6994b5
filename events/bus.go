// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package events implements the typed lifecycle event bus of the Keyfort engine.

It is a synchronous, intra-process publish/subscribe bridge: components emit
lifecycle events, embedding applications (telemetry sinks, error reporters)
subscribe to them. Cross-context propagation is explicitly not this package's
job — that belongs to the notify package.

Architecture:

  - Closed event set: every emission carries one of the [Type] constants.
  - Isolation: a panicking handler is recovered and logged; it never
    suppresses the remaining handlers.
  - Ordering: handlers run synchronously, in registration order.
*/
package events

import (
	"log/slog"
	"reflect"
	"sync"
)

// Type identifies a lifecycle event.
type Type string

// The closed set of lifecycle events published by the engine.
const (
	SignInStarted       Type = "sign_in_started"
	SignInSuccess       Type = "sign_in_success"
	SignInError         Type = "sign_in_error"
	SignOut             Type = "sign_out"
	TokenRefreshed      Type = "token_refreshed"
	SessionExpired      Type = "session_expired"
	PasskeyUsed         Type = "passkey_used"
	PasskeyCreated      Type = "passkey_created"
	RegistrationStarted Type = "registration_started"
	RegistrationSuccess Type = "registration_success"
	RegistrationError   Type = "registration_error"
)

// Handler consumes an event payload. Handlers must not block on I/O; work
// that needs the network must be enqueued elsewhere.
type Handler func(payload any)

// registration wraps a handler so that the same function can be registered
// and removed independently of other registrations.
type registration struct {
	handler Handler
}

// Bus is the intra-process event dispatcher.
//
// # Concurrency
//
// Bus is safe for concurrent use. Emission holds no lock while handlers run,
// so handlers may themselves subscribe or unsubscribe.
type Bus struct {
	mu       sync.Mutex
	handlers map[Type][]*registration
	logger   *slog.Logger
}

// NewBus constructs an empty event bus. A nil logger falls back to
// [slog.Default].
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Type][]*registration),
		logger:   logger,
	}
}

// On registers a handler for the given event type and returns its
// unsubscribe function.
func (bus *Bus) On(eventType Type, handler Handler) (off func()) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	entry := &registration{handler: handler}
	bus.handlers[eventType] = append(bus.handlers[eventType], entry)

	return func() {
		bus.remove(eventType, entry)
	}
}

// Emit delivers the payload to every handler of the event type,
// synchronously and in registration order. A failing handler is logged and
// skipped; the rest still run.
func (bus *Bus) Emit(eventType Type, payload any) {
	bus.mu.Lock()
	registrations := make([]*registration, len(bus.handlers[eventType]))
	copy(registrations, bus.handlers[eventType])
	bus.mu.Unlock()

	for _, entry := range registrations {
		bus.dispatch(eventType, entry.handler, payload)
	}
}

// Off removes every registration of the given handler for the event type.
// Handlers registered multiple times are removed entirely; prefer the
// unsubscribe function returned by [Bus.On] for precise removal.
func (bus *Bus) Off(eventType Type, handler Handler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	kept := bus.handlers[eventType][:0]
	for _, entry := range bus.handlers[eventType] {
		if !sameHandler(entry.handler, handler) {
			kept = append(kept, entry)
		}
	}
	bus.handlers[eventType] = kept
}

// RemoveAllListeners drops every registration for the given types, or for
// all types when none are specified.
func (bus *Bus) RemoveAllListeners(types ...Type) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	if len(types) == 0 {
		bus.handlers = make(map[Type][]*registration)
		return
	}
	for _, eventType := range types {
		delete(bus.handlers, eventType)
	}
}

// dispatch runs one handler under a recover fence.
func (bus *Bus) dispatch(eventType Type, handler Handler, payload any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			bus.logger.Error("event_handler_panicked",
				slog.String("event", string(eventType)),
				slog.Any("panic", recovered),
			)
		}
	}()
	handler(payload)
}

// sameHandler compares two handlers by code pointer. Function values are
// not comparable with ==; the pointer identity is the closest stable notion.
func sameHandler(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// remove deletes one specific registration.
func (bus *Bus) remove(eventType Type, entry *registration) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	kept := bus.handlers[eventType][:0]
	for _, candidate := range bus.handlers[eventType] {
		if candidate != entry {
			kept = append(kept, candidate)
		}
	}
	bus.handlers[eventType] = kept
}
