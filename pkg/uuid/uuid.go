// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package uuid provides time-ordered unique identifiers for the engine.

It wraps the standard UUID library to specifically generate Version 7 values,
which are naturally sortable by creation time.

Advantages:

  - Sortable: Naturally ordered by creation time (millisecond precision).
  - Traceable: Context and event identifiers carry their creation instant.
  - Compact: 128-bit storage, compatible with standard 'uuid' types.

This is the mandatory ID type for context identities and event records in the
Keyfort engine.
*/
package uuid

import "github.com/google/uuid"

// # Generators

// New generates a new UUIDv7 string.
func New() string {

	// Create a new version 7 UUID (time-sortable)
	id, err := uuid.NewV7()

	// entropy failure is an unrecoverable system-level error
	if err != nil {
		panic("uuidv7: failed to generate UUID: " + err.Error())
	}

	// Convert the UUID to a string
	return id.String()
}

// Must generates a new UUIDv7 or panics.
// Standard Go pattern for initialization where failure is not an option.
func Must() string {
	return New()
}
