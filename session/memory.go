// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session

import (
	"context"
	"sync"
)

// # In-Memory Adapter

// memorySlots is the volatile slot backing. Sessions vanish with the
// process; suitable for tests and for the volatile storage class.
type memorySlots struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates a volatile in-process session store.
func NewMemoryStore(opts ...Option) Store {
	return newSessionStore(&memorySlots{data: make(map[string][]byte)}, opts)
}

func (slots *memorySlots) get(_ context.Context, slot string) ([]byte, error) {
	slots.mu.Lock()
	defer slots.mu.Unlock()

	data, ok := slots.data[slot]
	if !ok {
		return nil, nil
	}
	// Copy out so callers can never alias the stored buffer.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (slots *memorySlots) put(_ context.Context, slot string, data []byte) error {
	slots.mu.Lock()
	defer slots.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	slots.data[slot] = stored
	return nil
}

func (slots *memorySlots) del(_ context.Context, slot string) error {
	slots.mu.Lock()
	defer slots.mu.Unlock()

	delete(slots.data, slot)
	return nil
}
