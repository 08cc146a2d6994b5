// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package idp

import (
	"sync"
	"time"

	"github.com/keyfort/keyfort-go/session"
)

// # Discovery Cache

// DefaultDiscoveryTTL bounds how long a discovery result is reused. It must
// stay below the server's one-time-code validity so a cached pin-status can
// never outlive the code it describes.
const DefaultDiscoveryTTL = 2 * time.Minute

// DiscoveryCache memoizes user-lookup results per normalized email for the
// duration of a single ceremony. It is per-context state, never shared.
type DiscoveryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]discoveryEntry
	now     func() time.Time
}

type discoveryEntry struct {
	result   DiscoveryResult
	cachedAt time.Time
}

// NewDiscoveryCache creates an empty cache. A non-positive ttl falls back
// to [DefaultDiscoveryTTL].
func NewDiscoveryCache(ttl time.Duration) *DiscoveryCache {
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	return &DiscoveryCache{
		ttl:     ttl,
		entries: make(map[string]discoveryEntry),
		now:     time.Now,
	}
}

// Get returns the cached result for email if it is younger than the TTL.
func (cache *DiscoveryCache) Get(email string) (*DiscoveryResult, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	key := session.NormalizeEmail(email)
	entry, ok := cache.entries[key]
	if !ok {
		return nil, false
	}
	if cache.now().Sub(entry.cachedAt) >= cache.ttl {
		delete(cache.entries, key)
		return nil, false
	}

	result := entry.result
	return &result, true
}

// Set stores or refreshes the entry for email.
func (cache *DiscoveryCache) Set(email string, result DiscoveryResult) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.entries[session.NormalizeEmail(email)] = discoveryEntry{
		result:   result,
		cachedAt: cache.now(),
	}
}

// Invalidate drops the entry for email. Called after any operation that can
// change the user's existence or credential set, so a stale "exists=false"
// never blocks a just-registered user.
func (cache *DiscoveryCache) Invalidate(email string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.entries, session.NormalizeEmail(email))
}

// ClearAll empties the cache.
func (cache *DiscoveryCache) ClearAll() {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.entries = make(map[string]discoveryEntry)
}
