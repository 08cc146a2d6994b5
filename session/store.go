// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// # Store Contract

// Store is the session persistence adapter contract.
//
// Adapters are storage-class plumbing only: expiry policy lives in the load
// path (an expired record with no refresh token is discarded), and nothing
// expires records in the background.
type Store interface {

	/*
		SaveSession merges the patch into the stored record (creating one if
		absent) and returns the merged record as persisted. Callers rely on
		this return value instead of re-reading.

		Parameters:
		  - ctx: context.Context
		  - patch: Patch

		Returns:
		  - *Record: The merged record
		  - error: Persistence failures
	*/
	SaveSession(ctx context.Context, patch Patch) (*Record, error)

	/*
		LoadSession reads the stored record. A malformed payload and an
		expired record with no refresh token both clear the slot and return
		(nil, nil).

		Parameters:
		  - ctx: context.Context

		Returns:
		  - *Record: The stored record, or nil
		  - error: Retrieval failures
	*/
	LoadSession(ctx context.Context) (*Record, error)

	/*
		ClearSession removes the session slot.

		Parameters:
		  - ctx: context.Context

		Returns:
		  - error: Persistence failures
	*/
	ClearSession(ctx context.Context) error

	/*
		SaveUser stores the last-user hint.

		Parameters:
		  - ctx: context.Context
		  - lastUser: LastUser

		Returns:
		  - error: Persistence failures
	*/
	SaveUser(ctx context.Context, lastUser LastUser) error

	/*
		LoadUser reads the last-user hint. Hints older than 30 days clear
		the slot and return (nil, nil).

		Parameters:
		  - ctx: context.Context

		Returns:
		  - *LastUser: The stored hint, or nil
		  - error: Retrieval failures
	*/
	LoadUser(ctx context.Context) (*LastUser, error)

	/*
		ClearUser removes the last-user slot.

		Parameters:
		  - ctx: context.Context

		Returns:
		  - error: Persistence failures
	*/
	ClearUser(ctx context.Context) error
}

// Slot names shared by every adapter.
const (
	slotSession  = "session"
	slotLastUser = "lastuser"
)

// slotStore is the minimal raw-bytes backing each adapter provides. A nil
// byte slice from get means "slot absent".
type slotStore interface {
	get(ctx context.Context, slot string) ([]byte, error)
	put(ctx context.Context, slot string, data []byte) error
	del(ctx context.Context, slot string) error
}

// # Options

// Option customizes a store at construction.
type Option func(*storeOptions)

type storeOptions struct {
	logger *slog.Logger
	sealer *Sealer
	now    func() time.Time
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(options *storeOptions) { options.logger = logger }
}

// WithSealer enables at-rest encryption of every persisted slot.
func WithSealer(sealer *Sealer) Option {
	return func(options *storeOptions) { options.sealer = sealer }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(options *storeOptions) { options.now = now }
}

func buildOptions(opts []Option) storeOptions {
	options := storeOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// # Generic Adapter Core

// sessionStore implements [Store] on top of any slotStore. The merge
// discipline, dual encoding, sealing, and load-time expiry all live here so
// that every adapter behaves identically.
type sessionStore struct {
	// mu serializes read-merge-write cycles within this context. Cross
	// context races are resolved by the caller's monotonic-expiry guard,
	// not by the adapter.
	mu     sync.Mutex
	slots  slotStore
	logger *slog.Logger
	sealer *Sealer
	now    func() time.Time
}

func newSessionStore(slots slotStore, opts []Option) *sessionStore {
	options := buildOptions(opts)
	return &sessionStore{
		slots:  slots,
		logger: options.logger,
		sealer: options.sealer,
		now:    options.now,
	}
}

// SaveSession implements [Store].
func (store *sessionStore) SaveSession(ctx context.Context, patch Patch) (*Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	// Read the current record; a malformed payload is treated as absent so
	// a save can always repair the slot.
	existing, err := store.readSession(ctx)
	if err != nil {
		return nil, err
	}

	merged := merge(existing, patch)

	data, err := encodeRecord(merged)
	if err != nil {
		return nil, err
	}
	data, err = store.seal(data)
	if err != nil {
		return nil, err
	}

	if err := store.slots.put(ctx, slotSession, data); err != nil {
		return nil, fmt.Errorf("session_save_failed: %w", err)
	}
	return merged, nil
}

// LoadSession implements [Store].
func (store *sessionStore) LoadSession(ctx context.Context) (*Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, err := store.readSession(ctx)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	// Load-time expiry: no refresh token left means nothing can revive
	// this record.
	if record.Expired(store.now()) {
		store.clearSlot(ctx, slotSession, "session_expired_on_load")
		return nil, nil
	}
	return record, nil
}

// ClearSession implements [Store].
func (store *sessionStore) ClearSession(ctx context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.slots.del(ctx, slotSession); err != nil {
		return fmt.Errorf("session_clear_failed: %w", err)
	}
	return nil
}

// SaveUser implements [Store].
func (store *sessionStore) SaveUser(ctx context.Context, lastUser LastUser) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	lastUser.Email = NormalizeEmail(lastUser.Email)

	data, err := json.Marshal(lastUser)
	if err != nil {
		return fmt.Errorf("lastuser_encode_failed: %w", err)
	}
	data, err = store.seal(data)
	if err != nil {
		return err
	}

	if err := store.slots.put(ctx, slotLastUser, data); err != nil {
		return fmt.Errorf("lastuser_save_failed: %w", err)
	}
	return nil
}

// LoadUser implements [Store].
func (store *sessionStore) LoadUser(ctx context.Context) (*LastUser, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	data, err := store.slots.get(ctx, slotLastUser)
	if err != nil {
		return nil, fmt.Errorf("lastuser_load_failed: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	data, err = store.open(data)
	if err != nil {
		store.clearSlot(ctx, slotLastUser, "lastuser_unseal_failed")
		return nil, nil
	}

	var lastUser LastUser
	if err := json.Unmarshal(data, &lastUser); err != nil {
		store.clearSlot(ctx, slotLastUser, "lastuser_malformed")
		return nil, nil
	}

	if lastUser.Stale(store.now()) {
		store.clearSlot(ctx, slotLastUser, "lastuser_stale")
		return nil, nil
	}
	return &lastUser, nil
}

// ClearUser implements [Store].
func (store *sessionStore) ClearUser(ctx context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := store.slots.del(ctx, slotLastUser); err != nil {
		return fmt.Errorf("lastuser_clear_failed: %w", err)
	}
	return nil
}

// readSession fetches and decodes the session slot without the expiry
// check. Malformed payloads clear the slot and read as absent.
func (store *sessionStore) readSession(ctx context.Context) (*Record, error) {
	data, err := store.slots.get(ctx, slotSession)
	if err != nil {
		return nil, fmt.Errorf("session_load_failed: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	data, err = store.open(data)
	if err != nil {
		store.clearSlot(ctx, slotSession, "session_unseal_failed")
		return nil, nil
	}

	record, err := decodeRecord(data)
	if err != nil {
		store.clearSlot(ctx, slotSession, "session_malformed")
		return nil, nil
	}
	return record, nil
}

// clearSlot best-effort deletes a slot, logging the reason.
func (store *sessionStore) clearSlot(ctx context.Context, slot, reason string) {
	if err := store.slots.del(ctx, slot); err != nil {
		store.logger.Warn("session_slot_clear_failed",
			slog.String("slot", slot),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		return
	}
	store.logger.Debug("session_slot_cleared",
		slog.String("slot", slot),
		slog.String("reason", reason),
	)
}

// seal encrypts the payload when a sealer is configured.
func (store *sessionStore) seal(data []byte) ([]byte, error) {
	if store.sealer == nil {
		return data, nil
	}
	return store.sealer.Seal(data)
}

// open decrypts the payload when a sealer is configured.
func (store *sessionStore) open(data []byte) ([]byte, error) {
	if store.sealer == nil {
		return data, nil
	}
	return store.sealer.Open(data)
}
