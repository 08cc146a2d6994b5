// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package ceremony

import (
	"log/slog"
	"sync"

	"github.com/keyfort/keyfort-go/autherr"
	"github.com/keyfort/keyfort-go/session"
)

// # Ceremony Store

// Snapshot is the observable projection of a ceremony in progress.
type Snapshot struct {
	State State

	Email     string
	FullName  string
	EmailCode string

	UserExists          bool
	HasPasskeys         bool
	HasValidPin         bool
	PinRemainingMinutes int

	EmailCodeSent         bool
	Loading               bool
	ConditionalAuthActive bool

	// LastError is the most recent non-retryable failure routed into
	// generalError, nil while the ceremony is healthy.
	LastError *autherr.AuthError
}

// Store holds one sign-in attempt's working state. Safe for concurrent
// use; the UI and the engine's network callbacks race freely against it.
type Store struct {
	mu       sync.Mutex
	snapshot Snapshot
	mode     Mode
	logger   *slog.Logger

	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// NewStore creates a ceremony at email entry.
func NewStore(mode Mode, logger *slog.Logger) *Store {
	if mode == "" {
		mode = ModeLoginOrRegister
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		snapshot:    Snapshot{State: StateEmailEntry},
		mode:        mode,
		logger:      logger,
		subscribers: make(map[int]func(Snapshot)),
	}
}

// SetMode switches the routing mode for subsequent transitions, so a
// runtime sign-in-mode change applies to the ceremony in progress. An
// empty mode falls back to login-or-register, matching [NewStore].
func (store *Store) SetMode(mode Mode) {
	if mode == "" {
		mode = ModeLoginOrRegister
	}
	store.mu.Lock()
	store.mode = mode
	store.mu.Unlock()
}

// Snapshot returns the current projection.
func (store *Store) Snapshot() Snapshot {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.snapshot
}

// State returns the current ceremony state.
func (store *Store) State() State {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.snapshot.State
}

// Subscribe registers a callback invoked after every change.
func (store *Store) Subscribe(callback func(Snapshot)) func() {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.nextSubID++
	id := store.nextSubID
	store.subscribers[id] = callback

	return func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		delete(store.subscribers, id)
	}
}

// # Working-Data Setters
//
// These mutate the ceremony's scratch fields without running a transition.
// State changes go through Apply.

// SetEmail records the address under entry. Changing the address resets
// the discovery flags; they described the previous one.
func (store *Store) SetEmail(email string) {
	email = session.NormalizeEmail(email)
	store.update(func(snapshot *Snapshot) {
		if snapshot.Email != email {
			snapshot.UserExists = false
			snapshot.HasPasskeys = false
			snapshot.HasValidPin = false
			snapshot.PinRemainingMinutes = 0
			snapshot.EmailCodeSent = false
		}
		snapshot.Email = email
	})
}

// SetFullName records the display name captured during enrollment.
func (store *Store) SetFullName(fullName string) {
	store.update(func(snapshot *Snapshot) { snapshot.FullName = fullName })
}

// SetEmailCode records the one-time code as typed.
func (store *Store) SetEmailCode(code string) {
	store.update(func(snapshot *Snapshot) { snapshot.EmailCode = code })
}

// SetLoading flags an in-flight network action.
func (store *Store) SetLoading(loading bool) {
	store.update(func(snapshot *Snapshot) { snapshot.Loading = loading })
}

// SetEmailCodeSent records that a code has been dispatched.
func (store *Store) SetEmailCodeSent(sent bool) {
	store.update(func(snapshot *Snapshot) { snapshot.EmailCodeSent = sent })
}

// SetConditionalAuthActive flags a pending conditional-UI passkey request.
func (store *Store) SetConditionalAuthActive(active bool) {
	store.update(func(snapshot *Snapshot) { snapshot.ConditionalAuthActive = active })
}

// # Event Application

/*
Apply runs one transition and folds the event's payload into the working
state. Unlisted state/event pairs leave the state untouched but still
record payload data (a USER_CHECKED result updates the discovery flags
regardless of where it lands).

Parameters:
  - event: Event

Returns:
  - State: The ceremony state after the transition
*/
func (store *Store) Apply(event Event) State {
	var next State
	store.update(func(snapshot *Snapshot) {
		previous := snapshot.State
		next = transition(previous, event, store.mode)

		switch event.Type {
		case UserChecked:
			snapshot.UserExists = event.Exists
			snapshot.HasPasskeys = event.HasPasskey
			snapshot.HasValidPin = event.HasValidPin
			snapshot.PinRemainingMinutes = event.PinRemainingMinutes
			if next == StateGeneralError {
				snapshot.LastError = autherr.New(autherr.CodeUserNotFound, "no account exists for this email").
					WithContext("checkUser", snapshot.Email)
			}

		case EmailCodeEntered:
			snapshot.EmailCode = event.Code

		case SentPinEmail, EmailSent:
			snapshot.EmailCodeSent = true

		case PasskeyFailed:
			if next == StateGeneralError {
				snapshot.LastError = event.Err
			}

		case ErrorOccurred:
			if next == StateGeneralError {
				snapshot.LastError = event.Err
			}

		case Reset:
			// Keep the email; clear everything else the attempt produced.
			snapshot.EmailCode = ""
			snapshot.EmailCodeSent = false
			snapshot.Loading = false
			snapshot.ConditionalAuthActive = false
			snapshot.UserExists = false
			snapshot.HasPasskeys = false
			snapshot.HasValidPin = false
			snapshot.PinRemainingMinutes = 0
			snapshot.LastError = nil
		}

		if next != previous {
			store.logger.Debug("ceremony_transition",
				slog.String("from", string(previous)),
				slog.String("event", string(event.Type)),
				slog.String("to", string(next)),
			)
		}
		snapshot.State = next
	})
	return next
}

// update mutates the snapshot under the lock and fans the result out.
func (store *Store) update(mutate func(*Snapshot)) {
	store.mu.Lock()
	mutate(&store.snapshot)
	snapshot := store.snapshot
	callbacks := make([]func(Snapshot), 0, len(store.subscribers))
	for _, callback := range store.subscribers {
		callbacks = append(callbacks, callback)
	}
	store.mu.Unlock()

	for _, callback := range callbacks {
		callback(snapshot)
	}
}
