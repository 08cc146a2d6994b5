// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package core holds identity and token state and runs the refresh protocol.

The upstream IdP rotates refresh tokens: a token, once exchanged, is
permanently invalid, and a second exchange fails with invalid_grant. The
store is built around the four guarantees that make rotation safe:

  - Single flight: at most one refresh request in flight per refresh token
    across every store instance in the process. Concurrent callers join the
    in-flight exchange and observe its outcome.
  - Minimum interval: automatic refreshes never run within 60 seconds of
    the previous one, so a misconfigured refresh window cannot loop.
  - Monotonic expiry: a token update carrying a strictly older expiry than
    the stored one is rejected; a slow context cannot overwrite fresher
    state from a faster one.
  - No implicit replacement: a refresh response without a new refresh token
    leaves the stored token untouched.

Refresh failures follow a fixed policy: invalid_grant clears the stored
refresh token (another context already rotated) without signing out; hard
token failures surface immediately; everything else retries on a 1, 5, 25
minute schedule before giving up quietly.
*/
package core

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/keyfort/keyfort-go/autherr"
	"github.com/keyfort/keyfort-go/events"
	"github.com/keyfort/keyfort-go/idp"
	"github.com/keyfort/keyfort-go/notify"
	"github.com/keyfort/keyfort-go/session"
)

// # State Model

// State is the authentication state of the store.
type State string

// The two store states.
const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
)

// Refresh protocol constants.
const (
	// minRefreshInterval is the floor between automatic refreshes.
	minRefreshInterval = 60 * time.Second

	// maxRefreshRetries bounds the retry ladder before giving up quietly.
	maxRefreshRetries = 3

	// retryBaseDelay and retryFactor define the ladder: 1, 5, 25 minutes.
	retryBaseDelay = time.Minute
	retryFactor    = 5

	// retryQuietWindow of uninterrupted operation resets the retry count.
	retryQuietWindow = time.Hour
)

// ErrStaleTokens rejects a token update whose expiry is strictly older
// than the stored one.
var ErrStaleTokens = errors.New("token update is staler than stored state")

// ErrNoRefreshToken reports a refresh attempt with nothing to exchange.
var ErrNoRefreshToken = errors.New("no refresh token available")

// refreshGroup is shared by every store instance in the process, keyed by
// refresh token. Package scope is what extends the single-flight guarantee
// across instances that components recreate.
var refreshGroup singleflight.Group

// IdentityProvider is the slice of the IdP client the store needs.
type IdentityProvider interface {
	RefreshToken(ctx context.Context, refreshToken string) (*idp.TokenResponse, error)
	SignOut(ctx context.Context, accessToken, refreshToken string) error
}

// Snapshot is the observable projection of the store.
type Snapshot struct {
	State      State
	User       session.User
	Tokens     session.TokenSet
	AuthMethod session.AuthMethod
}

// Config assembles a store's collaborators.
type Config struct {
	Provider IdentityProvider
	Sessions session.Store
	Notifier notify.Notifier
	Bus      *events.Bus
	Logger   *slog.Logger

	// RefreshBefore is how early to rotate before expiry. Values under one
	// minute are raised to the five-minute default.
	RefreshBefore time.Duration

	// Clock overrides the time source. Test hook.
	Clock func() time.Time
}

// Store is the auth core. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	state      State
	user       session.User
	tokens     session.TokenSet
	authMethod session.AuthMethod

	provider      IdentityProvider
	sessions      session.Store
	notifier      notify.Notifier
	bus           *events.Bus
	logger        *slog.Logger
	refreshBefore time.Duration
	now           func() time.Time

	timer         *time.Timer
	retryAttempts int
	lastFailureAt time.Time

	subscribers map[int]func(Snapshot)
	nextSubID   int

	unsubscribeNotifier func()
	closed              bool
}

// New creates an unauthenticated store. Call [Store.Initialize] to hydrate
// persisted state and start listening for cross-context updates.
func New(cfg Config) *Store {
	refreshBefore := cfg.RefreshBefore
	if refreshBefore < time.Minute {
		refreshBefore = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Store{
		state:         StateUnauthenticated,
		provider:      cfg.Provider,
		sessions:      cfg.Sessions,
		notifier:      cfg.Notifier,
		bus:           cfg.Bus,
		logger:        logger,
		refreshBefore: refreshBefore,
		now:           clock,
		subscribers:   make(map[int]func(Snapshot)),
	}
}

// # Lifecycle

/*
Initialize loads any persisted session, promotes it into memory, schedules
the next refresh, and subscribes to cross-context notifications.

Parameters:
  - ctx: context.Context

Returns:
  - error: Never fails on a missing or expired session; only on storage
    transport errors
*/
func (store *Store) Initialize(ctx context.Context) error {
	record, err := store.sessions.LoadSession(ctx)
	if err != nil {
		return err
	}

	store.mu.Lock()
	if record != nil {
		store.state = StateAuthenticated
		store.user = record.User
		store.tokens = record.Tokens
		store.authMethod = record.AuthMethod
		store.scheduleRefreshLocked()
	}
	store.mu.Unlock()

	if store.notifier != nil {
		store.unsubscribeNotifier = store.notifier.Subscribe(store.HandleNotification)
	}

	if record != nil {
		store.notifySubscribers()
	}
	return nil
}

// Close cancels the pending refresh and detaches from the notifier. The
// persisted session is left intact.
func (store *Store) Close() {
	store.mu.Lock()
	store.closed = true
	store.cancelTimerLocked()
	unsubscribe := store.unsubscribeNotifier
	store.unsubscribeNotifier = nil
	store.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Snapshot returns the current observable projection.
func (store *Store) Snapshot() Snapshot {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.snapshotLocked()
}

// Subscribe registers a callback invoked after every state change.
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

func (store *Store) snapshotLocked() Snapshot {
	return Snapshot{
		State:      store.state,
		User:       store.user,
		Tokens:     store.tokens,
		AuthMethod: store.authMethod,
	}
}

func (store *Store) notifySubscribers() {
	store.mu.Lock()
	snapshot := store.snapshotLocked()
	callbacks := make([]func(Snapshot), 0, len(store.subscribers))
	for _, callback := range store.subscribers {
		callbacks = append(callbacks, callback)
	}
	store.mu.Unlock()

	for _, callback := range callbacks {
		callback(snapshot)
	}
}

// # Token Updates

/*
UpdateTokens applies a new token set, optionally with the identity that
earned it, promotes the store to authenticated, persists the merged record,
broadcasts it to other contexts, and schedules the next refresh.

The monotonic-expiry guard rejects updates whose expiry is strictly older
than the stored one with [ErrStaleTokens]. A response without a refresh
token keeps the stored token. A token set without an expiry has one
inferred from the access token's exp claim when it is a JWT.

Parameters:
  - ctx: context.Context
  - user: The authenticated identity, nil to keep the stored one
  - tokens: The new token material
  - method: The ceremony that produced the tokens, empty to keep stored

Returns:
  - error: ErrStaleTokens on a stale update
*/
func (store *Store) UpdateTokens(ctx context.Context, user *session.User, tokens session.TokenSet, method session.AuthMethod) error {
	if tokens.ExpiresAt == 0 {
		tokens.ExpiresAt = inferJWTExpiry(tokens.AccessToken)
	}
	if tokens.RefreshedAt == 0 {
		tokens.RefreshedAt = store.now().UnixMilli()
	}

	store.mu.Lock()
	if tokens.ExpiresAt > 0 && store.tokens.ExpiresAt > 0 && tokens.ExpiresAt < store.tokens.ExpiresAt {
		store.mu.Unlock()
		return ErrStaleTokens
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = store.tokens.RefreshToken
	}
	if tokens.SecondaryToken == "" {
		tokens.SecondaryToken = store.tokens.SecondaryToken
		tokens.SecondaryExpiresAt = store.tokens.SecondaryExpiresAt
	}

	store.state = StateAuthenticated
	if user != nil {
		store.user = *user
	}
	if method != "" {
		store.authMethod = method
	}
	store.tokens = tokens

	patch := session.Patch{Tokens: session.TokensPatch(tokens)}
	if user != nil {
		patch.User = user
	}
	if method != "" {
		patch.AuthMethod = &method
	}
	record := &session.Record{User: store.user, Tokens: store.tokens, AuthMethod: store.authMethod}
	store.scheduleRefreshLocked()
	store.mu.Unlock()

	// Persistence and broadcast are best-effort: losing either degrades to
	// an in-memory session, never to a failed sign-in.
	if merged, err := store.sessions.SaveSession(ctx, patch); err != nil {
		store.logger.Warn("session_persist_failed", slog.Any("error", err))
	} else {
		record = merged
	}
	if store.notifier != nil {
		if err := store.notifier.Publish(ctx, notify.Message{
			Kind:   notify.KindSessionUpdated,
			Record: record,
		}); err != nil {
			store.logger.Warn("session_broadcast_failed", slog.Any("error", err))
		}
	}

	store.notifySubscribers()
	return nil
}

/*
RefreshTokens exchanges the stored refresh token for fresh material. All
concurrent callers of the same token share one exchange. Explicit calls are
not subject to the 60-second minimum interval; that guard applies to the
automatic scheduler only.

Parameters:
  - ctx: context.Context

Returns:
  - error: ErrNoRefreshToken, or the classified exchange failure
*/
func (store *Store) RefreshTokens(ctx context.Context) error {
	return store.refresh(ctx, false)
}

func (store *Store) refresh(ctx context.Context, automatic bool) error {
	store.mu.Lock()
	refreshToken := store.tokens.RefreshToken
	store.mu.Unlock()
	if refreshToken == "" {
		return ErrNoRefreshToken
	}

	result, err, shared := refreshGroup.Do(refreshToken, func() (any, error) {
		return store.provider.RefreshToken(ctx, refreshToken)
	})
	if err != nil {
		return store.handleRefreshFailure(ctx, err, automatic)
	}

	response := result.(*idp.TokenResponse)
	tokens := session.TokenSet{
		AccessToken:        response.AccessToken,
		RefreshToken:       response.RefreshToken,
		ExpiresAt:          response.ExpiresAt,
		RefreshedAt:        store.now().UnixMilli(),
		SecondaryToken:     response.SecondaryToken,
		SecondaryExpiresAt: response.SecondaryExpiresAt,
	}
	if err := store.UpdateTokens(ctx, nil, tokens, ""); err != nil {
		// A shared caller may have applied the same outcome first.
		if errors.Is(err, ErrStaleTokens) && shared {
			err = nil
		}
		if err != nil {
			return err
		}
	}

	store.mu.Lock()
	store.retryAttempts = 0
	store.mu.Unlock()

	if store.bus != nil {
		store.bus.Emit(events.TokenRefreshed, store.Snapshot())
	}
	return nil
}

// handleRefreshFailure applies the fixed failure policy.
func (store *Store) handleRefreshFailure(ctx context.Context, refreshErr error, automatic bool) error {
	switch {
	case autherr.IsInvalidGrant(refreshErr):
		// Another context rotated first. Drop the spent token everywhere
		// but keep the session: the access token stays valid until its own
		// expiry.
		store.mu.Lock()
		store.tokens.RefreshToken = ""
		store.retryAttempts = 0
		store.cancelTimerLocked()
		store.mu.Unlock()

		empty := ""
		if _, err := store.sessions.SaveSession(ctx, session.Patch{
			Tokens: &session.TokenPatch{RefreshToken: &empty},
		}); err != nil {
			store.logger.Warn("refresh_token_clear_failed", slog.Any("error", err))
		}

		store.logger.Info("refresh_token_rotated_elsewhere")
		if store.bus != nil {
			store.bus.Emit(events.SessionExpired, refreshErr)
		}
		store.notifySubscribers()
		return refreshErr

	case autherr.IsHardTokenFailure(refreshErr):
		store.mu.Lock()
		store.retryAttempts = 0
		store.mu.Unlock()
		store.logger.Warn("refresh_rejected", slog.Any("error", refreshErr))
		return refreshErr

	default:
		if !automatic {
			return refreshErr
		}

		store.mu.Lock()
		now := store.now()
		if !store.lastFailureAt.IsZero() && now.Sub(store.lastFailureAt) > retryQuietWindow {
			store.retryAttempts = 0
		}
		store.lastFailureAt = now
		store.retryAttempts++
		attempt := store.retryAttempts
		if attempt <= maxRefreshRetries {
			delay := retryBaseDelay * time.Duration(math.Pow(retryFactor, float64(attempt-1)))
			store.scheduleAtLocked(delay)
		} else {
			// Give up quietly; the user keeps the current access token and
			// re-authenticates when it lapses.
			store.cancelTimerLocked()
		}
		store.mu.Unlock()

		store.logger.Warn("refresh_failed",
			slog.Int("attempt", attempt),
			slog.Any("error", refreshErr),
		)
		return refreshErr
	}
}

// # Scheduling

// scheduleRefreshLocked arms the timer for the next automatic refresh.
// Caller holds the lock.
func (store *Store) scheduleRefreshLocked() {
	store.cancelTimerLocked()
	if store.closed || store.tokens.RefreshToken == "" || store.tokens.ExpiresAt == 0 {
		return
	}

	now := store.now()
	nowMillis := now.UnixMilli()
	remaining := time.Duration(store.tokens.ExpiresAt-nowMillis) * time.Millisecond

	var delay time.Duration
	if remaining < minRefreshInterval {
		// Short-lived token: refresh at 80% of what is left.
		delay = remaining * 8 / 10
		if delay < time.Second {
			delay = time.Second
		}
	} else {
		target := store.tokens.ExpiresAt - store.refreshBefore.Milliseconds()
		if floor := store.tokens.RefreshedAt + minRefreshInterval.Milliseconds(); floor > target {
			target = floor
		}
		if floor := nowMillis + 1000; floor > target {
			target = floor
		}
		delay = time.Duration(target-nowMillis) * time.Millisecond
	}

	store.scheduleAtLocked(delay)
}

// scheduleAtLocked replaces the pending timer. Caller holds the lock.
func (store *Store) scheduleAtLocked(delay time.Duration) {
	store.cancelTimerLocked()
	if store.closed {
		return
	}
	store.timer = time.AfterFunc(delay, store.autoRefresh)
	store.logger.Debug("refresh_scheduled", slog.Duration("in", delay))
}

func (store *Store) cancelTimerLocked() {
	if store.timer != nil {
		store.timer.Stop()
		store.timer = nil
	}
}

// autoRefresh is the timer callback. It re-checks the minimum interval at
// fire time; a refresh that landed meanwhile pushes the schedule out
// instead of running again.
func (store *Store) autoRefresh() {
	store.mu.Lock()
	if store.closed || store.state != StateAuthenticated {
		store.mu.Unlock()
		return
	}
	elapsed := time.Duration(store.now().UnixMilli()-store.tokens.RefreshedAt) * time.Millisecond
	if store.tokens.RefreshedAt > 0 && elapsed < minRefreshInterval {
		store.scheduleAtLocked(minRefreshInterval - elapsed)
		store.mu.Unlock()
		return
	}
	store.mu.Unlock()

	// Errors are fully handled by the failure policy; nothing to return to.
	_ = store.refresh(context.Background(), true)
}

// # Sign-Out

/*
SignOut revokes the session upstream (best-effort), clears every token
field, removes the persisted record, and tells other contexts. Idempotent;
calling it while unauthenticated only re-clears storage.

Parameters:
  - ctx: context.Context
*/
func (store *Store) SignOut(ctx context.Context) {
	store.mu.Lock()
	accessToken := store.tokens.AccessToken
	refreshToken := store.tokens.RefreshToken
	store.clearLocked()
	store.mu.Unlock()

	if accessToken != "" && store.provider != nil {
		if err := store.provider.SignOut(ctx, accessToken, refreshToken); err != nil {
			store.logger.Warn("signout_upstream_failed", slog.Any("error", err))
		}
	}

	if err := store.sessions.ClearSession(ctx); err != nil {
		store.logger.Warn("session_clear_failed", slog.Any("error", err))
	}
	if store.notifier != nil {
		if err := store.notifier.Publish(ctx, notify.Message{Kind: notify.KindSessionCleared}); err != nil {
			store.logger.Warn("signout_broadcast_failed", slog.Any("error", err))
		}
	}

	if store.bus != nil {
		store.bus.Emit(events.SignOut, nil)
	}
	store.notifySubscribers()
}

// clearLocked resets to the unauthenticated state. Caller holds the lock.
func (store *Store) clearLocked() {
	store.state = StateUnauthenticated
	store.user = session.User{}
	store.tokens = session.TokenSet{}
	store.authMethod = ""
	store.retryAttempts = 0
	store.cancelTimerLocked()
}

// # Cross-Context Convergence

// HandleNotification applies a session change broadcast by another
// context. Updates pass through the monotonic-expiry guard, so a stale
// broadcast is dropped rather than applied; clears are taken as-is.
func (store *Store) HandleNotification(message notify.Message) {
	switch message.Kind {
	case notify.KindSessionCleared:
		store.mu.Lock()
		store.clearLocked()
		store.mu.Unlock()
		store.notifySubscribers()

	case notify.KindSessionUpdated:
		if message.Record == nil {
			return
		}
		store.mu.Lock()
		incoming := message.Record.Tokens
		if incoming.ExpiresAt > 0 && store.tokens.ExpiresAt > 0 && incoming.ExpiresAt < store.tokens.ExpiresAt {
			store.mu.Unlock()
			store.logger.Debug("stale_broadcast_dropped")
			return
		}
		store.state = StateAuthenticated
		store.user = message.Record.User
		if incoming.RefreshToken == "" {
			incoming.RefreshToken = store.tokens.RefreshToken
		}
		store.tokens = incoming
		if message.Record.AuthMethod != "" {
			store.authMethod = message.Record.AuthMethod
		}
		store.scheduleRefreshLocked()
		store.mu.Unlock()
		store.notifySubscribers()
	}
}
