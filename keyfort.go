// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package keyfort is the passwordless authentication engine.

It signs end users in against an upstream identity provider with passkeys,
one-time email codes, and magic links, then keeps the session alive with
single-flight refresh-token rotation, durable persistence, and cross-context
convergence. The Engine is the only surface the embedding application
touches: one observable State, one action set, one event bus.

Architecture:

  - Engine: the composition facade. Owns the auth core, the sign-in
    ceremony, the IdP client, persistence, and the notifier; projects one
    merged State to subscribers.
  - internal/core: token custody and the refresh protocol.
  - internal/ceremony: the pure sign-in state machine.
  - idp, session, notify, events, autherr: the building blocks, usable on
    their own.

Construction:

	cfg := keyfort.Config{
		APIBaseURL: "https://id.example.com",
		ClientID:   "app-1",
		Domain:     "example.com",
	}
	engine, err := keyfort.New(cfg)
	...
	err = engine.Initialize(ctx)
*/
package keyfort

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/keyfort/keyfort-go/autherr"
	"github.com/keyfort/keyfort-go/events"
	"github.com/keyfort/keyfort-go/idp"
	"github.com/keyfort/keyfort-go/internal/ceremony"
	"github.com/keyfort/keyfort-go/internal/core"
	"github.com/keyfort/keyfort-go/notify"
	"github.com/keyfort/keyfort-go/session"
)

// # Collaborators

// Authenticator is the platform WebAuthn bridge the embedding application
// provides. The engine never interprets the payloads; it carries them
// between the IdP and the authenticator opaque.
type Authenticator interface {

	/*
		Assert asks the platform authenticator to sign the challenge with an
		existing credential. A user declining the prompt must surface as an
		authCancelled error.

		Parameters:
		  - ctx: context.Context
		  - options: idp.ChallengeResponse

		Returns:
		  - json.RawMessage: The assertion, passed to the IdP unchanged
		  - error: Cancellation or authenticator failures
	*/
	Assert(ctx context.Context, options idp.ChallengeResponse) (json.RawMessage, error)

	/*
		Create asks the platform authenticator to mint a new credential.

		Parameters:
		  - ctx: context.Context
		  - options: idp.RegistrationOptions

		Returns:
		  - json.RawMessage: The attestation, passed to the IdP unchanged
		  - error: Cancellation or authenticator failures
	*/
	Create(ctx context.Context, options idp.RegistrationOptions) (json.RawMessage, error)
}

// # Engine

// Engine is the composition facade. Safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	config Config

	core      *core.Store
	ceremony  *ceremony.Store
	client    *idp.Client
	sessions  session.Store
	notifier  notify.Notifier
	bus       *events.Bus
	platform  Authenticator
	logger    *slog.Logger
	ownsStore bool

	apiError *autherr.AuthError
	uiError  *autherr.AuthError

	platformAuthenticatorAvailable bool

	subscribers map[int]func(State)
	nextSubID   int
}

// Option customizes an engine at construction.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(engine *Engine) { engine.logger = logger }
}

// WithSessionStore replaces the storage-config-derived session store, e.g.
// with a Redis or Postgres adapter shared between machines.
func WithSessionStore(store session.Store) Option {
	return func(engine *Engine) { engine.sessions = store; engine.ownsStore = false }
}

// WithNotifier attaches a cross-context notifier. Defaults to a notifier
// with no transport.
func WithNotifier(notifier notify.Notifier) Option {
	return func(engine *Engine) { engine.notifier = notifier }
}

// WithAuthenticator attaches the platform WebAuthn bridge. Passkey actions
// fail with authFailed when absent.
func WithAuthenticator(authenticator Authenticator) Option {
	return func(engine *Engine) {
		engine.platform = authenticator
		engine.platformAuthenticatorAvailable = authenticator != nil
	}
}

// New assembles an engine from the config. Call [Engine.Initialize] to
// hydrate persisted state before use.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := &Engine{
		config:      cfg,
		logger:      slog.Default(),
		subscribers: make(map[int]func(State)),
		ownsStore:   true,
	}
	for _, opt := range opts {
		opt(engine)
	}

	clientOpts := []idp.ClientOption{idp.WithLogger(engine.logger)}
	if cfg.AppCode != "" {
		clientOpts = append(clientOpts, idp.WithAppCode(cfg.AppCode))
	}
	client, err := idp.NewClient(cfg.APIBaseURL, cfg.ClientID, clientOpts...)
	if err != nil {
		return nil, err
	}
	engine.client = client

	if engine.sessions == nil {
		store, err := buildSessionStore(cfg, engine.logger)
		if err != nil {
			return nil, err
		}
		engine.sessions = store
	}
	if engine.notifier == nil {
		engine.notifier = notify.NewNoopNotifier()
	}
	engine.bus = events.NewBus(engine.logger)

	engine.core = core.New(core.Config{
		Provider:      client,
		Sessions:      engine.sessions,
		Notifier:      engine.notifier,
		Bus:           engine.bus,
		Logger:        engine.logger,
		RefreshBefore: time.Duration(cfg.RefreshBefore) * time.Second,
	})
	engine.ceremony = ceremony.NewStore(ceremony.Mode(cfg.SignInMode), engine.logger)

	engine.core.Subscribe(func(core.Snapshot) { engine.publishState() })
	engine.ceremony.Subscribe(func(ceremony.Snapshot) { engine.publishState() })

	return engine, nil
}

// buildSessionStore maps the storage config onto an adapter.
func buildSessionStore(cfg Config, logger *slog.Logger) (session.Store, error) {
	if cfg.Storage.Type == StorageVolatile {
		return session.NewMemoryStore(session.WithLogger(logger)), nil
	}

	dir := cfg.Storage.Dir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("config: durable storage needs a directory: %w", err)
		}
		dir = filepath.Join(base, "keyfort", cfg.Domain)
	}
	return session.NewFileStore(dir, session.WithLogger(logger))
}

// # Lifecycle

/*
Initialize hydrates the persisted session into the auth core, schedules
token refresh, and starts listening for cross-context updates.

Parameters:
  - ctx: context.Context

Returns:
  - error: Storage transport failures
*/
func (engine *Engine) Initialize(ctx context.Context) error {
	return engine.core.Initialize(ctx)
}

// Close stops the refresh scheduler and detaches from the notifier. The
// persisted session survives for the next start.
func (engine *Engine) Close() error {
	engine.core.Close()
	return engine.notifier.Close()
}

// Events exposes the lifecycle event bus.
func (engine *Engine) Events() *events.Bus {
	return engine.bus
}

// CurrentState returns the merged projection.
func (engine *Engine) CurrentState() State {
	engine.mu.Lock()
	apiError, uiError := engine.apiError, engine.uiError
	available := engine.platformAuthenticatorAvailable
	// Read live so UpdateConfig is reflected immediately.
	passkeysEnabled := engine.config.EnablePasskeys
	engine.mu.Unlock()

	return projectState(engine.core.Snapshot(), engine.ceremony.Snapshot(), apiError, uiError, passkeysEnabled, available)
}

// Subscribe registers a callback invoked after every state change, in
// registration order.
func (engine *Engine) Subscribe(callback func(State)) func() {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	engine.nextSubID++
	id := engine.nextSubID
	engine.subscribers[id] = callback

	return func() {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		delete(engine.subscribers, id)
	}
}

/*
UpdateConfig applies the runtime-mutable options: EnablePasskeys,
EnableMagicLinks, SignInMode, and Branding. The identity of the engine —
APIBaseURL, ClientID, Domain — is frozen at construction; changing any of
them is refused.

Parameters:
  - cfg: Config carrying the new values

Returns:
  - error: When an immutable field differs
*/
func (engine *Engine) UpdateConfig(cfg Config) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	if cfg.APIBaseURL != engine.config.APIBaseURL {
		return fmt.Errorf("config: apiBaseUrl is immutable")
	}
	if cfg.ClientID != engine.config.ClientID {
		return fmt.Errorf("config: clientId is immutable")
	}
	if cfg.Domain != engine.config.Domain {
		return fmt.Errorf("config: domain is immutable")
	}
	switch cfg.SignInMode {
	case SignInLoginOnly, SignInLoginOrRegister:
	default:
		return fmt.Errorf("config: signInMode must be login-only or login-or-register")
	}

	engine.config.EnablePasskeys = cfg.EnablePasskeys
	engine.config.EnableMagicLinks = cfg.EnableMagicLinks
	engine.config.SignInMode = cfg.SignInMode
	engine.config.Branding = cfg.Branding

	// The ceremony routes discovery results on its own mode copy; keep it
	// in step with the config.
	engine.ceremony.SetMode(ceremony.Mode(cfg.SignInMode))
	return nil
}

// Config returns a copy of the active configuration.
func (engine *Engine) Config() Config {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.config
}

// publishState projects and fans the current state out to subscribers.
func (engine *Engine) publishState() {
	state := engine.CurrentState()

	engine.mu.Lock()
	ids := make([]int, 0, len(engine.subscribers))
	for id := range engine.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	callbacks := make([]func(State), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, engine.subscribers[id])
	}
	engine.mu.Unlock()

	for _, callback := range callbacks {
		callback(state)
	}
}
