// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package keyfort_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keyfort "github.com/keyfort/keyfort-go"
	"github.com/keyfort/keyfort-go/autherr"
	"github.com/keyfort/keyfort-go/events"
	"github.com/keyfort/keyfort-go/idp"
	"github.com/keyfort/keyfort-go/session"
)

// fakeAuthenticator scripts the platform WebAuthn bridge.
type fakeAuthenticator struct {
	assertFn func(ctx context.Context, options idp.ChallengeResponse) (json.RawMessage, error)
	createFn func(ctx context.Context, options idp.RegistrationOptions) (json.RawMessage, error)
}

func (fake *fakeAuthenticator) Assert(ctx context.Context, options idp.ChallengeResponse) (json.RawMessage, error) {
	return fake.assertFn(ctx, options)
}

func (fake *fakeAuthenticator) Create(ctx context.Context, options idp.RegistrationOptions) (json.RawMessage, error) {
	return fake.createFn(ctx, options)
}

func testConfig(baseURL string) keyfort.Config {
	return keyfort.Config{
		APIBaseURL:       baseURL,
		ClientID:         "client-test",
		Domain:           "example.com",
		RefreshBefore:    300,
		SignInMode:       keyfort.SignInLoginOrRegister,
		EnablePasskeys:   true,
		EnableMagicLinks: true,
		Storage:          keyfort.StorageConfig{Type: keyfort.StorageVolatile},
	}
}

func newEngine(t *testing.T, handler http.Handler, opts ...keyfort.Option) *keyfort.Engine {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	engine, err := keyfort.New(testConfig(server.URL), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	require.NoError(t, engine.Initialize(context.Background()))
	return engine
}

func respond(t *testing.T, w http.ResponseWriter, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func authOK(t *testing.T, w http.ResponseWriter) {
	respond(t, w, map[string]any{
		"success":       true,
		"access_token":  "AT-1",
		"refresh_token": "RT-1",
		"expires_in":    3600,
		"user": map[string]any{
			"id":            "u1",
			"email":         "alice@example.com",
			"name":          "Alice",
			"emailVerified": true,
		},
	})
}

/*
TestNewUserEmailCodeFlow walks an unknown email through enrollment: check,
send code, verify, signed in with a persisted session.
*/
func TestNewUserEmailCodeFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-user", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"exists": false, "hasPasskey": false})
	})
	mux.HandleFunc("/auth/send-email-code", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["createIfMissing"])
		respond(t, w, map[string]any{"sent": true, "expiresAt": time.Now().Add(10 * time.Minute).UnixMilli()})
	})
	mux.HandleFunc("/auth/verify-email-code", func(w http.ResponseWriter, r *http.Request) {
		authOK(t, w)
	})

	var signInEvents int
	engine := newEngine(t, mux)
	engine.Events().On(events.SignInSuccess, func(any) { signInEvents++ })

	ctx := context.Background()
	require.NoError(t, engine.CheckUser(ctx, "alice@example.com"))
	assert.Equal(t, "emailVerification", engine.CurrentState().SignInState)
	assert.False(t, engine.CurrentState().UserExists)

	require.NoError(t, engine.SendEmailCode(ctx, "alice@example.com", true))
	state := engine.CurrentState()
	assert.Equal(t, "pinEntry", state.SignInState)
	assert.True(t, state.EmailCodeSent)

	require.NoError(t, engine.VerifyEmailCode(ctx, "alice@example.com", "123456"))
	state = engine.CurrentState()
	assert.Equal(t, "authenticated", state.State)
	assert.Equal(t, "signedIn", state.SignInState)
	require.NotNil(t, state.User)
	assert.Equal(t, "u1", state.User.ID)
	assert.Equal(t, "AT-1", state.AccessToken)
	assert.Nil(t, state.UIError)
	assert.Equal(t, 1, signInEvents)
}

/*
TestPasskeyFlow signs an enrolled passkey user in through the platform
authenticator bridge.
*/
func TestPasskeyFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-user", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"exists": true, "hasPasskey": true})
	})
	mux.HandleFunc("/auth/webauthn/challenge", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{
			"challenge":   "b3BhcXVl",
			"rpId":        "example.com",
			"timeout":     60000,
			"challengeId": "ch-1",
		})
	})
	mux.HandleFunc("/auth/webauthn/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ch-1", body["challengeId"])
		authOK(t, w)
	})

	authenticator := &fakeAuthenticator{
		assertFn: func(_ context.Context, options idp.ChallengeResponse) (json.RawMessage, error) {
			assert.Equal(t, "example.com", options.RPID)
			return json.RawMessage(`{"assertion":"signed"}`), nil
		},
	}
	engine := newEngine(t, mux, keyfort.WithAuthenticator(authenticator))

	ctx := context.Background()
	require.NoError(t, engine.CheckUser(ctx, "alice@example.com"))
	assert.Equal(t, "passkeyPrompt", engine.CurrentState().SignInState)
	assert.True(t, engine.CurrentState().HasPasskeys)

	require.NoError(t, engine.StartPasskeyAuth(ctx, "alice@example.com"))
	state := engine.CurrentState()
	assert.Equal(t, "authenticated", state.State)
	assert.Equal(t, "signedIn", state.SignInState)
	assert.True(t, state.PlatformAuthenticatorAvailable)
}

/*
TestPasskeyCancellation returns to email entry with no error recorded when
the user declines the platform prompt.
*/
func TestPasskeyCancellation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-user", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"exists": true, "hasPasskey": true})
	})
	mux.HandleFunc("/auth/webauthn/challenge", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"challenge": "b3BhcXVl", "rpId": "example.com", "challengeId": "ch-1"})
	})

	authenticator := &fakeAuthenticator{
		assertFn: func(context.Context, idp.ChallengeResponse) (json.RawMessage, error) {
			return nil, autherr.Cancelled("user dismissed the passkey prompt")
		},
	}
	engine := newEngine(t, mux, keyfort.WithAuthenticator(authenticator))

	ctx := context.Background()
	require.NoError(t, engine.CheckUser(ctx, "alice@example.com"))
	require.NoError(t, engine.StartPasskeyAuth(ctx, "alice@example.com"))

	state := engine.CurrentState()
	assert.Equal(t, "emailEntry", state.SignInState)
	assert.Equal(t, "unauthenticated", state.State)
	assert.Nil(t, state.UIError)
	assert.Nil(t, state.APIError)
}

/*
TestLoginOnlyRejectsUnknownUser surfaces userNotFound and terminates the
ceremony when registration is disabled.
*/
func TestLoginOnlyRejectsUnknownUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-user", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"exists": false})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testConfig(server.URL)
	cfg.SignInMode = keyfort.SignInLoginOnly
	engine, err := keyfort.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	require.NoError(t, engine.Initialize(context.Background()))

	err = engine.CheckUser(context.Background(), "stranger@example.com")
	require.Error(t, err)
	assert.Equal(t, autherr.CodeUserNotFound, autherr.CodeOf(err))

	state := engine.CurrentState()
	assert.Equal(t, "generalError", state.SignInState)
	require.NotNil(t, state.UIError)
	assert.Equal(t, autherr.CodeUserNotFound, state.UIError.Code)
}

/*
TestInvalidCodeSurfacesUIError shows a wrong code as a UI error, terminates
the attempt, and lets Reset start another one with the email intact.
*/
func TestInvalidCodeSurfacesUIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-user", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"exists": true, "lastPinExpiry": time.Now().Add(5 * time.Minute).UnixMilli()})
	})
	mux.HandleFunc("/auth/verify-email-code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_code",
			"message": "incorrect code",
		}))
	})

	engine := newEngine(t, mux)
	ctx := context.Background()

	// A valid outstanding code sends the ceremony straight to pinEntry.
	require.NoError(t, engine.CheckUser(ctx, "alice@example.com"))
	assert.Equal(t, "pinEntry", engine.CurrentState().SignInState)
	assert.True(t, engine.CurrentState().HasValidPin)

	err := engine.VerifyEmailCode(ctx, "alice@example.com", "000000")
	require.Error(t, err)
	assert.Equal(t, autherr.CodeInvalidCode, autherr.CodeOf(err))

	// A wrong code is not retryable; the attempt terminates.
	state := engine.CurrentState()
	assert.Equal(t, "generalError", state.SignInState)
	require.NotNil(t, state.UIError)

	// Dismissing the displayed error keeps the diagnostic one.
	engine.DismissUIError()
	state = engine.CurrentState()
	assert.Nil(t, state.UIError)
	require.NotNil(t, state.APIError)
	assert.Equal(t, autherr.CodeInvalidCode, state.APIError.Code)

	// Reset starts a fresh attempt, keeping the email.
	engine.Reset()
	state = engine.CurrentState()
	assert.Equal(t, "emailEntry", state.SignInState)
	assert.Equal(t, "alice@example.com", state.Email)
}

/*
TestExpiredSessionNotRestored starts an engine over a persisted record
whose tokens lapsed with no refresh token left: it comes up signed out.
*/
func TestExpiredSessionNotRestored(t *testing.T) {
	sessions := session.NewMemoryStore()
	_, err := sessions.SaveSession(context.Background(), session.Patch{
		User: &session.User{ID: "u1", Email: "a@b.com"},
		Tokens: session.TokensPatch(session.TokenSet{
			AccessToken: "AT-dead",
			ExpiresAt:   time.Now().Add(-time.Hour).UnixMilli(),
		}),
	})
	require.NoError(t, err)

	engine := newEngine(t, http.NewServeMux(), keyfort.WithSessionStore(sessions))
	state := engine.CurrentState()
	assert.Equal(t, "unauthenticated", state.State)
	assert.Nil(t, state.User)
	assert.Empty(t, state.AccessToken)
}

/*
TestSignOutClearsEverything signs in, signs out, and verifies state,
persistence, and ceremony all reset.
*/
func TestSignOutClearsEverything(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/verify-magic-link", func(w http.ResponseWriter, r *http.Request) {
		authOK(t, w)
	})
	mux.HandleFunc("/auth/signout", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"success": true})
	})

	sessions := session.NewMemoryStore()
	engine := newEngine(t, mux, keyfort.WithSessionStore(sessions))
	ctx := context.Background()

	require.NoError(t, engine.VerifyMagicLink(ctx, "link-token"))
	assert.Equal(t, "authenticated", engine.CurrentState().State)

	engine.SignOut(ctx)
	state := engine.CurrentState()
	assert.Equal(t, "unauthenticated", state.State)
	assert.Equal(t, "emailEntry", state.SignInState)
	assert.Empty(t, state.AccessToken)

	record, err := sessions.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)

	// Idempotent.
	engine.SignOut(ctx)
	assert.Equal(t, "unauthenticated", engine.CurrentState().State)
}

/*
TestUpdateConfig_ImmutableIdentity allows toggling features but refuses
changes to the engine's identity fields.
*/
func TestUpdateConfig_ImmutableIdentity(t *testing.T) {
	engine := newEngine(t, http.NewServeMux())
	cfg := engine.Config()

	cfg.EnablePasskeys = false
	cfg.SignInMode = keyfort.SignInLoginOnly
	require.NoError(t, engine.UpdateConfig(cfg))
	assert.False(t, engine.Config().EnablePasskeys)
	assert.Equal(t, keyfort.SignInLoginOnly, engine.Config().SignInMode)

	cfg.APIBaseURL = "https://other.example.com"
	assert.Error(t, engine.UpdateConfig(cfg))

	cfg = engine.Config()
	cfg.ClientID = "other-client"
	assert.Error(t, engine.UpdateConfig(cfg))

	cfg = engine.Config()
	cfg.Domain = "other.example.com"
	assert.Error(t, engine.UpdateConfig(cfg))
}

/*
TestUpdateConfig_SignInModeReroutesCeremony switches to login-only at
runtime; an unknown email must then terminate the ceremony instead of
entering the registration path.
*/
func TestUpdateConfig_SignInModeReroutesCeremony(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-user", func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, map[string]any{"exists": false, "hasPasskey": false})
	})
	engine := newEngine(t, mux)

	cfg := engine.Config()
	cfg.SignInMode = keyfort.SignInLoginOnly
	require.NoError(t, engine.UpdateConfig(cfg))

	err := engine.CheckUser(context.Background(), "ghost@example.com")
	require.Error(t, err)
	assert.Equal(t, autherr.CodeUserNotFound, autherr.CodeOf(err))

	state := engine.CurrentState()
	assert.Equal(t, "generalError", state.SignInState)
	require.NotNil(t, state.UIError)
	assert.Equal(t, autherr.CodeUserNotFound, state.UIError.Code)
}

/*
TestUpdateConfig_PasskeysFlagProjected reflects a runtime passkey toggle in
the projected state.
*/
func TestUpdateConfig_PasskeysFlagProjected(t *testing.T) {
	engine := newEngine(t, http.NewServeMux())
	assert.True(t, engine.CurrentState().PasskeysEnabled)

	cfg := engine.Config()
	cfg.EnablePasskeys = false
	require.NoError(t, engine.UpdateConfig(cfg))
	assert.False(t, engine.CurrentState().PasskeysEnabled)
}

/*
TestSubscribe_StateProjection delivers merged snapshots to subscribers as
either store changes.
*/
func TestSubscribe_StateProjection(t *testing.T) {
	engine := newEngine(t, http.NewServeMux())

	var states []keyfort.State
	unsubscribe := engine.Subscribe(func(state keyfort.State) { states = append(states, state) })

	engine.SetEmail("Alice@Example.com")
	require.NotEmpty(t, states)
	assert.Equal(t, "alice@example.com", states[len(states)-1].Email)

	engine.SetLoading(true)
	assert.True(t, states[len(states)-1].Loading)

	unsubscribe()
	seen := len(states)
	engine.SetLoading(false)
	assert.Len(t, states, seen)
}
