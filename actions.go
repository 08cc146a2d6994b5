// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package keyfort

import (
	"context"
	"time"

	"github.com/keyfort/keyfort-go/autherr"
	"github.com/keyfort/keyfort-go/events"
	"github.com/keyfort/keyfort-go/idp"
	"github.com/keyfort/keyfort-go/internal/ceremony"
	"github.com/keyfort/keyfort-go/internal/core"
	"github.com/keyfort/keyfort-go/session"
)

// # Setters
//
// Scratch-state setters forward to the ceremony store. They never run a
// transition and never touch the network.

// SetEmail records the address under entry.
func (engine *Engine) SetEmail(email string) { engine.ceremony.SetEmail(email) }

// SetFullName records the display name captured during enrollment.
func (engine *Engine) SetFullName(fullName string) { engine.ceremony.SetFullName(fullName) }

// SetEmailCode records the one-time code as typed.
func (engine *Engine) SetEmailCode(code string) { engine.ceremony.SetEmailCode(code) }

// SetLoading flags an in-flight action for the UI.
func (engine *Engine) SetLoading(loading bool) { engine.ceremony.SetLoading(loading) }

// SetEmailCodeSent records that a code has been dispatched.
func (engine *Engine) SetEmailCodeSent(sent bool) { engine.ceremony.SetEmailCodeSent(sent) }

// SetConditionalAuthActive flags a pending conditional-UI passkey request.
func (engine *Engine) SetConditionalAuthActive(active bool) {
	engine.ceremony.SetConditionalAuthActive(active)
}

// # Ceremony Actions

/*
CheckUser looks the email up and advances the ceremony: passkey prompt for
enrolled passkey users, code entry when a valid code is outstanding, email
verification otherwise. In login-only mode an unknown email terminates the
ceremony with userNotFound.

Parameters:
  - ctx: context.Context
  - email: The address to check

Returns:
  - error: The classified failure, also recorded on the state
*/
func (engine *Engine) CheckUser(ctx context.Context, email string) error {
	engine.ceremony.SetEmail(email)
	engine.ceremony.SetLoading(true)
	defer engine.ceremony.SetLoading(false)

	result, err := engine.client.CheckUser(ctx, email)
	if err != nil {
		return engine.fail(err, "checkUser", email)
	}

	now := time.Now()
	engine.ceremony.Apply(ceremony.Event{
		Type:                ceremony.UserChecked,
		Exists:              result.Exists,
		HasPasskey:          result.HasPasskey && engine.passkeysEnabled(),
		HasValidPin:         result.HasValidPin(now),
		PinRemainingMinutes: result.PinRemainingMinutes(now),
	})

	if !result.Exists && engine.Config().SignInMode == SignInLoginOnly {
		notFound := autherr.New(autherr.CodeUserNotFound, "no account exists for this email").
			WithContext("checkUser", email)
		engine.recordError(notFound)
		return notFound
	}
	return nil
}

/*
SendEmailCode dispatches a one-time code and moves the ceremony to code
entry.

Parameters:
  - ctx: context.Context
  - email: The recipient
  - createIfMissing: Enroll the address if unknown

Returns:
  - error: The classified failure
*/
func (engine *Engine) SendEmailCode(ctx context.Context, email string, createIfMissing bool) error {
	engine.ceremony.SetLoading(true)
	defer engine.ceremony.SetLoading(false)

	result, err := engine.client.SendEmailCode(ctx, email, createIfMissing)
	if err != nil {
		return engine.fail(err, "sendEmailCode", email)
	}
	if result.Sent {
		engine.ceremony.Apply(ceremony.Event{Type: ceremony.SentPinEmail})
	}
	return nil
}

/*
VerifyEmailCode exchanges the typed code for a session and completes the
ceremony.

Parameters:
  - ctx: context.Context
  - email: The address the code was sent to
  - code: The one-time code

Returns:
  - error: invalidCode on a wrong or expired code, other classified
    failures otherwise
*/
func (engine *Engine) VerifyEmailCode(ctx context.Context, email, code string) error {
	engine.bus.Emit(events.SignInStarted, session.MethodEmailCode)
	engine.ceremony.SetLoading(true)
	defer engine.ceremony.SetLoading(false)

	result, err := engine.client.VerifyEmailCode(ctx, email, code)
	if err != nil {
		return engine.signInFailed(err, "verifyEmailCode", email)
	}

	if err := engine.core.UpdateTokens(ctx, &result.User, result.Tokens, session.MethodEmailCode); err != nil {
		return engine.signInFailed(err, "verifyEmailCode", email)
	}
	engine.ceremony.Apply(ceremony.Event{Type: ceremony.PinVerified})
	engine.clearErrors()
	engine.bus.Emit(events.SignInSuccess, engine.CurrentState())
	return nil
}

/*
StartPasskeyAuth runs the full assertion ceremony: challenge, platform
authenticator, verification. A user declining the prompt returns the
ceremony to email entry silently; a missing credential falls back to the
code path.

Parameters:
  - ctx: context.Context
  - email: The address attempting passkey sign-in

Returns:
  - error: The classified failure; nil on success and on silent
    cancellation
*/
func (engine *Engine) StartPasskeyAuth(ctx context.Context, email string) error {
	if !engine.passkeysEnabled() {
		err := autherr.New(autherr.CodeAuthFailed, "passkeys are disabled").
			WithContext("startPasskeyAuth", email)
		return engine.fail(err, "startPasskeyAuth", email)
	}
	if engine.platform == nil {
		err := autherr.New(autherr.CodeAuthFailed, "no platform authenticator available").
			WithContext("startPasskeyAuth", email)
		return engine.fail(err, "startPasskeyAuth", email)
	}

	engine.bus.Emit(events.SignInStarted, session.MethodPasskey)
	engine.ceremony.SetLoading(true)
	defer engine.ceremony.SetLoading(false)

	challenge, err := engine.client.WebAuthnChallenge(ctx, email)
	if err != nil {
		return engine.signInFailed(err, "startPasskeyAuth", email)
	}

	assertion, err := engine.platform.Assert(ctx, *challenge)
	if err != nil {
		return engine.passkeyFailed(err, email)
	}

	result, err := engine.client.WebAuthnVerify(ctx, email, challenge.ChallengeID, assertion)
	if err != nil {
		return engine.signInFailed(err, "startPasskeyAuth", email)
	}

	if err := engine.core.UpdateTokens(ctx, &result.User, result.Tokens, session.MethodPasskey); err != nil {
		return engine.signInFailed(err, "startPasskeyAuth", email)
	}
	engine.ceremony.Apply(ceremony.Event{Type: ceremony.PasskeySuccess})
	engine.clearErrors()
	engine.bus.Emit(events.PasskeyUsed, email)
	engine.bus.Emit(events.SignInSuccess, engine.CurrentState())
	return nil
}

/*
RegisterPasskey enrolls a new credential for the signed-in user. Only
reachable after authentication; a new user first signs in by email code.

Parameters:
  - ctx: context.Context

Returns:
  - error: The classified failure
*/
func (engine *Engine) RegisterPasskey(ctx context.Context) error {
	snapshot := engine.core.Snapshot()
	if snapshot.State != core.StateAuthenticated || snapshot.Tokens.AccessToken == "" {
		err := autherr.New(autherr.CodeAuthFailed, "passkey registration requires a signed-in session")
		return engine.fail(err, "registerPasskey", "")
	}
	if engine.platform == nil {
		err := autherr.New(autherr.CodeAuthFailed, "no platform authenticator available")
		return engine.fail(err, "registerPasskey", "")
	}
	if engine.ceremony.Apply(ceremony.Event{Type: ceremony.RegisterPasskey}) != ceremony.StatePasskeyRegistration {
		err := autherr.New(autherr.CodeAuthFailed, "passkey registration is not available from this step")
		return engine.fail(err, "registerPasskey", snapshot.User.Email)
	}

	engine.bus.Emit(events.RegistrationStarted, snapshot.User.Email)
	engine.ceremony.SetLoading(true)
	defer engine.ceremony.SetLoading(false)

	options, err := engine.client.WebAuthnRegisterOptions(ctx, snapshot.Tokens.AccessToken)
	if err != nil {
		return engine.registrationFailed(err, snapshot.User.Email)
	}

	attestation, err := engine.platform.Create(ctx, *options)
	if err != nil {
		return engine.registrationFailed(err, snapshot.User.Email)
	}

	credentialID, err := engine.client.WebAuthnRegisterFinish(ctx,
		snapshot.Tokens.AccessToken, snapshot.User.Email, options.ChallengeID, attestation)
	if err != nil {
		return engine.registrationFailed(err, snapshot.User.Email)
	}

	engine.ceremony.Apply(ceremony.Event{Type: ceremony.PasskeyRegistered})
	engine.bus.Emit(events.PasskeyCreated, credentialID)
	engine.bus.Emit(events.RegistrationSuccess, snapshot.User.Email)
	return nil
}

/*
SendMagicLink dispatches a sign-in link.

Parameters:
  - ctx: context.Context
  - email: The recipient
  - redirectURL: Optional post-verification target, must be HTTPS

Returns:
  - error: The classified failure
*/
func (engine *Engine) SendMagicLink(ctx context.Context, email, redirectURL string) error {
	if !engine.Config().EnableMagicLinks {
		err := autherr.New(autherr.CodeAuthFailed, "magic links are disabled").
			WithContext("sendMagicLink", email)
		return engine.fail(err, "sendMagicLink", email)
	}

	engine.ceremony.SetLoading(true)
	defer engine.ceremony.SetLoading(false)

	result, err := engine.client.SendMagicLink(ctx, email, redirectURL)
	if err != nil {
		return engine.fail(err, "sendMagicLink", email)
	}
	if result.Sent {
		engine.ceremony.Apply(ceremony.Event{Type: ceremony.EmailSent})
	}
	return nil
}

/*
VerifyMagicLink exchanges a clicked link's token for a session and
completes the ceremony.

Parameters:
  - ctx: context.Context
  - token: The opaque link token

Returns:
  - error: The classified failure
*/
func (engine *Engine) VerifyMagicLink(ctx context.Context, token string) error {
	engine.bus.Emit(events.SignInStarted, session.MethodMagicLink)
	engine.ceremony.SetLoading(true)
	defer engine.ceremony.SetLoading(false)

	result, err := engine.client.VerifyMagicLink(ctx, token)
	if err != nil {
		return engine.signInFailed(err, "verifyMagicLink", "")
	}

	if err := engine.core.UpdateTokens(ctx, &result.User, result.Tokens, session.MethodMagicLink); err != nil {
		return engine.signInFailed(err, "verifyMagicLink", result.User.Email)
	}
	engine.ceremony.Apply(ceremony.Event{Type: ceremony.EmailVerified})
	engine.clearErrors()
	engine.bus.Emit(events.SignInSuccess, engine.CurrentState())
	return nil
}

// # Session Actions

/*
RefreshTokens rotates the session's tokens immediately. Concurrent callers
share one exchange.

Parameters:
  - ctx: context.Context

Returns:
  - error: The classified failure
*/
func (engine *Engine) RefreshTokens(ctx context.Context) error {
	return engine.core.RefreshTokens(ctx)
}

/*
SignOut revokes the session, clears all local and persisted state, tells
other contexts, and resets the ceremony.

Parameters:
  - ctx: context.Context
*/
func (engine *Engine) SignOut(ctx context.Context) {
	engine.core.SignOut(ctx)
	engine.ceremony.Apply(ceremony.Event{Type: ceremony.Reset})
	engine.clearErrors()
}

// Reset returns the ceremony to email entry, keeping the typed email, and
// clears the displayed error.
func (engine *Engine) Reset() {
	engine.ceremony.Apply(ceremony.Event{Type: ceremony.Reset})

	engine.mu.Lock()
	engine.uiError = nil
	engine.mu.Unlock()
	engine.publishState()
}

// DismissUIError clears the displayed error only; the diagnostic APIError
// slot keeps the failure for reporting.
func (engine *Engine) DismissUIError() {
	engine.mu.Lock()
	engine.uiError = nil
	engine.mu.Unlock()
	engine.publishState()
}

/*
Health reports the IdP's service status.

Parameters:
  - ctx: context.Context

Returns:
  - *idp.HealthResult: Status plus optional per-service breakdown
  - error: The classified failure
*/
func (engine *Engine) Health(ctx context.Context) (*idp.HealthResult, error) {
	return engine.client.Health(ctx)
}

// # Error Routing

// passkeysEnabled reads the runtime-mutable flag.
func (engine *Engine) passkeysEnabled() bool {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.config.EnablePasskeys
}

// fail classifies, records, and routes an action failure.
func (engine *Engine) fail(err error, method, email string) error {
	authError := autherr.Classify(method, email, err)
	engine.recordError(authError)

	if !authError.Retryable {
		engine.ceremony.Apply(ceremony.Event{Type: ceremony.ErrorOccurred, Err: authError})
	} else {
		engine.publishState()
	}
	return authError
}

// signInFailed is fail plus the sign_in_error event.
func (engine *Engine) signInFailed(err error, method, email string) error {
	authError := autherr.Classify(method, email, err)
	engine.bus.Emit(events.SignInError, authError)
	return engine.fail(authError, method, email)
}

// registrationFailed routes an enrollment failure and returns the ceremony
// to signedIn; a failed registration never costs the session.
func (engine *Engine) registrationFailed(err error, email string) error {
	authError := autherr.Classify("registerPasskey", email, err)
	engine.bus.Emit(events.RegistrationError, authError)

	engine.ceremony.Apply(ceremony.Event{Type: ceremony.PasskeyRegistered})
	engine.recordError(authError)
	engine.publishState()
	return authError
}

// passkeyFailed routes an assertion-ceremony failure by kind: declining
// the prompt is silent, a missing credential falls back to code entry,
// anything else terminates.
func (engine *Engine) passkeyFailed(err error, email string) error {
	authError := autherr.Classify("startPasskeyAuth", email, err)

	failure := ceremony.FailureOther
	switch {
	case authError.Code == autherr.CodeAuthCancelled:
		failure = ceremony.FailureUserCancelled
	case containsCredentialNotFound(authError):
		failure = ceremony.FailureCredentialNotFound
	}

	engine.ceremony.Apply(ceremony.Event{
		Type:    ceremony.PasskeyFailed,
		Failure: failure,
		Err:     authError,
	})

	if failure == ceremony.FailureUserCancelled {
		// The user's choice, not an error: nothing recorded, nothing shown.
		return nil
	}

	engine.bus.Emit(events.SignInError, authError)
	engine.recordError(authError)
	engine.publishState()
	if failure == ceremony.FailureCredentialNotFound {
		return nil
	}
	return authError
}

// containsCredentialNotFound detects the authenticator's missing-credential
// signal.
func containsCredentialNotFound(authError *autherr.AuthError) bool {
	if kind, ok := authError.Details["type"].(string); ok && kind == "credential-not-found" {
		return true
	}
	return autherr.CodeOf(authError) == autherr.CodeUserNotFound
}

// recordError stores the failure in the diagnostic slot and, when it is
// something the user can act on, the displayed slot. Transport-level
// failures stay diagnostic-only unless they terminate the ceremony.
func (engine *Engine) recordError(authError *autherr.AuthError) {
	engine.mu.Lock()
	engine.apiError = authError
	if displayable(authError) {
		engine.uiError = authError
	}
	reporter := engine.config.ErrorReporting
	engine.mu.Unlock()

	if reporter != nil {
		reporter(authError)
	}
}

// displayable selects the codes the UI shows directly.
func displayable(authError *autherr.AuthError) bool {
	switch authError.Code {
	case autherr.CodeInvalidCode, autherr.CodeRateLimited, autherr.CodeInvalidInput, autherr.CodeUserNotFound:
		return true
	case autherr.CodeAuthFailed:
		return true
	default:
		// network, serviceUnavailable, unknown: diagnostic until they
		// block progress.
		return false
	}
}

// clearErrors wipes both slots after a successful sign-in.
func (engine *Engine) clearErrors() {
	engine.mu.Lock()
	engine.apiError = nil
	engine.uiError = nil
	engine.mu.Unlock()
}
