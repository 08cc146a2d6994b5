// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package ceremony drives the UI-facing state machine of one sign-in attempt.

The machine is deliberately dumb: a pure transition function over a closed
state and event alphabet, with every side effect (network calls, token
handling) owned by the engine around it. Tokens never enter this package;
a completed ceremony hands its session payload to the auth core.

Architecture:

  - transition: pure function (state, event, mode) -> state. Unlisted
    pairs are no-ops, so an out-of-order event can never corrupt a
    ceremony, only be ignored.
  - Store: the stateful wrapper holding the ceremony's working data
    (email, code, discovery flags, last error) and notifying observers.
  - Passkey registration is reachable only from signedIn: a new user
    authenticates by email code first, then enrolls.
*/
package ceremony

import (
	"github.com/keyfort/keyfort-go/autherr"
)

// # States

// State is one step of the sign-in ceremony.
type State string

// The closed state set. Initial state is StateEmailEntry; terminal success
// is StateSignedIn.
const (
	StateEmailEntry          State = "emailEntry"
	StateUserChecked         State = "userChecked"
	StatePasskeyPrompt       State = "passkeyPrompt"
	StatePinEntry            State = "pinEntry"
	StatePasskeyRegistration State = "passkeyRegistration"
	StateEmailVerification   State = "emailVerification"
	StateSignedIn            State = "signedIn"
	StateGeneralError        State = "generalError"
)

// Mode selects what happens when a checked email is not enrolled.
type Mode string

// Sign-in modes.
const (
	// ModeLoginOnly refuses unknown emails with a userNotFound error.
	ModeLoginOnly Mode = "login-only"

	// ModeLoginOrRegister routes unknown emails into email-code enrollment.
	ModeLoginOrRegister Mode = "login-or-register"
)

// # Events

// EventType is one symbol of the ceremony's event alphabet.
type EventType string

// The closed event alphabet.
const (
	EmailEntered              EventType = "EMAIL_ENTERED"
	UserChecked               EventType = "USER_CHECKED"
	SentPinEmail              EventType = "SENT_PIN_EMAIL"
	PasskeyAvailable          EventType = "PASSKEY_AVAILABLE"
	EmailCodeEntered          EventType = "EMAIL_CODE_ENTERED"
	PasskeySelected           EventType = "PASSKEY_SELECTED"
	PasskeySuccess            EventType = "PASSKEY_SUCCESS"
	PasskeyFailed             EventType = "PASSKEY_FAILED"
	PinVerified               EventType = "PIN_VERIFIED"
	RegisterPasskey           EventType = "REGISTER_PASSKEY"
	PasskeyRegistered         EventType = "PASSKEY_REGISTERED"
	EmailVerificationRequired EventType = "EMAIL_VERIFICATION_REQUIRED"
	EmailSent                 EventType = "EMAIL_SENT"
	EmailVerified             EventType = "EMAIL_VERIFIED"
	Reset                     EventType = "RESET"
	ErrorOccurred             EventType = "ERROR"
)

// PasskeyFailure classifies why an assertion ceremony ended early.
type PasskeyFailure string

// Passkey failure kinds with distinct routing.
const (
	// FailureUserCancelled returns silently to email entry; declining the
	// platform prompt is a choice, not an error.
	FailureUserCancelled PasskeyFailure = "user-cancellation"

	// FailureCredentialNotFound falls back to the email-code path.
	FailureCredentialNotFound PasskeyFailure = "credential-not-found"

	// FailureOther is any remaining authenticator failure.
	FailureOther PasskeyFailure = "other"
)

// Event carries one symbol plus its payload. Unused payload fields are
// ignored by the transition function.
type Event struct {
	Type EventType

	// USER_CHECKED payload.
	Exists              bool
	HasPasskey          bool
	HasValidPin         bool
	PinRemainingMinutes int

	// EMAIL_CODE_ENTERED payload.
	Code string

	// PASSKEY_FAILED payload.
	Failure PasskeyFailure

	// ERROR payload.
	Err *autherr.AuthError
}

// # Transition Function

// transition computes the successor state. It is pure: same state, event,
// and mode always yield the same successor. Unlisted pairs return the
// current state unchanged.
func transition(current State, event Event, mode Mode) State {
	switch event.Type {
	case Reset:
		return StateEmailEntry

	case ErrorOccurred:
		if event.Err != nil && !event.Err.Retryable {
			return StateGeneralError
		}
		return current
	}

	switch current {
	case StateEmailEntry, StateUserChecked:
		switch event.Type {
		case EmailEntered:
			return StateUserChecked
		case UserChecked:
			return routeDiscovery(event, mode)
		case PasskeyAvailable:
			return StatePasskeyPrompt
		case SentPinEmail:
			return StatePinEntry
		case EmailVerificationRequired:
			return StateEmailVerification
		case EmailVerified:
			return StateSignedIn
		}

	case StateEmailVerification:
		switch event.Type {
		case EmailSent, SentPinEmail:
			return StatePinEntry
		case EmailVerified:
			return StateSignedIn
		}

	case StatePinEntry:
		switch event.Type {
		case PinVerified, EmailVerified:
			return StateSignedIn
		case SentPinEmail:
			return StatePinEntry
		}

	case StatePasskeyPrompt:
		switch event.Type {
		case PasskeySuccess:
			return StateSignedIn
		case PasskeyFailed:
			switch event.Failure {
			case FailureUserCancelled:
				return StateEmailEntry
			case FailureCredentialNotFound:
				return StatePinEntry
			default:
				return StateGeneralError
			}
		case SentPinEmail:
			// Explicit fallback to the email-code path.
			return StatePinEntry
		}

	case StateSignedIn:
		if event.Type == RegisterPasskey {
			return StatePasskeyRegistration
		}

	case StatePasskeyRegistration:
		if event.Type == PasskeyRegistered {
			return StateSignedIn
		}
	}

	return current
}

// routeDiscovery maps a discovery result onto the next ceremony step.
func routeDiscovery(event Event, mode Mode) State {
	if !event.Exists {
		if mode == ModeLoginOnly {
			return StateGeneralError
		}
		return StateEmailVerification
	}
	if event.HasPasskey {
		return StatePasskeyPrompt
	}
	if event.HasValidPin {
		return StatePinEntry
	}
	return StateEmailVerification
}
