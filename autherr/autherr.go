// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package autherr defines the centralized error taxonomy for the Keyfort engine.

It collapses heterogeneous failure signals — transport faults, IdP error
envelopes, platform authenticator errors — into a closed set of nine
machine-readable codes that the rest of the engine can route on.

Architecture:

  - AuthError: A struct carrying the classified Code, a client-safe message,
    and the {method, email} context of the failing operation.
  - Classification: Structured IdP codes map first; raw messages fall through
    an ordered set of substring rules; the fallback is [CodeUnknown].
  - Retry policy: Per-code backoff schedules used by the refresh scheduler.

Every error that leaves the IdP client or the core store is an [*AuthError],
so that callers never have to inspect raw transport errors.
*/
package autherr

import (
	"errors"
	"time"
)

// Code is a machine-readable classification of an authentication failure.
type Code string

// The closed set of classifier codes. Every error the engine produces is
// assigned exactly one of these.
const (
	CodeNetwork            Code = "network"
	CodeServiceUnavailable Code = "serviceUnavailable"
	CodeUserNotFound       Code = "userNotFound"
	CodeAuthCancelled      Code = "authCancelled"
	CodeAuthFailed         Code = "authFailed"
	CodeRateLimited        Code = "rateLimited"
	CodeInvalidCode        Code = "invalidCode"
	CodeInvalidInput       Code = "invalidInput"
	CodeUnknown            Code = "unknown"
)

// AuthError is the canonical error type of the engine.
//
// # Security
//
// The Cause field is for diagnostics only and is never shown to end users;
// Message is the client-safe description.
type AuthError struct {
	// Code is the classified error kind.
	Code Code `json:"code"`
	// Message is a human-readable description safe to surface.
	Message string `json:"error"`
	// Retryable reports whether retrying the operation can succeed.
	Retryable bool `json:"retryable"`
	// Timestamp is when the error was classified.
	Timestamp time.Time `json:"timestamp"`
	// Method is the IdP client method that produced the error, if any.
	Method string `json:"method,omitempty"`
	// Email is the normalized email in flight when the error occurred, if any.
	Email string `json:"email,omitempty"`
	// ServerCode is the raw code from the IdP error envelope, if any.
	ServerCode string `json:"-"`
	// Status is the HTTP status of the failing response, if any.
	Status int `json:"-"`
	// RetryAfter is the server-communicated backoff in seconds (HTTP 429).
	RetryAfter int `json:"retryAfter,omitempty"`
	// Details carries the IdP envelope's details object, if any.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error, used for diagnostics only.
	Cause error `json:"-"`
}

// Error implements the error interface. It returns the client-safe message.
func (e *AuthError) Error() string { return e.Message }

// Unwrap allows [errors.Is] and [errors.As] to traverse the cause chain.
func (e *AuthError) Unwrap() error { return e.Cause }

// retryableCodes is the fixed retryable subset of the taxonomy.
var retryableCodes = map[Code]bool{
	CodeNetwork:            true,
	CodeServiceUnavailable: true,
	CodeAuthCancelled:      true,
	CodeAuthFailed:         true,
	CodeRateLimited:        true,
	CodeUnknown:            true,
}

// IsRetryable reports whether the given code is in the retryable subset.
func IsRetryable(code Code) bool { return retryableCodes[code] }

// # Constructors

// New creates an [AuthError] with the given code and message. The retryable
// flag and timestamp are derived; use WithContext to attach method/email.
func New(code Code, message string) *AuthError {
	return &AuthError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryable(code),
		Timestamp: time.Now(),
	}
}

// Wrap creates an [AuthError] preserving the underlying cause.
func Wrap(code Code, message string, cause error) *AuthError {
	authError := New(code, message)
	authError.Cause = cause
	return authError
}

// InvalidInput creates an [AuthError] for a locally rejected input.
// Used by the IdP client before any request is sent.
func InvalidInput(message string) *AuthError {
	return New(CodeInvalidInput, message)
}

// Cancelled creates an [AuthError] for a user-aborted platform ceremony.
func Cancelled(message string) *AuthError {
	return New(CodeAuthCancelled, message)
}

// WithContext attaches the {method, email} operation context and returns
// the receiver for chaining.
func (e *AuthError) WithContext(method, email string) *AuthError {
	e.Method = method
	e.Email = email
	return e
}

// # Helpers

// As extracts the [*AuthError] from err's chain. It returns nil if not found.
func As(err error) *AuthError {
	var authError *AuthError
	if errors.As(err, &authError) {
		return authError
	}
	return nil
}

// CodeOf returns the classified code of err, classifying on the fly when the
// error is not already an [*AuthError]. It never returns an empty code.
func CodeOf(err error) Code {
	if authError := As(err); authError != nil {
		return authError.Code
	}
	if err == nil {
		return CodeUnknown
	}
	return Classify("", "", err).Code
}

// IsInvalidGrant reports whether err is the IdP's single-use rotation
// rejection ("invalid_grant" / refresh token already exchanged). The refresh
// protocol must never retry this failure.
func IsInvalidGrant(err error) bool {
	authError := As(err)
	if authError == nil {
		return false
	}
	if authError.ServerCode == "invalid_grant" {
		return true
	}
	return containsFold(authError.Message, "already exchanged")
}

// IsHardTokenFailure reports whether err is a terminal refresh failure that
// must surface immediately without retry: a hard 400, invalid_token,
// token_expired, or malformed token.
func IsHardTokenFailure(err error) bool {
	authError := As(err)
	if authError == nil {
		return false
	}
	switch authError.ServerCode {
	case "invalid_token", "token_expired", "malformed":
		return true
	}
	return authError.Status == 400 && authError.ServerCode != ""
}
