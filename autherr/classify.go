// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package autherr

import (
	"strings"
)

// # Structured Envelope Classification

// envelopeCodes maps recognized IdP envelope codes directly onto the
// taxonomy. Unrecognized codes fall through to message classification.
var envelopeCodes = map[string]Code{
	"network_error":       CodeNetwork,
	"service_unavailable": CodeServiceUnavailable,
	"user_not_found":      CodeUserNotFound,
	"auth_cancelled":      CodeAuthCancelled,
	"auth_failed":         CodeAuthFailed,
	"invalid_grant":       CodeAuthFailed,
	"invalid_token":       CodeAuthFailed,
	"token_expired":       CodeAuthFailed,
	"malformed":           CodeInvalidInput,
	"rate_limited":        CodeRateLimited,
	"too_many_requests":   CodeRateLimited,
	"invalid_code":        CodeInvalidCode,
	"expired_code":        CodeInvalidCode,
	"invalid_input":       CodeInvalidInput,
	"validation_error":    CodeInvalidInput,
}

// FromEnvelope classifies a structured IdP error envelope.
//
// Parameters:
//   - method: IdP client method that received the envelope.
//   - email: Normalized email in flight, if any.
//   - serverCode: The envelope's "error" field.
//   - message: The envelope's "message" field.
//   - status: HTTP status of the response.
//
// Returns:
//   - *AuthError: Classified error carrying the raw server code.
func FromEnvelope(method, email, serverCode, message string, status int) *AuthError {
	code, recognized := envelopeCodes[serverCode]

	// A server-reported "network_error" whose message mentions an upstream
	// 5xx is really a service outage, not a client connectivity problem.
	if serverCode == "network_error" && mentionsServerFault(message) {
		code = CodeServiceUnavailable
	}

	if !recognized {
		code = classifyMessage(method, message)
	}

	authError := New(code, message)
	authError.ServerCode = serverCode
	authError.Status = status
	return authError.WithContext(method, email)
}

// Classify normalizes an arbitrary error (transport fault, authenticator
// failure, decoded garbage) into an [*AuthError]. Errors that are already
// classified pass through with their context filled in when absent.
func Classify(method, email string, err error) *AuthError {
	if err == nil {
		return nil
	}

	// Already classified: preserve, only backfill context.
	if authError := As(err); authError != nil {
		if authError.Method == "" {
			authError.Method = method
		}
		if authError.Email == "" {
			authError.Email = email
		}
		return authError
	}

	authError := Wrap(classifyMessage(method, err.Error()), err.Error(), err)
	return authError.WithContext(method, email)
}

// # Message Classification

// classifyMessage applies the fixed ordered substring rules. First match
// wins; user-not-found is tested ahead of the generic 404 bucket so that a
// checkUser 404 and a literal "user not found" are never swallowed by the
// serviceUnavailable rule.
func classifyMessage(method, message string) Code {
	lowered := strings.ToLower(message)

	switch {
	case containsAny(lowered, "failed to fetch", "fetch", "network"):
		return CodeNetwork

	case strings.Contains(lowered, "user not found"),
		strings.Contains(lowered, "404") && method == "checkUser":
		return CodeUserNotFound

	case containsAny(lowered, "404", "endpoint", "not found", "500", "502", "503"):
		return CodeServiceUnavailable

	case containsAny(lowered, "notallowederr", "cancelled", "aborted"):
		return CodeAuthCancelled

	case containsAny(lowered, "webauthn", "passkey", "credential"):
		return CodeAuthFailed

	case containsAny(lowered, "rate limit", "too many requests", "429"):
		return CodeRateLimited

	case strings.Contains(lowered, "invalid") && strings.Contains(lowered, "code"),
		strings.Contains(lowered, "expired") && strings.Contains(lowered, "code"),
		method == "verifyEmailCode" && strings.Contains(lowered, "invalid"):
		return CodeInvalidCode

	case containsAny(lowered, "invalid", "validation", "400"):
		return CodeInvalidInput

	default:
		return CodeUnknown
	}
}

// mentionsServerFault reports whether the message references an upstream
// 5xx status.
func mentionsServerFault(message string) bool {
	return containsAny(strings.ToLower(message), "500", "502", "503")
}

// containsAny reports whether any needle occurs in the lowered haystack.
func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// containsFold reports whether substr occurs in s, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
