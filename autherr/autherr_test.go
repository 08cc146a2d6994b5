// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package autherr_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfort/keyfort-go/autherr"
)

/*
TestClassifyMessage_Rules verifies the ordered substring rules against the
fixed taxonomy.
*/
func TestClassifyMessage_Rules(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		message string
		want    autherr.Code
	}{
		{"failed_to_fetch", "", "Failed to fetch", autherr.CodeNetwork},
		{"network_word", "", "network connection dropped", autherr.CodeNetwork},
		{"endpoint_missing", "", "no such endpoint", autherr.CodeServiceUnavailable},
		{"http_500", "", "server returned 500", autherr.CodeServiceUnavailable},
		{"http_502", "", "bad gateway 502", autherr.CodeServiceUnavailable},
		{"user_not_found_text", "", "User not found", autherr.CodeUserNotFound},
		{"check_user_404", "checkUser", "got 404 from upstream", autherr.CodeUserNotFound},
		{"other_method_404", "refreshToken", "got 404 from upstream", autherr.CodeServiceUnavailable},
		{"not_allowed_err", "", "NotAllowedError: operation dismissed", autherr.CodeAuthCancelled},
		{"cancelled", "", "user cancelled the prompt", autherr.CodeAuthCancelled},
		{"aborted", "", "ceremony aborted", autherr.CodeAuthCancelled},
		{"webauthn", "", "webauthn assertion mismatch", autherr.CodeAuthFailed},
		{"passkey", "", "passkey rejected", autherr.CodeAuthFailed},
		{"rate_limit", "", "rate limit exceeded", autherr.CodeRateLimited},
		{"http_429", "", "429 slow down", autherr.CodeRateLimited},
		{"invalid_and_code", "", "invalid verification code", autherr.CodeInvalidCode},
		{"expired_and_code", "", "code expired, request a new one", autherr.CodeInvalidCode},
		{"verify_email_code_invalid", "verifyEmailCode", "invalid value", autherr.CodeInvalidCode},
		{"plain_invalid", "", "invalid payload", autherr.CodeInvalidInput},
		{"validation", "", "validation rejected the body", autherr.CodeInvalidInput},
		{"fallback_unknown", "", "something inexplicable", autherr.CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := autherr.Classify(tt.method, "", errors.New(tt.message))
			assert.Equal(t, tt.want, got.Code)
		})
	}
}

/*
TestFromEnvelope covers structured IdP envelopes, including the
network_error → serviceUnavailable remap on 5xx-mentioning messages.
*/
func TestFromEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		serverCode string
		message    string
		want       autherr.Code
	}{
		{"direct_user_not_found", "user_not_found", "no such user", autherr.CodeUserNotFound},
		{"direct_rate_limited", "rate_limited", "slow down", autherr.CodeRateLimited},
		{"direct_invalid_code", "invalid_code", "wrong pin", autherr.CodeInvalidCode},
		{"network_error_plain", "network_error", "connection reset", autherr.CodeNetwork},
		{"network_error_502_remap", "network_error", "upstream said 502", autherr.CodeServiceUnavailable},
		{"unrecognized_falls_through", "weird_code", "rate limit hit", autherr.CodeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := autherr.FromEnvelope("checkUser", "a@b.com", tt.serverCode, tt.message, 400)
			assert.Equal(t, tt.want, got.Code)
			assert.Equal(t, tt.serverCode, got.ServerCode)
			assert.Equal(t, "checkUser", got.Method)
			assert.Equal(t, "a@b.com", got.Email)
		})
	}
}

/*
TestClassification_Totality asserts that every produced error lands in the
closed code set (property: the fallback is always `unknown`).
*/
func TestClassification_Totality(t *testing.T) {
	closed := map[autherr.Code]bool{
		autherr.CodeNetwork: true, autherr.CodeServiceUnavailable: true,
		autherr.CodeUserNotFound: true, autherr.CodeAuthCancelled: true,
		autherr.CodeAuthFailed: true, autherr.CodeRateLimited: true,
		autherr.CodeInvalidCode: true, autherr.CodeInvalidInput: true,
		autherr.CodeUnknown: true,
	}

	for i := 0; i < 50; i++ {
		err := autherr.Classify("m", "", fmt.Errorf("opaque failure %d", i))
		assert.True(t, closed[err.Code])
	}
	assert.Equal(t, autherr.CodeUnknown, autherr.Classify("", "", errors.New("zzz")).Code)
}

/*
TestRetryableFlags pins the retryable subset of the taxonomy.
*/
func TestRetryableFlags(t *testing.T) {
	assert.True(t, autherr.IsRetryable(autherr.CodeNetwork))
	assert.True(t, autherr.IsRetryable(autherr.CodeServiceUnavailable))
	assert.True(t, autherr.IsRetryable(autherr.CodeAuthCancelled))
	assert.True(t, autherr.IsRetryable(autherr.CodeAuthFailed))
	assert.True(t, autherr.IsRetryable(autherr.CodeRateLimited))
	assert.True(t, autherr.IsRetryable(autherr.CodeUnknown))

	assert.False(t, autherr.IsRetryable(autherr.CodeUserNotFound))
	assert.False(t, autherr.IsRetryable(autherr.CodeInvalidCode))
	assert.False(t, autherr.IsRetryable(autherr.CodeInvalidInput))
}

/*
TestRetryDelay pins the per-code backoff schedules.
*/
func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		code    autherr.Code
		attempt int
		want    time.Duration
	}{
		{"default_first", autherr.CodeUnknown, 1, 1 * time.Second},
		{"default_third", autherr.CodeUnknown, 3, 4 * time.Second},
		{"network_first", autherr.CodeNetwork, 1, 500 * time.Millisecond},
		{"network_second", autherr.CodeNetwork, 2, 1 * time.Second},
		{"service_first", autherr.CodeServiceUnavailable, 1, 2 * time.Second},
		{"service_capped", autherr.CodeServiceUnavailable, 10, 30 * time.Second},
		{"rate_limited_linear_1", autherr.CodeRateLimited, 1, 5 * time.Second},
		{"rate_limited_linear_4", autherr.CodeRateLimited, 4, 20 * time.Second},
		{"non_retryable_zero", autherr.CodeInvalidCode, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, autherr.RetryDelay(tt.code, tt.attempt))
		})
	}
}

/*
TestInvalidGrantDetection covers the rotation-rejection detector used by the
refresh protocol.
*/
func TestInvalidGrantDetection(t *testing.T) {
	exchanged := autherr.FromEnvelope("refreshToken", "", "invalid_grant", "refresh token already exchanged", 400)
	assert.True(t, autherr.IsInvalidGrant(exchanged))

	byMessage := autherr.FromEnvelope("refreshToken", "", "weird", "token already exchanged elsewhere", 400)
	assert.True(t, autherr.IsInvalidGrant(byMessage))

	hard := autherr.FromEnvelope("refreshToken", "", "token_expired", "refresh token expired", 400)
	assert.False(t, autherr.IsInvalidGrant(hard))
	assert.True(t, autherr.IsHardTokenFailure(hard))

	transient := autherr.Classify("refreshToken", "", errors.New("network down"))
	assert.False(t, autherr.IsInvalidGrant(transient))
	assert.False(t, autherr.IsHardTokenFailure(transient))
}

/*
TestAs_Unwrap checks errors.As traversal through wrapped causes.
*/
func TestAs_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	wrapped := fmt.Errorf("request_failed: %w", autherr.Wrap(autherr.CodeNetwork, "network failure", cause))

	authError := autherr.As(wrapped)
	require.NotNil(t, authError)
	assert.Equal(t, autherr.CodeNetwork, authError.Code)
	assert.True(t, errors.Is(wrapped, cause))
}
