// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package idp

import (
	"encoding/json"
	"time"

	"github.com/keyfort/keyfort-go/session"
)

// # Result Types

// DiscoveryResult is the outcome of a user lookup: whether the address is
// enrolled, which credentials it holds, and the status of any outstanding
// one-time code.
type DiscoveryResult struct {
	Exists        bool   `json:"exists"`
	HasPasskey    bool   `json:"hasPasskey"`
	UserID        string `json:"userId,omitempty"`
	EmailVerified bool   `json:"emailVerified,omitempty"`

	// LastPinSentAt and LastPinExpiry describe the most recent one-time
	// code, millisecond epochs, zero when none is outstanding.
	LastPinSentAt int64 `json:"lastPinSentAt,omitempty"`
	LastPinExpiry int64 `json:"lastPinExpiry,omitempty"`
}

// HasValidPin reports whether an already-sent code is still valid, so the
// ceremony can skip straight to code entry without sending a fresh one.
func (result *DiscoveryResult) HasValidPin(now time.Time) bool {
	return result.LastPinExpiry > now.UnixMilli()
}

// PinRemainingMinutes returns how long the outstanding code stays valid,
// rounded up. Zero when no valid code remains.
func (result *DiscoveryResult) PinRemainingMinutes(now time.Time) int {
	remaining := result.LastPinExpiry - now.UnixMilli()
	if remaining <= 0 {
		return 0
	}
	const minuteMillis = 60_000
	return int((remaining + minuteMillis - 1) / minuteMillis)
}

// AllowCredential names one previously registered credential the
// authenticator may use.
type AllowCredential struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	Transports []string `json:"transports,omitempty"`
}

// ChallengeResponse is the server's WebAuthn assertion challenge. The
// challenge material is opaque to the engine.
type ChallengeResponse struct {
	Challenge        string            `json:"challenge"`
	RPID             string            `json:"rpId"`
	AllowCredentials []AllowCredential `json:"allowCredentials"`
	Timeout          int               `json:"timeout"`
	UserVerification string            `json:"userVerification"`
	ChallengeID      string            `json:"challengeId"`
}

// RegistrationOptions is the server's WebAuthn creation challenge for
// enrolling a new passkey, carried opaque to the platform authenticator.
type RegistrationOptions struct {
	Options     json.RawMessage `json:"options"`
	ChallengeID string          `json:"challengeId"`
}

// AuthResult is a completed authentication: the identity plus the token
// material to hand to the session layer.
type AuthResult struct {
	User   session.User
	Tokens session.TokenSet
}

// TokenResponse is the raw refresh outcome. Optional fields stay zero when
// the server omits them; the caller decides what omission means.
type TokenResponse struct {
	AccessToken        string
	RefreshToken       string
	ExpiresAt          int64
	SecondaryToken     string
	SecondaryExpiresAt int64
}

// SendResult reports a dispatched email (one-time code or magic link).
type SendResult struct {
	Sent      bool
	ExpiresAt int64
	Message   string
}

// HealthResult is the upstream service health report.
type HealthResult struct {
	Status   string          `json:"status"`
	Services map[string]bool `json:"services,omitempty"`
}

// Health states reported by the IdP.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)
