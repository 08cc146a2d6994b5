// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package session implements the persistence layer of the Keyfort engine.

It defines the session and last-user records, the merge discipline that lets
independent writers (token refresh, profile updates) coexist without
clobbering each other, and a set of pluggable storage adapters: in-memory
(volatile/tests), single-file (durable local), Redis and Postgres (durable,
shared between contexts).

Architecture:

  - Record: The single persisted session document for the current origin.
  - Merge, not replace: SaveSession folds a sparse patch into the stored
    record and returns the merged result the caller can trust.
  - Dual encoding: writes always use the nested layout; reads accept the
    nested layout or the legacy snake_case flat layout.
  - Load-time expiry: an expired record with no refresh token is discarded
    on load; adapters never expire records in the background.
*/
package session

import (
	"strings"
	"time"
)

// # Domain Records

// AuthMethod identifies which ceremony produced the session.
type AuthMethod string

// The closed set of authentication methods.
const (
	MethodPasskey   AuthMethod = "passkey"
	MethodEmailCode AuthMethod = "email-code"
	MethodMagicLink AuthMethod = "magic-link"
	MethodPassword  AuthMethod = "password"
)

// User is the identity subset carried by a session record.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	CreatedAt     string         `json:"createdAt,omitempty"`
	LastLoginAt   string         `json:"lastLoginAt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TokenSet is the authentication material of a session. All instants are
// absolute millisecond epochs; zero means "unknown".
type TokenSet struct {
	AccessToken        string `json:"accessToken"`
	RefreshToken       string `json:"refreshToken,omitempty"`
	ExpiresAt          int64  `json:"expiresAt,omitempty"`
	RefreshedAt        int64  `json:"refreshedAt,omitempty"`
	SecondaryToken     string `json:"secondaryToken,omitempty"`
	SecondaryExpiresAt int64  `json:"secondaryExpiresAt,omitempty"`
}

// Record is the persisted session document for the current origin.
type Record struct {
	User       User       `json:"user"`
	Tokens     TokenSet   `json:"tokens"`
	AuthMethod AuthMethod `json:"authMethod"`
}

// Expired reports whether the record is past its expiry with no refresh
// token left to rotate. Such records must be discarded on load.
func (record *Record) Expired(now time.Time) bool {
	return record.Tokens.ExpiresAt > 0 &&
		record.Tokens.ExpiresAt < now.UnixMilli() &&
		record.Tokens.RefreshToken == ""
}

// LastUser is the soft "returning user" hint surfaced to the UI.
type LastUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	LastLoginAt   int64  `json:"lastLoginAt"`
}

// LastUserMaxAge is how long a last-user hint stays valid. Older hints are
// discarded on load.
const LastUserMaxAge = 30 * 24 * time.Hour

// Stale reports whether the hint is older than [LastUserMaxAge].
func (lastUser *LastUser) Stale(now time.Time) bool {
	return lastUser.LastLoginAt > 0 &&
		now.UnixMilli()-lastUser.LastLoginAt > LastUserMaxAge.Milliseconds()
}

// # Patches

// Patch is a sparse update to the session record. Nil fields are left
// untouched by SaveSession; this is what lets the refresh path and the
// user-update path run independently.
type Patch struct {
	User       *User
	Tokens     *TokenPatch
	AuthMethod *AuthMethod
}

// TokenPatch is a sparse update to the token set.
type TokenPatch struct {
	AccessToken        *string
	RefreshToken       *string
	ExpiresAt          *int64
	RefreshedAt        *int64
	SecondaryToken     *string
	SecondaryExpiresAt *int64
}

// TokensPatch builds a full-token patch from a [TokenSet]. Convenience for
// callers that replace the whole set at once (sign-in, refresh).
func TokensPatch(tokens TokenSet) *TokenPatch {
	return &TokenPatch{
		AccessToken:        &tokens.AccessToken,
		RefreshToken:       &tokens.RefreshToken,
		ExpiresAt:          &tokens.ExpiresAt,
		RefreshedAt:        &tokens.RefreshedAt,
		SecondaryToken:     &tokens.SecondaryToken,
		SecondaryExpiresAt: &tokens.SecondaryExpiresAt,
	}
}

// merge folds a patch into an existing record (which may be nil) and
// returns the merged result. Unspecified fields survive untouched.
func merge(existing *Record, patch Patch) *Record {
	merged := &Record{}
	if existing != nil {
		*merged = *existing
	}

	if patch.User != nil {
		merged.User = *patch.User
		merged.User.Email = NormalizeEmail(merged.User.Email)
	}
	if patch.AuthMethod != nil {
		merged.AuthMethod = *patch.AuthMethod
	}
	if tokens := patch.Tokens; tokens != nil {
		if tokens.AccessToken != nil {
			merged.Tokens.AccessToken = *tokens.AccessToken
		}
		if tokens.RefreshToken != nil {
			merged.Tokens.RefreshToken = *tokens.RefreshToken
		}
		if tokens.ExpiresAt != nil {
			merged.Tokens.ExpiresAt = *tokens.ExpiresAt
		}
		if tokens.RefreshedAt != nil {
			merged.Tokens.RefreshedAt = *tokens.RefreshedAt
		}
		if tokens.SecondaryToken != nil {
			merged.Tokens.SecondaryToken = *tokens.SecondaryToken
		}
		if tokens.SecondaryExpiresAt != nil {
			merged.Tokens.SecondaryExpiresAt = *tokens.SecondaryExpiresAt
		}
	}
	return merged
}

// # Normalization

// NormalizeEmail lowercases and trims an email address. Every email the
// engine stores or sends passes through here.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Initials derives a short display hint from the user's name, falling back
// to the email's first letter. Persisted only as a convenience field in the
// nested layout.
func (user *User) Initials() string {
	name := strings.TrimSpace(user.Name)
	if name == "" {
		if user.Email == "" {
			return ""
		}
		return strings.ToUpper(user.Email[:1])
	}

	parts := strings.Fields(name)
	initials := strings.ToUpper(parts[0][:1])
	if len(parts) > 1 {
		initials += strings.ToUpper(parts[len(parts)-1][:1])
	}
	return initials
}
