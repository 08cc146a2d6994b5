// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session

import (
	"encoding/json"
	"fmt"
)

// # Wire Shapes
//
// The adapter always writes the nested layout. On read it accepts either
// the nested layout or the legacy snake_case flat layout; the
// transformation is bijective on the fields both shapes define.

// wireUser is the nested layout's user object.
type wireUser struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name,omitempty"`
	Initials      string         `json:"initials,omitempty"`
	Avatar        string         `json:"avatar,omitempty"`
	EmailVerified bool           `json:"emailVerified,omitempty"`
	CreatedAt     string         `json:"createdAt,omitempty"`
	LastLoginAt   string         `json:"lastLoginAt,omitempty"`
	Preferences   map[string]any `json:"preferences,omitempty"`
}

// wireTokens is the nested layout's token object. The secondary token keeps
// its historical "supabase" field names on the wire.
type wireTokens struct {
	AccessToken       string `json:"accessToken"`
	RefreshToken      string `json:"refreshToken,omitempty"`
	ExpiresAt         int64  `json:"expiresAt,omitempty"`
	RefreshedAt       int64  `json:"refreshedAt,omitempty"`
	SupabaseToken     string `json:"supabaseToken,omitempty"`
	SupabaseExpiresAt int64  `json:"supabaseExpiresAt,omitempty"`
}

// wireRecord is the nested layout.
type wireRecord struct {
	User       *wireUser   `json:"user,omitempty"`
	Tokens     *wireTokens `json:"tokens,omitempty"`
	AuthMethod string      `json:"authMethod,omitempty"`
}

// legacyRecord is the flat snake_case layout written by older engines.
type legacyRecord struct {
	UserID            string `json:"user_id"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	EmailVerified     bool   `json:"email_verified"`
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresAt         int64  `json:"expires_at"`
	RefreshedAt       int64  `json:"refreshed_at"`
	SupabaseToken     string `json:"supabase_token"`
	SupabaseExpiresAt int64  `json:"supabase_expires_at"`
	AuthMethod        string `json:"auth_method"`
}

// # Encoding

// encodeRecord serializes a record into the nested layout.
func encodeRecord(record *Record) ([]byte, error) {
	wire := wireRecord{
		User: &wireUser{
			ID:            record.User.ID,
			Email:         record.User.Email,
			Name:          record.User.Name,
			Initials:      record.User.Initials(),
			Avatar:        avatarOf(record.User.Metadata),
			EmailVerified: record.User.EmailVerified,
			CreatedAt:     record.User.CreatedAt,
			LastLoginAt:   record.User.LastLoginAt,
			Preferences:   record.User.Metadata,
		},
		Tokens: &wireTokens{
			AccessToken:       record.Tokens.AccessToken,
			RefreshToken:      record.Tokens.RefreshToken,
			ExpiresAt:         record.Tokens.ExpiresAt,
			RefreshedAt:       record.Tokens.RefreshedAt,
			SupabaseToken:     record.Tokens.SecondaryToken,
			SupabaseExpiresAt: record.Tokens.SecondaryExpiresAt,
		},
		AuthMethod: string(record.AuthMethod),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("session_encode_failed: %w", err)
	}
	return data, nil
}

// # Decoding

// decodeRecord parses either accepted layout. A payload that is not valid
// JSON, or that identifies neither a user nor any token, is malformed.
func decodeRecord(data []byte) (*Record, error) {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("session_decode_failed: %w", err)
	}

	// Nested layout: at least one of the two sub-objects is present.
	if wire.User != nil || wire.Tokens != nil {
		return fromWire(&wire), nil
	}

	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("session_decode_failed: %w", err)
	}
	if legacy.UserID == "" && legacy.Email == "" && legacy.AccessToken == "" {
		return nil, fmt.Errorf("session_decode_failed: unrecognized payload shape")
	}
	return fromLegacy(&legacy), nil
}

// fromWire maps the nested layout onto the domain record.
func fromWire(wire *wireRecord) *Record {
	record := &Record{AuthMethod: AuthMethod(wire.AuthMethod)}
	if wire.User != nil {
		record.User = User{
			ID:            wire.User.ID,
			Email:         NormalizeEmail(wire.User.Email),
			Name:          wire.User.Name,
			EmailVerified: wire.User.EmailVerified,
			CreatedAt:     wire.User.CreatedAt,
			LastLoginAt:   wire.User.LastLoginAt,
			Metadata:      wire.User.Preferences,
		}
	}
	if wire.Tokens != nil {
		record.Tokens = TokenSet{
			AccessToken:        wire.Tokens.AccessToken,
			RefreshToken:       wire.Tokens.RefreshToken,
			ExpiresAt:          wire.Tokens.ExpiresAt,
			RefreshedAt:        wire.Tokens.RefreshedAt,
			SecondaryToken:     wire.Tokens.SupabaseToken,
			SecondaryExpiresAt: wire.Tokens.SupabaseExpiresAt,
		}
	}
	return record
}

// fromLegacy maps the flat layout onto the domain record.
func fromLegacy(legacy *legacyRecord) *Record {
	return &Record{
		User: User{
			ID:            legacy.UserID,
			Email:         NormalizeEmail(legacy.Email),
			Name:          legacy.Name,
			EmailVerified: legacy.EmailVerified,
		},
		Tokens: TokenSet{
			AccessToken:        legacy.AccessToken,
			RefreshToken:       legacy.RefreshToken,
			ExpiresAt:          legacy.ExpiresAt,
			RefreshedAt:        legacy.RefreshedAt,
			SecondaryToken:     legacy.SupabaseToken,
			SecondaryExpiresAt: legacy.SupabaseExpiresAt,
		},
		AuthMethod: AuthMethod(legacy.AuthMethod),
	}
}

// avatarOf extracts a string "avatar" entry from user metadata, if any.
func avatarOf(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if avatar, ok := metadata["avatar"].(string); ok {
		return avatar
	}
	return ""
}
