// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package keyfort

import (
	"github.com/keyfort/keyfort-go/autherr"
	"github.com/keyfort/keyfort-go/internal/ceremony"
	"github.com/keyfort/keyfort-go/internal/core"
	"github.com/keyfort/keyfort-go/session"
)

// # Observable State

// State is the merged projection of the auth core and the sign-in
// ceremony. It is a value: mutating a copy has no effect on the engine.
type State struct {
	// State is the authentication state: "unauthenticated" or
	// "authenticated".
	State string `json:"state"`

	// SignInState is the ceremony step, e.g. "emailEntry" or "pinEntry".
	SignInState string `json:"signInState"`

	User *session.User `json:"user,omitempty"`

	AccessToken        string `json:"accessToken,omitempty"`
	RefreshToken       string `json:"refreshToken,omitempty"`
	ExpiresAt          int64  `json:"expiresAt,omitempty"`
	RefreshedAt        int64  `json:"refreshedAt,omitempty"`
	SecondaryToken     string `json:"secondaryToken,omitempty"`
	SecondaryExpiresAt int64  `json:"secondaryExpiresAt,omitempty"`

	// APIError is the last classified failure, kept for diagnostics.
	// UIError is the one currently displayed; dismissing it does not
	// clear APIError.
	APIError *autherr.AuthError `json:"apiError,omitempty"`
	UIError  *autherr.AuthError `json:"uiError,omitempty"`

	PasskeysEnabled bool `json:"passkeysEnabled"`

	Email     string `json:"email"`
	FullName  string `json:"fullName,omitempty"`
	EmailCode string `json:"emailCode,omitempty"`

	Loading       bool `json:"loading"`
	EmailCodeSent bool `json:"emailCodeSent"`

	UserExists          bool `json:"userExists"`
	HasPasskeys         bool `json:"hasPasskeys"`
	HasValidPin         bool `json:"hasValidPin"`
	PinRemainingMinutes int  `json:"pinRemainingMinutes"`

	ConditionalAuthActive          bool `json:"conditionalAuthActive"`
	PlatformAuthenticatorAvailable bool `json:"platformAuthenticatorAvailable"`
}

// projectState merges the two store snapshots and the engine's error slots.
func projectState(
	coreSnapshot core.Snapshot,
	ceremonySnapshot ceremony.Snapshot,
	apiError, uiError *autherr.AuthError,
	passkeysEnabled bool,
	platformAuthenticator bool,
) State {
	state := State{
		State:       string(coreSnapshot.State),
		SignInState: string(ceremonySnapshot.State),

		AccessToken:        coreSnapshot.Tokens.AccessToken,
		RefreshToken:       coreSnapshot.Tokens.RefreshToken,
		ExpiresAt:          coreSnapshot.Tokens.ExpiresAt,
		RefreshedAt:        coreSnapshot.Tokens.RefreshedAt,
		SecondaryToken:     coreSnapshot.Tokens.SecondaryToken,
		SecondaryExpiresAt: coreSnapshot.Tokens.SecondaryExpiresAt,

		APIError: apiError,
		UIError:  uiError,

		PasskeysEnabled: passkeysEnabled,

		Email:     ceremonySnapshot.Email,
		FullName:  ceremonySnapshot.FullName,
		EmailCode: ceremonySnapshot.EmailCode,

		Loading:       ceremonySnapshot.Loading,
		EmailCodeSent: ceremonySnapshot.EmailCodeSent,

		UserExists:          ceremonySnapshot.UserExists,
		HasPasskeys:         ceremonySnapshot.HasPasskeys,
		HasValidPin:         ceremonySnapshot.HasValidPin,
		PinRemainingMinutes: ceremonySnapshot.PinRemainingMinutes,

		ConditionalAuthActive:          ceremonySnapshot.ConditionalAuthActive,
		PlatformAuthenticatorAvailable: platformAuthenticator,
	}

	if coreSnapshot.State == core.StateAuthenticated && coreSnapshot.User.ID != "" {
		user := coreSnapshot.User
		state.User = &user
	}
	return state
}
