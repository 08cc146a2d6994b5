// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package core

import (
	"github.com/golang-jwt/jwt/v5"
)

// inferJWTExpiry recovers an absolute expiry from the access token's exp
// claim when the server omitted expires_in. The signature is deliberately
// not verified: the token came from the IdP over TLS and the engine never
// grants anything based on the claim, it only schedules a refresh.
func inferJWTExpiry(accessToken string) int64 {
	if accessToken == "" {
		return 0
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return 0
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return 0
	}
	return expiry.UnixMilli()
}
