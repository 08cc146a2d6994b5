// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package idp

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/keyfort/keyfort-go/autherr"
)

// # Input Validation
//
// Every client method validates its inputs before touching the network. A
// failed chain produces a single invalidInput error naming the first field
// that failed; the request is never sent.

// maxEmailLength is the RFC 5321 path limit the upstream contract enforces.
const maxEmailLength = 254

// validator collects field-level failures via a fluent, chainable API. Not
// safe for concurrent use; build a fresh one per call.
type validator struct {
	failures []string
}

// required fails if the trimmed value is empty.
func (v *validator) required(field, value string) *validator {
	if strings.TrimSpace(value) == "" {
		v.add(field, "is required")
	}
	return v
}

// email fails unless the value is an RFC 5322 address within the length
// limit.
func (v *validator) email(field, value string) *validator {
	if utf8.RuneCountInString(value) > maxEmailLength {
		v.add(field, fmt.Sprintf("must be at most %d characters", maxEmailLength))
		return v
	}
	if _, err := mail.ParseAddress(value); err != nil {
		v.add(field, "must be a valid email address")
	}
	return v
}

// httpsURL fails unless the value parses as an absolute https:// URL.
// Redirect targets are the only URLs callers supply; plain http is refused.
func (v *validator) httpsURL(field, value string) *validator {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		v.add(field, "must be an absolute https URL")
	}
	return v
}

// base64url fails unless the value decodes as unpadded or padded URL-safe
// base64. Credential identifiers arrive in this alphabet.
func (v *validator) base64url(field, value string) *validator {
	if value == "" {
		v.add(field, "is required")
		return v
	}
	if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "=")); err != nil {
		v.add(field, "must be URL-safe base64")
	}
	return v
}

// custom adds a failure with the given message when failed is true.
func (v *validator) custom(field string, failed bool, message string) *validator {
	if failed {
		v.add(field, message)
	}
	return v
}

// err returns an invalidInput error covering every failed rule, or nil.
func (v *validator) err() error {
	if len(v.failures) == 0 {
		return nil
	}
	return autherr.InvalidInput(strings.Join(v.failures, "; "))
}

func (v *validator) add(field, message string) {
	v.failures = append(v.failures, field+" "+message)
}
