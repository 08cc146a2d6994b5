// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// # At-Rest Sealing
//
// A Sealer encrypts persisted slots so that session material written to
// shared storage (disk, Redis, Postgres) is opaque without the origin's
// key. Sealed format: nonce (24 bytes) || secretbox ciphertext.

// SealKeySize is the required key length in bytes.
const SealKeySize = 32

const sealNonceSize = 24

// Sealer performs authenticated symmetric encryption of slot payloads.
type Sealer struct {
	key [SealKeySize]byte
}

// NewSealer builds a [Sealer] from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != SealKeySize {
		return nil, fmt.Errorf("session_sealer: key must be %d bytes, got %d", SealKeySize, len(key))
	}
	sealer := &Sealer{}
	copy(sealer.key[:], key)
	return sealer, nil
}

// Seal encrypts and authenticates the plaintext under a fresh random nonce.
func (sealer *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [sealNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("session_seal_nonce_failed: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &sealer.key), nil
}

// Open authenticates and decrypts a sealed payload.
func (sealer *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < sealNonceSize {
		return nil, fmt.Errorf("session_open_failed: payload too short")
	}

	var nonce [sealNonceSize]byte
	copy(nonce[:], sealed[:sealNonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[sealNonceSize:], &nonce, &sealer.key)
	if !ok {
		return nil, fmt.Errorf("session_open_failed: authentication failed")
	}
	return plaintext, nil
}
