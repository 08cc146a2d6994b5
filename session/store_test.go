// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package session_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfort/keyfort-go/session"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func strPtr(value string) *string { return &value }
func intPtr(value int64) *int64   { return &value }

/*
TestSaveSession_RoundTrip verifies that every field written through a patch
is observable again on load (persistence round-trip property).
*/
func TestSaveSession_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()

	method := session.MethodEmailCode
	written, err := store.SaveSession(ctx, session.Patch{
		User: &session.User{
			ID:            "u1",
			Email:         "Alice@Example.com",
			Name:          "Alice Example",
			EmailVerified: true,
			Metadata:      map[string]any{"avatar": "https://cdn/a.png"},
		},
		Tokens: session.TokensPatch(session.TokenSet{
			AccessToken:        "AT1",
			RefreshToken:       "RT1",
			ExpiresAt:          time.Now().Add(time.Hour).UnixMilli(),
			RefreshedAt:        time.Now().UnixMilli(),
			SecondaryToken:     "ST1",
			SecondaryExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		}),
		AuthMethod: &method,
	})
	require.NoError(t, err)
	// Emails are stored normalized.
	assert.Equal(t, "alice@example.com", written.User.Email)

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, written.User.ID, loaded.User.ID)
	assert.Equal(t, written.User.Email, loaded.User.Email)
	assert.Equal(t, written.User.Name, loaded.User.Name)
	assert.True(t, loaded.User.EmailVerified)
	assert.Equal(t, written.Tokens, loaded.Tokens)
	assert.Equal(t, session.MethodEmailCode, loaded.AuthMethod)
}

/*
TestSaveSession_MergeNotReplace ensures that a token-only patch never
clobbers the stored user, and vice versa.
*/
func TestSaveSession_MergeNotReplace(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()

	_, err := store.SaveSession(ctx, session.Patch{
		User: &session.User{ID: "u1", Email: "a@b.com", Name: "A"},
		Tokens: &session.TokenPatch{
			AccessToken:  strPtr("AT1"),
			RefreshToken: strPtr("RT1"),
		},
	})
	require.NoError(t, err)

	// Refresh path: tokens only.
	merged, err := store.SaveSession(ctx, session.Patch{
		Tokens: &session.TokenPatch{
			AccessToken: strPtr("AT2"),
			ExpiresAt:   intPtr(9_999_999_999_999),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "u1", merged.User.ID)
	assert.Equal(t, "A", merged.User.Name)
	assert.Equal(t, "AT2", merged.Tokens.AccessToken)
	// Unspecified refresh token survives.
	assert.Equal(t, "RT1", merged.Tokens.RefreshToken)
}

/*
TestLoadSession_ExpiredWithoutRefresh covers the load-time expiry rule: an
expired record with no refresh token reads as nil and clears the slot.
*/
func TestLoadSession_ExpiredWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := session.NewMemoryStore(session.WithClock(fixedClock(now)))

	_, err := store.SaveSession(ctx, session.Patch{
		Tokens: &session.TokenPatch{
			AccessToken:  strPtr("X"),
			RefreshToken: strPtr(""),
			ExpiresAt:    intPtr(now.Add(-time.Second).UnixMilli()),
		},
	})
	require.NoError(t, err)

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// The slot is gone: a subsequent save starts from scratch.
	merged, err := store.SaveSession(ctx, session.Patch{
		Tokens: &session.TokenPatch{AccessToken: strPtr("Y")},
	})
	require.NoError(t, err)
	assert.Zero(t, merged.Tokens.ExpiresAt)
}

/*
TestLoadSession_ExpiredWithRefresh keeps an expired record alive when a
refresh token remains: rotation can still revive it.
*/
func TestLoadSession_ExpiredWithRefresh(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := session.NewMemoryStore(session.WithClock(fixedClock(now)))

	_, err := store.SaveSession(ctx, session.Patch{
		Tokens: &session.TokenPatch{
			AccessToken:  strPtr("X"),
			RefreshToken: strPtr("RT"),
			ExpiresAt:    intPtr(now.Add(-time.Second).UnixMilli()),
		},
	})
	require.NoError(t, err)

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "RT", loaded.Tokens.RefreshToken)
}

/*
TestClearSession_Idempotent verifies double clears are harmless.
*/
func TestClearSession_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()

	_, err := store.SaveSession(ctx, session.Patch{
		Tokens: &session.TokenPatch{AccessToken: strPtr("AT")},
	})
	require.NoError(t, err)

	require.NoError(t, store.ClearSession(ctx))
	require.NoError(t, store.ClearSession(ctx))

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

/*
TestLastUser_Staleness checks the 30-day last-user discard rule.
*/
func TestLastUser_Staleness(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := session.NewMemoryStore(session.WithClock(fixedClock(now)))

	fresh := session.LastUser{
		ID: "u1", Email: "A@b.com",
		LastLoginAt: now.Add(-24 * time.Hour).UnixMilli(),
	}
	require.NoError(t, store.SaveUser(ctx, fresh))

	loaded, err := store.LoadUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "a@b.com", loaded.Email)

	stale := session.LastUser{
		ID: "u1", Email: "a@b.com",
		LastLoginAt: now.Add(-31 * 24 * time.Hour).UnixMilli(),
	}
	require.NoError(t, store.SaveUser(ctx, stale))

	loaded, err = store.LoadUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

/*
TestFileStore_PersistsAcrossInstances exercises the durable file adapter,
including the legacy flat layout on read and malformed-payload recovery.
*/
func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := session.NewFileStore(dir)
	require.NoError(t, err)

	_, err = first.SaveSession(ctx, session.Patch{
		User:   &session.User{ID: "u1", Email: "a@b.com"},
		Tokens: &session.TokenPatch{AccessToken: strPtr("AT1"), RefreshToken: strPtr("RT1")},
	})
	require.NoError(t, err)

	// A second adapter over the same directory observes the session.
	second, err := session.NewFileStore(dir)
	require.NoError(t, err)

	loaded, err := second.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "u1", loaded.User.ID)

	// The persisted layout is the nested shape.
	raw, err := os.ReadFile(filepath.Join(dir, "session.json"))
	require.NoError(t, err)
	var nested map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &nested))
	assert.Contains(t, nested, "user")
	assert.Contains(t, nested, "tokens")
}

/*
TestFileStore_LegacyFlatLayout verifies that the adapter reads the old
snake_case flat layout and rewrites it nested on the next save.
*/
func TestFileStore_LegacyFlatLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	legacy := `{"user_id":"u9","email":"Old@User.com","name":"Old",` +
		`"access_token":"AT-old","refresh_token":"RT-old",` +
		`"expires_at":9999999999999,"auth_method":"email-code"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte(legacy), 0o600))

	store, err := session.NewFileStore(dir)
	require.NoError(t, err)

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "u9", loaded.User.ID)
	assert.Equal(t, "old@user.com", loaded.User.Email)
	assert.Equal(t, "AT-old", loaded.Tokens.AccessToken)
	assert.Equal(t, session.MethodEmailCode, loaded.AuthMethod)

	// Saving rewrites nested.
	_, err = store.SaveSession(ctx, session.Patch{
		Tokens: &session.TokenPatch{AccessToken: strPtr("AT-new")},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "session.json"))
	require.NoError(t, err)
	var nested map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &nested))
	assert.Contains(t, nested, "tokens")
}

/*
TestLoadSession_MalformedPayload ensures garbage reads as nil and clears the
slot rather than erroring forever.
*/
func TestLoadSession_MalformedPayload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte("{not json"), 0o600))

	store, err := session.NewFileStore(dir)
	require.NoError(t, err)

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	_, statErr := os.Stat(filepath.Join(dir, "session.json"))
	assert.True(t, os.IsNotExist(statErr))
}

/*
TestSealedStore_EncryptsAtRest verifies the secretbox sealing wrapper: the
bytes on disk are opaque, a matching key round-trips, a wrong key clears.
*/
func TestSealedStore_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	key := make([]byte, session.SealKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sealer, err := session.NewSealer(key)
	require.NoError(t, err)

	store, err := session.NewFileStore(dir, session.WithSealer(sealer))
	require.NoError(t, err)

	_, err = store.SaveSession(ctx, session.Patch{
		User:   &session.User{ID: "u1", Email: "a@b.com"},
		Tokens: &session.TokenPatch{AccessToken: strPtr("SECRET-AT")},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "session.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "SECRET-AT")

	loaded, err := store.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "SECRET-AT", loaded.Tokens.AccessToken)

	// Wrong key: the record is unreadable and the slot resets.
	otherKey := make([]byte, session.SealKeySize)
	_, err = rand.Read(otherKey)
	require.NoError(t, err)
	otherSealer, err := session.NewSealer(otherKey)
	require.NoError(t, err)

	wrong, err := session.NewFileStore(dir, session.WithSealer(otherSealer))
	require.NoError(t, err)
	loaded, err = wrong.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

/*
TestNewSealer_KeyLength rejects keys that are not exactly 32 bytes.
*/
func TestNewSealer_KeyLength(t *testing.T) {
	_, err := session.NewSealer(make([]byte, 16))
	assert.Error(t, err)

	_, err = session.NewSealer(make([]byte, session.SealKeySize))
	assert.NoError(t, err)
}
