// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

/*
Package idp is the typed client for the upstream identity provider.

One method per HTTP endpoint: user discovery, one-time email codes, WebAuthn
assertion and registration, magic links, token refresh, sign-out, and
health. Each method validates its inputs, performs the request, decodes the
response, and maps transport failures and IdP error envelopes into the
classified error taxonomy before returning.

Architecture:

  - Client: stateless HTTP wrapper; safe for concurrent use.
  - DiscoveryCache: short-lived per-context memoization of user lookups,
    invalidated by the client after any operation that can change the
    user's credential set.
  - Send throttle: a token-bucket limiter paces code and magic-link emails
    so a jittery UI cannot hammer the delivery pipeline.
*/
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/keyfort/keyfort-go/autherr"
	"github.com/keyfort/keyfort-go/session"
)

// # Client

// Default transport tuning.
const (
	defaultRequestTimeout = 15 * time.Second

	// Send pacing: one email every two seconds, short bursts allowed.
	sendInterval = 2 * time.Second
	sendBurst    = 3
)

// Client talks to the IdP over its JSON HTTP contract.
type Client struct {
	baseURL  string
	appCode  string
	clientID string

	httpClient *http.Client
	logger     *slog.Logger
	cache      *DiscoveryCache
	sendLimit  *rate.Limiter
	now        func() time.Time
}

// ClientOption customizes a client at construction.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = httpClient }
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// WithAppCode prefixes every auth path with an application code, for
// multi-tenant IdP deployments serving several logical applications.
func WithAppCode(appCode string) ClientOption {
	return func(client *Client) { client.appCode = strings.Trim(appCode, "/") }
}

// WithDiscoveryTTL overrides the discovery cache lifetime.
func WithDiscoveryTTL(ttl time.Duration) ClientOption {
	return func(client *Client) { client.cache = NewDiscoveryCache(ttl) }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) ClientOption {
	return func(client *Client) { client.now = now }
}

// NewClient creates a client rooted at baseURL.
//
// # Parameters
//   - baseURL: IdP root, e.g. "https://id.example.com".
//   - clientID: Application credential sent with every request.
//   - opts: Optional overrides.
func NewClient(baseURL, clientID string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, autherr.InvalidInput("apiBaseUrl is required")
	}
	if strings.TrimSpace(clientID) == "" {
		return nil, autherr.InvalidInput("clientId is required")
	}

	client := &Client{
		baseURL:    baseURL,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     slog.Default(),
		cache:      NewDiscoveryCache(DefaultDiscoveryTTL),
		sendLimit:  rate.NewLimiter(rate.Every(sendInterval), sendBurst),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Cache exposes the discovery cache so the embedding engine can consult or
// flush it between ceremonies.
func (client *Client) Cache() *DiscoveryCache {
	return client.cache
}

// # User Discovery

/*
CheckUser looks up whether the email is enrolled and which credentials it
holds. Results are memoized in the discovery cache for a short TTL.

Parameters:
  - ctx: context.Context
  - email: The address to look up

Returns:
  - *DiscoveryResult: Existence, passkey, and pin status
  - error: Classified failures
*/
func (client *Client) CheckUser(ctx context.Context, email string) (*DiscoveryResult, error) {
	email = session.NormalizeEmail(email)
	if err := (&validator{}).email("email", email).err(); err != nil {
		return nil, withContext(err, "checkUser", email)
	}

	if cached, ok := client.cache.Get(email); ok {
		return cached, nil
	}

	var result DiscoveryResult
	err := client.post(ctx, "checkUser", email, "/auth/check-user",
		map[string]any{"email": email}, &result)
	if err != nil {
		return nil, err
	}

	client.cache.Set(email, result)
	return &result, nil
}

// # Email Codes

/*
SendEmailCode asks the IdP to deliver a one-time code. Paced by the send
throttle; rate-limit responses surface as rateLimited with the server's
Retry-After attached.

Parameters:
  - ctx: context.Context
  - email: The recipient
  - createIfMissing: Enroll the address if it does not exist yet

Returns:
  - *SendResult: Whether the code was dispatched and when it expires
  - error: Classified failures
*/
func (client *Client) SendEmailCode(ctx context.Context, email string, createIfMissing bool) (*SendResult, error) {
	email = session.NormalizeEmail(email)
	if err := (&validator{}).email("email", email).err(); err != nil {
		return nil, withContext(err, "sendEmailCode", email)
	}
	if err := client.sendLimit.Wait(ctx); err != nil {
		return nil, autherr.Cancelled("send cancelled while throttled").WithContext("sendEmailCode", email)
	}

	body := map[string]any{"email": email}
	if createIfMissing {
		body["createIfMissing"] = true
	}

	var response struct {
		Sent      bool  `json:"sent"`
		ExpiresAt int64 `json:"expiresAt"`
	}
	err := client.post(ctx, "sendEmailCode", email, "/auth/send-email-code", body, &response)
	if err != nil {
		return nil, err
	}
	return &SendResult{Sent: response.Sent, ExpiresAt: response.ExpiresAt}, nil
}

/*
VerifyEmailCode exchanges a one-time code for a session. On success the
discovery cache entry for the email is invalidated; the user may have just
been created.

Parameters:
  - ctx: context.Context
  - email: The address the code was sent to
  - code: The one-time code as typed by the user

Returns:
  - *AuthResult: The authenticated identity and tokens
  - error: Classified failures, invalidCode for a wrong or expired code
*/
func (client *Client) VerifyEmailCode(ctx context.Context, email, code string) (*AuthResult, error) {
	email = session.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	err := (&validator{}).
		email("email", email).
		required("code", code).
		custom("code", len(code) > 16, "is too long").
		err()
	if err != nil {
		return nil, withContext(err, "verifyEmailCode", email)
	}

	var response authResponse
	if err := client.post(ctx, "verifyEmailCode", email, "/auth/verify-email-code",
		map[string]any{"email": email, "code": code}, &response); err != nil {
		return nil, err
	}

	client.cache.Invalidate(email)
	return client.authResult(&response)
}

// # WebAuthn

/*
WebAuthnChallenge requests an assertion challenge for the email. The
challenge material is opaque; the caller forwards it to the platform
authenticator unchanged.

Parameters:
  - ctx: context.Context
  - email: The address attempting passkey sign-in

Returns:
  - *ChallengeResponse: Challenge, relying-party ID, allowed credentials
  - error: Classified failures
*/
func (client *Client) WebAuthnChallenge(ctx context.Context, email string) (*ChallengeResponse, error) {
	email = session.NormalizeEmail(email)
	if err := (&validator{}).email("email", email).err(); err != nil {
		return nil, withContext(err, "webauthnChallenge", email)
	}

	var response ChallengeResponse
	err := client.post(ctx, "webauthnChallenge", email, "/auth/webauthn/challenge",
		map[string]any{"email": email}, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

/*
WebAuthnVerify submits the authenticator's assertion for the challenge.

Parameters:
  - ctx: context.Context
  - email: The address attempting passkey sign-in
  - challengeID: The identifier returned by WebAuthnChallenge
  - credentialResponse: The authenticator's assertion, passed through opaque

Returns:
  - *AuthResult: The authenticated identity and tokens
  - error: Classified failures
*/
func (client *Client) WebAuthnVerify(ctx context.Context, email, challengeID string, credentialResponse json.RawMessage) (*AuthResult, error) {
	email = session.NormalizeEmail(email)
	err := (&validator{}).
		email("email", email).
		required("challengeId", challengeID).
		custom("credentialResponse", len(credentialResponse) == 0, "is required").
		err()
	if err != nil {
		return nil, withContext(err, "webauthnVerify", email)
	}

	var response authResponse
	if err := client.post(ctx, "webauthnVerify", email, "/auth/webauthn/verify", map[string]any{
		"email":              email,
		"challengeId":        challengeID,
		"credentialResponse": credentialResponse,
	}, &response); err != nil {
		return nil, err
	}
	return client.authResult(&response)
}

/*
WebAuthnRegisterOptions requests a credential-creation challenge for the
authenticated user. Requires a valid access token.

Parameters:
  - ctx: context.Context
  - accessToken: The current session's access token

Returns:
  - *RegistrationOptions: Opaque creation options plus the challenge ID
  - error: Classified failures
*/
func (client *Client) WebAuthnRegisterOptions(ctx context.Context, accessToken string) (*RegistrationOptions, error) {
	if err := (&validator{}).required("accessToken", accessToken).err(); err != nil {
		return nil, withContext(err, "webauthnRegisterOptions", "")
	}

	var response RegistrationOptions
	err := client.postAuthorized(ctx, "webauthnRegisterOptions", "", accessToken,
		"/auth/webauthn/register-options", map[string]any{}, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

/*
WebAuthnRegisterFinish submits the authenticator's attestation and
completes passkey enrollment. On success the user's discovery entry is
invalidated so the new credential is visible to the next lookup.

Parameters:
  - ctx: context.Context
  - accessToken: The current session's access token
  - email: The enrolling user's address, for cache invalidation
  - challengeID: The identifier returned by WebAuthnRegisterOptions
  - attestation: The authenticator's attestation, passed through opaque

Returns:
  - string: The newly registered credential ID
  - error: Classified failures
*/
func (client *Client) WebAuthnRegisterFinish(ctx context.Context, accessToken, email, challengeID string, attestation json.RawMessage) (string, error) {
	email = session.NormalizeEmail(email)
	err := (&validator{}).
		required("accessToken", accessToken).
		required("challengeId", challengeID).
		custom("attestation", len(attestation) == 0, "is required").
		err()
	if err != nil {
		return "", withContext(err, "webauthnRegisterFinish", email)
	}

	var response struct {
		CredentialID string `json:"credentialId"`
	}
	if err := client.postAuthorized(ctx, "webauthnRegisterFinish", email, accessToken,
		"/auth/webauthn/register-verify", map[string]any{
			"challengeId": challengeID,
			"attestation": attestation,
		}, &response); err != nil {
		return "", err
	}
	if err := (&validator{}).base64url("credentialId", response.CredentialID).err(); err != nil {
		return "", withContext(err, "webauthnRegisterFinish", email)
	}

	client.cache.Invalidate(email)
	return response.CredentialID, nil
}

// # Magic Links

/*
SendMagicLink asks the IdP to deliver a sign-in link. Paced by the same
throttle as email codes.

Parameters:
  - ctx: context.Context
  - email: The recipient
  - redirectURL: Optional post-verification target, must be HTTPS

Returns:
  - *SendResult: Dispatch outcome and link expiry
  - error: Classified failures
*/
func (client *Client) SendMagicLink(ctx context.Context, email, redirectURL string) (*SendResult, error) {
	email = session.NormalizeEmail(email)
	chain := (&validator{}).email("email", email)
	if redirectURL != "" {
		chain.httpsURL("redirectUrl", redirectURL)
	}
	if err := chain.err(); err != nil {
		return nil, withContext(err, "sendMagicLink", email)
	}
	if err := client.sendLimit.Wait(ctx); err != nil {
		return nil, autherr.Cancelled("send cancelled while throttled").WithContext("sendMagicLink", email)
	}

	body := map[string]any{"email": email}
	if redirectURL != "" {
		body["redirectUrl"] = redirectURL
	}

	var response struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	err := client.post(ctx, "sendMagicLink", email, "/auth/start-passwordless", body, &response)
	if err != nil {
		return nil, err
	}
	return &SendResult{Sent: response.Success, ExpiresAt: response.ExpiresAt, Message: response.Message}, nil
}

/*
VerifyMagicLink exchanges an opaque link token for a session.

Parameters:
  - ctx: context.Context
  - token: The token carried by the clicked link

Returns:
  - *AuthResult: The authenticated identity and tokens
  - error: Classified failures
*/
func (client *Client) VerifyMagicLink(ctx context.Context, token string) (*AuthResult, error) {
	if err := (&validator{}).required("token", token).err(); err != nil {
		return nil, withContext(err, "verifyMagicLink", "")
	}

	var response authResponse
	if err := client.post(ctx, "verifyMagicLink", "", "/auth/verify-magic-link",
		map[string]any{"token": token}, &response); err != nil {
		return nil, err
	}
	return client.authResult(&response)
}

// # Tokens

/*
RefreshToken rotates the session's token material. Optional response fields
stay zero when the server omits them; the caller decides what omission
means for the stored set.

Parameters:
  - ctx: context.Context
  - refreshToken: The current refresh token

Returns:
  - *TokenResponse: The rotated material
  - error: Classified failures; authFailed with the invalid_grant server
    code when the token was already exchanged
*/
func (client *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if err := (&validator{}).required("refresh_token", refreshToken).err(); err != nil {
		return nil, withContext(err, "refreshToken", "")
	}

	var response struct {
		AccessToken        string `json:"access_token"`
		RefreshToken       string `json:"refresh_token"`
		ExpiresIn          int64  `json:"expires_in"`
		SecondaryToken     string `json:"secondary_token"`
		SecondaryExpiresAt int64  `json:"secondary_expires_at"`
	}
	if err := client.post(ctx, "refreshToken", "", "/auth/refresh",
		map[string]any{"refresh_token": refreshToken}, &response); err != nil {
		return nil, err
	}

	result := &TokenResponse{
		AccessToken:        response.AccessToken,
		RefreshToken:       response.RefreshToken,
		SecondaryToken:     response.SecondaryToken,
		SecondaryExpiresAt: response.SecondaryExpiresAt,
	}
	if response.ExpiresIn > 0 {
		result.ExpiresAt = client.now().UnixMilli() + response.ExpiresIn*1000
	}
	return result, nil
}

/*
SignOut revokes the session upstream. Best-effort from the caller's point
of view: local state is cleared regardless of the outcome. The discovery
cache is flushed either way.

Parameters:
  - ctx: context.Context
  - accessToken: The session's access token
  - refreshToken: The refresh token, empty when already cleared

Returns:
  - error: Classified failures
*/
func (client *Client) SignOut(ctx context.Context, accessToken, refreshToken string) error {
	defer client.cache.ClearAll()

	if err := (&validator{}).required("access_token", accessToken).err(); err != nil {
		return withContext(err, "signOut", "")
	}

	body := map[string]any{"access_token": accessToken}
	if refreshToken != "" {
		body["refresh_token"] = refreshToken
	}

	var response struct {
		Success bool `json:"success"`
	}
	return client.post(ctx, "signOut", "", "/auth/signout", body, &response)
}

// # Health

/*
Health reports the upstream service status. Unlike the auth endpoints it is
never prefixed by the application code.

Parameters:
  - ctx: context.Context

Returns:
  - *HealthResult: Status plus optional per-service breakdown
  - error: Classified failures
*/
func (client *Client) Health(ctx context.Context) (*HealthResult, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/health", nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeUnknown, "health request build failed", err).WithContext("health", "")
	}
	request.Header.Set("X-Client-Id", client.clientID)

	var result HealthResult
	if err := client.do(request, "health", "", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// # Wire Plumbing

// authResponse is the shared shape of every session-producing endpoint.
type authResponse struct {
	Success      bool         `json:"success"`
	Step         string       `json:"step"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	User         wireAuthUser `json:"user"`
}

// wireAuthUser is the identity object embedded in auth responses.
type wireAuthUser struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name"`
	EmailVerified bool           `json:"emailVerified"`
	CreatedAt     string         `json:"createdAt"`
	LastLoginAt   string         `json:"lastLoginAt"`
	Metadata      map[string]any `json:"metadata"`
}

// authResult converts an auth response into the domain shape, deriving
// absolute expiry from the relative expires_in when present.
func (client *Client) authResult(response *authResponse) (*AuthResult, error) {
	if response.AccessToken == "" || response.User.ID == "" {
		return nil, autherr.New(autherr.CodeUnknown, "auth response missing token or user")
	}

	nowMillis := client.now().UnixMilli()
	tokens := session.TokenSet{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		RefreshedAt:  nowMillis,
	}
	if response.ExpiresIn > 0 {
		tokens.ExpiresAt = nowMillis + response.ExpiresIn*1000
	}

	return &AuthResult{
		User: session.User{
			ID:            response.User.ID,
			Email:         session.NormalizeEmail(response.User.Email),
			Name:          response.User.Name,
			EmailVerified: response.User.EmailVerified,
			CreatedAt:     response.User.CreatedAt,
			LastLoginAt:   response.User.LastLoginAt,
			Metadata:      response.User.Metadata,
		},
		Tokens: tokens,
	}, nil
}

// post sends an authorized-less JSON POST to an auth path.
func (client *Client) post(ctx context.Context, method, email, path string, body, out any) error {
	return client.postAuthorized(ctx, method, email, "", path, body, out)
}

// postAuthorized sends a JSON POST, attaching a bearer token when given.
func (client *Client) postAuthorized(ctx context.Context, method, email, accessToken, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return autherr.Wrap(autherr.CodeUnknown, "request encode failed", err).WithContext(method, email)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return autherr.Wrap(autherr.CodeUnknown, "request build failed", err).WithContext(method, email)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Client-Id", client.clientID)
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return client.do(request, method, email, out)
}

// do executes the request and decodes either the success body or the error
// envelope.
func (client *Client) do(request *http.Request, method, email string, out any) error {
	started := client.now()
	response, err := client.httpClient.Do(request)
	if err != nil {
		return autherr.Wrap(autherr.CodeNetwork, "network request failed", err).WithContext(method, email)
	}
	defer func() { _ = response.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return autherr.Wrap(autherr.CodeNetwork, "response read failed", err).WithContext(method, email)
	}

	client.logger.Debug("idp_request_completed",
		slog.String("method", method),
		slog.String("path", request.URL.Path),
		slog.Int("status", response.StatusCode),
		slog.Duration("elapsed", client.now().Sub(started)),
	)

	if response.StatusCode >= 400 {
		return client.envelopeError(method, email, response, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return autherr.Wrap(autherr.CodeUnknown, "response decode failed", err).WithContext(method, email)
	}
	return nil
}

// envelopeError maps a non-2xx response into the taxonomy, honoring the
// {error, message, details} envelope and the 429 Retry-After header.
func (client *Client) envelopeError(method, email string, response *http.Response, raw []byte) error {
	var envelope struct {
		Error   string         `json:"error"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	_ = json.Unmarshal(raw, &envelope)

	message := envelope.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
		if message == "" {
			message = fmt.Sprintf("request failed with status %d", response.StatusCode)
		}
	}

	authError := autherr.FromEnvelope(method, email, envelope.Error, message, response.StatusCode)
	authError.Details = envelope.Details

	if response.StatusCode == http.StatusTooManyRequests {
		authError.RetryAfter = retryAfterSeconds(response.Header.Get("Retry-After"), envelope.Details)
	}
	return authError
}

// retryAfterSeconds extracts the server backoff from the header, falling
// back to a retryAfter entry in the envelope details.
func retryAfterSeconds(header string, details map[string]any) int {
	if header != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && seconds > 0 {
			return seconds
		}
	}
	if details != nil {
		if value, ok := details["retryAfter"].(float64); ok && value > 0 {
			return int(value)
		}
	}
	return 0
}

// endpoint joins the base URL, optional app-code prefix, and path.
func (client *Client) endpoint(path string) string {
	if client.appCode == "" {
		return client.baseURL + path
	}
	return client.baseURL + "/" + client.appCode + path
}

// withContext backfills method and email onto an already classified error.
func withContext(err error, method, email string) error {
	if authError := autherr.As(err); authError != nil {
		return authError.WithContext(method, email)
	}
	return err
}
