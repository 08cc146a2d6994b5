// Copyright (c) 2026 Keyfort. All rights reserved.
// Author: dev@keyfort.io

package keyfort

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// # Configuration

// SignInMode selects what happens when a checked email is not enrolled.
type SignInMode string

// Sign-in modes.
const (
	// SignInLoginOnly refuses unknown emails.
	SignInLoginOnly SignInMode = "login-only"

	// SignInLoginOrRegister routes unknown emails into enrollment.
	SignInLoginOrRegister SignInMode = "login-or-register"
)

// StorageType selects the durability class of the session store.
type StorageType string

// Storage classes.
const (
	// StorageDurable persists sessions across process restarts.
	StorageDurable StorageType = "durable"

	// StorageVolatile keeps sessions in memory only.
	StorageVolatile StorageType = "volatile"
)

// Refresh window bounds, in seconds.
const (
	defaultRefreshBefore = 300
	minimumRefreshBefore = 60
)

// StorageConfig tunes session persistence.
type StorageConfig struct {
	Type StorageType `env:"TYPE" envDefault:"volatile"`

	// Dir roots the durable file store. Empty selects a keyfort directory
	// under the user cache dir, keyed by Domain.
	Dir string `env:"DIR"`

	// SessionTimeout is advisory for the embedding application; the engine
	// itself expires sessions only by token expiry.
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT"`

	// PersistentSessions controls whether the last-user hint is written.
	PersistentSessions bool `env:"PERSISTENT_SESSIONS" envDefault:"true"`
}

// Config is the single configuration record the engine accepts. The engine
// reads no environment itself; embedding applications may populate this
// from anywhere, [ConfigFromEnv] being one convenience.
type Config struct {
	// APIBaseURL is the IdP root. Immutable after construction.
	APIBaseURL string `env:"API_BASE_URL"`

	// ClientID is the application credential. Immutable after construction.
	ClientID string `env:"CLIENT_ID"`

	// Domain is the relying-party identifier for WebAuthn. Immutable after
	// construction.
	Domain string `env:"DOMAIN"`

	EnablePasskeys   bool       `env:"ENABLE_PASSKEYS" envDefault:"true"`
	EnableMagicLinks bool       `env:"ENABLE_MAGIC_LINKS" envDefault:"true"`
	SignInMode       SignInMode `env:"SIGN_IN_MODE" envDefault:"login-or-register"`

	// AppCode prefixes IdP auth paths for multi-tenant deployments.
	AppCode string `env:"APP_CODE"`

	// RefreshBefore is how many seconds before expiry to rotate tokens.
	RefreshBefore int `env:"REFRESH_BEFORE" envDefault:"300"`

	Storage StorageConfig `envPrefix:"STORAGE_"`

	// ErrorReporting receives every classified error the engine records.
	// Opaque to the engine; nil disables reporting.
	ErrorReporting func(error) `env:"-"`

	// Branding is passed through to the UI untouched.
	Branding map[string]any `env:"-"`
}

// ConfigFromEnv loads a config from KEYFORT_-prefixed environment
// variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "KEYFORT_"}); err != nil {
		return Config{}, fmt.Errorf("config_env_parse_failed: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// Validate checks the record for internal consistency.
func (cfg *Config) Validate() error {
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("config: apiBaseUrl is required")
	}
	parsed, err := url.Parse(cfg.APIBaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("config: apiBaseUrl must be an absolute http(s) URL")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("config: clientId is required")
	}
	if cfg.Domain == "" {
		return fmt.Errorf("config: domain is required")
	}
	switch cfg.SignInMode {
	case SignInLoginOnly, SignInLoginOrRegister:
	default:
		return fmt.Errorf("config: signInMode must be login-only or login-or-register")
	}
	switch cfg.Storage.Type {
	case StorageDurable, StorageVolatile:
	default:
		return fmt.Errorf("config: storage.type must be durable or volatile")
	}
	if cfg.RefreshBefore < minimumRefreshBefore {
		return fmt.Errorf("config: refreshBefore must be at least %d seconds", minimumRefreshBefore)
	}
	return nil
}

// applyDefaults fills zero values that construction paths other than env
// parsing leave unset.
func (cfg *Config) applyDefaults() {
	if cfg.SignInMode == "" {
		cfg.SignInMode = SignInLoginOrRegister
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = StorageVolatile
	}
	if cfg.RefreshBefore == 0 {
		cfg.RefreshBefore = defaultRefreshBefore
	}
}
