// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

// Package config defines the broker's configuration, loaded in layers:
// built-in defaults, an optional YAML file, then CLAUDE_* environment
// variables, with environment winning.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	OAuth       OAuthConfig       `koanf:"oauth"`
	Store       StoreConfig       `koanf:"store"`
	Flow        FlowConfig        `koanf:"flow"`
	Lifecycle   LifecycleConfig   `koanf:"lifecycle"`
	Interceptor InterceptorConfig `koanf:"interceptor"`
	Security    SecurityConfig    `koanf:"security"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout           time.Duration `koanf:"timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// OAuthConfig overrides the provider endpoints. Empty values fall back
// to the public Claude endpoints; overriding exists for tests and
// air-gapped mirrors.
type OAuthConfig struct {
	ClientID     string `koanf:"client_id"`
	AuthorizeURL string `koanf:"authorize_url" validate:"omitempty,url"`
	TokenURL     string `koanf:"token_url" validate:"omitempty,url"`
	RefreshURL   string `koanf:"refresh_url" validate:"omitempty,url"`
	RedirectURI  string `koanf:"redirect_uri" validate:"omitempty,url"`
	Scopes       string `koanf:"scopes"`
}

// StoreConfig selects and locates the persistence backends.
type StoreConfig struct {
	Backend       string        `koanf:"backend" validate:"oneof=file badger"`
	TokenDir      string        `koanf:"token_dir"`
	FlowDir       string        `koanf:"flow_dir"`
	BadgerPath    string        `koanf:"badger_path"`
	CleanupMaxAge time.Duration `koanf:"cleanup_max_age"`
}

// FlowConfig tunes authorization flows.
type FlowConfig struct {
	TTL              time.Duration `koanf:"ttl"`
	AllowManualEntry bool          `koanf:"allow_manual_entry"`
}

// LifecycleConfig tunes token refresh behavior.
type LifecycleConfig struct {
	RefreshThreshold time.Duration `koanf:"refresh_threshold"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
}

// InterceptorConfig controls outbound request interception.
type InterceptorConfig struct {
	Hosts            []string `koanf:"hosts"`
	FallbackToAPIKey bool     `koanf:"fallback_to_api_key"`
}

// SecurityConfig holds key material and caller identity.
type SecurityConfig struct {
	// EncryptionKey is the token-at-rest key (base64 or raw, 16+
	// bytes). Empty means an ephemeral key: tokens do not survive a
	// restart, and startup logs a warning.
	EncryptionKey string `koanf:"encryption_key"`

	// APIKeys maps proxy API keys to user IDs. Empty map means
	// single-user mode: every caller is the "default" user.
	APIKeys map[string]string `koanf:"api_keys"`
}

// LoggingConfig mirrors the logging package's configuration.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, overridden by file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8787,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		OAuth: OAuthConfig{
			// Empty: provider defaults apply
		},
		Store: StoreConfig{
			Backend:       "file",
			TokenDir:      "/data/tokens",
			FlowDir:       "/data/flows",
			BadgerPath:    "/data/claudegate.badger",
			CleanupMaxAge: 0, // 0 disables stale-record cleanup
		},
		Flow: FlowConfig{
			TTL:              10 * time.Minute,
			AllowManualEntry: true,
		},
		Lifecycle: LifecycleConfig{
			RefreshThreshold: 5 * time.Minute,
			SweepInterval:    time.Minute,
		},
		Interceptor: InterceptorConfig{
			Hosts:            []string{"api.anthropic.com"},
			FallbackToAPIKey: true,
		},
		Security: SecurityConfig{
			EncryptionKey: "",
			APIKeys:       map[string]string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate applies struct tags plus cross-field checks.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.TokenDir == "" || c.Store.FlowDir == "" {
			return fmt.Errorf("file backend requires store.token_dir and store.flow_dir")
		}
	case "badger":
		if c.Store.BadgerPath == "" {
			return fmt.Errorf("badger backend requires store.badger_path")
		}
	}

	if c.Flow.TTL <= 0 {
		return fmt.Errorf("flow.ttl must be positive")
	}
	if c.Lifecycle.RefreshThreshold <= 0 {
		return fmt.Errorf("lifecycle.refresh_threshold must be positive")
	}
	if c.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("lifecycle.sweep_interval must be positive")
	}

	for key, userID := range c.Security.APIKeys {
		if key == "" {
			return fmt.Errorf("security.api_keys contains an empty key")
		}
		if userID == "" {
			return fmt.Errorf("security.api_keys key %q maps to an empty user ID", redactKey(key))
		}
	}
	return nil
}

// redactKey masks an API key for error messages.
func redactKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
