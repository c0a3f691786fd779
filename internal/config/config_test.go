// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration invalid: %v", err)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if !cfg.Flow.AllowManualEntry {
		t.Error("manual entry must default to enabled")
	}
	if cfg.Lifecycle.RefreshThreshold != 5*time.Minute {
		t.Errorf("refresh threshold = %v", cfg.Lifecycle.RefreshThreshold)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9000
store:
  backend: file
  token_dir: /tmp/tokens
  flow_dir: /tmp/flows
flow:
  allow_manual_entry: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("CLAUDE_HTTP_PORT", "9100")
	t.Setenv("CLAUDE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if cfg.Flow.AllowManualEntry {
		t.Error("file-level allow_manual_entry=false lost")
	}
	if cfg.Store.TokenDir != "/tmp/tokens" {
		t.Errorf("token dir = %q", cfg.Store.TokenDir)
	}
}

func TestLoad_OAuthEnvAliases(t *testing.T) {
	t.Setenv("CLAUDE_OAUTH_CLIENT_ID", "11111111-2222-3333-4444-555555555555")
	t.Setenv("CLAUDE_OAUTH_REDIRECT_URI", "https://proxy.example/oauth/callback")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OAuth.ClientID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("client id = %q, want CLAUDE_OAUTH_CLIENT_ID honored", cfg.OAuth.ClientID)
	}
	if cfg.OAuth.RedirectURI != "https://proxy.example/oauth/callback" {
		t.Errorf("redirect uri = %q, want CLAUDE_OAUTH_REDIRECT_URI honored", cfg.OAuth.RedirectURI)
	}
}

func TestLoad_TokenVariablesNotConfig(t *testing.T) {
	t.Setenv("CLAUDE_ACCESS_TOKEN", "should-not-appear")
	t.Setenv("CLAUDE_REFRESH_TOKEN", "should-not-appear")
	t.Setenv("CLAUDE_EXPIRES_AT", "2000000000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	// Bootstrap variables must not leak into any config field
	if cfg.Security.EncryptionKey == "should-not-appear" {
		t.Error("CLAUDE_ACCESS_TOKEN leaked into configuration")
	}
}

func TestLoad_SliceFromEnv(t *testing.T) {
	t.Setenv("CLAUDE_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != "https://a.example" {
		t.Errorf("cors origins = %v", cfg.Server.CORSOrigins)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"missing badger path", func(c *Config) { c.Store.Backend = "badger"; c.Store.BadgerPath = "" }},
		{"zero flow ttl", func(c *Config) { c.Flow.TTL = 0 }},
		{"api key without user", func(c *Config) { c.Security.APIKeys = map[string]string{"sk-proxy-1": ""} }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := defaultConfig()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
