// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit
// wins.
var DefaultConfigPaths = []string{
	"claudegate.yaml",
	"claudegate.yml",
	"/etc/claudegate/config.yaml",
	"/etc/claudegate/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CLAUDEGATE_CONFIG"

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. CLAUDE_* environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, checking
// the override variable first.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings binds CLAUDE_* environment variables to config paths.
// CLAUDE_ACCESS_TOKEN, CLAUDE_REFRESH_TOKEN, and CLAUDE_EXPIRES_AT are
// deliberately absent: those feed the token store's bootstrap tier, not
// the configuration.
var envMappings = map[string]string{
	"claude_http_host":            "server.host",
	"claude_http_port":            "server.port",
	"claude_http_timeout":         "server.timeout",
	"claude_cors_origins":         "server.cors_origins",
	"claude_rate_limit_reqs":      "server.rate_limit_reqs",
	"claude_rate_limit_window":    "server.rate_limit_window",
	"claude_rate_limit_disabled":  "server.rate_limit_disabled",
	"claude_client_id":            "oauth.client_id",
	"claude_oauth_client_id":      "oauth.client_id",
	"claude_authorize_url":        "oauth.authorize_url",
	"claude_token_url":            "oauth.token_url",
	"claude_refresh_url":          "oauth.refresh_url",
	"claude_redirect_uri":         "oauth.redirect_uri",
	"claude_oauth_redirect_uri":   "oauth.redirect_uri",
	"claude_scopes":               "oauth.scopes",
	"claude_store_backend":        "store.backend",
	"claude_token_dir":            "store.token_dir",
	"claude_flow_dir":             "store.flow_dir",
	"claude_badger_path":          "store.badger_path",
	"claude_cleanup_max_age":      "store.cleanup_max_age",
	"claude_flow_ttl":             "flow.ttl",
	"claude_allow_manual_entry":   "flow.allow_manual_entry",
	"claude_refresh_threshold":    "lifecycle.refresh_threshold",
	"claude_sweep_interval":       "lifecycle.sweep_interval",
	"claude_interceptor_hosts":    "interceptor.hosts",
	"claude_fallback_to_api_key":  "interceptor.fallback_to_api_key",
	"claude_token_encryption_key": "security.encryption_key",
	"claude_log_level":            "logging.level",
	"claude_log_format":           "logging.format",
	"claude_log_caller":           "logging.caller",
}

// envTransformFunc maps a CLAUDE_* variable to its config path, or
// empty to skip the variable entirely.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// sliceConfigPaths lists paths parsed as comma-separated slices when
// they arrive from the environment as strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"interceptor.hosts",
}

// processSliceFields converts comma-separated string values to slices
// for known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}
