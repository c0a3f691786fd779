// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package tokenstore

import (
	"os"
	"strconv"
	"time"

	"github.com/tomtom215/claudegate/internal/logging"
)

// Environment variables for the bootstrap tier. All three must be set;
// a partial set is ignored with a warning rather than producing a
// half-formed record.
const (
	EnvAccessToken  = "CLAUDE_ACCESS_TOKEN"
	EnvRefreshToken = "CLAUDE_REFRESH_TOKEN"
	EnvExpiresAt    = "CLAUDE_EXPIRES_AT"
)

// EnvUserID is the user the environment grant belongs to. Environment
// bootstrap is inherently single-user.
const EnvUserID = "default"

// EnvTier is the read-only bottom tier of the hierarchy: a single grant
// injected through the environment, read exactly once at startup. It
// exists so a container can come up already authenticated.
type EnvTier struct {
	record *TokenRecord
}

// NewEnvTier reads the bootstrap variables. Returns a tier with no
// record when they are absent or incomplete.
func NewEnvTier() *EnvTier {
	return newEnvTier(os.Getenv)
}

func newEnvTier(getenv func(string) string) *EnvTier {
	access := getenv(EnvAccessToken)
	refresh := getenv(EnvRefreshToken)
	expires := getenv(EnvExpiresAt)

	if access == "" && refresh == "" && expires == "" {
		return &EnvTier{}
	}
	if access == "" || refresh == "" || expires == "" {
		logging.Warn().Msg("partial environment token configuration ignored; all of CLAUDE_ACCESS_TOKEN, CLAUDE_REFRESH_TOKEN, CLAUDE_EXPIRES_AT are required")
		return &EnvTier{}
	}

	expiresAt, err := parseExpiresAt(expires)
	if err != nil {
		logging.Warn().Err(err).Msg("invalid CLAUDE_EXPIRES_AT, environment token ignored")
		return &EnvTier{}
	}

	now := time.Now()
	return &EnvTier{record: &TokenRecord{
		UserID:       EnvUserID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		IsMax:        true,
		CreatedAt:    now,
		LastUsedAt:   now,
	}}
}

// parseExpiresAt accepts unix seconds or RFC 3339.
func parseExpiresAt(value string) (time.Time, error) {
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, value)
}

// Get returns the bootstrap record for the default user, or nil.
func (t *EnvTier) Get(userID string) *TokenRecord {
	if t.record == nil || userID != EnvUserID {
		return nil
	}
	return t.record.Clone()
}

// HasRecord reports whether the environment supplied a usable grant.
func (t *EnvTier) HasRecord() bool {
	return t.record != nil
}
